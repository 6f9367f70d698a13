// Package dispatch runs queued jobs from the self-hosted platform through the
// worker pipeline.
//
// The dispatcher dequeues jobs from the sqlite queue and hands each one to the
// worker. It is strictly serial: the scratch store has fixed artifact names, so
// two jobs must never overlap.
//
// Key features:
//   - Serial FIFO dispatch (one job at a time)
//   - Immediate wake-up on enqueue, with a poll interval as fallback
//   - Orphan recovery on startup (IN_PROGRESS jobs become FAILED)
//   - Periodic pruning of finished jobs and their sealed outputs
//
// Status handling:
//   - Every job the worker handled is COMPLETED; the output carries the
//     success or error outcome, matching the hosted platform
//   - A job whose output could not be produced at all is FAILED
//
// The dispatcher never looks inside inputs or outputs.
package dispatch
