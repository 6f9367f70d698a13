package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/sdseal/internal/storage"
)

const sealedInput = `{"encrypted_input":"gAAAAAB-token"}`

func openQueue(t *testing.T) (*Queue, *sql.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sdseal.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, json.RawMessage(sealedInput))
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	id2, err := q.Enqueue(ctx, json.RawMessage(sealedInput))
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	j1, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 1: %v", err)
	}
	if j1 == nil || j1.ID != id1 || j1.Status != StatusInProgress || j1.StartedAt == nil {
		t.Fatalf("unexpected job1: %#v", j1)
	}
	if string(j1.Input) != sealedInput {
		t.Fatalf("input changed in the queue: %s", j1.Input)
	}

	j2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 2: %v", err)
	}
	if j2 == nil || j2.ID != id2 {
		t.Fatalf("unexpected job2: %#v", j2)
	}

	j3, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 3: %v", err)
	}
	if j3 != nil {
		t.Fatalf("expected empty queue, got %#v", j3)
	}
}

func TestQueueEnqueueRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	for _, in := range []string{"", "{nope"} {
		if _, err := q.Enqueue(context.Background(), json.RawMessage(in)); err == nil {
			t.Errorf("Enqueue(%q) should fail", in)
		}
	}
}

func TestQueueCompleteWritesJobLog(t *testing.T) {
	t.Parallel()

	q, db := openQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, json.RawMessage(sealedInput))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Completing a job that never started is refused.
	if err := q.Complete(ctx, id, StatusCompleted, json.RawMessage(`{}`), ""); err == nil {
		t.Fatal("expected error completing a queued job")
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	output := json.RawMessage(`{"encrypted_output":"gAAAAAB-result"}`)
	if err := q.Complete(ctx, id, StatusCompleted, output, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	j, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusCompleted || string(j.Output) != string(output) || j.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %#v", j)
	}
	if j.ExecutionTime() < 0 || j.DelayTime() < 0 {
		t.Fatalf("negative timings: delay=%v exec=%v", j.DelayTime(), j.ExecutionTime())
	}

	var count, outputBytes int
	if err := db.QueryRow("SELECT COUNT(*), SUM(output_bytes) FROM job_log WHERE id = ?;", id).Scan(&count, &outputBytes); err != nil {
		t.Fatalf("count job_log: %v", err)
	}
	if count != 1 || outputBytes != len(output) {
		t.Fatalf("job_log rows=%d bytes=%d", count, outputBytes)
	}

	if err := q.Complete(ctx, id, StatusFailed, nil, "again"); err == nil {
		t.Fatal("expected error completing a job twice")
	}
}

func TestQueueCompleteValidation(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()

	if err := q.Complete(ctx, "", StatusCompleted, nil, ""); err == nil {
		t.Error("expected error for empty id")
	}
	if err := q.Complete(ctx, "x", StatusInProgress, nil, ""); err == nil {
		t.Error("expected error for non-terminal status")
	}
	if err := q.Complete(ctx, "missing", StatusFailed, nil, "boom"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Complete(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestQueueGetNotFound(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	if _, err := q.Get(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Get error = %v, want ErrJobNotFound", err)
	}
}

func TestQueueCancel(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()

	queued, _ := q.Enqueue(ctx, json.RawMessage(sealedInput))
	if err := q.Cancel(ctx, queued); err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	j, _ := q.Get(ctx, queued)
	if j.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", j.Status)
	}
	if next, _ := q.Dequeue(ctx); next != nil {
		t.Fatalf("cancelled job was dequeued: %#v", next)
	}

	running, _ := q.Enqueue(ctx, json.RawMessage(sealedInput))
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Cancel(ctx, running); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("Cancel running error = %v, want ErrNotCancellable", err)
	}
	if err := q.Cancel(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Cancel missing error = %v, want ErrJobNotFound", err)
	}
}

func TestQueueRecoverOrphansAndDepth(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()

	orphan, _ := q.Enqueue(ctx, json.RawMessage(sealedInput))
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, json.RawMessage(sealedInput)); err != nil {
		t.Fatal(err)
	}

	queued, inProgress, err := q.Depth(ctx)
	if err != nil || queued != 1 || inProgress != 1 {
		t.Fatalf("Depth = %d, %d, %v", queued, inProgress, err)
	}

	n, err := q.RecoverOrphans(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverOrphans = %d, %v", n, err)
	}
	j, _ := q.Get(ctx, orphan)
	if j.Status != StatusFailed || j.Error == "" {
		t.Fatalf("orphan not failed: %#v", j)
	}

	queued, inProgress, _ = q.Depth(ctx)
	if queued != 1 || inProgress != 0 {
		t.Fatalf("Depth after recovery = %d, %d", queued, inProgress)
	}
}

func TestQueuePrune(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	old, _ := q.Enqueue(ctx, json.RawMessage(sealedInput))
	_, _ = q.Dequeue(ctx)
	if err := q.Complete(ctx, old, StatusCompleted, json.RawMessage(`{}`), ""); err != nil {
		t.Fatal(err)
	}

	q.now = func() time.Time { return base.Add(2 * time.Hour) }
	pending, _ := q.Enqueue(ctx, json.RawMessage(sealedInput))

	n, err := q.Prune(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if _, err := q.Get(ctx, old); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("old job survived prune: %v", err)
	}
	if _, err := q.Get(ctx, pending); err != nil {
		t.Fatalf("pending job pruned: %v", err)
	}
	if _, err := q.Prune(ctx, 0); err == nil {
		t.Fatal("expected error for non-positive retention")
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusInQueue, StatusInProgress} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
