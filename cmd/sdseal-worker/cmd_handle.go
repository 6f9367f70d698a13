package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sdseal/internal/protocol"
)

const maxStdinJob = 64 << 20

func newHandleCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "handle",
		Short: "Run one {\"id\",\"input\"} job read from stdin and print its output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxStdinJob))
			if err != nil {
				fmt.Fprintf(stderr, "Failed to read job: %v\n", err)
				return errExit
			}
			var job protocol.Job
			if err := json.Unmarshal(data, &job); err != nil {
				fmt.Fprintf(stderr, "Job is not valid JSON: %v\n", err)
				return errExit
			}
			if len(job.Input) == 0 {
				fmt.Fprintln(stderr, "Job has no input")
				return errExit
			}
			if job.ID == "" {
				job.ID = "local"
			}

			cfg, err := loadConfig(cmd, stderr, stderr)
			if err != nil {
				return err
			}
			w, release, err := startWorker(cmd.Context(), cfg)
			if err != nil {
				fmt.Fprintf(stderr, "Worker startup failed: %v\n", err)
				return errExit
			}
			defer release()

			out := w.Handle(cmd.Context(), job)
			fmt.Fprintf(stdout, "%s\n", out)
			return nil
		},
	}
}
