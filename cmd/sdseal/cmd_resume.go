package main

import (
	"io"

	"github.com/spf13/cobra"
)

func newResumeCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags pollFlags
	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Poll a previously submitted job without resubmitting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, flags, stdout, stderr)
			if err != nil {
				return err
			}
			outcome, _ := s.ctrl.Resume(s.ctx, args[0], flags.out)
			return s.finish(outcome)
		},
	}
	flags.register(cmd)
	return cmd
}
