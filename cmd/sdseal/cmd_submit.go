package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sdseal/internal/controller"
	"github.com/mattjoyce/sdseal/internal/protocol"
)

func newSubmitCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		flags pollFlags
		img   string
	)
	cmd := &cobra.Command{
		Use:   "submit [flags] -- <sd args>...",
		Short: "Seal a job, submit it and wait for the image",
		Long: `Seal a job, submit it and wait for the image.

A single argument is split into words by the worker using shell quoting
rules. Several arguments are sent as an already-split list.`,
		Example: `  sdseal submit -- "-p 'a red cube' -W 64 -H 64"
  sdseal submit --img in.png --out out.png -- -p "make it blue" {INPUT}`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, flags, stdout, stderr)
			if err != nil {
				return err
			}

			outcome, _ := s.ctrl.Submit(s.ctx, controller.Request{
				CmdArgs:    commandArgs(args),
				InputImage: img,
				OutputPath: flags.out,
			})
			return s.finish(outcome)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&img, "img", "", "Path to an input image (optional)")
	return cmd
}

func commandArgs(args []string) json.RawMessage {
	if len(args) == 1 {
		return protocol.CommandString(args[0])
	}
	return protocol.CommandList(args)
}
