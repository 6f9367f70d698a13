package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sdseal/internal/doctor"
)

func newDoctorCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		mode    string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run preflight checks without starting the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := doctor.Mode(mode)
			switch m {
			case doctor.ModeNone, doctor.ModeServe, doctor.ModeServerless:
			default:
				fmt.Fprintf(stderr, "invalid --mode %q: must be serve or serverless\n", mode)
				return errExit
			}

			cfg, err := loadConfig(cmd, stderr, stderr)
			if err != nil {
				return err
			}
			result := doctor.New(cfg, m).Validate()

			if jsonOut {
				out, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, out)
			} else {
				fmt.Fprint(stdout, doctor.FormatHuman(result))
			}
			if !result.Valid {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Also check settings for a job source: serve or serverless")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output results as JSON")
	return cmd
}
