// sdseal submits sealed image-generation jobs and polls them to completion.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sdseal/internal/buildinfo"
)

// Version metadata injected via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit is returned by RunE functions that already reported their error.
var errExit = errors.New("exit")

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "sdseal: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "sdseal",
		Short:         "Submit sealed image-generation jobs to an untrusted platform",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "sdseal: unknown command %q\n", args[0])
			return errExit
		},
	}
	root.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	root.PersistentFlags().String("env-file", ".env", "Dotenv file loaded before reading the environment")
	root.PersistentFlags().String("color", "auto", "Color output: always, auto, never")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		mode, _ := cmd.Flags().GetString("color")
		switch mode {
		case "always", "auto", "never":
			return nil
		default:
			return fmt.Errorf("invalid --color value %q: must be always, auto, or never", mode)
		}
	}

	root.AddCommand(
		newSubmitCmd(stdout, stderr),
		newResumeCmd(stdout, stderr),
		newKeygenCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			info := buildinfo.Resolve(version, commit, date)
			if jsonOut {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(stdout, "sdseal %s (commit: %s, built: %s)\n", info.Version, info.Commit, info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output version metadata as JSON")
	return cmd
}
