package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sdseal/internal/envelope"
)

func newKeygenCmd(stdout, stderr io.Writer) *cobra.Command {
	var scheme string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a pre-shared key for ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := envelope.GenerateKey(scheme)
			if err != nil {
				fmt.Fprintf(stderr, "Failed to generate key: %v\n", err)
				return errExit
			}
			fmt.Fprintln(stdout, key)
			fmt.Fprintf(stderr, "scheme: %s, fingerprint: %s\n", scheme, envelope.Fingerprint([]byte(key)))
			return nil
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", envelope.SchemeFernet, "Envelope scheme: fernet or age")
	return cmd
}
