package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sdseal/internal/models"
)

type modelEntry struct {
	Name   string `json:"name"`
	Repo   string `json:"repo"`
	Path   string `json:"path"`
	Source string `json:"source"`
	Blake3 string `json:"blake3"`
}

func newModelsCmd(stdout, stderr io.Writer) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Resolve MODELS (downloading if needed) and print the model map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, stderr, stderr)
			if err != nil {
				return err
			}
			specs := models.Parse(cfg.Models.Spec)
			if len(specs) == 0 {
				fmt.Fprintln(stderr, "MODELS is empty")
				return errExit
			}
			resolved, err := newResolver(cfg).ResolveAll(cmd.Context(), specs)
			if err != nil {
				fmt.Fprintf(stderr, "Model resolution failed: %v\n", err)
				return errExit
			}

			entries := make([]modelEntry, 0, len(resolved))
			for _, name := range resolved.Names() {
				m := resolved[name]
				sum, err := models.Checksum(m.Path)
				if err != nil {
					fmt.Fprintf(stderr, "Checksum %s failed: %v\n", name, err)
					return errExit
				}
				entries = append(entries, modelEntry{Name: name, Repo: m.Repo, Path: m.Path, Source: string(m.Source), Blake3: sum})
			}

			if jsonOut {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			for _, e := range entries {
				fmt.Fprintf(stdout, "%s\t%s\t(%s)\tblake3:%s\n", e.Name, e.Path, e.Source, e.Blake3)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the model map as JSON")
	return cmd
}
