package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opspm/opspm/internal/spec"
)

func newRegisterCmd(sockPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a process spec (and start it) from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			sp, err := loadSpecFile(file)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()
			id, err := newClient(*sockPath).Register(ctx, sp)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, map[string]any{"id": id, "name": sp.Name})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a spec file")
	return cmd
}

func loadSpecFile(path string) (spec.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return spec.Spec{}, fmt.Errorf("read spec file: %w", err)
	}
	var sp spec.Spec
	if err := json.Unmarshal(data, &sp); err != nil {
		return spec.Spec{}, fmt.Errorf("parse spec file (expected JSON): %w", err)
	}
	sp = sp.GetDefaults()
	if err := sp.Validate(); err != nil {
		return spec.Spec{}, err
	}
	return sp, nil
}
