package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newListCmd(sockPath *string) *cobra.Command {
	var selector string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every registered entry matching a selector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			entries, err := newClient(*sockPath).List(ctx, selector)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, entries)
		},
	}
	cmd.Flags().StringVar(&selector, "selector", "all", `selector: "all", "@tag", a name, or a numeric id`)
	return cmd
}

func newShowCmd(sockPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <selector>",
		Short: "Show the entry matching a selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			entry, err := newClient(*sockPath).Show(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, entry)
		},
	}
	return cmd
}
