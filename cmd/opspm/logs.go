package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opspm/opspm/pkg/client"
)

func newLogsCmd(sockPath *string) *cobra.Command {
	var (
		lines  int
		grep   string
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs <selector>",
		Short: "Show (and optionally follow) logs for a selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*sockPath)
			if !follow {
				ctx, cancel := withTimeout()
				defer cancel()
				batch, err := c.Logs(ctx, args[0], lines, grep)
				if err != nil {
					return err
				}
				printLogLines(batch)
				return nil
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			batch, live, err := c.LogsFollow(ctx, args[0], lines, grep)
			if err != nil {
				return err
			}
			printLogLines(batch)
			for l := range live {
				fmt.Printf("[%s] %s\n", l.Stream, l.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "number of historical lines to show")
	cmd.Flags().StringVar(&grep, "grep", "", "case-insensitive substring filter")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep streaming new lines")
	return cmd
}

func printLogLines(lines []client.LogLine) {
	for _, l := range lines {
		fmt.Printf("[%s] %s\n", l.Stream, l.Text)
	}
}
