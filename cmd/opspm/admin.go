package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newSaveCmd(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Persist the current running set as a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			return newClient(*sockPath).Save(ctx)
		},
	}
}

func newResurrectCmd(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resurrect",
		Short: "Re-register every persisted checkpoint entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			n, err := newClient(*sockPath).Resurrect(ctx)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, map[string]int{"resurrected": n})
		},
	}
}

func newPingCmd(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			if err := newClient(*sockPath).Ping(ctx); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newShutdownCmd(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to stop gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			return newClient(*sockPath).Shutdown(ctx)
		},
	}
}
