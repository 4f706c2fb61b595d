package main

import (
	"github.com/spf13/cobra"
)

func newStartCmd(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start <selector>",
		Short: "Start every entry matching a selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			return newClient(*sockPath).Start(ctx, args[0])
		},
	}
}

func newStopCmd(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <selector>",
		Short: "Stop every entry matching a selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			return newClient(*sockPath).Stop(ctx, args[0])
		},
	}
}

func newRestartCmd(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <selector>",
		Short: "Restart every entry matching a selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			return newClient(*sockPath).Restart(ctx, args[0])
		},
	}
}

func newReloadCmd(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reload <selector>",
		Short: "Rolling-restart every entry matching a selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			return newClient(*sockPath).Reload(ctx, args[0])
		},
	}
}

func newDeleteCmd(sockPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <selector>",
		Short: "Stop and deregister every entry matching a selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			return newClient(*sockPath).Delete(ctx, args[0])
		},
	}
}
