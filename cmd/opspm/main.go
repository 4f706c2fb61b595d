// Command opspm is the control-plane CLI: a thin cobra front end over
// pkg/client, playing the same role as the teacher's cmd/provisr client
// commands (process_commands.go's "talk to the daemon over an API"
// shape) but against the Unix-socket IPC protocol instead of a REST API,
// and with no session/auth layer since the socket has no remote caller
// to authenticate.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// exit codes per the control-plane error-handling convention: 0 ok, 1
// user error (NotFound/InvalidSpec/AlreadyExists), 2 operational error.
const (
	exitOK      = 0
	exitUserErr = 1
	exitOperErr = 2
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	var sockPath string

	root := &cobra.Command{
		Use:           "opspm",
		Short:         "Control client for the opspmd supervisor daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&sockPath, "socket", defaultSocketPath(), "control-plane socket path")

	root.AddCommand(
		newRegisterCmd(&sockPath),
		newListCmd(&sockPath),
		newShowCmd(&sockPath),
		newStartCmd(&sockPath),
		newStopCmd(&sockPath),
		newRestartCmd(&sockPath),
		newReloadCmd(&sockPath),
		newDeleteCmd(&sockPath),
		newLogsCmd(&sockPath),
		newSaveCmd(&sockPath),
		newResurrectCmd(&sockPath),
		newPingCmd(&sockPath),
		newShutdownCmd(&sockPath),
	)
	return root
}

func defaultSocketPath() string {
	if v := os.Getenv("OPSPM_SOCKET"); v != "" {
		return v
	}
	return "/var/run/opspmd.sock"
}

