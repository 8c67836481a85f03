package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"golang.org/x/term"

	"github.com/cryoscan/cryoscan/pkg/client"
)

var (
	logLevel   = "info"
	configPath = "run.yaml"
	socketPath = filepath.Join(os.TempDir(), "cryoscan.sock")
)

var (
	gRun          = "Run:"
	gMonitor      = "Monitor:"
	commandGroups = []string{
		gRun,
		gMonitor,
	}
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.DateTime,
		})
	}

	return nil
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: no cryoscan run is listening on "+socketPath)
		fmt.Fprintln(os.Stderr, "Is a run in progress? Was it started with the monitor enabled?")
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again as the user who started the run")
		fmt.Fprintln(os.Stderr, "  - Or start the run with 'monitor.allow_non_root: true'")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		// Exit through atexit so an open record is still closed.
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cryoscan",
		Short: "cryoscan runs scripted PPMS and lock-in measurements",
		Long: `cryoscan runs scripted PPMS and lock-in measurements.

A run file lists instrument settings and setpoints to reach, then one scan
that records a set of channels while a temperature or field setpoint is swept
or stepped. Whatever happens, the PPMS is put back into standby at the end.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger()
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVarP(&configPath, "config", "c", configPath, "run file path (yaml, json or toml)")
	globalFlags.StringVar(&socketPath, "socket", socketPath, "monitor unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewRunCommand(),
		NewValidateCommand(),
		NewStatusCommand(),
		NewAbortCommand(),
		NewVersionCommand(),
	)

	return cmd
}
