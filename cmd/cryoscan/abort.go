package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cryoscan/cryoscan/pkg/client"
)

func NewAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "abort",
		GroupID: gMonitor,
		Short:   "Abort the current run",
		Long: `Abort the current run.

The run stops at the next instrument exchange and still puts the PPMS into
standby before exiting. Rows recorded so far are kept.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ret, err := client.NewClient(socketPath).Abort()
			if err != nil {
				if errors.Is(err, client.ErrConflict) {
					return fmt.Errorf("nothing to abort: the run is idle or already finished")
				}
				return fmt.Errorf("failed to abort run: %w", err)
			}
			cmd.Println(ret)
			return nil
		},
	}
}
