package main

import (
	"encoding/json"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cryoscan/cryoscan/pkg/client"
	"github.com/cryoscan/cryoscan/pkg/sequence"
)

func NewStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gMonitor,
		Short:   "Get the status of the current run",
		Long:    `Get the phase, progress and last error of the run listening on the monitor socket.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := client.NewClient(socketPath).Status()
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			printStatus(cmd, st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status as JSON")

	return cmd
}

func printStatus(cmd *cobra.Command, st sequence.Status) {
	cmd.Println(bold("Run %s:", st.RunID))
	cmd.Printf("  Phase: %s\n", phaseText(st.Phase))
	if st.Step != "" {
		cmd.Printf("  Step: %s\n", st.Step)
	}
	if !st.StartedAt.IsZero() {
		end := time.Now()
		if !st.EndedAt.IsZero() {
			end = st.EndedAt
		}
		cmd.Printf("  Started: %s (%s)\n", st.StartedAt.Local().Format(time.DateTime), end.Sub(st.StartedAt).Round(time.Second))
	}

	if st.Phase == sequence.PhaseScan {
		cmd.Println()
		cmd.Println(bold("Scan:"))
		cmd.Printf("  Setpoint: %s\n", bold("%g", st.Setpoint))
		cmd.Printf("  Value: %s\n", bold("%g", st.Value))
	}
	if st.RecordPath != "" {
		cmd.Printf("  Rows recorded: %s\n", bold("%d", st.Rows))
		cmd.Printf("  Record: %s\n", st.RecordPath)
	}

	if st.LastError != "" {
		cmd.Println()
		cmd.Printf("  Last error: %s\n", color.RedString(st.LastError))
	}
	cmd.Printf("  Can abort: %s\n", bool2Text(st.CanAbort))
}

func phaseText(p sequence.Phase) string {
	switch p {
	case sequence.PhaseDone:
		return color.New(color.Bold, color.FgGreen).Sprint(p)
	case sequence.PhaseFailed, sequence.PhaseAborted:
		return color.New(color.Bold, color.FgRed).Sprint(p)
	case sequence.PhaseShutdown:
		return color.New(color.Bold, color.FgYellow).Sprint(p)
	}
	return bold("%s", p)
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
