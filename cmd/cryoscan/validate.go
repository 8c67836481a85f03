package main

import (
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cryoscan/cryoscan/pkg/channel"
	"github.com/cryoscan/cryoscan/pkg/control"
	"github.com/cryoscan/cryoscan/pkg/rig"
	"github.com/cryoscan/cryoscan/pkg/sequence"
)

func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "validate",
		Short:   "Check a run file without touching the instruments",
		GroupID: gRun,
		Long: `Check a run file without touching the instruments.

The run file is resolved against simulated instruments, so unknown settings,
channels, units and modes are reported before any hardware is commanded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			c.Simulate.Enabled = true
			if err := c.Validate(); err != nil {
				return pkgerrors.Wrap(err, "invalid run file")
			}

			r, err := rig.Open(c)
			if err != nil {
				return err
			}
			defer r.Close()

			plan, err := r.Plan(c)
			if err != nil {
				return pkgerrors.Wrap(err, "invalid run file")
			}
			printPlan(cmd, plan)
			return nil
		},
	}
}

func printPlan(cmd *cobra.Command, plan sequence.Plan) {
	cmd.Println(bold("Steps:"))
	if len(plan.Steps) == 0 {
		cmd.Println("  (none)")
	}
	for i, s := range plan.Steps {
		cmd.Printf("  %2d. [%s] %s\n", i+1, s.Phase(), s)
	}

	cmd.Println()
	cmd.Println(bold("Scan:"))
	if plan.Scan == nil {
		cmd.Println("  (none)")
	} else {
		sp := plan.Scan.Spec
		q := sp.Controller.Quantity()
		if sp.Start != nil {
			cmd.Printf("  %s from %s to %s\n", q.Name, bold("%g %s", *sp.Start, q.Unit), bold("%g %s", sp.End, q.Unit))
		} else {
			cmd.Printf("  %s to %s\n", q.Name, bold("%g %s", sp.End, q.Unit))
		}
		if sp.StepSize > 0 {
			cmd.Printf("  Stepped: %s, mode %s\n", bold("%g %s", sp.StepSize, q.Unit), sp.Mode)
		} else {
			cmd.Printf("  Swept: mode %s\n", control.ModeSweep)
		}
		cmd.Printf("  Rate: %s\n", bold("%g %s", sp.Rate, q.Kind.RateUnit()))
		cmd.Printf("  Channels: %s\n", strings.Join(channel.Names(sp.Channels), ", "))
		if plan.Scan.Path != "" {
			cmd.Printf("  Record: %s\n", bold("%s", plan.Scan.Path))
		}
	}

	cmd.Println()
	cmd.Println(bold("Shutdown:"))
	for _, a := range plan.Shutdown {
		cmd.Printf("  %s\n", a.Name)
	}
}
