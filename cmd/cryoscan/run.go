package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/cryoscan/cryoscan/pkg/archive"
	"github.com/cryoscan/cryoscan/pkg/config"
	"github.com/cryoscan/cryoscan/pkg/events"
	"github.com/cryoscan/cryoscan/pkg/monitor"
	"github.com/cryoscan/cryoscan/pkg/rig"
	"github.com/cryoscan/cryoscan/pkg/schedule"
	"github.com/cryoscan/cryoscan/pkg/sequence"
	"github.com/cryoscan/cryoscan/pkg/version"
)

type runOptions struct {
	simulate  bool
	speedup   float64
	schedule  string
	output    string
	overwrite bool
	noMonitor bool
}

func NewRunCommand() *cobra.Command {
	o := &runOptions{}

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run a measurement",
		GroupID: gRun,
		Long: `Run the measurement described by the run file.

Steps run in order, then the scan records one row per sample until the scan
end is reached. On any failure, and on Ctrl-C, the run stops and the PPMS is
put into standby. Rows recorded so far stay in the output file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("socket") {
				c.Monitor.Socket = socketPath
			}
			o.apply(cmd, c)
			if err := c.Validate(); err != nil {
				return pkgerrors.Wrap(err, "invalid run file")
			}
			return run(cmd.Context(), c)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&o.simulate, "simulate", false, "use simulated instruments instead of the GPIB bus")
	f.Float64Var(&o.speedup, "speedup", 0, "simulated time speedup (with --simulate)")
	f.StringVar(&o.schedule, "schedule", "", "cron expression to wait for before starting, e.g. \"0 22 * * *\"")
	f.StringVarP(&o.output, "output", "o", "", "record path, overriding the run file")
	f.BoolVar(&o.overwrite, "overwrite", false, "replace an existing record file")
	f.BoolVar(&o.noMonitor, "no-monitor", false, "do not serve the monitor socket")

	return cmd
}

func (o *runOptions) apply(cmd *cobra.Command, c *config.Config) {
	if o.simulate {
		c.Simulate.Enabled = true
	}
	if cmd.Flags().Changed("speedup") {
		c.Simulate.Speedup = o.speedup
	}
	if o.schedule != "" {
		c.Schedule = o.schedule
	}
	if o.output != "" {
		c.Record.Path = o.output
	}
	if o.overwrite {
		c.Record.Overwrite = true
	}
	if o.noMonitor {
		c.Monitor.Enabled = false
	}
}

func loadConfig() (*config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logrus.WithField("file", configPath).Debug("run file read")
	return c, nil
}

func run(parent context.Context, c *config.Config) (err error) {
	logrus.WithFields(logrus.Fields{
		"version": version.Version,
		"commit":  version.GitCommit,
	}).Info("cryoscan starting")
	logrus.WithFields(c.LogrusFields()).Info("run file loaded")

	var gate *schedule.Gate
	if c.Schedule != "" {
		if gate, err = schedule.Parse(c.Schedule); err != nil {
			return err
		}
	}

	var archiver *archive.Archiver
	if c.Archive.Enabled() {
		if archiver, err = archive.New(parent, c.Archive); err != nil {
			return err
		}
	}

	r, err := rig.Open(c)
	if err != nil {
		return err
	}
	closeRig := func() {
		if cerr := r.Close(); cerr != nil {
			logrus.WithError(cerr).Error("failed to close GPIB bus")
		}
	}
	defer closeRig()
	// main always leaves through atexit.Exit; the bus is closed once either
	// way.
	atexit.Register(closeRig)

	plan, err := r.Plan(c)
	if err != nil {
		return pkgerrors.Wrap(err, "invalid run file")
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		select {
		case sig := <-sigc:
			logrus.Warnf("caught signal \"%s\": stopping run, instruments will be shut down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	hub := events.NewHub()
	seq := sequence.New(hub, c.ShutdownTimeout)

	if c.Monitor.Enabled {
		srv := monitor.New(seq, hub)
		if err := srv.Listen(c.Monitor.Socket, c.Monitor.AllowNonRoot); err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil {
				logrus.Errorf("failed to shutdown monitor: %v", err)
			}
		}()
	}

	if gate != nil {
		gate.PreCheck = func(ctx context.Context) error {
			_, err := r.PPMS.Data(ctx)
			return err
		}
		gate.OnUpcoming = func(at time.Time) {
			logrus.Warnf("run starts at %s", at.Format(time.DateTime))
		}
		if _, err := gate.Wait(ctx); err != nil {
			return pkgerrors.Wrap(err, "scheduled start")
		}
	}

	start := time.Now()
	err = seq.Run(ctx, plan)
	st := seq.Status()
	logrus.WithFields(logrus.Fields{
		"phase":   st.Phase,
		"rows":    st.Rows,
		"record":  st.RecordPath,
		"elapsed": time.Since(start).Round(time.Second),
	}).Info("run finished")

	if archiver != nil && st.RecordPath != "" {
		actx, acancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
		defer acancel()
		if _, aerr := archiver.Upload(actx, st.RecordPath); aerr != nil {
			logrus.WithError(aerr).Error("failed to archive record")
			if err == nil {
				err = aerr
			}
		}
	}
	return err
}
