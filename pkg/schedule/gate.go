// Package schedule delays the start of a run until a cron time.
package schedule

import (
	"context"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultLead        = time.Minute * 5 // notify this long before the start
	preCheckMaxTimes   = 30
	preCheckInterval   = time.Second * 10
	defaultMaxAttempts = 3 // occurrences tried before giving up on a failing pre-check
)

// Gate blocks until the next occurrence of a cron schedule.
type Gate struct {
	// OnUpcoming is called Lead before the start.
	OnUpcoming func(at time.Time)
	// PreCheck, if set, must pass before the gate opens. It is retried
	// preCheckMaxTimes times; after that the occurrence is skipped.
	PreCheck func(ctx context.Context) error
	Lead     time.Duration

	// MaxOccurrences bounds the number of occurrences skipped because of
	// failing pre-checks.
	MaxOccurrences int

	schedule cron.Schedule
	interval time.Duration
	now      func() time.Time
}

// Parse returns a gate for expr. Expressions take an optional seconds field
// and descriptors such as "@daily" or "@every 1h".
func Parse(expr string) (*Gate, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sh, err := parser.Parse(expr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid schedule %q", expr)
	}
	return &Gate{
		Lead:           defaultLead,
		MaxOccurrences: defaultMaxAttempts,
		schedule:       sh,
		interval:       preCheckInterval,
		now:            time.Now,
	}, nil
}

// Next returns the next start time after t.
func (g *Gate) Next(t time.Time) time.Time { return g.schedule.Next(t) }

// Wait blocks until the next occurrence whose pre-check passes and returns
// its time.
func (g *Gate) Wait(ctx context.Context) (time.Time, error) {
	next := g.schedule.Next(g.now())
	for occurrence := 1; ; occurrence++ {
		log := logrus.WithField("at", next.Format(time.DateTime))
		log.Info("waiting for scheduled start")

		if err := g.sleepUntil(ctx, next.Add(-g.Lead)); err != nil {
			return time.Time{}, err
		}
		if g.OnUpcoming != nil {
			g.OnUpcoming(next)
		}
		log.Debugf("upcoming scheduled start")
		if err := g.sleepUntil(ctx, next); err != nil {
			return time.Time{}, err
		}

		err := g.preCheck(ctx)
		if err == nil {
			log.Info("scheduled start reached")
			return next, nil
		}
		if ctx.Err() != nil {
			return time.Time{}, ctx.Err()
		}
		if occurrence >= g.MaxOccurrences {
			return time.Time{}, pkgerrors.Wrapf(err, "pre-check failed for %d scheduled starts", occurrence)
		}
		log.WithError(err).Warn("pre-check failed, skipping to the next scheduled start")
		next = g.schedule.Next(g.now())
	}
}

func (g *Gate) preCheck(ctx context.Context) error {
	if g.PreCheck == nil {
		return nil
	}
	var last error
	for attempt := 1; attempt <= preCheckMaxTimes; attempt++ {
		err := g.PreCheck(ctx)
		if err == nil {
			return nil
		}
		if last == nil || err.Error() != last.Error() {
			logrus.WithError(err).Warn("pre-check failed")
		}
		last = err
		logrus.Debugf("pre-check failed (%d/%d): %v; retrying in %s", attempt, preCheckMaxTimes, err, g.interval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.interval):
		}
	}
	return fmt.Errorf("pre-check failed %d times: %w", preCheckMaxTimes, last)
}

func (g *Gate) sleepUntil(ctx context.Context, t time.Time) error {
	wait := t.Sub(g.now())
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
