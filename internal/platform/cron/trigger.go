// Package cron runs a job on a cron schedule until its context is cancelled.
//
// Example usage:
//
//	trigger, err := cron.NewTrigger("@every 1m", sweep, logger)
//	if err != nil {
//	    return err
//	}
//	trigger.Start(ctx) // returns immediately, runs in background
package cron

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSpec is returned when the cron specification cannot be parsed.
var ErrInvalidSpec = errors.New("invalid cron spec")

// Job is the work a Trigger runs.
type Job func(ctx context.Context) error

// Trigger executes a Job according to a cron schedule.
type Trigger struct {
	spec     string
	schedule cron.Schedule
	job      Job
	logger   *slog.Logger
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewTrigger parses spec, which is a 5 or 6 field cron expression or a
// descriptor such as "@every 30s" or "@hourly".
func NewTrigger(spec string, job Job, logger *slog.Logger) (*Trigger, error) {
	if job == nil {
		return nil, errors.New("cron job is required")
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidSpec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{spec: spec, schedule: schedule, job: job, logger: logger}, nil
}

// Start launches the scheduling goroutine and returns immediately. The
// goroutine exits when ctx is cancelled.
func (t *Trigger) Start(ctx context.Context) {
	go t.loop(ctx)
}

// NextRun returns the next scheduled run time after now.
func (t *Trigger) NextRun() time.Time {
	return t.schedule.Next(time.Now())
}

func (t *Trigger) loop(ctx context.Context) {
	for {
		next := t.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			t.logger.Debug("cron trigger stopped", slog.String("spec", t.spec))
			return
		case <-timer.C:
			t.run(ctx)
		}
	}
}

func (t *Trigger) run(ctx context.Context) {
	if err := t.job(ctx); err != nil {
		t.logger.Warn("scheduled job failed", slog.String("spec", t.spec), slog.Any("error", err))
		return
	}
	t.logger.Debug("scheduled job completed", slog.String("spec", t.spec))
}
