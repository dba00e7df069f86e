package app

import (
	"context"
	"time"

	"tankctl/internal/task/engine"
	logx "tankctl/pkg/logx"
)

// Job names as they appear in /healthz and task.* events.
const (
	JobRetrySweep    = "command.retry_sweep"
	JobEnforce       = "schedule.enforce"
	JobHeartbeat     = "fleet.heartbeat"
	JobOfflineAlerts = "fleet.offline_alerts"
	JobPrune         = "storage.prune"
)

// jobOptions: a missed tick is simply picked up by the next one.
var jobOptions = engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1}

// registerJobs adds or replaces every periodic job. Calling it again with
// new intervals reschedules in place.
func (a *App) registerJobs(iv jobIntervals) error {
	jobs := []struct {
		name     string
		schedule string
		timeout  time.Duration
		run      func(context.Context) error
	}{
		{JobRetrySweep, every(iv.RetrySweep), iv.RetrySweep, a.retrySweep},
		{JobEnforce, every(iv.Enforce), iv.Enforce, a.enforceSchedules},
		{JobHeartbeat, every(iv.Heartbeat), iv.Heartbeat, a.detectOffline},
		{JobOfflineAlerts, every(iv.OfflineAlerts), iv.OfflineAlerts, a.alertOffline},
		{JobPrune, "@daily", time.Minute, a.pruneDedup},
	}
	for _, j := range jobs {
		if err := a.jobs.Add(j.name, j.schedule, j.timeout, jobOptions, a.job(j.name, j.run)); err != nil {
			return err
		}
	}
	return nil
}

func every(d time.Duration) string { return "every:" + d.String() }

// job logs a failed run and marks it NoRetry; the next trigger is the retry.
func (a *App) job(name string, fn func(context.Context) error) func(context.Context) error {
	log := a.log.With(logx.String("job", name))
	return func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			log.Warn("job failed", logx.Err(err))
			return engine.NoRetry(err)
		}
		return nil
	}
}

// retrySweep relies on RetryStale to log its own summary.
func (a *App) retrySweep(ctx context.Context) error {
	_, err := a.cmds.RetryStale(ctx, a.clk.Now())
	return err
}

func (a *App) enforceSchedules(ctx context.Context) error {
	res, err := a.sched.Tick(ctx)
	if res.Fired > 0 || res.Errors > 0 {
		a.log.Info("schedule tick",
			logx.Int("devices", res.Devices),
			logx.Int("fired", res.Fired),
			logx.Int("errors", res.Errors),
		)
	}
	return err
}

func (a *App) detectOffline(ctx context.Context) error {
	offline, err := a.fleet.DetectOffline(ctx, a.clk.Now())
	if err != nil {
		return err
	}
	for _, d := range offline {
		a.log.Info("tank went offline", logx.String("tank_id", d.ID), logx.String("name", d.Name))
	}
	return nil
}

func (a *App) alertOffline(ctx context.Context) error {
	n, err := a.fleet.AlertOffline(ctx, a.clk.Now())
	if n > 0 {
		a.log.Debug("offline alerts raised", logx.Int("count", n))
	}
	return err
}

func (a *App) pruneDedup(ctx context.Context) error {
	n, err := a.store.PruneDedup(ctx, a.clk.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Debug("dedup rows pruned", logx.Int64("rows", n))
	}
	return nil
}
