package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/austindbirch/harbor_mirror/internal/config"
	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/handlers"
	"github.com/austindbirch/harbor_mirror/internal/ids"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/notify"
	"github.com/austindbirch/harbor_mirror/internal/ratelimit"
	"github.com/austindbirch/harbor_mirror/internal/retry"
	"github.com/austindbirch/harbor_mirror/internal/syncjob"
	"github.com/austindbirch/harbor_mirror/internal/webhook"
)

// staleSweep is how often abandoned queue items and jobs are looked for.
const staleSweep = "@every 1m"

// Runtime holds the mirror's services over one set of stores. The worker
// runs its loops and sweeps; ingest only serves requests from it.
type Runtime struct {
	Intake    *webhook.Intake
	Processor *webhook.Processor
	Operator  *webhook.Operator
	Scheduler *syncjob.Scheduler
	Tracker   *ratelimit.Tracker

	cfg    config.Config
	logger *logging.Logger
	now    func() time.Time
}

// RuntimeDeps are the pieces that differ between deployments.
type RuntimeDeps struct {
	Stores      *Stores
	Notifier    notify.Notifier
	DeadLetters notify.DeadLetterPublisher // optional
	APIs        syncjob.APIFactory
	IDs         ids.Generator
	Logger      *logging.Logger
}

func NewRuntime(cfg config.Config, d RuntimeDeps) *Runtime {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Noop{}
	}
	s := d.Stores
	tracker := ratelimit.NewTracker(s.RateLimits, cfg.Scheduler.SafetyMargin)
	scheduler := syncjob.NewScheduler(s.Jobs, s.States, s.Mirror, tracker, d.APIs, d.IDs, syncjob.Options{
		MaxAttempts:     cfg.Scheduler.MaxAttempts,
		Policy:          retry.NewPolicy(cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffCap, 0),
		FreshnessWindow: cfg.Scheduler.FreshnessWindow,
	}, d.Logger)

	registry := handlers.NewRegistry()
	handlers.RegisterDefaults(registry, handlers.Deps{Store: s.Mirror, Sync: scheduler, Logger: d.Logger})

	processor := webhook.NewProcessor(s.Queue, s.Ledger, s.Settings, registry,
		retry.NewPolicy(cfg.Processor.BackoffBase, cfg.Processor.BackoffCap, cfg.Processor.JitterPercent), d.Logger)
	if d.DeadLetters != nil {
		processor = processor.WithDeadLetters(d.DeadLetters)
	}

	return &Runtime{
		Intake:    webhook.NewIntake(s.Ledger, s.Queue, d.Notifier, cfg.Processor.MaxAttempts, d.Logger),
		Processor: processor,
		Operator:  webhook.NewOperator(s.Queue, s.Ledger, d.Notifier, d.Logger).WithMaxAttempts(cfg.Processor.MaxAttempts),
		Scheduler: scheduler,
		Tracker:   tracker,
		cfg:       cfg,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// HandleKick processes the kicked item right away. Losing the claim to
// another worker, or finding the item already gone, is not an error.
func (r *Runtime) HandleKick(ctx context.Context, k notify.Kick) error {
	outcome, err := r.Processor.ProcessOne(ctx, k.DeliveryID)
	if errors.Is(err, delivery.ErrAlreadyClaimed) || errors.Is(err, delivery.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r.logger.WithContext(ctx).WithDelivery(k.DeliveryID).WithField("outcome", string(outcome)).Debug("kick processed")
	return nil
}

// ConsumeKicks serves in-process kicks until ctx ends.
func (r *Runtime) ConsumeKicks(ctx context.Context, kicks <-chan notify.Kick) {
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-kicks:
			if err := r.HandleKick(ctx, k); err != nil {
				r.logger.WithContext(ctx).WithDelivery(k.DeliveryID).WithError(err).Warn("kick handler failed")
			}
		}
	}
}

// RunProcessor drains the queue every poll interval. Kicks make most items
// run sooner; the poll picks up retries and kicks that were dropped.
func (r *Runtime) RunProcessor(ctx context.Context) {
	r.loop(ctx, r.cfg.Processor.PollInterval, "queue drain", func(ctx context.Context) (int, error) {
		return r.Processor.Drain(ctx)
	})
}

// RunScheduler runs due sync jobs every poll interval.
func (r *Runtime) RunScheduler(ctx context.Context) {
	r.loop(ctx, r.cfg.Scheduler.PollInterval, "sync jobs", r.Scheduler.RunDue)
}

func (r *Runtime) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) (int, error)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := fn(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.Plain().WithError(err).WithField("loop", name).Error("background loop failed")
		case n > 0:
			r.logger.Plain().WithFields(map[string]any{"loop": name, "count": n}).Debug("background loop ran")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Purge applies the retention window to the queue, the ledger and old jobs.
func (r *Runtime) Purge(ctx context.Context) error {
	now := r.now().UTC()
	if _, err := r.Operator.PurgeAll(ctx, now.Add(-r.cfg.Retention.Window)); err != nil {
		return fmt.Errorf("purge deliveries: %w", err)
	}
	n, err := r.Scheduler.Purge(ctx, now.Add(-r.cfg.Retention.KeepJobs))
	if err != nil {
		return fmt.Errorf("purge jobs: %w", err)
	}
	if n > 0 {
		r.logger.Plain().WithField("count", n).Info("purged finished sync jobs")
	}
	return nil
}

// ReleaseStale returns work held by crashed processes and refreshes the
// queue depth gauges.
func (r *Runtime) ReleaseStale(ctx context.Context) error {
	now := r.now().UTC()
	if _, err := r.Operator.ReleaseStale(ctx, now.Add(-r.cfg.Processor.StaleAfter)); err != nil {
		return fmt.Errorf("release stale items: %w", err)
	}
	if _, err := r.Scheduler.ReleaseStale(ctx, now.Add(-r.cfg.Scheduler.StaleAfter)); err != nil {
		return fmt.Errorf("release stale jobs: %w", err)
	}
	_, err := r.Operator.Stats(ctx)
	return err
}

// RequestOverviews asks for an overview sync for every periodic user.
func (r *Runtime) RequestOverviews(ctx context.Context) error {
	var errs []error
	for _, user := range r.cfg.Scheduler.PeriodicUsers {
		res, err := r.Scheduler.Request(ctx, syncjob.Request{JobType: syncjob.OverviewSync, UserID: user})
		if err != nil {
			errs = append(errs, fmt.Errorf("overview for %s: %w", user, err))
			continue
		}
		r.logger.Plain().WithUser(user).WithFields(map[string]any{
			"job_id":  res.Job.ID,
			"created": res.Created,
			"skipped": res.Skipped,
		}).Debug("periodic overview requested")
	}
	return errors.Join(errs...)
}

// Cron builds the sweep schedule. The caller starts and stops it.
func (r *Runtime) Cron(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	add := func(spec, name string, fn func(context.Context) error) error {
		_, err := c.AddFunc(spec, func() {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				r.logger.Plain().WithError(err).WithField("task", name).Error("scheduled task failed")
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		return nil
	}

	if spec := r.cfg.Retention.PurgeSchedule; spec != "" {
		if err := add(spec, "retention_purge", r.Purge); err != nil {
			return nil, err
		}
	}
	if spec := r.cfg.Scheduler.OverviewSchedule; spec != "" && len(r.cfg.Scheduler.PeriodicUsers) > 0 {
		if err := add(spec, "periodic_overview", r.RequestOverviews); err != nil {
			return nil, err
		}
	}
	if err := add(staleSweep, "stale_release", r.ReleaseStale); err != nil {
		return nil, err
	}
	return c, nil
}
