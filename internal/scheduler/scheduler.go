// Package scheduler triggers decision cycles on a cron schedule.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/logging"
)

// Runner wraps a seconds-resolution cron. A job still running when its next
// tick fires is skipped rather than queued.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

// New creates a runner whose jobs receive baseCtx.
func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger:  logging.OrNop(logger).With(zap.String("component", "scheduler")),
		baseCtx: baseCtx,
	}
}

// Add registers job under spec.
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		if r.baseCtx.Err() != nil {
			return
		}
		job(r.baseCtx)
	})
}

// Next returns the next activation time of the entry, zero if unknown.
func (r *Runner) Next(id cron.EntryID) string {
	e := r.cron.Entry(id)
	if e.ID == 0 || e.Next.IsZero() {
		return ""
	}
	return e.Next.Format("2006-01-02T15:04:05Z07:00")
}

func (r *Runner) Start() {
	r.logger.Info("cron started")
	r.cron.Start()
}

// Stop stops scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}
