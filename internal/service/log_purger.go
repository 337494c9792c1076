package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/observability"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultLogRetention = 30 * 24 * time.Hour

var purgeScheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// LogPurgeStore deletes execution log rows started before cutoff.
type LogPurgeStore interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// LogPurger removes execution log rows past the retention period on a cron
// schedule evaluated in UTC.
type LogPurger struct {
	logs      LogPurgeStore
	schedule  cron.Schedule
	retention time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewLogPurger(logs LogPurgeStore, schedule string, retention time.Duration, logger *zap.Logger) (*LogPurger, error) {
	if logs == nil {
		return nil, fmt.Errorf("log store is required")
	}

	clean := strings.TrimSpace(schedule)
	if clean == "" {
		return nil, fmt.Errorf("purge schedule is required")
	}
	parsed, err := purgeScheduleParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid purge schedule: %w", err)
	}

	if retention <= 0 {
		retention = defaultLogRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LogPurger{
		logs:      logs,
		schedule:  parsed,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (p *LogPurger) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// Start runs the purge on schedule until ctx is canceled.
func (p *LogPurger) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithParser(purgeScheduleParser))
	c.Schedule(p.schedule, cron.FuncJob(func() {
		if _, err := p.Purge(ctx); err != nil {
			p.logger.Error("log purge failed", zap.Error(err))
		}
	}))

	c.Start()
	p.logger.Info("log purger started",
		zap.Duration("retention", p.retention),
		zap.Time("nextRun", p.schedule.Next(p.now().UTC())),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Purge deletes the rows older than the retention period once.
func (p *LogPurger) Purge(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().Add(-p.retention)

	purged, err := p.logs.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	p.metrics.AddLogsPurged(purged)
	p.logger.Info("purged hook logs",
		zap.Time("cutoff", cutoff),
		zap.Int64("rows", purged),
	)
	return purged, nil
}
