package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/pkg/blackboard"
)

// Sink receives one record per cycle.
type Sink interface {
	Write(ctx context.Context, record *CycleRecord) error
}

// RedisSink persists records through the blackboard client and publishes them on
// the portfolio's cycle_events channel.
type RedisSink struct {
	client *blackboard.Client
}

// NewRedisSink creates a sink backed by client.
func NewRedisSink(client *blackboard.Client) *RedisSink {
	return &RedisSink{client: client}
}

// Write stores the record and indexes it by start time. Publishing is best
// effort: a record that was stored is not failed by a publish error.
func (s *RedisSink) Write(ctx context.Context, record *CycleRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle record: %w", err)
	}

	if err := s.client.SaveCycleRecord(ctx, record.CycleID, record.StartedAtMs(), data); err != nil {
		return err
	}

	if err := s.client.PublishCycleEvent(ctx, data); err != nil {
		return fmt.Errorf("cycle record %s stored but not published: %w", record.CycleID, err)
	}
	return nil
}

// LogSink writes a one-line summary of each record.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger).With(zap.String("component", "audit"))}
}

func (s *LogSink) Write(_ context.Context, record *CycleRecord) error {
	proposals, decisions, signals := record.Counts()
	fields := []zap.Field{
		zap.String("cycle_id", record.CycleID),
		zap.String("portfolio", record.Portfolio),
		zap.String("status", string(record.Status)),
		zap.Duration("duration", record.FinishedAt.Sub(record.StartedAt)),
		zap.Int("proposals", proposals),
		zap.Int("decisions", decisions),
		zap.Int("signals", signals),
		zap.Int("skips", len(record.Skips)),
		zap.Int("drops", len(record.Drops)),
	}
	if record.AbortReason != "" {
		fields = append(fields, zap.String("abort_reason", record.AbortReason))
		s.logger.Warn("cycle_record", fields...)
		return nil
	}
	s.logger.Info("cycle_record", fields...)
	return nil
}

// Multi fans a record out to several sinks. Every sink is attempted.
type Multi []Sink

func (m Multi) Write(ctx context.Context, record *CycleRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
