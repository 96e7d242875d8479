package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/b55585wy/SGGG/internal/config"
	"github.com/b55585wy/SGGG/internal/logging"
	"github.com/b55585wy/SGGG/internal/metrics"
	"github.com/b55585wy/SGGG/internal/pipeline"
	"github.com/b55585wy/SGGG/internal/telemetry"
	"github.com/b55585wy/SGGG/internal/tracing"
)

type retryCfg struct {
	maxAttempts int
	backoff     []time.Duration
	jitterPct   float64
	publishDLQ  bool
}

func retryFromConfig(w config.Worker) retryCfg {
	return retryCfg{
		maxAttempts: w.MaxAttempts,
		backoff:     w.BackoffSchedule,
		jitterPct:   w.JitterPercent,
		publishDLQ:  w.PublishDLQ,
	}
}

// statsStore is satisfied by *store.Postgres and *store.Memory.
type statsStore interface {
	ApplyStats(ctx context.Context, batchID string, events []telemetry.Event) (bool, error)
	InsertDLQ(ctx context.Context, dl pipeline.DeadLetter) error
}

type publisher interface {
	Publish(topic string, body []byte) error
}

type processor struct {
	store    statsStore
	dlq      publisher
	dlqTopic string
	retry    retryCfg
	timeout  time.Duration
	logger   *logging.Logger
}

// HandleMessage folds one telemetry envelope into session stats. The message
// is always finished or requeued here.
func (p *processor) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			p.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	var env pipeline.Envelope
	if err := json.Unmarshal(m.Body, &env); err != nil || env.Type != pipeline.EnvelopeType || env.BatchID == "" {
		if err == nil {
			err = fmt.Errorf("unexpected envelope type %q batch %q", env.Type, env.BatchID)
		}
		p.logger.Plain().WithError(err).Error("bad telemetry envelope")
		metrics.RecordStatsApplied("malformed")
		m.Finish()
		return nil
	}

	// nsqd counts deliveries itself; a requeued body is not rewritten.
	attempt := int(m.Attempts)
	if env.Attempt > attempt {
		attempt = env.Attempt
	}
	if attempt < 1 {
		attempt = 1
	}

	ctx := tracing.ExtractHeaders(context.Background(), env.TraceHeaders)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "worker.apply_stats",
		attribute.String("batch_id", env.BatchID),
		attribute.Int("event_count", len(env.Events)),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	applied, err := p.store.ApplyStats(ctx, env.BatchID, env.Events)
	if err == nil {
		status := "applied"
		if !applied {
			status = "duplicate"
		}
		metrics.RecordStatsApplied(status)
		span.SetAttributes(attribute.String("stats.status", status))
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"batch_id": env.BatchID,
			"sessions": env.SessionIDs(),
			"status":   status,
		}).Debug("stats folded")
		m.Finish()
		return nil
	}

	tracing.SetSpanError(ctx, err)
	reason := classifyReason(err)
	span.SetAttributes(attribute.String("failure_reason", reason))
	metrics.RecordStatsApplied("failed")
	metrics.RecordRetry(reason)

	if attempt >= p.retry.maxAttempts {
		p.deadLetter(ctx, env, attempt, err, reason)
		m.Finish()
		return nil
	}

	delay := computeDelay(attempt, p.retry.backoff, p.retry.jitterPct)
	tracing.AddSpanEvent(ctx, "stats.requeue",
		attribute.Int("attempt", attempt),
		attribute.String("delay", delay.String()),
	)
	p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"batch_id": env.BatchID,
		"attempt":  attempt,
		"delay":    delay.String(),
	}).Warn("requeue telemetry batch")
	m.Requeue(delay)
	return nil
}

func (p *processor) deadLetter(ctx context.Context, env pipeline.Envelope, attempt int, cause error, reason string) {
	env.Attempt = attempt
	dl := pipeline.NewDeadLetter(env, attempt, cause.Error(), fmt.Sprintf("max attempts reached (%d)", attempt))
	tracing.AddSpanEvent(ctx, "stats.dlq", attribute.Int("attempt", attempt))

	// ctx may already be past its deadline
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.InsertDLQ(dctx, dl); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("batch_id", env.BatchID).Error("dlq insert failed")
		tracing.SetSpanError(ctx, err)
	}

	if p.retry.publishDLQ && p.dlq != nil {
		b, _ := json.Marshal(dl)
		if err := p.dlq.Publish(p.dlqTopic, b); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithField("batch_id", env.BatchID).Error("dlq publish failed")
			tracing.SetSpanError(ctx, err)
		} else {
			p.logger.WithContext(ctx).WithField("batch_id", env.BatchID).WithField("topic", p.dlqTopic).Info("dlq published")
			tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", p.dlqTopic))
		}
	}
	metrics.RecordDLQ(reason)
}

func computeDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	// attempt is 1-based; map to schedule index
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	// jitter: +/- jitterPct
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

func classifyReason(err error) string {
	if err == nil {
		return "other"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return "db_" + strings.ToLower(pgErr.Code[:min(2, len(pgErr.Code))])
	}
	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"):
		return "timeout"
	case strings.Contains(errLower, "connection refused"):
		return "connection_refused"
	case strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns"):
		return "dns_error"
	}
	return "store"
}
