package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/prompt-gateway/internal/config"
	"github.com/compresr/prompt-gateway/internal/fallback"
	"github.com/compresr/prompt-gateway/internal/monitoring"
	"github.com/compresr/prompt-gateway/internal/store"
)

// Op is a persistence operation on a usage record.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
)

// Outcome is where a dispatched record ended up.
type Outcome int

const (
	Persisted Outcome = iota
	FellBack
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Persisted:
		return "persisted"
	case FellBack:
		return "fallback"
	default:
		return "dropped"
	}
}

// Dispatcher sends usage records to the persistence service with a single
// bounded attempt. A failed attempt goes to the fallback queue once; if that
// fails too the record is dropped and counted.
type Dispatcher struct {
	store    store.UsageStore
	fallback fallback.Writer
	timeout  time.Duration
	metrics  *monitoring.MetricsCollector
}

// NewDispatcher creates a dispatcher. fb may be nil, in which case every
// failed attempt is a drop. timeout <= 0 selects config.DefaultDispatchTimeout.
func NewDispatcher(s store.UsageStore, fb fallback.Writer, timeout time.Duration, metrics *monitoring.MetricsCollector) *Dispatcher {
	if timeout <= 0 {
		timeout = config.DefaultDispatchTimeout
	}
	if metrics == nil {
		metrics = monitoring.NewMetricsCollector()
	}
	return &Dispatcher{store: s, fallback: fb, timeout: timeout, metrics: metrics}
}

// Dispatch persists u. It never returns an error: the outcome says where the
// record went.
func (d *Dispatcher) Dispatch(ctx context.Context, op Op, u *store.PromptUsage) Outcome {
	err := d.attempt(ctx, op, u)
	if err == nil {
		return Persisted
	}
	d.metrics.RecordDispatchError(string(op))
	log.Warn().Err(err).
		Str("usage_id", u.ID).
		Str("op", string(op)).
		Msg("capture: dispatch failed, writing to fallback queue")

	return d.Fallback(op, u, err.Error())
}

// Fallback writes u straight to the fallback queue.
func (d *Dispatcher) Fallback(op Op, u *store.PromptUsage, reason string) Outcome {
	if err := d.writeFallback(op, u, reason); err != nil {
		d.metrics.RecordDropped()
		log.Error().Err(err).
			Str("usage_id", u.ID).
			Str("op", string(op)).
			Str("status", string(u.Status)).
			Msg("capture: record dropped")
		return Dropped
	}
	d.metrics.RecordFallbackWrite()
	return FellBack
}

func (d *Dispatcher) attempt(ctx context.Context, op Op, u *store.PromptUsage) error {
	if d.store == nil {
		return errors.New("no usage store configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch op {
	case OpCreate:
		return d.store.CreateUsage(ctx, u)
	case OpUpdate:
		return d.store.UpdateUsage(ctx, u)
	default:
		return fmt.Errorf("unknown dispatch op %q", op)
	}
}

func (d *Dispatcher) writeFallback(op Op, u *store.PromptUsage, reason string) error {
	if d.fallback == nil {
		return errors.New("no fallback queue configured")
	}
	rec, err := fallback.NewRecord(string(op), u.ID, u.RequestTimestamp, reason, u)
	if err != nil {
		return err
	}
	return d.fallback.Append(rec)
}
