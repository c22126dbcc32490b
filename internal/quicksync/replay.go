// Package quicksync replays the source change log against the directory.
//
// A Replayer fetches the unconfirmed events of one change key, replays them
// in chronological order through handlers registered per event type and
// confirms every event whose handler succeeded. Handlers must be
// idempotent: an event whose confirmation was lost is replayed on the next
// run.
package quicksync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/adsync/config"
	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/logging"
	"github.com/xtxerr/adsync/internal/store"
)

var log = logging.Component("quicksync")

// =============================================================================
// Handlers
// =============================================================================

// HandlerFunc applies one change event.
type HandlerFunc func(ctx context.Context, ev store.ChangeEvent) error

// Handlers maps event types to their handler.
type Handlers map[store.EventType]HandlerFunc

// Types returns the registered event types in a stable order.
func (h Handlers) Types() []store.EventType {
	types := make([]store.EventType, 0, len(h))
	for t := range h {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].String() < types[j].String() })
	return types
}

// =============================================================================
// Replayer
// =============================================================================

// Config configures a Replayer.
type Config struct {
	// Key is the change key confirmations are recorded under
	Key string

	// StaleAge is the age after which events are confirmed unprocessed;
	// zero uses the default, negative disables the check
	StaleAge time.Duration

	// Types restricts replay to these event types; empty replays every
	// registered type
	Types []store.EventType

	// DryRun rolls back every confirmation
	DryRun bool
}

// Replayer replays the change log of one change key.
type Replayer struct {
	cfg      Config
	changes  store.ChangeLog
	handlers Handlers
	now      func() time.Time
}

// New creates a Replayer.
func New(cfg Config, changes store.ChangeLog, handlers Handlers) (*Replayer, error) {
	v := errors.NewValidationErrors()
	if cfg.Key == "" {
		v.AddMissing("change_key")
	}
	if changes == nil {
		v.AddMissing("change_log")
	}
	for _, t := range cfg.Types {
		if _, ok := handlers[t]; !ok {
			v.Add(errors.Wrapf(errors.ErrUnknownHandler, "event type %s", t))
		}
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	if cfg.StaleAge == 0 {
		cfg.StaleAge = config.DefaultStaleChangeAge
	}
	return &Replayer{cfg: cfg, changes: changes, handlers: handlers, now: time.Now}, nil
}

// Result summarizes one replay.
type Result struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration

	Events    int
	Handled   int
	Stale     int
	Unhandled int
	Failures  []Failure
}

// Failure is one event whose handler failed.
type Failure struct {
	ChangeID int64
	Type     store.EventType
	Err      error
}

// Failed returns the number of failed events.
func (r *Result) Failed() int { return len(r.Failures) }

func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "events=%d handled=%d stale=%d", r.Events, r.Handled, r.Stale)
	if r.Unhandled > 0 {
		fmt.Fprintf(&b, " unhandled=%d", r.Unhandled)
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, " failed=%d", len(r.Failures))
	}
	return b.String()
}

// Run replays every unconfirmed event of the configured types.
func (r *Replayer) Run(ctx context.Context) (*Result, error) {
	ctx = r.runContext(ctx)
	types := r.cfg.Types
	if len(types) == 0 {
		types = r.handlers.Types()
	}
	events, err := r.changes.Events(ctx, r.cfg.Key, types)
	if err != nil {
		return nil, fmt.Errorf("fetch events for %s: %w", r.cfg.Key, err)
	}
	return r.replay(ctx, events)
}

// RunIDs replays the given events, confirmed or not.
func (r *Replayer) RunIDs(ctx context.Context, ids []int64) (*Result, error) {
	ctx = r.runContext(ctx)
	events, err := r.changes.EventsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch events %v: %w", ids, err)
	}
	if len(events) != len(ids) {
		logging.FromContext(ctx, log).Warn("change ids not found",
			"requested", len(ids), "found", len(events))
	}
	return r.replay(ctx, events)
}

func (r *Replayer) runContext(ctx context.Context) context.Context {
	if logging.RunID(ctx) == "" {
		ctx = logging.ContextWithRunID(ctx, uuid.NewString())
	}
	return logging.ContextWithSyncType(ctx, r.cfg.Key)
}

// replay handles events oldest first. A failing event is logged and left
// unconfirmed; replay continues with the next one.
func (r *Replayer) replay(ctx context.Context, events []store.ChangeEvent) (*Result, error) {
	l := logging.FromContext(ctx, log)
	res := &Result{RunID: logging.RunID(ctx), StartedAt: time.Now(), Events: len(events)}
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})

	l.Info("quick sync started", "events", len(events), "dry_run", r.cfg.DryRun)

	var cancelled error
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}
		ectx := logging.ContextWithChangeID(ctx, ev.ID)
		el := logging.FromContext(ectx, log).With("change_type", ev.Type.String(), "subject_id", ev.SubjectID)

		if r.stale(ev) {
			el.Debug("stale event confirmed without processing", "timestamp", ev.Timestamp)
			if err := r.confirm(ectx, ev); err != nil {
				return res, err
			}
			res.Stale++
			continue
		}

		h, ok := r.handlers[ev.Type]
		if !ok {
			el.Warn("no handler for event type")
			res.Unhandled++
			continue
		}

		if err := h(ectx, ev); err != nil {
			el.Error("change handler failed", "error", err)
			res.Failures = append(res.Failures, Failure{ChangeID: ev.ID, Type: ev.Type, Err: err})
			continue
		}
		if err := r.confirm(ectx, ev); err != nil {
			return res, err
		}
		res.Handled++
	}

	if err := r.finish(); err != nil {
		return res, err
	}
	l.Info("quick sync completed", "duration", time.Since(res.StartedAt), "result", res.String())
	if cancelled != nil {
		return res, cancelled
	}
	return res, nil
}

func (r *Replayer) stale(ev store.ChangeEvent) bool {
	if r.cfg.StaleAge < 0 || ev.Timestamp.IsZero() {
		return false
	}
	return r.now().Sub(ev.Timestamp) > r.cfg.StaleAge
}

// confirm records ev as consumed. Outside dry runs each confirmation is
// committed at once.
func (r *Replayer) confirm(ctx context.Context, ev store.ChangeEvent) error {
	if err := r.changes.Confirm(ctx, r.cfg.Key, ev); err != nil {
		return fmt.Errorf("confirm change %d: %w", ev.ID, err)
	}
	if r.cfg.DryRun {
		return nil
	}
	if err := r.changes.Commit(); err != nil {
		return fmt.Errorf("commit change %d: %w", ev.ID, err)
	}
	return nil
}

func (r *Replayer) finish() error {
	if r.cfg.DryRun {
		if err := r.changes.Rollback(); err != nil {
			return fmt.Errorf("rollback confirmations: %w", err)
		}
		return nil
	}
	if err := r.changes.Commit(); err != nil {
		return fmt.Errorf("commit confirmations: %w", err)
	}
	return nil
}
