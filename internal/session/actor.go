package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kilocode/backplane/internal/alarm"
	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
	"github.com/kilocode/backplane/internal/metrics"
	"github.com/kilocode/backplane/internal/storage"
)

// Default alarm policy timings.
const (
	DefaultPostCloseDrain    = 5 * time.Second
	DefaultInactivityTimeout = 5 * time.Minute
)

// Per-session storage keys.
const (
	keyItems       = "items"
	keyEmitted     = "emitted"
	keyCloseReason = "closeReason"
	keyIdentity    = "identity"
)

// Sink receives the one metrics record per terminated session.
type Sink interface {
	IngestSessionMetrics(ctx context.Context, m Metrics) error
}

// Deps are the collaborators a session actor needs. Clock, Logger, and
// Recorder may be nil.
type Deps struct {
	Store             storage.Store
	Sink              Sink
	PostCloseDrain    time.Duration
	InactivityTimeout time.Duration
	Clock             clockwork.Clock
	Logger            *slog.Logger
	Recorder          metrics.Recorder
}

func (d Deps) withDefaults() Deps {
	if d.PostCloseDrain <= 0 {
		d.PostCloseDrain = DefaultPostCloseDrain
	}
	if d.InactivityTimeout <= 0 {
		d.InactivityTimeout = DefaultInactivityTimeout
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Recorder == nil {
		d.Recorder = metrics.NoopRecorder{}
	}
	return d
}

// identity is the persisted per-session envelope metadata.
type identity struct {
	KiloUserID    string `json:"kiloUserId"`
	IngestVersion int    `json:"ingestVersion"`
}

// Actor accumulates one session's item stream and emits its metrics exactly
// once. All access is serialized through the mutex; the emission runs in the
// alarm goroutine or, after a restart, on the next ingest.
type Actor struct {
	sessionID string
	deps      Deps
	kv        storage.KV
	logger    *slog.Logger

	mu          sync.Mutex
	loaded      bool
	items       []Item
	emitted     bool
	closeReason string
	ident       identity
	timer       *alarm.Alarm
}

func newActor(sessionID string, deps Deps) *Actor {
	deps = deps.withDefaults()
	a := &Actor{
		sessionID: sessionID,
		deps:      deps,
		kv:        deps.Store.Bucket("session", sessionID),
		logger:    deps.Logger.With(logfields.SessionID(sessionID)),
	}
	a.timer = alarm.New(deps.Clock, a.onAlarm)
	return a
}

// load restores persisted state once per process lifetime.
func (a *Actor) load(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	if _, err := storage.GetJSON(ctx, a.kv, keyItems, &a.items); err != nil {
		a.logger.Warn("discarding corrupted session buffer", logfields.Error(err))
		a.items = nil
	}
	if _, err := storage.GetJSON(ctx, a.kv, keyEmitted, &a.emitted); err != nil {
		a.emitted = false
	}
	if _, err := storage.GetJSON(ctx, a.kv, keyCloseReason, &a.closeReason); err != nil {
		a.closeReason = ""
	}
	if _, err := storage.GetJSON(ctx, a.kv, keyIdentity, &a.ident); err != nil {
		a.ident = identity{}
	}
	a.loaded = true
	return nil
}

// Ingest appends a chunk of items and applies the alarm policy for the
// declared ingest version.
func (a *Actor) Ingest(ctx context.Context, kiloUserID string, ingestVersion int, items []Item) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.load(ctx); err != nil {
		return err
	}

	// Traffic after an emission starts a new turn for v>=1 clients.
	if a.emitted && ingestVersion >= 1 {
		if err := a.clearEmittedLocked(ctx); err != nil {
			return err
		}
	}

	a.ident = identity{KiloUserID: kiloUserID, IngestVersion: ingestVersion}
	if err := storage.PutJSON(ctx, a.kv, keyIdentity, a.ident); err != nil {
		return errors.WrapError(err, errors.CategoryStorage, "persist session identity").
			WithContext("session_id", a.sessionID).Build()
	}

	now := a.deps.Clock.Now()
	for _, it := range items {
		a.items = append(a.items, it)
		switch it.Type {
		case ItemSessionOpen:
			if ingestVersion >= 1 {
				if err := a.clearEmittedLocked(ctx); err != nil {
					return err
				}
				a.timer.Set(now.Add(a.deps.InactivityTimeout))
			}
		case ItemSessionClose:
			// The explicit close reason is honored regardless of the
			// declared ingest version.
			reason := CloseAbandoned
			if it.Close != nil && it.Close.Reason != "" {
				reason = it.Close.Reason
			}
			a.closeReason = reason
			if err := storage.PutJSON(ctx, a.kv, keyCloseReason, reason); err != nil {
				return errors.WrapError(err, errors.CategoryStorage, "persist close reason").
					WithContext("session_id", a.sessionID).Build()
			}
			if ingestVersion >= 1 {
				a.timer.Set(now.Add(a.deps.PostCloseDrain))
			}
		}
	}

	// Legacy clients have no open/close protocol; every chunk extends the
	// inactivity window.
	if ingestVersion < 1 {
		a.timer.Set(now.Add(a.deps.InactivityTimeout))
	}

	if err := storage.PutJSON(ctx, a.kv, keyItems, a.items); err != nil {
		return errors.WrapError(err, errors.CategoryStorage, "persist session buffer").
			WithContext("session_id", a.sessionID).Build()
	}
	return nil
}

func (a *Actor) clearEmittedLocked(ctx context.Context) error {
	a.emitted = false
	if err := a.kv.Delete(ctx, keyEmitted); err != nil {
		return errors.WrapError(err, errors.CategoryStorage, "clear emission marker").
			WithContext("session_id", a.sessionID).Build()
	}
	return nil
}

func (a *Actor) onAlarm() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := a.Emit(ctx, "inactivity"); err != nil {
		a.logger.Error("session emission", logfields.Error(err))
	}
}

// Emit computes and sends the metrics record. Returns false without side
// effects when the session already emitted. The alarm is always deleted on a
// successful emission; on a sink failure it is re-armed for a short retry.
func (a *Actor) Emit(ctx context.Context, trigger string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.load(ctx); err != nil {
		return false, err
	}
	if a.emitted {
		return false, nil
	}

	reason := a.closeReason
	if reason == "" {
		reason = CloseAbandoned
	} else if trigger == "inactivity" {
		trigger = "close"
	}
	m := Aggregate(a.sessionID, a.ident.KiloUserID, a.items, reason, a.ident.IngestVersion)

	if err := a.deps.Sink.IngestSessionMetrics(ctx, m); err != nil {
		a.timer.Set(a.deps.Clock.Now().Add(a.deps.PostCloseDrain))
		return false, errors.WrapError(err, errors.CategorySession, "deliver session metrics").
			WithContext("session_id", a.sessionID).Build()
	}

	a.emitted = true
	if err := storage.PutJSON(ctx, a.kv, keyEmitted, true); err != nil {
		return true, errors.WrapError(err, errors.CategoryStorage, "persist emission marker").
			WithContext("session_id", a.sessionID).Build()
	}
	a.items = nil
	if err := a.kv.Delete(ctx, keyItems); err != nil {
		a.logger.Warn("drop session buffer", logfields.Error(err))
	}
	a.timer.Delete()

	a.deps.Recorder.IncSessionEmitted(trigger)
	a.logger.Info("session metrics emitted",
		slog.String("reason", reason),
		slog.Int("turns", m.TotalTurns),
		slog.Int("steps", m.TotalSteps))
	return true, nil
}

// Emitted reports whether the session already produced its record.
func (a *Actor) Emitted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emitted
}

// Close releases the actor's timer without touching persisted state.
func (a *Actor) Close() { a.timer.Delete() }
