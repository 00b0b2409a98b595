package events

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/kilocode/backplane/internal/metrics"
	"github.com/kilocode/backplane/internal/storage"
)

// Manager bundles a build's event store with its webhook delivery loop.
// Every append schedules a flush, so callers only talk to the manager.
type Manager struct {
	store    *Store
	delivery *Delivery
	recorder metrics.Recorder
}

// NewManager wires the store and delivery for one build.
func NewManager(buildID string, kv storage.KV, cfg DeliveryConfig, clock clockwork.Clock, logger *slog.Logger) *Manager {
	store := NewStore(buildID, kv, clock, logger)
	return &Manager{
		store:    store,
		delivery: NewDelivery(buildID, store, kv, cfg, clock, logger),
		recorder: metrics.NoopRecorder{},
	}
}

// WithRecorder attaches a metrics recorder to the manager and its delivery.
func (m *Manager) WithRecorder(r metrics.Recorder) *Manager {
	if r != nil {
		m.recorder = r
		m.delivery.WithRecorder(r)
	}
	return m
}

// Initialize restores persisted state and re-arms delivery.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.store.Load(ctx); err != nil {
		return err
	}
	return m.delivery.Initialize(ctx)
}

// Log appends a log event and schedules delivery.
func (m *Manager) Log(ctx context.Context, message string) error {
	return m.append(ctx, TypeLog, Payload{Message: message})
}

// StatusChange appends a status_change event and schedules delivery.
func (m *Manager) StatusChange(ctx context.Context, status string) error {
	return m.append(ctx, TypeStatusChange, Payload{Status: status})
}

func (m *Manager) append(ctx context.Context, t Type, p Payload) error {
	if _, err := m.store.Append(ctx, t, p); err != nil {
		return err
	}
	m.recorder.IncEventAppended(string(t))
	m.delivery.ScheduleFlush()
	return nil
}

// Events returns the full buffered event list.
func (m *Manager) Events() []Event { return m.store.Events() }

// Store exposes the underlying event store.
func (m *Manager) Store() *Store { return m.store }

// Delivery exposes the delivery loop.
func (m *Manager) Delivery() *Delivery { return m.delivery }

// Close stops the delivery alarm.
func (m *Manager) Close() { m.delivery.Close() }
