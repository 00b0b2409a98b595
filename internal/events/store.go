package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
	"github.com/kilocode/backplane/internal/storage"
)

// DefaultMaxEvents is the soft cap on buffered events per build. The buffer
// may exceed it when every entry is still awaiting delivery.
const DefaultMaxEvents = 5000

const (
	keyEvents        = "events"
	keyLastProcessed = "lastProcessedId"
)

// Store holds a build's event buffer plus the delivery watermark
// lastProcessedId. The buffer is always a contiguous id range; trimming
// drops from the head and never crosses the watermark.
type Store struct {
	buildID   string
	kv        storage.KV
	clock     clockwork.Clock
	logger    *slog.Logger
	maxEvents int

	mu            sync.Mutex
	events        []Event
	lastProcessed int64
	loaded        bool
}

// NewStore creates a store persisting into kv. Call Load before use.
func NewStore(buildID string, kv storage.KV, clock clockwork.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		buildID:       buildID,
		kv:            kv,
		clock:         clock,
		logger:        logger,
		maxEvents:     DefaultMaxEvents,
		lastProcessed: -1,
	}
}

// WithMaxEvents overrides the soft cap. Zero or negative keeps the default.
func (s *Store) WithMaxEvents(n int) *Store {
	if n > 0 {
		s.maxEvents = n
	}
	return s
}

// Load restores the buffer and watermark from storage. Corrupted entries are
// skipped. Load is idempotent.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	raw, ok, err := s.kv.Get(ctx, keyEvents)
	if err != nil {
		return errors.WrapError(err, errors.CategoryStorage, "load events").
			WithContext("build_id", s.buildID).Build()
	}
	if ok {
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			s.logger.Warn("discarding corrupted event buffer",
				logfields.BuildID(s.buildID), logfields.Error(err))
		} else {
			for _, entry := range entries {
				var e Event
				if err := json.Unmarshal(entry, &e); err != nil {
					s.logger.Warn("skipping corrupted event",
						logfields.BuildID(s.buildID), logfields.Error(err))
					continue
				}
				s.events = append(s.events, e)
			}
		}
	}

	var lastProcessed int64
	found, err := storage.GetJSON(ctx, s.kv, keyLastProcessed, &lastProcessed)
	if err != nil {
		return errors.WrapError(err, errors.CategoryStorage, "load lastProcessedId").
			WithContext("build_id", s.buildID).Build()
	}
	if found {
		s.lastProcessed = lastProcessed
	}

	s.loaded = true
	return nil
}

// Append assigns the next id, stamps the timestamp, trims the head if the cap
// allows, persists, and returns the stored event. On a persistence failure
// the in-memory buffer is left untouched.
func (s *Store) Append(ctx context.Context, eventType Type, payload Payload) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nextID int64
	if n := len(s.events); n > 0 {
		nextID = s.events[n-1].ID + 1
	}

	event := Event{
		ID:      nextID,
		TS:      FormatTS(s.clock.Now()),
		Type:    eventType,
		Payload: payload,
	}

	candidate := make([]Event, len(s.events), len(s.events)+1)
	copy(candidate, s.events)
	candidate = append(candidate, event)
	candidate = s.trim(candidate)

	if err := storage.PutJSON(ctx, s.kv, keyEvents, candidate); err != nil {
		return Event{}, errors.WrapError(err, errors.CategoryStorage, "persist events").
			WithContext("build_id", s.buildID).Build()
	}
	s.events = candidate
	return event, nil
}

// trim drops head entries past the cap, stopping at the delivery watermark.
func (s *Store) trim(buf []Event) []Event {
	for len(buf) > s.maxEvents && buf[0].ID <= s.lastProcessed {
		buf = buf[1:]
	}
	if len(buf) > s.maxEvents {
		s.logger.Warn("event buffer over capacity with undelivered events",
			logfields.BuildID(s.buildID), logfields.Count(len(buf)))
	}
	return buf
}

// Events returns a copy of the full buffer.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Unprocessed returns the contiguous prefix of events past the watermark,
// capped to limit when limit > 0. The start index is computed from the head
// id, not by scanning.
func (s *Store) Unprocessed(limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unprocessedLocked(limit)
}

func (s *Store) unprocessedLocked(limit int) []Event {
	if len(s.events) == 0 {
		return nil
	}
	firstID := s.events[0].ID
	start := s.lastProcessed + 1 - firstID
	if start < 0 {
		start = 0
	}
	if start >= int64(len(s.events)) {
		return nil
	}
	pending := s.events[start:]
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]Event, len(pending))
	copy(out, pending)
	return out
}

// FirstUnprocessed returns the oldest undelivered event, if any.
func (s *Store) FirstUnprocessed() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.unprocessedLocked(1)
	if len(pending) == 0 {
		return Event{}, false
	}
	return pending[0], true
}

// LastProcessedID returns the delivery watermark (-1 when nothing delivered).
func (s *Store) LastProcessedID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessed
}

// SetLastProcessedID persists a new watermark. The watermark never regresses.
func (s *Store) SetLastProcessedID(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < s.lastProcessed {
		return nil
	}
	if err := storage.PutJSON(ctx, s.kv, keyLastProcessed, id); err != nil {
		return errors.WrapError(err, errors.CategoryStorage, "persist lastProcessedId").
			WithContext("build_id", s.buildID).Build()
	}
	s.lastProcessed = id
	return nil
}

// Len reports the number of buffered events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
