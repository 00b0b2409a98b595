package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kilocode/backplane/internal/alarm"
	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
	"github.com/kilocode/backplane/internal/metrics"
	"github.com/kilocode/backplane/internal/storage"
)

// Delivery batching defaults.
const (
	DefaultBatchMaxEvents    = 100
	DefaultBatchMaxWait      = 2000 * time.Millisecond
	DefaultBackoffBase       = 2000 * time.Millisecond
	DefaultStopAfterAttempts = 10

	// overflowDelay is the near-immediate follow-up when a full batch is waiting.
	overflowDelay = 50 * time.Millisecond

	keyDeliveryState = "deliveryState"
)

// DeliveryConfig controls batching and backoff. Zero values take defaults.
type DeliveryConfig struct {
	BackendURL        string        // empty means deliveries trivially succeed
	AuthToken         string        // bearer token for the backend
	BatchMaxEvents    int           // max events per POST
	BatchMaxWait      time.Duration // linger before a partial batch is sent
	BackoffBase       time.Duration // first retry delay, doubling per attempt
	StopAfterAttempts int           // retries stop permanently past this count
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.BatchMaxEvents <= 0 {
		c.BatchMaxEvents = DefaultBatchMaxEvents
	}
	if c.BatchMaxWait <= 0 {
		c.BatchMaxWait = DefaultBatchMaxWait
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.StopAfterAttempts <= 0 {
		c.StopAfterAttempts = DefaultStopAfterAttempts
	}
	return c
}

// DeliveryState is the persisted retry bookkeeping for one build.
type DeliveryState struct {
	NextAttemptAt int64 `json:"nextAttemptAt"` // epoch ms; 0 = none scheduled
	Attempt       int   `json:"attempt"`       // 0 after the last success
}

// Delivery drains a Store to the backend webhook in ordered batches with
// at-least-once semantics. One alarm schedules the next flush; deadlines are
// absolute so restarts resume correctly.
type Delivery struct {
	buildID  string
	store    *Store
	kv       storage.KV
	cfg      DeliveryConfig
	clock    clockwork.Clock
	logger   *slog.Logger
	client   *http.Client
	recorder metrics.Recorder
	alarm    *alarm.Alarm

	mu       sync.Mutex
	state    DeliveryState
	flushing bool
}

// NewDelivery wires a delivery loop for one build. Call Initialize before use.
func NewDelivery(buildID string, store *Store, kv storage.KV, cfg DeliveryConfig, clock clockwork.Clock, logger *slog.Logger) *Delivery {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Delivery{
		buildID:  buildID,
		store:    store,
		kv:       kv,
		cfg:      cfg.withDefaults(),
		clock:    clock,
		logger:   logger,
		client:   &http.Client{Timeout: 30 * time.Second},
		recorder: metrics.NoopRecorder{},
	}
	d.alarm = alarm.New(clock, d.onAlarm)
	return d
}

// WithHTTPClient overrides the backend HTTP client.
func (d *Delivery) WithHTTPClient(client *http.Client) *Delivery {
	if client != nil {
		d.client = client
	}
	return d
}

// WithRecorder attaches a metrics recorder.
func (d *Delivery) WithRecorder(r metrics.Recorder) *Delivery {
	if r != nil {
		d.recorder = r
	}
	return d
}

// Initialize loads persisted state and re-arms the retry alarm if a deadline
// was pending when the process stopped.
func (d *Delivery) Initialize(ctx context.Context) error {
	d.mu.Lock()
	var state DeliveryState
	found, err := storage.GetJSON(ctx, d.kv, keyDeliveryState, &state)
	if err != nil {
		d.mu.Unlock()
		return errors.WrapError(err, errors.CategoryStorage, "load delivery state").
			WithContext("build_id", d.buildID).Build()
	}
	if found {
		d.state = state
	}
	pendingRetry := d.state.NextAttemptAt > 0 && d.state.Attempt <= d.cfg.StopAfterAttempts
	nextAttemptAt := d.state.NextAttemptAt
	d.mu.Unlock()

	if pendingRetry {
		d.alarm.Set(time.UnixMilli(nextAttemptAt))
	}
	d.ScheduleFlush()
	return nil
}

// State returns a snapshot of the retry bookkeeping.
func (d *Delivery) State() DeliveryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Close cancels the pending alarm, if any.
func (d *Delivery) Close() {
	d.alarm.Delete()
}

// ScheduleFlush decides when the next flush should run. Called after every
// append and at the end of every flush.
func (d *Delivery) ScheduleFlush() {
	pending := len(d.store.Unprocessed(d.cfg.BatchMaxEvents))
	if pending == 0 {
		return
	}

	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	// Retry phase: the failed batch owns the schedule.
	if state.Attempt > 0 {
		if state.Attempt > d.cfg.StopAfterAttempts {
			return
		}
		d.alarm.Set(time.UnixMilli(state.NextAttemptAt))
		return
	}

	now := d.clock.Now()
	if pending >= d.cfg.BatchMaxEvents {
		d.alarm.Set(now.Add(overflowDelay))
		return
	}

	target := now.Add(d.cfg.BatchMaxWait)
	if current, ok := d.alarm.Get(); ok && !current.After(target) {
		return
	}
	d.alarm.Set(target)
}

func (d *Delivery) onAlarm() {
	if err := d.Flush(context.Background()); err != nil {
		d.logger.Warn("webhook flush failed",
			logfields.BuildID(d.buildID), logfields.Error(err))
	}
}

// Flush performs one delivery attempt cycle. Concurrent calls are rejected by
// a local guard; failed attempts update the persisted backoff state rather
// than returning an error.
func (d *Delivery) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.flushing {
		d.mu.Unlock()
		return nil
	}
	d.flushing = true
	if d.state.Attempt > d.cfg.StopAfterAttempts {
		d.flushing = false
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.flushing = false
		d.mu.Unlock()
	}()

	batch := d.store.Unprocessed(d.cfg.BatchMaxEvents)
	if len(batch) == 0 {
		return nil
	}

	delivered, err := d.post(ctx, batch)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if delivered {
		d.state = DeliveryState{}
	} else {
		d.state.Attempt++
		backoff := d.cfg.BackoffBase * (1 << (d.state.Attempt - 1))
		d.state.NextAttemptAt = d.clock.Now().Add(backoff).UnixMilli()
	}
	state := d.state
	d.mu.Unlock()

	if delivered {
		if err := d.store.SetLastProcessedID(ctx, batch[len(batch)-1].ID); err != nil {
			return err
		}
		d.recorder.ObserveWebhookBatch(len(batch))
		d.recorder.IncWebhookDelivery("delivered")
	} else {
		d.recorder.IncWebhookDelivery("retried")
		d.logger.Warn("webhook batch not accepted",
			logfields.BuildID(d.buildID),
			logfields.Attempt(state.Attempt),
			logfields.Count(len(batch)))
	}

	if err := storage.PutJSON(ctx, d.kv, keyDeliveryState, state); err != nil {
		return errors.WrapError(err, errors.CategoryStorage, "persist delivery state").
			WithContext("build_id", d.buildID).Build()
	}

	d.ScheduleFlush()
	return nil
}

type webhookPayload struct {
	BuildID string  `json:"buildId"`
	Events  []Event `json:"events"`
}

// post sends one batch. The bool reports acceptance; transport errors count
// as a failed attempt, not an error.
func (d *Delivery) post(ctx context.Context, batch []Event) (bool, error) {
	if d.cfg.BackendURL == "" {
		return true, nil
	}

	body, err := json.Marshal(webhookPayload{BuildID: d.buildID, Events: batch})
	if err != nil {
		return false, errors.WrapError(err, errors.CategoryDelivery, "encode webhook payload").
			WithContext("build_id", d.buildID).Build()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BackendURL, bytes.NewReader(body))
	if err != nil {
		return false, errors.WrapError(err, errors.CategoryDelivery, "build webhook request").
			WithContext("build_id", d.buildID).Build()
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.AuthToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook request failed",
			logfields.BuildID(d.buildID), logfields.Error(err))
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	d.logger.Warn(fmt.Sprintf("webhook backend returned %d", resp.StatusCode),
		logfields.BuildID(d.buildID), logfields.StatusCode(resp.StatusCode))
	return false, nil
}
