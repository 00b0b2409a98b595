package alerting

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kilocode/backplane/internal/analytics"
	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
	"github.com/kilocode/backplane/internal/metrics"
)

// ErrorRateRule is the per-model error-rate SLO.
type ErrorRateRule struct {
	Model       string
	Enabled     bool
	SLO         float64
	MinRequests float64
}

// TTFBRule is the per-model tail-latency SLO.
type TTFBRule struct {
	Model       string
	Enabled     bool
	ThresholdMs float64
	SLO         float64
	MinRequests float64
}

// Evaluator runs one burn-rate evaluation pass per tick. Rules are
// hot-swappable; at most one tick runs at a time (enforced by the scheduler).
type Evaluator struct {
	store     analytics.Store
	cooldowns Cooldowns
	notifier  Notifier
	clock     clockwork.Clock
	logger    *slog.Logger
	recorder  metrics.Recorder

	pageCooldown   time.Duration
	ticketCooldown time.Duration

	mu        sync.RWMutex
	errorRate map[string]ErrorRateRule
	ttfb      map[string]TTFBRule
}

// EvaluatorOptions configures a new Evaluator. Clock, Logger, and Recorder
// may be nil.
type EvaluatorOptions struct {
	Store          analytics.Store
	Cooldowns      Cooldowns
	Notifier       Notifier
	PageCooldown   time.Duration
	TicketCooldown time.Duration
	Clock          clockwork.Clock
	Logger         *slog.Logger
	Recorder       metrics.Recorder
}

// NewEvaluator builds an evaluator with no rules loaded.
func NewEvaluator(opts EvaluatorOptions) *Evaluator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	if opts.PageCooldown <= 0 {
		opts.PageCooldown = 15 * time.Minute
	}
	if opts.TicketCooldown <= 0 {
		opts.TicketCooldown = 4 * time.Hour
	}
	return &Evaluator{
		store:          opts.Store,
		cooldowns:      opts.Cooldowns,
		notifier:       opts.Notifier,
		clock:          opts.Clock,
		logger:         opts.Logger,
		recorder:       opts.Recorder,
		pageCooldown:   opts.PageCooldown,
		ticketCooldown: opts.TicketCooldown,
		errorRate:      map[string]ErrorRateRule{},
		ttfb:           map[string]TTFBRule{},
	}
}

// UpdateRules replaces the rule sets. Called at startup and on config reload.
func (e *Evaluator) UpdateRules(errorRate []ErrorRateRule, ttfb []TTFBRule) {
	er := make(map[string]ErrorRateRule, len(errorRate))
	for _, r := range errorRate {
		er[r.Model] = r
	}
	tt := make(map[string]TTFBRule, len(ttfb))
	for _, r := range ttfb {
		tt[r.Model] = r
	}
	e.mu.Lock()
	e.errorRate = er
	e.ttfb = tt
	e.mu.Unlock()
	e.logger.Info("alert rules updated",
		slog.Int("error_rate_rules", len(er)), slog.Int("ttfb_rules", len(tt)))
}

// Tick evaluates every window in severity order. Per-window failures are
// collected and returned as one aggregated error so a broken query cannot
// silence the remaining windows.
func (e *Evaluator) Tick(ctx context.Context) error {
	start := e.clock.Now()
	defer func() {
		e.recorder.ObserveAlertEvaluation(e.clock.Since(start))
	}()

	var errs []error
	for _, w := range Windows() {
		if err := e.evaluateErrorRate(ctx, w); err != nil {
			errs = append(errs, fmt.Errorf("%s/%dm error_rate: %w", w.Severity, int(w.Long.Minutes()), err))
		}
		if err := e.evaluateTTFB(ctx, w); err != nil {
			errs = append(errs, fmt.Errorf("%s/%dm ttfb: %w", w.Severity, int(w.Long.Minutes()), err))
		}
	}
	return goerrors.Join(errs...)
}

type candidate struct {
	row  analytics.DimensionRow
	burn float64

	slo         float64
	minRequests float64
	thresholdMs float64
}

func (e *Evaluator) evaluateErrorRate(ctx context.Context, w Window) error {
	e.mu.RLock()
	rules := e.errorRate
	e.mu.RUnlock()
	if len(rules) == 0 {
		return nil
	}

	longRows, err := e.store.ErrorRateByDimension(ctx, w.Long)
	if err != nil {
		return err
	}
	var tripped []candidate
	for _, row := range longRows {
		rule, ok := rules[row.Model]
		if !ok || !rule.Enabled || row.TotalWeight <= 0 || row.TotalWeight < rule.MinRequests {
			continue
		}
		burn := ComputeBurnRate(row.BadWeight/row.TotalWeight, rule.SLO)
		if burn < w.BurnRate {
			continue
		}
		tripped = append(tripped, candidate{row: row, burn: burn, slo: rule.SLO, minRequests: rule.MinRequests})
	}
	if len(tripped) == 0 {
		return nil
	}

	shortRows, err := e.store.ErrorRateByDimension(ctx, w.Short)
	if err != nil {
		return err
	}
	return e.confirmAndFire(ctx, w, AlertErrorRate, tripped, shortRows)
}

func (e *Evaluator) evaluateTTFB(ctx context.Context, w Window) error {
	e.mu.RLock()
	rules := e.ttfb
	e.mu.RUnlock()

	// One query per distinct threshold covers every model sharing it.
	byThreshold := map[float64]map[string]TTFBRule{}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		m, ok := byThreshold[rule.ThresholdMs]
		if !ok {
			m = map[string]TTFBRule{}
			byThreshold[rule.ThresholdMs] = m
		}
		m[rule.Model] = rule
	}

	var errs []error
	for threshold, models := range byThreshold {
		longRows, err := e.store.TTFBExceedanceByDimension(ctx, threshold, w.Long)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var tripped []candidate
		for _, row := range longRows {
			rule, ok := models[row.Model]
			if !ok || row.TotalWeight <= 0 || row.TotalWeight < rule.MinRequests {
				continue
			}
			burn := ComputeBurnRate(row.BadWeight/row.TotalWeight, rule.SLO)
			if burn < w.BurnRate {
				continue
			}
			tripped = append(tripped, candidate{row: row, burn: burn, slo: rule.SLO, minRequests: rule.MinRequests, thresholdMs: threshold})
		}
		if len(tripped) == 0 {
			continue
		}
		shortRows, err := e.store.TTFBExceedanceByDimension(ctx, threshold, w.Short)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.confirmAndFire(ctx, w, AlertTTFB, tripped, shortRows); err != nil {
			errs = append(errs, err)
		}
	}
	return goerrors.Join(errs...)
}

// confirmAndFire applies the short-window gate to long-window candidates and
// emits the survivors. A dimension absent from the short window is skipped.
func (e *Evaluator) confirmAndFire(ctx context.Context, w Window, alertType AlertType, tripped []candidate, shortRows []analytics.DimensionRow) error {
	index := make(map[[3]string]analytics.DimensionRow, len(shortRows))
	for _, row := range shortRows {
		index[[3]string{row.Provider, row.Model, row.Client}] = row
	}

	var errs []error
	for _, c := range tripped {
		short, ok := index[[3]string{c.row.Provider, c.row.Model, c.row.Client}]
		if !ok {
			continue
		}
		if short.TotalWeight <= 0 || short.TotalWeight < c.minRequests {
			e.recorder.IncAlertSuppressed("min_requests")
			continue
		}
		if ComputeBurnRate(short.BadWeight/short.TotalWeight, c.slo) < w.BurnRate {
			continue
		}

		alert := Alert{
			Severity:         w.Severity,
			AlertType:        alertType,
			Provider:         c.row.Provider,
			Model:            c.row.Model,
			Client:           c.row.Client,
			BurnRate:         c.burn,
			Threshold:        w.BurnRate,
			Window:           w.Long,
			ObservedFraction: c.row.BadWeight / c.row.TotalWeight,
			TargetFraction:   1 - c.slo,
			TTFBThresholdMs:  c.thresholdMs,
			Requests:         c.row.TotalWeight,
		}
		if err := e.fire(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return goerrors.Join(errs...)
}

func (e *Evaluator) fire(ctx context.Context, alert Alert) error {
	key := alert.Key()

	active, err := e.cooldowns.Active(ctx, key)
	if err != nil {
		return err
	}
	if active {
		e.recorder.IncAlertSuppressed("cooldown")
		return nil
	}
	if alert.Severity == SeverityTicket {
		pageActive, perr := e.cooldowns.Active(ctx, key.WithSeverity(SeverityPage))
		if perr != nil {
			return perr
		}
		if pageActive {
			e.recorder.IncAlertSuppressed("page_active")
			return nil
		}
	}

	if err := e.notifier.Notify(ctx, alert); err != nil {
		return errors.WrapError(err, errors.CategoryNotify, "deliver alert").
			WithContext("key", key.String()).Build()
	}

	ttl := e.pageCooldown
	if alert.Severity == SeverityTicket {
		ttl = e.ticketCooldown
	}
	if err := e.cooldowns.Mark(ctx, key, ttl); err != nil {
		return err
	}

	e.recorder.IncAlertFired(string(alert.Severity))
	e.logger.Info("alert fired",
		logfields.Severity(string(alert.Severity)),
		logfields.AlertKey(key.String()),
		logfields.WindowMin(int(alert.Window.Minutes())),
		slog.Float64("burn_rate", alert.BurnRate))
	return nil
}
