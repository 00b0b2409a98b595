// Package alerting implements the multi-window multi-burn-rate SLO
// evaluator: per-dimension error-rate and tail-latency burn rates over a
// long and a short window, with severity-ordered, cooldown-deduplicated
// notifications.
package alerting

import (
	"math"
	"time"
)

// Severity orders alert urgency. Pages are always evaluated before tickets
// so an active page marker absorbs the matching ticket.
type Severity string

const (
	SeverityPage   Severity = "page"
	SeverityTicket Severity = "ticket"
)

// AlertType names the evaluated signal.
type AlertType string

const (
	AlertErrorRate AlertType = "error_rate"
	AlertTTFB      AlertType = "ttfb"
)

// Window is one long/short window pair with its burn-rate threshold. An
// alert fires only when both windows exceed BurnRate.
type Window struct {
	Severity Severity
	Long     time.Duration
	Short    time.Duration
	BurnRate float64
}

// Windows returns the evaluation order: page before ticket, then higher
// burn rate first. The order is a correctness requirement, not cosmetic.
func Windows() []Window {
	return []Window{
		{Severity: SeverityPage, Long: 5 * time.Minute, Short: 1 * time.Minute, BurnRate: 14.4},
		{Severity: SeverityPage, Long: 30 * time.Minute, Short: 3 * time.Minute, BurnRate: 6},
		{Severity: SeverityTicket, Long: 360 * time.Minute, Short: 30 * time.Minute, BurnRate: 1},
	}
}

// ComputeBurnRate converts an observed bad fraction into multiples of the
// error budget (1 − SLO). A zero fraction never burns; an SLO of 1 leaves no
// budget, so any bad fraction burns infinitely fast.
func ComputeBurnRate(badFraction, slo float64) float64 {
	if badFraction == 0 {
		return 0
	}
	budget := 1 - slo
	if budget <= 0 {
		return math.Inf(1)
	}
	return badFraction / budget
}
