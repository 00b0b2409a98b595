// Package analytics writes telemetry data points and answers the aggregate
// queries the alert evaluator needs. Column names follow the wire schema of
// the analytics engine (blob1…blob5, double1…double11, index1), so rows are
// interchangeable between the SQLite and ClickHouse backends.
package analytics

import (
	"context"
	"time"
)

// APIPoint is one per-request telemetry record.
//
// Column mapping: blob1=provider, blob2=resolvedModel, blob3=clientName,
// blob4="1" if statusCode>=400 else "0", blob5=inferenceProvider,
// double1=ttfbMs, double2=completeRequestMs, double3=statusCode.
type APIPoint struct {
	Provider          string  `json:"provider"`
	ResolvedModel     string  `json:"resolvedModel"`
	ClientName        string  `json:"clientName"`
	StatusCode        float64 `json:"statusCode"`
	InferenceProvider string  `json:"inferenceProvider"`
	TTFBMs            float64 `json:"ttfbMs"`
	CompleteRequestMs float64 `json:"completeRequestMs"`
	// SampleInterval corrects for upstream sampling: a point recorded with
	// interval N stands for N requests. Zero means 1.
	SampleInterval float64 `json:"sampleInterval,omitempty"`
}

// IsError reports whether the point counts against the error budget.
func (p APIPoint) IsError() bool { return p.StatusCode >= 400 }

// Weight returns the sampling weight, defaulting to 1.
func (p APIPoint) Weight() float64 {
	if p.SampleInterval > 0 {
		return p.SampleInterval
	}
	return 1
}

// SessionPoint is one per-session metrics record, written exactly once when
// a session terminates.
//
// Column mapping: index1=platform; blob1=terminationReason, blob2=platform,
// blob3=organizationId|"", blob4=kiloUserId, blob5=model|"";
// double1=sessionDurationMs, double2=timeToFirstResponseMs or -1,
// double3=totalTurns, double4=totalSteps, double5=totalErrors,
// double6=totalTokens, double7=totalCost, double8=compactionCount,
// double9=stuckToolCallCount, double10=autoCompactionCount,
// double11=ingestVersion.
type SessionPoint struct {
	Platform              string  `json:"platform"`
	TerminationReason     string  `json:"terminationReason"`
	OrganizationID        string  `json:"organizationId"`
	KiloUserID            string  `json:"kiloUserId"`
	Model                 string  `json:"model"`
	SessionDurationMs     float64 `json:"sessionDurationMs"`
	TimeToFirstResponseMs float64 `json:"timeToFirstResponseMs"` // -1 when no response was observed
	TotalTurns            float64 `json:"totalTurns"`
	TotalSteps            float64 `json:"totalSteps"`
	TotalErrors           float64 `json:"totalErrors"`
	TotalTokens           float64 `json:"totalTokens"`
	TotalCost             float64 `json:"totalCost"`
	CompactionCount       float64 `json:"compactionCount"`
	StuckToolCallCount    float64 `json:"stuckToolCallCount"`
	AutoCompactionCount   float64 `json:"autoCompactionCount"`
	IngestVersion         float64 `json:"ingestVersion"`
}

// DimensionRow is one (provider, model, client) aggregate with weighted
// totals for a burn-rate window.
type DimensionRow struct {
	Provider    string
	Model       string
	Client      string
	TotalWeight float64
	BadWeight   float64
}

// Dimension returns the grouping key shared with the cooldown store.
func (r DimensionRow) Dimension() (provider, model, client string) {
	return r.Provider, r.Model, r.Client
}

// Store is the analytics backend.
type Store interface {
	// WriteAPIPoint appends one per-request point.
	WriteAPIPoint(ctx context.Context, p APIPoint) error

	// WriteSessionPoint appends one per-session point.
	WriteSessionPoint(ctx context.Context, p SessionPoint) error

	// ErrorRateByDimension aggregates weighted totals and weighted error
	// counts over the trailing window, grouped by dimension.
	ErrorRateByDimension(ctx context.Context, window time.Duration) ([]DimensionRow, error)

	// TTFBExceedanceByDimension aggregates weighted totals and the weighted
	// count of points whose TTFB exceeds thresholdMs, over the trailing
	// window, grouped by dimension.
	TTFBExceedanceByDimension(ctx context.Context, thresholdMs float64, window time.Duration) ([]DimensionRow, error)

	// Close releases the backend connection.
	Close() error
}
