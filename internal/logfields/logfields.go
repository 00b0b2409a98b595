package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID    = "build_id"
	KeySlug       = "slug"
	KeyState      = "state"
	KeyStep       = "step"
	KeyProject    = "project_type"
	KeyDurationMS = "duration_ms"
	KeyAttempt    = "attempt"
	KeyEventID    = "event_id"
	KeyEventType  = "event_type"
	KeySessionID  = "session_id"
	KeyAlertKey   = "alert_key"
	KeySeverity   = "severity"
	KeyWindow     = "window_min"
	KeyDimension  = "dimension"
	KeyEndpoint   = "endpoint"
	KeyStatus     = "status_code"
	KeyCount      = "count"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr     { return slog.String(KeyBuildID, id) }
func Slug(s string) slog.Attr         { return slog.String(KeySlug, s) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func Step(name string) slog.Attr      { return slog.String(KeyStep, name) }
func ProjectType(t string) slog.Attr  { return slog.String(KeyProject, t) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func EventID(id int64) slog.Attr      { return slog.Int64(KeyEventID, id) }
func EventType(t string) slog.Attr    { return slog.String(KeyEventType, t) }
func SessionID(id string) slog.Attr   { return slog.String(KeySessionID, id) }
func AlertKey(k string) slog.Attr     { return slog.String(KeyAlertKey, k) }
func Severity(s string) slog.Attr     { return slog.String(KeySeverity, s) }
func WindowMin(m int) slog.Attr       { return slog.Int(KeyWindow, m) }
func Dimension(d string) slog.Attr    { return slog.String(KeyDimension, d) }
func Endpoint(e string) slog.Attr     { return slog.String(KeyEndpoint, e) }
func StatusCode(c int) slog.Attr      { return slog.Int(KeyStatus, c) }
func Count(n int) slog.Attr           { return slog.Int(KeyCount, n) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
