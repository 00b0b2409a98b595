// Package events implements the per-build event log and its webhook delivery.
// Each build owns one Store (a capped, contiguous buffer of events) and one
// Delivery (batched at-least-once forwarding to the backend webhook).
package events

import "time"

// Type discriminates event payloads.
type Type string

const (
	TypeLog          Type = "log"
	TypeStatusChange Type = "status_change"
)

// Payload carries the type-specific fields. Exactly one field is set,
// matching the Type discriminator on the enclosing Event.
type Payload struct {
	Message string `json:"message,omitempty"` // log
	Status  string `json:"status,omitempty"`  // status_change
}

// Event is one entry in a build's event buffer. IDs increase by exactly 1
// within a build, starting at 0.
type Event struct {
	ID      int64   `json:"id"`
	TS      string  `json:"ts"`
	Type    Type    `json:"type"`
	Payload Payload `json:"payload"`
}

// tsLayout renders ISO-8601 UTC with millisecond precision, e.g.
// 2026-01-02T15:04:05.123Z.
const tsLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTS renders a timestamp in the canonical event format.
func FormatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}
