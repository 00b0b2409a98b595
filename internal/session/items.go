// Package session aggregates a per-session stream of ingested items into one
// metrics record, emitted exactly once when the session closes or goes quiet.
// Each session is owned by a single actor; durable state survives restarts.
package session

import "encoding/json"

// ItemType discriminates ingested items.
type ItemType string

const (
	ItemSession      ItemType = "session"
	ItemKiloMeta     ItemType = "kilo_meta"
	ItemMessage      ItemType = "message"
	ItemPart         ItemType = "part"
	ItemSessionOpen  ItemType = "session_open"
	ItemSessionClose ItemType = "session_close"
)

// Item is the tagged union of session stream entries. Exactly one body field
// matches Type; unknown types are counted and otherwise ignored.
type Item struct {
	Type    ItemType   `json:"type"`
	Session *TimeRange `json:"session,omitempty"`
	Meta    *KiloMeta  `json:"kilo_meta,omitempty"`
	Message *Message   `json:"message,omitempty"`
	Part    *Part      `json:"part,omitempty"`
	Close   *CloseInfo `json:"session_close,omitempty"`
}

// TimeRange carries session creation and last-update times in epoch ms.
// Last write wins.
type TimeRange struct {
	Created float64 `json:"created"`
	Updated float64 `json:"updated"`
}

// KiloMeta identifies the client platform and organization. Last non-empty
// value wins.
type KiloMeta struct {
	Platform string `json:"platform"`
	OrgID    string `json:"orgId,omitempty"`
}

// Message is one user or assistant turn entry.
type Message struct {
	Role  string    `json:"role"` // user|assistant
	Time  TimeStamp `json:"time"`
	Model string    `json:"model,omitempty"`

	// Assistant-only fields.
	Tokens *Tokens    `json:"tokens,omitempty"`
	Cost   float64    `json:"cost,omitempty"`
	Error  *NamedBody `json:"error,omitempty"`
	Finish string     `json:"finish,omitempty"`
}

// TimeStamp carries a single creation time in epoch ms.
type TimeStamp struct {
	Created float64 `json:"created"`
}

// Tokens are the assistant token counts for one message.
type Tokens struct {
	Input     float64     `json:"input"`
	Output    float64     `json:"output"`
	Reasoning float64     `json:"reasoning"`
	Cache     CacheTokens `json:"cache"`
}

// CacheTokens split cache traffic into reads and writes.
type CacheTokens struct {
	Read  float64 `json:"read"`
	Write float64 `json:"write"`
}

// Total sums every token bucket.
func (t Tokens) Total() float64 {
	return t.Input + t.Output + t.Reasoning + t.Cache.Read + t.Cache.Write
}

// NamedBody carries just an error name.
type NamedBody struct {
	Name string `json:"name"`
}

// Part kinds the aggregator cares about. Anything else passes through
// uncounted.
const (
	PartStepFinish = "step-finish"
	PartTool       = "tool"
	PartCompaction = "compaction"
)

// Part is one intra-message fragment.
type Part struct {
	Type  string     `json:"type"`
	Tool  string     `json:"tool,omitempty"`
	State *ToolState `json:"state,omitempty"`
	Auto  bool       `json:"auto,omitempty"` // compaction
}

// Tool call states.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// ToolState is the lifecycle state of one tool call plus its input.
type ToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// Close reasons accepted from clients. Abandoned is the fallback when a
// session expires without an explicit close.
const (
	CloseCompleted   = "completed"
	CloseError       = "error"
	CloseInterrupted = "interrupted"
	CloseAbandoned   = "abandoned"
)

// CloseInfo carries the explicit close reason.
type CloseInfo struct {
	Reason string `json:"reason"`
}
