package session

import (
	"bytes"
	"encoding/json"
)

// stuckThreshold is the repeat count at which identical tool calls are
// considered stuck.
const stuckThreshold = 3

// Metrics is the final record for one session.
type Metrics struct {
	SessionID         string `json:"sessionId"`
	KiloUserID        string `json:"kiloUserId"`
	Platform          string `json:"platform"`
	OrganizationID    string `json:"organizationId,omitempty"`
	Model             string `json:"model,omitempty"`
	TerminationReason string `json:"terminationReason"`
	IngestVersion     int    `json:"ingestVersion"`

	SessionDurationMs     float64  `json:"sessionDurationMs"`
	TimeToFirstResponseMs *float64 `json:"timeToFirstResponseMs,omitempty"`

	TotalTurns  int `json:"totalTurns"`
	TotalSteps  int `json:"totalSteps"`
	TotalErrors int `json:"totalErrors"`

	InputTokens      float64 `json:"inputTokens"`
	OutputTokens     float64 `json:"outputTokens"`
	ReasoningTokens  float64 `json:"reasoningTokens"`
	CacheReadTokens  float64 `json:"cacheReadTokens"`
	CacheWriteTokens float64 `json:"cacheWriteTokens"`
	TotalCost        float64 `json:"totalCost"`

	ToolCallsByType  map[string]int `json:"toolCallsByType,omitempty"`
	ToolErrorsByType map[string]int `json:"toolErrorsByType,omitempty"`
	ErrorsByType     map[string]int `json:"errorsByType,omitempty"`

	CompactionCount     int `json:"compactionCount"`
	AutoCompactionCount int `json:"autoCompactionCount"`
	StuckToolCallCount  int `json:"stuckToolCallCount"`
}

// TotalTokens sums every token bucket.
func (m Metrics) TotalTokens() float64 {
	return m.InputTokens + m.OutputTokens + m.ReasoningTokens + m.CacheReadTokens + m.CacheWriteTokens
}

// Aggregate reduces an item stream to Metrics. The reducer is pure: callers
// pass the accepted close reason (CloseAbandoned when none arrived) and the
// ingest version the client declared.
func Aggregate(sessionID, kiloUserID string, items []Item, reason string, ingestVersion int) Metrics {
	m := Metrics{
		SessionID:         sessionID,
		KiloUserID:        kiloUserID,
		Platform:          "unknown",
		TerminationReason: reason,
		IngestVersion:     ingestVersion,
		ToolCallsByType:   map[string]int{},
		ToolErrorsByType:  map[string]int{},
		ErrorsByType:      map[string]int{},
	}

	var (
		session            *TimeRange
		firstUserCreated   float64
		firstAssistCreated float64
		toolSignatures     = map[string]int{}
	)

	for _, it := range items {
		switch it.Type {
		case ItemSession:
			if it.Session != nil {
				session = it.Session
			}
		case ItemKiloMeta:
			if it.Meta == nil {
				continue
			}
			if it.Meta.Platform != "" {
				m.Platform = it.Meta.Platform
			}
			if it.Meta.OrgID != "" {
				m.OrganizationID = it.Meta.OrgID
			}
		case ItemMessage:
			if it.Message == nil {
				continue
			}
			msg := it.Message
			switch msg.Role {
			case "user":
				m.TotalTurns++
				if firstUserCreated == 0 || (msg.Time.Created > 0 && msg.Time.Created < firstUserCreated) {
					firstUserCreated = msg.Time.Created
				}
			case "assistant":
				if firstAssistCreated == 0 || (msg.Time.Created > 0 && msg.Time.Created < firstAssistCreated) {
					firstAssistCreated = msg.Time.Created
				}
				if msg.Tokens != nil {
					m.InputTokens += msg.Tokens.Input
					m.OutputTokens += msg.Tokens.Output
					m.ReasoningTokens += msg.Tokens.Reasoning
					m.CacheReadTokens += msg.Tokens.Cache.Read
					m.CacheWriteTokens += msg.Tokens.Cache.Write
				}
				m.TotalCost += msg.Cost
				if msg.Model != "" {
					m.Model = msg.Model
				}
				if msg.Error != nil && msg.Error.Name != "" {
					m.TotalErrors++
					m.ErrorsByType[msg.Error.Name]++
				}
			}
		case ItemPart:
			if it.Part == nil {
				continue
			}
			p := it.Part
			switch p.Type {
			case PartStepFinish:
				m.TotalSteps++
			case PartTool:
				m.ToolCallsByType[p.Tool]++
				if p.State == nil {
					continue
				}
				if p.State.Status == ToolError {
					m.ToolErrorsByType[p.Tool]++
					m.TotalErrors++
				}
				if p.State.Status == ToolCompleted || p.State.Status == ToolError {
					toolSignatures[p.Tool+":"+canonicalJSON(p.State.Input)]++
				}
			case PartCompaction:
				m.CompactionCount++
				if p.Auto {
					m.AutoCompactionCount++
				}
			}
		}
	}

	for _, count := range toolSignatures {
		if count >= stuckThreshold {
			m.StuckToolCallCount += count
		}
	}

	if session != nil {
		if d := session.Updated - session.Created; d > 0 {
			m.SessionDurationMs = d
		}
	}
	if firstUserCreated > 0 && firstAssistCreated > 0 {
		ttfr := firstAssistCreated - firstUserCreated
		if ttfr < 0 {
			ttfr = 0
		}
		m.TimeToFirstResponseMs = &ttfr
	}

	if len(m.ToolCallsByType) == 0 {
		m.ToolCallsByType = nil
	}
	if len(m.ToolErrorsByType) == 0 {
		m.ToolErrorsByType = nil
	}
	if len(m.ErrorsByType) == 0 {
		m.ErrorsByType = nil
	}
	return m
}

// canonicalJSON re-encodes raw JSON with sorted object keys so identical tool
// inputs produce identical signatures regardless of key order on the wire.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
