// Package events records run events durably and forwards a throttled
// subset to live subscribers over NATS.
//
// Every event is appended to the log with a per-run sequence starting at 1.
// Live delivery is best effort and never fails the caller.
package events

import (
	"fmt"
	"time"
)

// Type is the closed set of event types.
type Type string

const (
	TypeRunStarted      Type = "run_started"
	TypeTurnStart       Type = "turn_start"
	TypeReasoning       Type = "reasoning"
	TypeToolCall        Type = "tool_call"
	TypeToolResult      Type = "tool_result"
	TypeTurnComplete    Type = "turn_complete"
	TypeRunPaused       Type = "run_paused"
	TypeRunResumed      Type = "run_resumed"
	TypeAcceptanceCheck Type = "acceptance_check"
	TypeRunCompleted    Type = "run_completed"
	TypeRunFailed       Type = "run_failed"
	TypeRunTimeout      Type = "run_timeout"
	TypeRetryScheduled  Type = "retry_scheduled"
	TypeWatchdogTimeout Type = "watchdog_timeout"
)

var knownTypes = map[Type]bool{
	TypeRunStarted: true, TypeTurnStart: true, TypeReasoning: true,
	TypeToolCall: true, TypeToolResult: true, TypeTurnComplete: true,
	TypeRunPaused: true, TypeRunResumed: true, TypeAcceptanceCheck: true,
	TypeRunCompleted: true, TypeRunFailed: true, TypeRunTimeout: true,
	TypeRetryScheduled: true, TypeWatchdogTimeout: true,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool { return knownTypes[t] }

// Significant reports whether t is forwarded to live subscribers.
func (t Type) Significant() bool {
	switch t {
	case TypeToolCall, TypeTurnComplete, TypeAcceptanceCheck:
		return true
	}
	return false
}

// Terminal reports whether t closes a run.
func (t Type) Terminal() bool {
	switch t {
	case TypeRunCompleted, TypeRunFailed, TypeRunTimeout:
		return true
	}
	return false
}

// Event is one durable record of something that happened during a run.
type Event struct {
	RunID     string                 `json:"run_id"`
	Sequence  uint64                 `json:"sequence"`
	Type      Type                   `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	ToolName  string                 `json:"tool_name,omitempty"`
}

// LiveMessageType is the type field of every live message.
const LiveMessageType = "agent_event_logged"

// LiveMessage is the notification published for a significant event.
type LiveMessage struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	EventType Type      `json:"event_type"`
	Sequence  uint64    `json:"sequence"`
	ToolName  string    `json:"tool_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLiveMessage builds the live notification for ev.
func NewLiveMessage(ev Event) LiveMessage {
	return LiveMessage{
		Type:      LiveMessageType,
		RunID:     ev.RunID,
		EventType: ev.Type,
		Sequence:  ev.Sequence,
		ToolName:  ev.ToolName,
		Timestamp: ev.Timestamp,
	}
}

// Subject returns the NATS subject live messages of a run are published on.
func Subject(prefix, runID string) string {
	return fmt.Sprintf("%s.runs.%s.events", prefix, runID)
}
