// Package llm provides the tier-1 language model client and the typed
// assist calls built on top of it: event extraction, action detection,
// relevance validation, popup blueprints, and chat replies.
package llm

import "context"

// Client is the interface the assist layer and the health probe use.
type Client interface {
	// Complete sends a system+user prompt and returns the raw completion text.
	Complete(ctx context.Context, system, user string) (string, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// ExtractedEvent is one event pulled out of a chat message. Both the
// model and the tier-2 heuristics produce this shape. EventAction is
// "create" (or empty) for a new event; "modify" with a TargetEventID
// stages an update to an existing one instead.
type ExtractedEvent struct {
	Type          string   `json:"type"` // meeting, task, subscription, reminder
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	EventTime     int64    `json:"event_time,omitempty"` // unix seconds, 0 = unscheduled
	Location      string   `json:"location,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	Participants  []string `json:"participants,omitempty"`
	Confidence    float64  `json:"confidence"`
	EventAction   string   `json:"event_action,omitempty"` // create, modify
	TargetEventID int64    `json:"target_event_id,omitempty"`
}

// ActionDecision is the outcome of matching a message against existing
// events: what to do and to which event.
type ActionDecision struct {
	Action        string  `json:"action"` // complete, cancel, postpone, ignore, none
	EventID       int64   `json:"event_id,omitempty"`
	SnoozeMinutes int     `json:"snooze_minutes,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// Relevance is the verdict on whether a candidate event actually matches
// the current browsing context.
type Relevance struct {
	Relevant   bool    `json:"relevant"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// ChatAnswer is a conversational reply over the user's events.
type ChatAnswer struct {
	Reply    string  `json:"reply"`
	EventIDs []int64 `json:"event_ids,omitempty"`
}
