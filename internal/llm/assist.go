package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Akshat74747/argus/internal/popup"
)

// EventSummary is the compact event view handed to the model for action
// detection, relevance checks, and chat. Keeping it small keeps prompts
// small.
type EventSummary struct {
	ID        int64    `json:"id"`
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	EventTime int64    `json:"event_time,omitempty"`
	Location  string   `json:"location,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
}

// Assist wraps a Client with the typed calls the pipeline makes. Every
// call demands strict JSON back from the model; anything that does not
// decode is an error, which lets the tier orchestrator fall through to
// the heuristics.
type Assist struct {
	client Client
	logger *slog.Logger
}

// NewAssist creates the assist layer over client.
func NewAssist(client Client, logger *slog.Logger) *Assist {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assist{client: client, logger: logger}
}

// Ping forwards to the underlying client; used as the tier health probe.
func (a *Assist) Ping(ctx context.Context) error {
	return a.client.Ping(ctx)
}

const extractSystem = `You extract calendar-worthy events from chat messages.
Reply with ONLY a JSON array, no prose. Each element:
{"type":"meeting|task|subscription|reminder","title":"...","description":"...",
"event_time":<unix seconds or 0>,"location":"...","keywords":["..."],
"participants":["..."],"confidence":0.0-1.0,
"event_action":"create|modify","target_event_id":<id or 0>}
Resolve relative dates ("tomorrow", "next week") against the reference time.
When the message changes an existing event from the candidate list, use
"modify" and set target_event_id; otherwise use "create".
Return [] when the message contains no events.`

// ExtractEvents asks the model to pull events out of a chat message.
// recent carries the last few messages in the same chat for context;
// candidates lists the user's active events so the model can flag a
// modification instead of creating a duplicate. now anchors relative
// date resolution.
func (a *Assist) ExtractEvents(ctx context.Context, message, sender string, recent []string, candidates []EventSummary, now time.Time) ([]ExtractedEvent, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Reference time: %s\nSender: %s\n", now.Format(time.RFC3339), sender)
	if len(recent) > 0 {
		b.WriteString("Recent messages in this chat:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}
	if len(candidates) > 0 {
		list, err := json.Marshal(candidates)
		if err != nil {
			return nil, fmt.Errorf("marshal candidates: %w", err)
		}
		fmt.Fprintf(&b, "Candidate events: %s\n", list)
	}
	fmt.Fprintf(&b, "Message: %s", message)

	raw, err := a.client.Complete(ctx, extractSystem, b.String())
	if err != nil {
		return nil, err
	}

	var events []ExtractedEvent
	if err := json.Unmarshal([]byte(extractJSON(raw)), &events); err != nil {
		return nil, fmt.Errorf("extraction not valid JSON: %w", err)
	}

	// Drop entries the model half-filled. Titles are mandatory.
	kept := events[:0]
	for _, ev := range events {
		if strings.TrimSpace(ev.Title) == "" {
			continue
		}
		if ev.Confidence <= 0 || ev.Confidence > 1 {
			ev.Confidence = 0.5
		}
		kept = append(kept, ev)
	}
	return kept, nil
}

const actionSystem = `You decide whether a chat message refers to one of the user's
existing events and what to do with it.
Reply with ONLY one JSON object:
{"action":"complete|cancel|postpone|ignore|none","event_id":<id or 0>,
"snooze_minutes":<minutes for postpone, else 0>,"confidence":0.0-1.0}
Use "none" when the message does not refer to any listed event.`

// DetectAction matches a message against candidate events and returns
// the action to take. Callers cap candidates at twenty.
func (a *Assist) DetectAction(ctx context.Context, message string, candidates []EventSummary) (ActionDecision, error) {
	list, err := json.Marshal(candidates)
	if err != nil {
		return ActionDecision{}, fmt.Errorf("marshal candidates: %w", err)
	}
	user := fmt.Sprintf("Events: %s\nMessage: %s", list, message)

	raw, err := a.client.Complete(ctx, actionSystem, user)
	if err != nil {
		return ActionDecision{}, err
	}

	var decision ActionDecision
	if err := json.Unmarshal([]byte(extractJSON(raw)), &decision); err != nil {
		return ActionDecision{}, fmt.Errorf("action decision not valid JSON: %w", err)
	}
	switch decision.Action {
	case "complete", "cancel", "postpone", "ignore", "none":
	default:
		return ActionDecision{}, fmt.Errorf("unknown action %q", decision.Action)
	}
	return decision, nil
}

const relevanceSystem = `You judge whether a stored event is relevant to the page the
user is viewing right now.
Reply with ONLY one JSON object:
{"relevant":true|false,"confidence":0.0-1.0,"reason":"..."}`

// ValidateRelevance asks the model whether ev matches the current
// browsing context.
func (a *Assist) ValidateRelevance(ctx context.Context, pageURL, pageTitle string, ev EventSummary) (Relevance, error) {
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return Relevance{}, fmt.Errorf("marshal event: %w", err)
	}
	user := fmt.Sprintf("URL: %s\nPage title: %s\nEvent: %s", pageURL, pageTitle, evJSON)

	raw, err := a.client.Complete(ctx, relevanceSystem, user)
	if err != nil {
		return Relevance{}, err
	}

	var rel Relevance
	if err := json.Unmarshal([]byte(extractJSON(raw)), &rel); err != nil {
		return Relevance{}, fmt.Errorf("relevance not valid JSON: %w", err)
	}
	return rel, nil
}

const blueprintSystem = `You design a small notification popup for the user's assistant.
Reply with ONLY one JSON object:
{"type":"<popup type>","title":"...","body":"...","urgency":"low|normal|high",
"actions":[{"id":"...","label":"..."}]}
Keep the title under 60 characters and the body under 200.`

// BuildBlueprint asks the model for a popup layout of the given kind.
// The result is validated by the popup package; invalid blueprints fall
// back to the static template there.
func (a *Assist) BuildBlueprint(ctx context.Context, kind string, ev EventSummary) (popup.Blueprint, error) {
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return popup.Blueprint{}, fmt.Errorf("marshal event: %w", err)
	}
	user := fmt.Sprintf("Popup type: %s\nEvent: %s", kind, evJSON)

	raw, err := a.client.Complete(ctx, blueprintSystem, user)
	if err != nil {
		return popup.Blueprint{}, err
	}

	var bp popup.Blueprint
	if err := json.Unmarshal([]byte(extractJSON(raw)), &bp); err != nil {
		return popup.Blueprint{}, fmt.Errorf("blueprint not valid JSON: %w", err)
	}
	return bp, nil
}

const chatSystem = `You answer questions about the user's upcoming events and tasks.
Reply with ONLY one JSON object:
{"reply":"...","event_ids":[<ids of events you referenced>]}
Be brief and concrete. If nothing matches, say so.`

// Chat answers a free-form question over the supplied events.
func (a *Assist) Chat(ctx context.Context, question string, events []EventSummary, now time.Time) (ChatAnswer, error) {
	list, err := json.Marshal(events)
	if err != nil {
		return ChatAnswer{}, fmt.Errorf("marshal events: %w", err)
	}
	user := fmt.Sprintf("Current time: %s\nEvents: %s\nQuestion: %s",
		now.Format(time.RFC3339), list, question)

	raw, err := a.client.Complete(ctx, chatSystem, user)
	if err != nil {
		return ChatAnswer{}, err
	}

	var ans ChatAnswer
	if err := json.Unmarshal([]byte(extractJSON(raw)), &ans); err != nil {
		return ChatAnswer{}, fmt.Errorf("chat answer not valid JSON: %w", err)
	}
	if strings.TrimSpace(ans.Reply) == "" {
		return ChatAnswer{}, fmt.Errorf("empty reply")
	}
	return ans, nil
}

// extractJSON strips markdown code fences and surrounding prose, keeping
// the outermost JSON value. Models wrap JSON in fences often enough that
// strict decoding without this would throw away good answers.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)

	if i := strings.Index(s, "```"); i != -1 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j != -1 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}

	// Trim prose before the first bracket and after the last.
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return s
	}
	closing := byte('}')
	if s[start] == '[' {
		closing = ']'
	}
	end := strings.LastIndexByte(s, closing)
	if end <= start {
		return s[start:]
	}
	return s[start : end+1]
}
