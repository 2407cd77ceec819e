// Package popup defines notification popup blueprints: the shape pushed
// to the browser client over the websocket. The LLM may design a
// blueprint; anything it produces is validated here and replaced by the
// static template when malformed.
package popup

import "fmt"

// Known blueprint kinds.
const (
	KindEventDiscovery  = "event_discovery"
	KindEventReminder   = "event_reminder"
	KindContextReminder = "context_reminder"
	KindConflictWarning = "conflict_warning"
	KindInsightCard     = "insight_card"
	KindSnoozeReminder  = "snooze_reminder"
	KindUpdateConfirm   = "update_confirm"
	KindFormMismatch    = "form_mismatch"
)

// Action is one button on a popup.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Blueprint is the popup layout sent to the client.
type Blueprint struct {
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	Urgency string   `json:"urgency,omitempty"` // low, normal, high
	Actions []Action `json:"actions,omitempty"`
}

// Action IDs the client knows how to handle.
var knownActions = map[string]bool{
	"acknowledge": true,
	"dismiss":     true,
	"complete":    true,
	"snooze":      true,
	"ignore":      true,
	"set_time":    true,
	"confirm":     true,
	"reject":      true,
	"view":        true,
}

// templates are the static fallbacks, one per kind. Title placeholders
// are filled by Render.
var templates = map[string]Blueprint{
	KindEventDiscovery: {
		Type:    KindEventDiscovery,
		Title:   "New event: %s",
		Urgency: "normal",
		Actions: []Action{{ID: "acknowledge", Label: "Got it"}, {ID: "set_time", Label: "Set reminder"}, {ID: "ignore", Label: "Not an event"}},
	},
	KindEventReminder: {
		Type:    KindEventReminder,
		Title:   "Reminder: %s",
		Urgency: "high",
		Actions: []Action{{ID: "complete", Label: "Done"}, {ID: "snooze", Label: "Snooze"}, {ID: "dismiss", Label: "Dismiss"}},
	},
	KindContextReminder: {
		Type:    KindContextReminder,
		Title:   "Related to this page: %s",
		Urgency: "low",
		Actions: []Action{{ID: "view", Label: "Show"}, {ID: "dismiss", Label: "Dismiss"}},
	},
	KindConflictWarning: {
		Type:    KindConflictWarning,
		Title:   "Schedule conflict: %s",
		Urgency: "high",
		Actions: []Action{{ID: "view", Label: "Review"}, {ID: "dismiss", Label: "Keep both"}},
	},
	KindInsightCard: {
		Type:    KindInsightCard,
		Title:   "%s",
		Urgency: "low",
		Actions: []Action{{ID: "dismiss", Label: "Dismiss"}},
	},
	KindSnoozeReminder: {
		Type:    KindSnoozeReminder,
		Title:   "Snoozed reminder is back: %s",
		Urgency: "normal",
		Actions: []Action{{ID: "complete", Label: "Done"}, {ID: "snooze", Label: "Snooze again"}, {ID: "dismiss", Label: "Dismiss"}},
	},
	KindUpdateConfirm: {
		Type:    KindUpdateConfirm,
		Title:   "Update %s?",
		Urgency: "normal",
		Actions: []Action{{ID: "confirm", Label: "Apply"}, {ID: "reject", Label: "Keep as is"}},
	},
	KindFormMismatch: {
		Type:    KindFormMismatch,
		Title:   "This form doesn't match: %s",
		Urgency: "normal",
		Actions: []Action{{ID: "view", Label: "Details"}, {ID: "dismiss", Label: "Dismiss"}},
	},
}

// Known reports whether kind is a recognized blueprint kind.
func Known(kind string) bool {
	_, ok := templates[kind]
	return ok
}

// Render builds the static blueprint for kind with the event title
// filled in. Unknown kinds fall back to an insight card so the caller
// always gets something displayable.
func Render(kind, title, body string) Blueprint {
	tmpl, ok := templates[kind]
	if !ok {
		tmpl = templates[KindInsightCard]
	}
	bp := tmpl
	bp.Title = fmt.Sprintf(tmpl.Title, title)
	bp.Body = body
	// Copy actions so callers can't mutate the template.
	bp.Actions = append([]Action(nil), tmpl.Actions...)
	return bp
}

// Validate checks an LLM-designed blueprint against kind. On any
// problem the static template is returned instead; the model's layout
// is a nice-to-have, never a requirement.
func Validate(bp Blueprint, kind, title, body string) Blueprint {
	if bp.Type != kind || !Known(bp.Type) {
		return Render(kind, title, body)
	}
	if bp.Title == "" {
		return Render(kind, title, body)
	}
	switch bp.Urgency {
	case "", "low", "normal", "high":
	default:
		return Render(kind, title, body)
	}
	if len(bp.Actions) == 0 {
		bp.Actions = append([]Action(nil), templates[kind].Actions...)
		return bp
	}
	for _, a := range bp.Actions {
		if !knownActions[a.ID] || a.Label == "" {
			return Render(kind, title, body)
		}
	}
	return bp
}
