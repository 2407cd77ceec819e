package popup

import "testing"

func TestRenderFillsTitle(t *testing.T) {
	bp := Render(KindEventReminder, "Dentist", "Tomorrow at 10:00")
	if bp.Type != KindEventReminder {
		t.Errorf("type = %q", bp.Type)
	}
	if bp.Title != "Reminder: Dentist" {
		t.Errorf("title = %q", bp.Title)
	}
	if bp.Body != "Tomorrow at 10:00" {
		t.Errorf("body = %q", bp.Body)
	}
	if len(bp.Actions) == 0 {
		t.Error("no actions")
	}
}

func TestRenderUnknownKindFallsBack(t *testing.T) {
	bp := Render("mystery_card", "Something", "")
	if bp.Type != KindInsightCard {
		t.Errorf("type = %q, want insight_card", bp.Type)
	}
}

func TestRenderCopiesActions(t *testing.T) {
	a := Render(KindEventReminder, "A", "")
	a.Actions[0].Label = "mutated"
	b := Render(KindEventReminder, "B", "")
	if b.Actions[0].Label == "mutated" {
		t.Error("template actions were mutated through a rendered blueprint")
	}
}

func TestValidateAcceptsGoodBlueprint(t *testing.T) {
	in := Blueprint{
		Type:    KindEventDiscovery,
		Title:   "Coffee with Sam on Friday",
		Urgency: "normal",
		Actions: []Action{{ID: "acknowledge", Label: "Got it"}},
	}
	out := Validate(in, KindEventDiscovery, "Coffee with Sam", "")
	if out.Title != in.Title {
		t.Errorf("validated title = %q, want the model's", out.Title)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		in   Blueprint
	}{
		{"wrong type", Blueprint{Type: KindEventReminder, Title: "x"}},
		{"unknown type", Blueprint{Type: "banner", Title: "x"}},
		{"empty title", Blueprint{Type: KindEventDiscovery}},
		{"bad urgency", Blueprint{Type: KindEventDiscovery, Title: "x", Urgency: "critical"}},
		{"unknown action", Blueprint{Type: KindEventDiscovery, Title: "x", Actions: []Action{{ID: "self_destruct", Label: "Boom"}}}},
		{"unlabeled action", Blueprint{Type: KindEventDiscovery, Title: "x", Actions: []Action{{ID: "dismiss"}}}},
	}
	for _, tc := range tests {
		out := Validate(tc.in, KindEventDiscovery, "Fallback", "")
		if out.Title != "New event: Fallback" {
			t.Errorf("%s: validated to %+v, want static template", tc.name, out)
		}
	}
}

func TestValidateFillsMissingActions(t *testing.T) {
	in := Blueprint{Type: KindEventReminder, Title: "Dentist at 10"}
	out := Validate(in, KindEventReminder, "Dentist", "")
	if out.Title != "Dentist at 10" {
		t.Errorf("title = %q", out.Title)
	}
	if len(out.Actions) == 0 {
		t.Error("actions not filled from template")
	}
}
