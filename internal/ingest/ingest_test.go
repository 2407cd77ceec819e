package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Akshat74747/argus/internal/aicache"
	"github.com/Akshat74747/argus/internal/config"
	"github.com/Akshat74747/argus/internal/faults"
	"github.com/Akshat74747/argus/internal/llm"
	"github.com/Akshat74747/argus/internal/push"
	"github.com/Akshat74747/argus/internal/store"
	"github.com/Akshat74747/argus/internal/tier"
)

// failingClient stands in for an unreachable model so the pipeline
// exercises its deterministic tier.
type failingClient struct{}

func (failingClient) Complete(context.Context, string, string) (string, error) {
	return "", errors.New("connection refused")
}
func (failingClient) Ping(context.Context) error { return errors.New("connection refused") }

// scriptedClient replays canned model answers, keyed off which call the
// pipeline made, and records the user prompts for inspection.
type scriptedClient struct {
	actionJSON  string
	extractJSON string
	actionUser  string
	extractUser string
}

func (c *scriptedClient) Complete(_ context.Context, system, user string) (string, error) {
	switch {
	case strings.HasPrefix(system, "You decide"):
		c.actionUser = user
		return c.actionJSON, nil
	case strings.HasPrefix(system, "You extract"):
		c.extractUser = user
		return c.extractJSON, nil
	}
	return "", errors.New("no canned answer for this prompt")
}
func (c *scriptedClient) Ping(context.Context) error { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "argus.db"),
		faults.NewGuard(slog.New(slog.DiscardHandler), nil, false), store.Options{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestService(t *testing.T, cfg config.IngestConfig) (*Service, *store.Store) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	st := newTestStore(t)

	// Forced tier 2 keeps tests deterministic: no model, no network.
	tiers := tier.New(tier.ModeForceT2, 0, logger)
	svc := NewService(cfg, st, llm.NewAssist(failingClient{}, logger), nil,
		tiers, aicache.New(0, 0), nil, logger)
	return svc, st
}

// newScriptedService forces tier 1 so the canned model answers drive the
// pipeline.
func newScriptedService(t *testing.T, client *scriptedClient, hub *push.Hub) (*Service, *store.Store) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	st := newTestStore(t)

	tiers := tier.New(tier.ModeForceT1, 0, logger)
	svc := NewService(config.IngestConfig{}, st, llm.NewAssist(client, logger), nil,
		tiers, aicache.New(0, 0), hub, logger)
	return svc, st
}

func webhook(text, jid string, fromMe bool) *WebhookPayload {
	p := &WebhookPayload{Event: EventMessagesUpsert}
	p.Data.Key.RemoteJID = jid
	p.Data.Key.FromMe = fromMe
	p.Data.PushName = "Priya"
	p.Data.Message.Conversation = text
	p.Data.MessageTimestamp = time.Now().Unix()
	return p
}

func TestValidate(t *testing.T) {
	p := webhook("hello there", "1234@s.whatsapp.net", false)
	if err := p.Validate(); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	bad := webhook("hello", "1234@s.whatsapp.net", false)
	bad.Event = "connection.update"
	if err := bad.Validate(); err == nil {
		t.Error("wrong event kind accepted")
	}

	bad = webhook("hello", "", false)
	if err := bad.Validate(); err == nil {
		t.Error("missing jid accepted")
	}

	bad = webhook("", "1234@s.whatsapp.net", false)
	if err := bad.Validate(); err == nil {
		t.Error("empty text accepted")
	}
}

func TestExtendedTextMessage(t *testing.T) {
	p := webhook("", "1234@s.whatsapp.net", false)
	p.Data.Message.ExtendedTextMessage = &struct {
		Text string `json:"text"`
	}{Text: "quoted reply text"}
	if got := p.Text(); got != "quoted reply text" {
		t.Errorf("Text() = %q", got)
	}
}

func TestSkipOwnMessages(t *testing.T) {
	off := false
	svc, st := newTestService(t, config.IngestConfig{ProcessOwnMessages: &off})

	res, err := svc.ProcessWebhook(context.Background(), webhook("meet tomorrow at 5pm", "1234@s.whatsapp.net", true))
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if !res.Skipped {
		t.Errorf("result = %+v, want skipped", res)
	}
	if got := st.ListEvents("", 10); len(got) != 0 {
		t.Errorf("events created from skipped message: %+v", got)
	}
}

func TestSkipGroupMessages(t *testing.T) {
	svc, _ := newTestService(t, config.IngestConfig{SkipGroupMessages: true})

	res, err := svc.ProcessWebhook(context.Background(), webhook("meet tomorrow", "12345-67890@g.us", false))
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if !res.Skipped || res.SkipReason != "group message" {
		t.Errorf("result = %+v", res)
	}
}

func TestGroupMessagesProcessedByDefault(t *testing.T) {
	svc, _ := newTestService(t, config.IngestConfig{})

	res, err := svc.ProcessWebhook(context.Background(), webhook("team lunch tomorrow at 1pm", "12345-67890@g.us", false))
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if res.Skipped || res.NewEvents != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestGreetingSkipped(t *testing.T) {
	svc, st := newTestService(t, config.IngestConfig{})

	res, err := svc.ProcessWebhook(context.Background(), webhook("hello", "1234@s.whatsapp.net", false))
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if !res.Skipped {
		t.Errorf("result = %+v, want skipped", res)
	}
	// The message itself is still stored.
	if st.Stats()["messages"] != 1 {
		t.Error("skipped message not persisted")
	}
}

func TestExtractionCreatesEvent(t *testing.T) {
	svc, st := newTestService(t, config.IngestConfig{})

	res, err := svc.ProcessWebhook(context.Background(), webhook("lets meet tomorrow at 5pm", "1234@s.whatsapp.net", false))
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if res.NewEvents != 1 || res.Skipped || res.ActionPerformed {
		t.Fatalf("result = %+v", res)
	}

	events := st.ListEvents(store.StatusDiscovered, 10)
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	ev := events[0]
	if ev.Type != "meeting" || ev.SenderName != "Priya" || ev.SourceMsgID == 0 {
		t.Errorf("event = %+v", ev)
	}

	// Standard time triggers exist for the future slots.
	if trs := st.TriggersForEvent(ev.ID); len(trs) == 0 {
		t.Error("no triggers created")
	}

	// Contact was recorded.
	contacts := st.ListContacts(5)
	if len(contacts) != 1 || contacts[0].Name != "Priya" {
		t.Errorf("contacts = %+v", contacts)
	}
}

func TestDuplicateMentionNotRecreated(t *testing.T) {
	svc, st := newTestService(t, config.IngestConfig{})
	ctx := context.Background()

	if _, err := svc.ProcessWebhook(ctx, webhook("lets meet tomorrow at 5pm", "1@s.whatsapp.net", false)); err != nil {
		t.Fatal(err)
	}
	res, err := svc.ProcessWebhook(ctx, webhook("lets meet tomorrow at 5pm", "2@s.whatsapp.net", false))
	if err != nil {
		t.Fatal(err)
	}
	if res.NewEvents != 0 {
		t.Errorf("duplicate mention created events: %+v", res)
	}
	if got := st.ListEvents("", 10); len(got) != 1 {
		t.Errorf("events = %+v", got)
	}
}

func TestRementionWithNewTimeStagesPendingUpdate(t *testing.T) {
	svc, st := newTestService(t, config.IngestConfig{})
	ctx := context.Background()

	if _, err := svc.ProcessWebhook(ctx, webhook("dentist appointment on friday", "1@s.whatsapp.net", false)); err != nil {
		t.Fatal(err)
	}
	existing := st.ListEvents("", 10)[0]

	// The longer re-mention contains the earlier title, so it dedups
	// against it; the new clock time gets staged, not applied.
	res, err := svc.ProcessWebhook(ctx, webhook("dentist appointment on friday at 6pm", "1@s.whatsapp.net", false))
	if err != nil {
		t.Fatal(err)
	}
	if res.NewEvents != 0 || !res.PendingAction {
		t.Fatalf("result = %+v, want pending action", res)
	}

	ev, _ := st.GetEvent(existing.ID)
	if len(ev.PendingUpdate) == 0 {
		t.Fatal("no pending update staged")
	}
	if ev.EventTime != existing.EventTime {
		t.Error("event time changed without confirmation")
	}
}

func TestActionCompletesEvent(t *testing.T) {
	svc, st := newTestService(t, config.IngestConfig{})
	ctx := context.Background()

	id, _ := st.InsertEvent(&store.Event{
		Type: "task", Title: "Finish quarterly report",
		Keywords: []string{"report", "quarterly"}, Status: store.StatusPending,
	})

	res, err := svc.ProcessWebhook(ctx, webhook("done with the report", "1@s.whatsapp.net", false))
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if !res.ActionPerformed || res.NewEvents != 0 {
		t.Fatalf("result = %+v", res)
	}

	ev, _ := st.GetEvent(id)
	if ev.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", ev.Status)
	}
}

func TestActionCancelExpiresEvent(t *testing.T) {
	svc, st := newTestService(t, config.IngestConfig{})
	ctx := context.Background()

	id, _ := st.InsertEvent(&store.Event{
		Type: "meeting", Title: "Call the plumber",
		Keywords: []string{"plumber"}, Status: store.StatusScheduled,
	})

	if _, err := svc.ProcessWebhook(ctx, webhook("cancel the plumber call", "1@s.whatsapp.net", false)); err != nil {
		t.Fatal(err)
	}

	ev, _ := st.GetEvent(id)
	if ev.Status != store.StatusExpired {
		t.Errorf("status = %q, want expired (cancel keeps history)", ev.Status)
	}
}

func TestActionSnooze(t *testing.T) {
	svc, st := newTestService(t, config.IngestConfig{})
	ctx := context.Background()

	id, _ := st.InsertEvent(&store.Event{
		Type: "task", Title: "Water the plants",
		Keywords: []string{"plants", "water"}, Status: store.StatusPending,
	})

	if _, err := svc.ProcessWebhook(ctx, webhook("snooze the plants thing until tomorrow", "1@s.whatsapp.net", false)); err != nil {
		t.Fatal(err)
	}

	ev, _ := st.GetEvent(id)
	if ev.Status != store.StatusSnoozed {
		t.Fatalf("status = %q", ev.Status)
	}
	wantMin := time.Now().Add(23 * time.Hour).Unix()
	if ev.SnoozeUntil < wantMin {
		t.Errorf("snooze_until = %d, want roughly a day out", ev.SnoozeUntil)
	}
}

func TestLowConfidenceActionNotApplied(t *testing.T) {
	client := &scriptedClient{extractJSON: "[]"}
	svc, st := newScriptedService(t, client, nil)
	ctx := context.Background()

	id, _ := st.InsertEvent(&store.Event{
		Type: "task", Title: "Finish quarterly report",
		Keywords: []string{"report", "quarterly"}, Status: store.StatusPending,
	})
	st.InsertEvent(&store.Event{
		Type: "task", Title: "Book flight tickets",
		Keywords: []string{"flight", "tickets"}, Status: store.StatusPending,
	})
	client.actionJSON = fmt.Sprintf(`{"action":"complete","event_id":%d,"confidence":0.3}`, id)

	res, err := svc.ProcessWebhook(ctx, webhook("done with the report", "1@s.whatsapp.net", false))
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if res.ActionPerformed {
		t.Fatalf("result = %+v, want uncertain action ignored", res)
	}
	ev, _ := st.GetEvent(id)
	if ev.Status != store.StatusPending {
		t.Errorf("status = %q, want untouched", ev.Status)
	}

	// The message still went through extraction.
	if client.extractUser == "" {
		t.Error("extraction never ran after the action was rejected")
	}
	// Only keyword-matched events were offered as action candidates.
	if !strings.Contains(client.actionUser, "quarterly") {
		t.Errorf("action prompt missing the matching event: %q", client.actionUser)
	}
	if strings.Contains(client.actionUser, "flight") {
		t.Errorf("action prompt includes an unrelated event: %q", client.actionUser)
	}
}

func TestModifyExtractionStagesPendingUpdate(t *testing.T) {
	client := &scriptedClient{actionJSON: `{"action":"none","event_id":0,"confidence":0.9}`}
	svc, st := newScriptedService(t, client, nil)
	ctx := context.Background()

	oldTime := time.Now().Add(48 * time.Hour).Unix()
	id, _ := st.InsertEvent(&store.Event{
		Type: "meeting", Title: "Dentist appointment", EventTime: oldTime,
		Keywords: []string{"dentist"}, Status: store.StatusPending,
	})
	newTime := oldTime + 3600
	client.extractJSON = fmt.Sprintf(
		`[{"type":"meeting","title":"Dentist appointment","event_time":%d,"keywords":["dentist"],"confidence":0.9,"event_action":"modify","target_event_id":%d}]`,
		newTime, id)

	// An earlier message in the chat; skipped as a greeting but stored,
	// so it shows up as context for the next extraction.
	if _, err := svc.ProcessWebhook(ctx, webhook("hello", "1@s.whatsapp.net", false)); err != nil {
		t.Fatal(err)
	}

	res, err := svc.ProcessWebhook(ctx, webhook("the dentist appointment moved an hour", "1@s.whatsapp.net", false))
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if res.NewEvents != 0 || !res.PendingAction {
		t.Fatalf("result = %+v, want staged update and no new event", res)
	}

	ev, _ := st.GetEvent(id)
	if len(ev.PendingUpdate) == 0 {
		t.Fatal("no pending update staged")
	}
	if ev.EventTime != oldTime {
		t.Error("event time changed without confirmation")
	}
	if got := st.ListEvents("", 10); len(got) != 1 {
		t.Errorf("events = %+v, want the original only", got)
	}

	// The extraction prompt carried the chat history and the active
	// events the model can target.
	if !strings.Contains(client.extractUser, "Recent messages in this chat:") ||
		!strings.Contains(client.extractUser, "hello") {
		t.Errorf("extraction prompt missing chat context: %q", client.extractUser)
	}
	if !strings.Contains(client.extractUser, "Candidate events:") ||
		!strings.Contains(client.extractUser, "Dentist appointment") {
		t.Errorf("extraction prompt missing candidates: %q", client.extractUser)
	}
}

func TestActionBroadcastKinds(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	hub := push.NewHub(logger)
	wsSrv := httptest.NewServer(http.HandlerFunc(hub.HandleUpgrade))
	t.Cleanup(wsSrv.Close)
	t.Cleanup(hub.Close)

	st := newTestStore(t)
	tiers := tier.New(tier.ModeForceT2, 0, logger)
	svc := NewService(config.IngestConfig{}, st, llm.NewAssist(failingClient{}, logger), nil,
		tiers, aicache.New(0, 0), hub, logger)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(wsSrv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for !hub.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("hub never saw the client")
		}
		time.Sleep(5 * time.Millisecond)
	}

	id, _ := st.InsertEvent(&store.Event{
		Type: "task", Title: "Finish quarterly report",
		Keywords: []string{"report", "quarterly"}, Status: store.StatusPending,
	})

	if _, err := svc.ProcessWebhook(context.Background(), webhook("done with the report", "1@s.whatsapp.net", false)); err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}

	// Completing an event announces the status change, then the action.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second push.Envelope
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first envelope: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second envelope: %v", err)
	}
	if first.Type != push.TypeEventCompleted || first.EventID != id {
		t.Errorf("first envelope = %+v, want %s", first, push.TypeEventCompleted)
	}
	if second.Type != push.TypeActionPerformed || second.EventID != id {
		t.Errorf("second envelope = %+v, want %s", second, push.TypeActionPerformed)
	}
	if payload, ok := second.Payload.(map[string]any); !ok || payload["action"] != "complete" {
		t.Errorf("action payload = %+v", second.Payload)
	}
}

func TestDeriveContextURL(t *testing.T) {
	tests := []struct {
		ev   llm.ExtractedEvent
		want string
	}{
		{llm.ExtractedEvent{Title: "Netflix subscription renewal"}, "netflix.com"},
		{llm.ExtractedEvent{Title: "Renewal", Keywords: []string{"spotify", "premium"}}, "spotify.com"},
		// No known service: the location stands in, lowercased, so travel
		// pages about the place still match.
		{llm.ExtractedEvent{Title: "Trip planning", Location: "Goa"}, "goa"},
		{llm.ExtractedEvent{Title: "Dentist appointment"}, ""},
	}
	for _, tc := range tests {
		if got := deriveContextURL(tc.ev); got != tc.want {
			t.Errorf("deriveContextURL(%q) = %q, want %q", tc.ev.Title, got, tc.want)
		}
	}
}
