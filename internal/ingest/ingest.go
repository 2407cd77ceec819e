// Package ingest is the webhook pipeline: a chat message comes in, gets
// filtered, matched against existing events, mined for new ones, and
// the results are stored and pushed to the client.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Akshat74747/argus/internal/aicache"
	"github.com/Akshat74747/argus/internal/config"
	"github.com/Akshat74747/argus/internal/embeddings"
	"github.com/Akshat74747/argus/internal/faults"
	"github.com/Akshat74747/argus/internal/heuristic"
	"github.com/Akshat74747/argus/internal/llm"
	"github.com/Akshat74747/argus/internal/popup"
	"github.com/Akshat74747/argus/internal/push"
	"github.com/Akshat74747/argus/internal/store"
	"github.com/Akshat74747/argus/internal/tier"
)

// EventMessagesUpsert is the only webhook event kind the pipeline
// processes.
const EventMessagesUpsert = "messages.upsert"

// actionCandidateLimit caps how many live events are offered to action
// detection.
const actionCandidateLimit = 20

// actionConfidenceThreshold is the floor below which a detected action
// is not applied; the message falls through to extraction instead.
const actionConfidenceThreshold = 0.6

// recentMessageContext is how many prior messages from the same chat
// accompany the extraction prompt.
const recentMessageContext = 5

// WebhookPayload is the inbound webhook shape (Evolution-API style).
type WebhookPayload struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			RemoteJID string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage *struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
		MessageTimestamp int64 `json:"messageTimestamp"`
	} `json:"data"`
}

// Text returns the message body, wherever the payload carries it.
func (p *WebhookPayload) Text() string {
	if p.Data.Message.Conversation != "" {
		return p.Data.Message.Conversation
	}
	if ext := p.Data.Message.ExtendedTextMessage; ext != nil {
		return ext.Text
	}
	return ""
}

// Validate checks the payload has the minimum shape to process.
func (p *WebhookPayload) Validate() error {
	if p.Event != EventMessagesUpsert {
		return fmt.Errorf("unsupported event %q", p.Event)
	}
	if p.Data.Key.RemoteJID == "" {
		return fmt.Errorf("missing remoteJid")
	}
	if strings.TrimSpace(p.Text()) == "" {
		return fmt.Errorf("empty message text")
	}
	return nil
}

// IsGroup reports whether the message came from a group chat.
func (p *WebhookPayload) IsGroup() bool {
	return strings.HasSuffix(p.Data.Key.RemoteJID, "@g.us")
}

// Result summarizes what a webhook produced.
type Result struct {
	NewEvents       int    `json:"new_events"`
	ActionPerformed bool   `json:"action_performed"`
	PendingAction   bool   `json:"pending_action"`
	Skipped         bool   `json:"skipped"`
	SkipReason      string `json:"skip_reason,omitempty"`
}

// Service runs the pipeline. Constructed once at startup, injected by
// reference.
type Service struct {
	cfg    config.IngestConfig
	store  *store.Store
	assist *llm.Assist
	embed  *embeddings.Client
	tiers  *tier.Orchestrator
	cache  *aicache.Cache
	hub    *push.Hub
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewService wires the pipeline. embed may be nil (events are stored
// without vectors and backfilled later); hub may be nil (no client to
// notify).
func NewService(cfg config.IngestConfig, st *store.Store, assist *llm.Assist,
	embed *embeddings.Client, tiers *tier.Orchestrator, cache *aicache.Cache,
	hub *push.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		store:  st,
		assist: assist,
		embed:  embed,
		tiers:  tiers,
		cache:  cache,
		hub:    hub,
		logger: logger,
		now:    time.Now,
	}
}

// ProcessWebhook runs a message through the full pipeline.
func (s *Service) ProcessWebhook(ctx context.Context, p *WebhookPayload) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if p.Data.Key.FromMe && !s.cfg.ProcessOwn() {
		return &Result{Skipped: true, SkipReason: "own message"}, nil
	}
	if p.IsGroup() && s.cfg.SkipGroupMessages {
		return &Result{Skipped: true, SkipReason: "group message"}, nil
	}

	text := p.Text()
	sentAt := p.Data.MessageTimestamp
	if sentAt == 0 {
		sentAt = s.now().Unix()
	}

	msg := &store.Message{
		ExternalID: p.Data.Key.ID,
		ChatJID:    p.Data.Key.RemoteJID,
		SenderName: p.Data.PushName,
		Body:       text,
		FromMe:     p.Data.Key.FromMe,
		GroupChat:  p.IsGroup(),
		SentAt:     sentAt,
	}
	msgID := s.store.SaveMessage(msg)
	s.store.UpsertContact(p.Data.Key.RemoteJID, p.Data.PushName, sentAt)

	if !heuristic.ShouldAnalyze(text) {
		return &Result{Skipped: true, SkipReason: "not analyzable"}, nil
	}

	// Does the message act on an existing event?
	if res := s.detectAndApplyAction(ctx, text); res != nil {
		return res, nil
	}

	return s.extractAndStore(ctx, text, p.Data.PushName, p.Data.Key.RemoteJID, msgID)
}

// summaries converts stored events to the compact prompt shape.
func summaries(events []*store.Event) []llm.EventSummary {
	out := make([]llm.EventSummary, 0, len(events))
	for _, ev := range events {
		out = append(out, llm.EventSummary{
			ID:        ev.ID,
			Type:      ev.Type,
			Title:     ev.Title,
			Status:    ev.Status,
			EventTime: ev.EventTime,
			Location:  ev.Location,
			Keywords:  ev.Keywords,
		})
	}
	return out
}

// detectAndApplyAction checks the message against live events and
// applies any complete/cancel/postpone/ignore it expresses. Candidates
// come from keyword search against the message, so the model only sees
// events the message plausibly refers to. Returns nil when the message
// is not about an existing event.
func (s *Service) detectAndApplyAction(ctx context.Context, text string) *Result {
	candidates := summaries(s.store.HybridSearchEvents(text, nil, actionCandidateLimit))
	if len(candidates) == 0 {
		return nil
	}

	cacheKey := aicache.Key("action", text)
	decision, usedTier, err := tier.WithFallback(ctx, s.tiers,
		func(ctx context.Context) (llm.ActionDecision, error) {
			d, err := faults.Retry(ctx, func(ctx context.Context) (llm.ActionDecision, error) {
				return s.assist.DetectAction(ctx, text, candidates)
			})
			if err == nil {
				s.cache.Set(cacheKey, d)
			}
			return d, err
		},
		func(ctx context.Context) (llm.ActionDecision, error) {
			return heuristic.DetectAction(text, candidates), nil
		},
		func(ctx context.Context) llm.ActionDecision {
			if v, ok := s.cache.Get(cacheKey); ok {
				if d, ok := v.(llm.ActionDecision); ok {
					return d
				}
			}
			return llm.ActionDecision{Action: "none"}
		},
	)
	if err != nil || decision.Action == "none" || decision.Action == "" || decision.EventID == 0 ||
		decision.Confidence < actionConfidenceThreshold {
		return nil
	}
	s.logger.Info("action detected", "action", decision.Action, "event_id", decision.EventID,
		"confidence", decision.Confidence, "tier", usedTier)

	switch decision.Action {
	case "complete":
		s.store.UpdateEventStatus(decision.EventID, store.StatusCompleted)
		s.broadcast(push.TypeEventCompleted, decision.EventID, nil)
	case "cancel":
		// Cancelled plans keep their history: the event expires rather
		// than being deleted.
		s.store.UpdateEventStatus(decision.EventID, store.StatusExpired)
	case "postpone":
		minutes := decision.SnoozeMinutes
		if minutes <= 0 {
			minutes = 30
		}
		s.store.SnoozeEvent(decision.EventID, s.now().Add(time.Duration(minutes)*time.Minute).Unix())
		s.broadcast(push.TypeEventSnoozed, decision.EventID, map[string]any{"snooze_minutes": minutes})
	case "ignore":
		s.store.UpdateEventStatus(decision.EventID, store.StatusIgnored)
		s.broadcast(push.TypeEventIgnored, decision.EventID, nil)
	default:
		return nil
	}
	s.broadcast(push.TypeActionPerformed, decision.EventID, map[string]any{"action": decision.Action})
	return &Result{ActionPerformed: true}
}

// extractAndStore mines the message for new events and persists them.
// The model also sees the preceding chat messages and the user's active
// events, so it can mark a mention as a modification of a known event.
func (s *Service) extractAndStore(ctx context.Context, text, sender, chatJID string, msgID int64) (*Result, error) {
	var recent []string
	for _, m := range s.store.RecentMessages(chatJID, recentMessageContext+1) {
		if m.ID == msgID {
			continue
		}
		recent = append(recent, m.Body)
	}
	active := summaries(s.store.ActiveEvents(actionCandidateLimit))

	cacheKey := aicache.Key("extract", text)
	events, usedTier, err := tier.WithFallback(ctx, s.tiers,
		func(ctx context.Context) ([]llm.ExtractedEvent, error) {
			evs, err := faults.Retry(ctx, func(ctx context.Context) ([]llm.ExtractedEvent, error) {
				return s.assist.ExtractEvents(ctx, text, sender, recent, active, s.now())
			})
			if err == nil {
				s.cache.Set(cacheKey, evs)
			}
			return evs, err
		},
		func(ctx context.Context) ([]llm.ExtractedEvent, error) {
			return heuristic.Analyze(text, s.now()), nil
		},
		func(ctx context.Context) []llm.ExtractedEvent {
			if v, ok := s.cache.Get(cacheKey); ok {
				if evs, ok := v.([]llm.ExtractedEvent); ok {
					return evs
				}
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, ex := range events {
		if ex.EventAction == "modify" && ex.TargetEventID != 0 {
			s.stagePendingUpdate(ex.TargetEventID, ex, result)
			continue
		}
		ev := &store.Event{
			Type:        ex.Type,
			Title:       ex.Title,
			Description: ex.Description,
			EventTime:   ex.EventTime,
			Location:    ex.Location,
			ContextURL:  deriveContextURL(ex),
			Keywords:    ex.Keywords,
			Status:      store.StatusDiscovered,
			Confidence:  ex.Confidence,
			SenderName:  sender,
			SourceMsgID: msgID,
		}

		if s.embed != nil {
			// Embedding failures never count against the LLM tier; the
			// backfill loop picks the event up later.
			if vec, embErr := s.embed.Generate(ctx, embeddingText(ev)); embErr == nil {
				ev.Embedding = vec
			} else {
				s.logger.Debug("embedding failed, storing without vector", "error", embErr)
			}
		}

		id, created := s.store.InsertEvent(ev)
		if id == -1 {
			continue
		}
		if !created {
			s.stagePendingUpdate(id, ex, result)
			continue
		}

		result.NewEvents++
		s.store.AddStandardTriggers(id, ev.EventTime)
		s.notifyDiscovered(ctx, id, ev, usedTier)
		s.warnConflicts(id, ev)
	}
	return result, nil
}

// stagePendingUpdate handles re-mention of a known event: when the new
// mention carries a different time, the change is staged and the user
// asked to confirm. Nothing is ever auto-applied.
func (s *Service) stagePendingUpdate(id int64, ex llm.ExtractedEvent, result *Result) {
	existing, err := s.store.GetEvent(id)
	if err != nil || ex.EventTime == 0 || ex.EventTime == existing.EventTime {
		return
	}
	if !s.store.SetPendingUpdate(id, map[string]any{"event_time": ex.EventTime}) {
		return
	}
	result.PendingAction = true
	bp := popup.Render(popup.KindUpdateConfirm, existing.Title,
		fmt.Sprintf("New time mentioned: %s", time.Unix(ex.EventTime, 0).Format("Mon Jan 2, 3:04 PM")))
	s.broadcast(push.TypeUpdateConfirm, id, map[string]any{"popup": bp, "event_time": ex.EventTime})
}

// notifyDiscovered pushes the discovery popup. The model may design the
// blueprint; anything invalid falls back to the static template.
func (s *Service) notifyDiscovered(ctx context.Context, id int64, ev *store.Event, usedTier int) {
	body := ""
	if ev.EventTime != 0 {
		body = time.Unix(ev.EventTime, 0).Format("Mon Jan 2, 3:04 PM")
	}

	bp := popup.Render(popup.KindEventDiscovery, ev.Title, body)
	if usedTier == 1 {
		if designed, err := s.assist.BuildBlueprint(ctx, popup.KindEventDiscovery, llm.EventSummary{
			ID: id, Type: ev.Type, Title: ev.Title, EventTime: ev.EventTime,
		}); err == nil {
			bp = popup.Validate(designed, popup.KindEventDiscovery, ev.Title, body)
		}
	}
	s.broadcast(push.TypeNotification, id, map[string]any{"event": ev, "popup": bp})
}

// warnConflicts pushes a warning when the new event lands within an
// hour of an existing one.
func (s *Service) warnConflicts(id int64, ev *store.Event) {
	if ev.EventTime == 0 {
		return
	}
	conflicts := s.store.ConflictingEvents(ev.EventTime, id)
	if len(conflicts) == 0 {
		return
	}
	titles := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		titles = append(titles, c.Title)
	}
	s.logger.Info("schedule conflict", "event_id", id, "with", titles)
	bp := popup.Render(popup.KindConflictWarning, ev.Title,
		fmt.Sprintf("Overlaps with: %s", strings.Join(titles, ", ")))
	s.broadcast(push.TypeConflictWarning, id, map[string]any{"popup": bp, "conflicts": summaries(conflicts)})
}

func (s *Service) broadcast(kind string, eventID int64, payload map[string]any) {
	if err := s.hub.Send(push.Envelope{Type: kind, EventID: eventID, Payload: payload}); err != nil && err != push.ErrNoClient {
		s.logger.Warn("push failed", "type", kind, "error", err)
	}
}

// knownServices maps service words to the domain the browser extension
// will visit, used to tie an event to a page before any URL is seen.
var knownServices = map[string]string{
	"netflix":     "netflix.com",
	"spotify":     "spotify.com",
	"prime":       "primevideo.com",
	"hotstar":     "hotstar.com",
	"amazon":      "amazon.in",
	"flipkart":    "flipkart.com",
	"zomato":      "zomato.com",
	"swiggy":      "swiggy.com",
	"uber":        "uber.com",
	"ola":         "olacabs.com",
	"irctc":       "irctc.co.in",
	"makemytrip":  "makemytrip.com",
	"bookmyshow":  "bookmyshow.com",
	"youtube":     "youtube.com",
	"github":      "github.com",
}

// deriveContextURL guesses the relevant context from the event's words:
// a known service maps to its domain; otherwise the lowercased location
// stands in, so a trip to Goa matches pages mentioning goa. Returns ""
// when neither applies.
func deriveContextURL(ex llm.ExtractedEvent) string {
	probe := strings.ToLower(ex.Title + " " + strings.Join(ex.Keywords, " "))
	for word, domain := range knownServices {
		if strings.Contains(probe, word) {
			return domain
		}
	}
	if ex.Location != "" {
		return strings.ToLower(ex.Location)
	}
	return ""
}

// embeddingText builds the text embedded for an event: the same fields
// the keyword index covers.
func embeddingText(ev *store.Event) string {
	parts := []string{ev.Title}
	if ev.Description != "" {
		parts = append(parts, ev.Description)
	}
	if len(ev.Keywords) > 0 {
		parts = append(parts, strings.Join(ev.Keywords, " "))
	}
	if ev.Location != "" {
		parts = append(parts, ev.Location)
	}
	return strings.Join(parts, "\n")
}
