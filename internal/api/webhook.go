package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Akshat74747/argus/internal/aicache"
	"github.com/Akshat74747/argus/internal/faults"
	"github.com/Akshat74747/argus/internal/heuristic"
	"github.com/Akshat74747/argus/internal/ingest"
	"github.com/Akshat74747/argus/internal/llm"
	"github.com/Akshat74747/argus/internal/store"
	"github.com/Akshat74747/argus/internal/tier"
)

// handleWebhook feeds a bridge delivery into the pipeline. The pipeline
// may outlive the request: past the deadline the response is 202 and
// processing continues detached, with results arriving over the
// websocket.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload ingest.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid webhook body: "+err.Error())
		return
	}

	if payload.Event != ingest.EventMessagesUpsert {
		writeJSON(w, map[string]any{"skipped": true, "reason": "event " + payload.Event}, s.logger)
		return
	}
	if err := payload.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	type outcome struct {
		res *ingest.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		// Detached from the request: a client timeout must not cancel
		// half-finished extraction.
		res, err := s.pipeline.ProcessWebhook(context.WithoutCancel(r.Context()), &payload)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			s.logger.Error("webhook pipeline failed", "error", out.err)
			s.errorResponse(w, http.StatusInternalServerError, "pipeline error")
			return
		}
		writeJSON(w, out.res, s.logger)
	case <-time.After(webhookDeadline):
		s.logger.Warn("webhook pipeline still running at deadline")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]any{"accepted": true}, s.logger)
	}
}

// handleContextCheck reports whether the page the user is viewing
// relates to any live event.
func (s *Server) handleContextCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL      string   `json:"url"`
		Title    string   `json:"title"`
		Keywords []string `json:"keywords"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.errorResponse(w, http.StatusBadRequest, "url is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), contextCheckDeadline)
	defer cancel()

	res := s.matcher.Match(ctx, req.URL, req.Title, req.Keywords)
	writeJSON(w, map[string]any{
		"matched":              res.Matched,
		"events":               res.Events,
		"confidence":           res.Confidence,
		"contextTriggers":      res.ContextTriggers,
		"contextTriggersCount": len(res.ContextTriggers),
	}, s.logger)
}

// handleChat answers a free-form question about stored events. The
// deadline produces a graceful 200, never an error page.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query   string `json:"query"`
		History []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"history"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		s.errorResponse(w, http.StatusBadRequest, "query is required")
		return
	}

	summaries := eventSummaries(s.store.ActiveEvents(50))
	cacheKey := aicache.Key("chat", req.Query)

	answer, err := faults.WithDeadline(r.Context(), chatDeadline,
		func(ctx context.Context) (llm.ChatAnswer, error) {
			a, _, err := tier.WithFallback(ctx, s.tiers,
				func(ctx context.Context) (llm.ChatAnswer, error) {
					a, err := faults.Retry(ctx, func(ctx context.Context) (llm.ChatAnswer, error) {
						return s.assist.Chat(ctx, req.Query, summaries, s.now())
					})
					if err == nil {
						s.cache.Set(cacheKey, a)
					}
					return a, err
				},
				func(context.Context) (llm.ChatAnswer, error) {
					return heuristic.Chat(req.Query, summaries, s.now()), nil
				},
				func(context.Context) llm.ChatAnswer {
					if v, ok := s.cache.Get(cacheKey); ok {
						if a, ok := v.(llm.ChatAnswer); ok {
							return a
						}
					}
					return llm.ChatAnswer{Reply: "I can't reach my memory right now, please try again in a bit."}
				},
			)
			return a, err
		})
	if err != nil {
		if errors.Is(err, faults.ErrTimeout) {
			writeJSON(w, map[string]any{
				"response": "That took longer than expected. Please try again.",
				"events":   []any{},
			}, s.logger)
			return
		}
		s.logger.Error("chat failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "chat error")
		return
	}

	events := make([]*store.Event, 0, len(answer.EventIDs))
	for _, id := range answer.EventIDs {
		if ev, err := s.store.GetEvent(id); err == nil {
			events = append(events, ev)
		}
	}
	writeJSON(w, map[string]any{"response": answer.Reply, "events": events}, s.logger)
}

// handleFormCheck compares a value the user typed into a form with what
// the assistant remembers, catching e.g. booking the flight for the
// wrong day.
func (s *Server) handleFormCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FieldValue string `json:"fieldValue"`
		FieldType  string `json:"fieldType"`
		Parsed     int64  `json:"parsed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FieldValue == "" {
		s.errorResponse(w, http.StatusBadRequest, "fieldValue is required")
		return
	}

	if req.Parsed == 0 {
		writeJSON(w, map[string]any{"mismatch": false}, s.logger)
		return
	}

	// A remembered event mentioning the same words but a different time
	// is the mismatch we warn about.
	for _, ev := range s.store.HybridSearchEvents(req.FieldValue, nil, 5) {
		if ev.EventTime == 0 {
			continue
		}
		if diff := ev.EventTime - req.Parsed; diff >= -60 && diff <= 60 {
			continue
		}
		remembered := time.Unix(ev.EventTime, 0).Format("Mon Jan 2, 3:04 PM")
		writeJSON(w, map[string]any{
			"mismatch":   true,
			"entered":    req.Parsed,
			"remembered": ev.EventTime,
			"suggestion": "You saved \"" + ev.Title + "\" for " + remembered + ".",
			"event":      ev,
		}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"mismatch": false}, s.logger)
}

func eventSummaries(events []*store.Event) []llm.EventSummary {
	out := make([]llm.EventSummary, 0, len(events))
	for _, ev := range events {
		out = append(out, llm.EventSummary{
			ID: ev.ID, Type: ev.Type, Title: ev.Title, Status: ev.Status,
			EventTime: ev.EventTime, Location: ev.Location, Keywords: ev.Keywords,
		})
	}
	return out
}
