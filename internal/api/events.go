package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Akshat74747/argus/internal/contextmatch"
	"github.com/Akshat74747/argus/internal/push"
	"github.com/Akshat74747/argus/internal/store"
)

func (s *Server) handleEventList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status != "" && !store.ValidStatus(status) {
		s.errorResponse(w, http.StatusBadRequest, "unknown status "+status)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	events := s.store.ListEventsPage(status, limit, offset)
	writeJSON(w, map[string]any{"events": events, "count": len(events)}, s.logger)
}

func (s *Server) handleEventsForDay(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(r.PathValue("ts"), 10, 64)
	if err != nil || ts <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid timestamp")
		return
	}
	events := s.store.EventsForDay(ts, time.Local)
	writeJSON(w, map[string]any{"events": events, "count": len(events)}, s.logger)
}

func (s *Server) handleEventsByStatus(w http.ResponseWriter, r *http.Request) {
	status := r.PathValue("status")
	if !store.ValidStatus(status) {
		s.errorResponse(w, http.StatusBadRequest, "unknown status "+status)
		return
	}
	events := s.store.ListEvents(status, 100)
	writeJSON(w, map[string]any{"events": events, "count": len(events)}, s.logger)
}

func (s *Server) handleEventGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.eventID(w, r)
	if !ok {
		return
	}
	ev, err := s.store.GetEvent(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.errorResponse(w, http.StatusNotFound, "event not found")
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, ev, s.logger)
}

// handleEventPatch updates descriptive fields. Status changes go through
// the transition endpoints, not here.
func (s *Server) handleEventPatch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.eventID(w, r)
	if !ok {
		return
	}
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || len(fields) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "no fields to update")
		return
	}
	delete(fields, "status")

	updated, err := s.store.UpdateEventFields(id, fields)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if !updated {
		s.errorResponse(w, http.StatusNotFound, "event not found")
		return
	}

	s.matcher.Invalidate(id)
	ev, err := s.store.GetEvent(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.broadcast(push.TypeEventUpdated, id, ev)
	writeJSON(w, ev, s.logger)
}

func (s *Server) handleEventDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.eventID(w, r)
	if !ok {
		return
	}
	if !s.store.DeleteEvent(id) {
		s.errorResponse(w, http.StatusNotFound, "event not found")
		return
	}
	s.matcher.Invalidate(id)
	s.broadcast(push.TypeEventDeleted, id, nil)
	writeJSON(w, map[string]any{"deleted": true}, s.logger)
}

func (s *Server) handleEventTriggers(w http.ResponseWriter, r *http.Request) {
	id, ok := s.eventID(w, r)
	if !ok {
		return
	}
	triggers := s.store.TriggersForEvent(id)
	writeJSON(w, map[string]any{"triggers": triggers, "count": len(triggers)}, s.logger)
}

// handleEventOp routes the state-transition verbs.
func (s *Server) handleEventOp(w http.ResponseWriter, r *http.Request) {
	id, ok := s.eventID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetEvent(id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.errorResponse(w, http.StatusNotFound, "event not found")
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	switch r.PathValue("op") {
	case "complete":
		s.transition(w, id, store.StatusCompleted, push.TypeEventCompleted)
	case "ignore":
		s.transition(w, id, store.StatusIgnored, push.TypeEventIgnored)
	case "acknowledge":
		// The user saw the discovery popup; the event is theirs now.
		s.transition(w, id, store.StatusPending, push.TypeEventAcknowledged)
	case "set-reminder":
		s.opSetReminder(w, r, id)
	case "snooze":
		s.opSnooze(w, r, id)
	case "dismiss":
		s.opDismiss(w, r, id)
	case "confirm-update":
		s.opConfirmUpdate(w, r, id)
	case "context-url":
		s.opContextURL(w, r, id)
	default:
		s.errorResponse(w, http.StatusNotFound, "unknown operation "+r.PathValue("op"))
	}
}

func (s *Server) transition(w http.ResponseWriter, id int64, status, pushType string) {
	if !s.store.UpdateEventStatus(id, status) {
		s.errorResponse(w, http.StatusInternalServerError, "status update failed")
		return
	}
	s.matcher.Invalidate(id)
	ev, _ := s.store.GetEvent(id)
	s.broadcast(pushType, id, ev)
	writeJSON(w, ev, s.logger)
}

func (s *Server) opSetReminder(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		At int64 `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.At <= 0 {
		// No explicit time: derive the earliest still-future offset from
		// the event time.
		ev, err := s.store.GetEvent(id)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		req.At = store.ReminderTimeFor(ev.EventTime, s.now())
	}
	if req.At <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "at (unix seconds) is required")
		return
	}
	if !s.store.SetEventReminder(id, req.At) {
		s.errorResponse(w, http.StatusInternalServerError, "reminder not set")
		return
	}
	ev, _ := s.store.GetEvent(id)
	s.broadcast(push.TypeEventScheduled, id, ev)
	writeJSON(w, ev, s.logger)
}

func (s *Server) opSnooze(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		Minutes int64 `json:"minutes"`
		Until   int64 `json:"until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Minutes == 0 {
		// The extension sends ?minutes=30 with an empty body.
		req.Minutes, _ = strconv.ParseInt(r.URL.Query().Get("minutes"), 10, 64)
	}
	until := req.Until
	if until == 0 {
		if req.Minutes <= 0 {
			req.Minutes = 30
		}
		until = s.now().Add(time.Duration(req.Minutes) * time.Minute).Unix()
	}
	if !s.store.SnoozeEvent(id, until) {
		s.errorResponse(w, http.StatusInternalServerError, "snooze failed")
		return
	}
	s.matcher.Invalidate(id)
	ev, _ := s.store.GetEvent(id)
	s.broadcast(push.TypeEventSnoozed, id, ev)
	writeJSON(w, ev, s.logger)
}

// opDismiss suppresses context reminders for this event for a while;
// the event itself is untouched. A url in the body scopes the dismissal
// to that page; without one the event is suppressed everywhere.
func (s *Server) opDismiss(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "invalid body")
		return
	}
	pattern := ""
	if req.URL != "" {
		pattern = contextmatch.CanonicalURL(req.URL)
	}
	if !s.store.RecordDismissal(id, pattern) {
		s.errorResponse(w, http.StatusInternalServerError, "dismissal not recorded")
		return
	}
	s.matcher.Invalidate(id)
	s.broadcast(push.TypeEventDismissed, id, map[string]any{"url": pattern})
	writeJSON(w, map[string]any{"dismissed": true, "until": s.now().Add(store.DismissalTTL).Unix()}, s.logger)
}

func (s *Server) opConfirmUpdate(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		Accept *bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Accept == nil {
		s.errorResponse(w, http.StatusBadRequest, "accept (true/false) is required")
		return
	}

	if !*req.Accept {
		s.store.ClearPendingUpdate(id)
		ev, _ := s.store.GetEvent(id)
		writeJSON(w, ev, s.logger)
		return
	}

	ev, err := s.store.ApplyPendingUpdate(id)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.matcher.Invalidate(id)
	s.broadcast(push.TypeEventUpdated, id, ev)
	writeJSON(w, ev, s.logger)
}

func (s *Server) opContextURL(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.errorResponse(w, http.StatusBadRequest, "url is required")
		return
	}
	if _, err := s.store.UpdateEventFields(id, map[string]any{"context_url": req.URL}); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.matcher.Invalidate(id)
	ev, _ := s.store.GetEvent(id)
	s.broadcast(push.TypeEventUpdated, id, ev)
	writeJSON(w, ev, s.logger)
}

// broadcast pushes an event envelope; nobody listening is fine.
func (s *Server) broadcast(pushType string, id int64, payload any) {
	if err := s.hub.Send(push.Envelope{Type: pushType, EventID: id, Payload: payload}); err != nil && !errors.Is(err, push.ErrNoClient) {
		s.logger.Warn("broadcast failed", "type", pushType, "error", err)
	}
}
