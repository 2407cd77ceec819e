// Package sched runs the periodic work: firing reminder triggers,
// delivering due reminders, waking snoozed events and taking the daily
// snapshot. Deliveries that fail because no client is connected go on a
// retry queue with exponential backoff; triggers are marked fired only
// after a successful delivery, so a crash between scan and delivery
// re-fires rather than drops. A delivery that exhausts its retries is
// logged to failed-reminders and never attempted again.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Akshat74747/argus/internal/faults"
	"github.com/Akshat74747/argus/internal/push"
	"github.com/Akshat74747/argus/internal/store"
)

const (
	triggerScanInterval  = 60 * time.Second
	reminderScanInterval = 30 * time.Second

	// triggerWindow lets a trigger fire slightly early rather than up to
	// a full scan period late.
	triggerWindow = 5 * time.Minute
)

// retryBackoff holds the delay before each retry attempt. A failure
// after the last attempt dead-letters the reminder.
var retryBackoff = [...]time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

// retryItem is one pending redelivery. nextRetryAt is an absolute
// timestamp: a missed scheduler tick delays the retry, never drops it.
type retryItem struct {
	key         string
	env         push.Envelope
	attempt     int
	nextRetryAt time.Time
	mark        func()
}

// Scheduler owns the periodic scans and the retry queue.
type Scheduler struct {
	store  *store.Store
	hub    *push.Hub
	logger *slog.Logger

	dataDir       string
	retentionDays int

	mu        sync.Mutex
	queue     []*retryItem
	pending   map[string]bool
	abandoned map[string]bool

	failedLog *faults.JSONLog

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// New creates a scheduler. dataDir holds the snapshot directory and the
// failed-reminders log.
func New(st *store.Store, hub *push.Hub, dataDir string, retentionDays int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &Scheduler{
		store:         st,
		hub:           hub,
		logger:        logger,
		dataDir:       dataDir,
		retentionDays: retentionDays,
		pending:       make(map[string]bool),
		abandoned:     make(map[string]bool),
		failedLog:     faults.NewJSONLog(dataDir + "/failed-reminders.jsonl"),
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// Start launches the scan loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop(ctx, triggerScanInterval, s.scanTriggers)
	s.loop(ctx, reminderScanInterval, func() {
		s.scanDueReminders()
		s.scanExpiredSnoozes()
		s.drainRetryQueue()
	})
	s.snapshotLoop(ctx)
	s.logger.Info("scheduler started",
		"trigger_scan", triggerScanInterval, "reminder_scan", reminderScanInterval)
}

// Stop halts all loops and waits for them.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// scanTriggers fires time triggers coming due inside the scan window.
func (s *Scheduler) scanTriggers() {
	windowEnd := s.now().Add(triggerWindow).Unix()
	for _, tr := range s.store.UnfiredTriggers(windowEnd) {
		key := fmt.Sprintf("trigger:%d", tr.ID)
		if s.inFlight(key) {
			continue
		}
		ev, err := s.store.GetEvent(tr.EventID)
		if err != nil {
			// Orphaned trigger; mark it so the scan stops returning it.
			s.logger.Warn("trigger without event", "trigger_id", tr.ID, "event_id", tr.EventID)
			s.store.MarkTriggerFired(tr.ID)
			continue
		}

		trID := tr.ID
		s.deliver(key, push.Envelope{
			Type:    push.TypeTrigger,
			EventID: ev.ID,
			Payload: map[string]any{"event": ev, "trigger": tr.Kind},
		}, func() {
			s.store.MarkTriggerFired(trID)
		})
	}
}

// scanDueReminders delivers user-set reminders whose time has come. The
// event moves to reminded only on delivery, so an offline client gets
// the reminder when it reconnects.
func (s *Scheduler) scanDueReminders() {
	for _, ev := range s.store.DueReminders(s.now()) {
		key := fmt.Sprintf("reminder:%d", ev.ID)
		if s.inFlight(key) {
			continue
		}
		evID := ev.ID
		s.deliver(key, push.Envelope{
			Type:    push.TypeNotification,
			EventID: ev.ID,
			Payload: map[string]any{"event": ev},
		}, func() {
			s.store.UpdateEventStatus(evID, store.StatusReminded)
		})
	}
}

// scanExpiredSnoozes wakes snoozed events. The status transition happens
// regardless of delivery; the wake-up push is best effort with retries.
func (s *Scheduler) scanExpiredSnoozes() {
	for _, ev := range s.store.ExpiredSnoozes(s.now()) {
		if !s.store.UpdateEventStatus(ev.ID, store.StatusDiscovered) {
			continue
		}
		s.logger.Info("snooze expired", "event_id", ev.ID, "title", ev.Title)
		s.deliver(fmt.Sprintf("snooze:%d", ev.ID), push.Envelope{
			Type:    push.TypeNotification,
			EventID: ev.ID,
			Payload: map[string]any{"event": ev, "reason": "snooze_expired"},
		}, nil)
	}
}

// deliver sends now or queues for retry. mark runs only on success.
func (s *Scheduler) deliver(key string, env push.Envelope, mark func()) {
	if err := s.hub.Send(env); err != nil {
		s.logger.Debug("delivery failed, queueing retry", "key", key, "error", err)
		s.enqueue(&retryItem{
			key:         key,
			env:         env,
			nextRetryAt: s.now().Add(retryBackoff[0]),
			mark:        mark,
		})
		return
	}
	if mark != nil {
		mark()
	}
}

func (s *Scheduler) enqueue(it *retryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, it)
	s.pending[it.key] = true
}

// inFlight reports whether key already sits on the retry queue or was
// abandoned after exhausting its retries. Rescans skip both: queued
// items must not double-deliver, and abandoned ones stay terminal even
// though their trigger is still unfired.
func (s *Scheduler) inFlight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[key] || s.abandoned[key]
}

// drainRetryQueue re-attempts queued deliveries that are due. A failure
// after the final attempt goes to the failed-reminders log and the
// originating trigger stays unfired.
func (s *Scheduler) drainRetryQueue() {
	now := s.now()

	s.mu.Lock()
	due := make([]*retryItem, 0, len(s.queue))
	rest := s.queue[:0]
	for _, it := range s.queue {
		if !it.nextRetryAt.After(now) {
			due = append(due, it)
		} else {
			rest = append(rest, it)
		}
	}
	s.queue = rest
	s.mu.Unlock()

	for _, it := range due {
		err := s.hub.Send(it.env)
		if err == nil {
			if it.mark != nil {
				it.mark()
			}
			s.resolve(it.key)
			s.logger.Info("queued delivery succeeded", "key", it.key, "attempt", it.attempt)
			continue
		}

		it.attempt++
		if it.attempt >= len(retryBackoff) {
			s.logger.Warn("delivery abandoned", "key", it.key, "error", err)
			if logErr := s.failedLog.AppendRecord(failedRecord(it, now, err)); logErr != nil {
				s.logger.Error("failed-reminders log write failed", "error", logErr)
			}
			s.abandon(it.key)
			continue
		}

		it.nextRetryAt = now.Add(retryBackoff[it.attempt])
		s.mu.Lock()
		s.queue = append(s.queue, it)
		s.mu.Unlock()
	}
}

func (s *Scheduler) resolve(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

// abandon marks key terminal: it leaves the queue and is never
// re-enqueued by later scans, even after a reconnect.
func (s *Scheduler) abandon(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	s.abandoned[key] = true
}

// failedRecord shapes the failed-reminders log line.
func failedRecord(it *retryItem, now time.Time, err error) map[string]any {
	rec := map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339),
		"eventId":   it.env.EventID,
		"attempts":  it.attempt,
		"lastError": err.Error(),
	}
	if payload, ok := it.env.Payload.(map[string]any); ok {
		if ev, ok := payload["event"].(*store.Event); ok && ev != nil {
			rec["eventTitle"] = ev.Title
		}
		if kind, ok := payload["trigger"].(string); ok {
			rec["triggerType"] = kind
		}
	}
	if _, ok := rec["triggerType"]; !ok {
		rec["triggerType"] = it.env.Type
	}
	return rec
}

// RetryQueueSize reports the queue depth for the health endpoint.
func (s *Scheduler) RetryQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// FailedReminderCount reports abandoned deliveries in the current log.
func (s *Scheduler) FailedReminderCount() int {
	return s.failedLog.Count()
}
