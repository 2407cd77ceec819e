package contextmatch

import (
	"context"
	"strings"
	"time"

	"github.com/Akshat74747/argus/internal/store"
)

const (
	backfillInterval = 5 * time.Minute
	backfillBatch    = 50
)

// StartBackfill launches the embedding backfill loop: events stored
// while the embedding service was down get their vectors filled in
// later. No-op when no embedding client is configured.
func (m *Matcher) StartBackfill(ctx context.Context) {
	if m.embed == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(backfillInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.backfillOnce(ctx)
			}
		}
	}()
}

// Stop halts the backfill loop and waits for it to finish.
func (m *Matcher) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// backfillOnce embeds one batch. Failures are logged and retried on the
// next tick; the embedding service has its own availability story, so
// its errors never feed the tier orchestrator.
func (m *Matcher) backfillOnce(ctx context.Context) {
	events := m.store.EventsWithoutEmbedding(backfillBatch)
	if len(events) == 0 {
		return
	}

	done := 0
	for _, ev := range events {
		vec, err := m.embed.Generate(ctx, embeddingText(ev))
		if err != nil {
			m.logger.Debug("embedding backfill failed", "event_id", ev.ID, "error", err)
			continue
		}
		if m.store.SetEventEmbedding(ev.ID, vec) {
			done++
		}
	}
	if done > 0 {
		m.logger.Info("embedding backfill", "embedded", done, "candidates", len(events))
	}
}

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
