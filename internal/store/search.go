package store

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Akshat74747/argus/internal/embeddings"
)

// Search tuning. Each branch contributes up to branchLimit candidates;
// reciprocal rank fusion merges them with the standard smoothing
// constant.
const (
	branchLimit = 20
	rrfK        = 60
)

// HybridSearchEvents runs keyword and vector search over live events in
// the hot window and fuses the rankings. queryEmbedding may be nil, in
// which case only the keyword branch contributes. Degrades to empty.
func (s *Store) HybridSearchEvents(query string, queryEmbedding []float32, limit int) []*Event {
	if limit <= 0 {
		limit = 10
	}

	keyword := s.keywordSearch(query)
	vector := s.vectorSearch(queryEmbedding)

	// Reciprocal rank fusion: score each event by the sum of
	// 1/(k+rank) over the rankings it appears in.
	scores := make(map[int64]float64)
	byID := make(map[int64]*Event)
	for rank, ev := range keyword {
		scores[ev.ID] += 1.0 / float64(rrfK+rank+1)
		byID[ev.ID] = ev
	}
	for rank, ev := range vector {
		scores[ev.ID] += 1.0 / float64(rrfK+rank+1)
		if _, ok := byID[ev.ID]; !ok {
			byID[ev.ID] = ev
		}
	}

	merged := make([]*Event, 0, len(byID))
	for id := range byID {
		merged = append(merged, byID[id])
	}
	sort.Slice(merged, func(i, j int) bool {
		si, sj := scores[merged[i].ID], scores[merged[j].ID]
		if si != sj {
			return si > sj
		}
		return merged[i].ID > merged[j].ID
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// hotCutoff is the oldest created_at search will consider.
func (s *Store) hotCutoff() string {
	return s.now().UTC().AddDate(0, 0, -s.hotWindowDays).Format(time.RFC3339)
}

func (s *Store) keywordSearch(query string) []*Event {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	if s.ftsEnabled {
		if events := s.searchFTS(query); events != nil {
			return events
		}
	}
	return s.searchLIKE(query)
}

// searchFTS ranks by bm25 with column weights: title counts triple,
// keywords double, description and location single.
func (s *Store) searchFTS(query string) []*Event {
	sanitized := sanitizeFTS5Query(query)
	if sanitized == "" {
		return nil
	}

	rows, err := s.db.Query(`
		SELECT `+qualified(eventColumns)+`
		FROM events_fts
		JOIN events ON events_fts.rowid = events.id
		WHERE events_fts MATCH ?
		  AND events.status IN (`+placeholders(len(activeStatuses))+`)
		  AND events.created_at >= ?
		ORDER BY bm25(events_fts, 3.0, 1.0, 2.0, 1.0)
		LIMIT ?
	`, sanitized, StatusPending, StatusScheduled, StatusDiscovered, s.hotCutoff(), branchLimit)
	if err != nil {
		s.logger.Warn("FTS5 search failed, falling back to LIKE", "error", err, "query", query)
		return nil
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		s.logger.Warn("FTS5 scan failed", "error", err)
		return nil
	}
	return events
}

func (s *Store) searchLIKE(query string) []*Event {
	pattern := "%" + query + "%"
	return faultsSafe(s, "search_like", query, func() ([]*Event, error) {
		rows, err := s.db.Query(`
			SELECT `+eventColumns+` FROM events
			WHERE status IN (`+placeholders(len(activeStatuses))+`)
			  AND created_at >= ?
			  AND (title LIKE ? OR description LIKE ? OR keywords LIKE ? OR location LIKE ?)
			ORDER BY id DESC LIMIT ?
		`, StatusPending, StatusScheduled, StatusDiscovered, s.hotCutoff(),
			pattern, pattern, pattern, pattern, branchLimit)
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		defer rows.Close()
		return scanEvents(rows)
	}, nil)
}

// vectorSearch is a brute-force cosine scan over embedded live events.
// The hot window keeps the scan bounded.
func (s *Store) vectorSearch(queryEmbedding []float32) []*Event {
	if len(queryEmbedding) == 0 {
		return nil
	}

	return faultsSafe(s, "vector_search", nil, func() ([]*Event, error) {
		rows, err := s.db.Query(`
			SELECT `+eventColumnsWithEmbed+` FROM events
			WHERE embedding IS NOT NULL
			  AND status IN (`+placeholders(len(activeStatuses))+`)
			  AND created_at >= ?
		`, StatusPending, StatusScheduled, StatusDiscovered, s.hotCutoff())
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		defer rows.Close()

		var candidates []*Event
		var vectors [][]float32
		for rows.Next() {
			ev, err := scanEventWithEmbedding(rows)
			if err != nil {
				continue
			}
			if len(ev.Embedding) > 0 {
				candidates = append(candidates, ev)
				vectors = append(vectors, ev.Embedding)
			}
		}
		if err := rows.Err(); err != nil {
			return nil, storeErr("scan", "events", err)
		}

		top := embeddings.TopK(queryEmbedding, vectors, branchLimit)
		out := make([]*Event, 0, len(top))
		for _, idx := range top {
			out = append(out, candidates[idx])
		}
		return out, nil
	}, nil)
}

// ContextURLMatch returns live events tied to the page the user is on:
// first events whose context_url is a substring of the visited URL,
// then events whose location appears in the URL or page title.
func (s *Store) ContextURLMatch(pageURL, pageTitle string) []*Event {
	lower := strings.ToLower(pageURL)
	lowerTitle := strings.ToLower(pageTitle)

	candidates := faultsSafe(s, "context_url_match", pageURL, func() ([]*Event, error) {
		rows, err := s.db.Query(`
			SELECT `+eventColumns+` FROM events
			WHERE status IN (`+placeholders(len(activeStatuses))+`)
			  AND (context_url IS NOT NULL OR location IS NOT NULL)
			  AND created_at >= ?
		`, StatusPending, StatusScheduled, StatusDiscovered, s.hotCutoff())
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		defer rows.Close()
		return scanEvents(rows)
	}, nil)

	var urlMatches, locMatches []*Event
	for _, ev := range candidates {
		if ev.ContextURL != "" && strings.Contains(lower, strings.ToLower(ev.ContextURL)) {
			urlMatches = append(urlMatches, ev)
			continue
		}
		if ev.Location != "" {
			loc := strings.ToLower(ev.Location)
			if strings.Contains(lower, loc) || (lowerTitle != "" && strings.Contains(lowerTitle, loc)) {
				locMatches = append(locMatches, ev)
			}
		}
	}
	if len(urlMatches) > 0 {
		return urlMatches
	}
	return locMatches
}

// qualified prefixes every column in a comma-separated list with
// "events." for joined queries.
func qualified(columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = "events." + p
	}
	return strings.Join(parts, ", ")
}

func sanitizeFTS5Query(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

// --- embedding helpers ---

func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	result := make([]float32, len(data)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return result
}
