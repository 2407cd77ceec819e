// Package contextmatch answers "does this browser page relate to
// anything the user is supposed to remember?". The extension reports
// URL changes; the matcher canonicalizes the URL, derives keywords,
// looks up candidate events and validates their relevance through the
// tier orchestrator.
package contextmatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Akshat74747/argus/internal/embeddings"
	"github.com/Akshat74747/argus/internal/faults"
	"github.com/Akshat74747/argus/internal/heuristic"
	"github.com/Akshat74747/argus/internal/llm"
	"github.com/Akshat74747/argus/internal/store"
	"github.com/Akshat74747/argus/internal/tier"
)

const (
	// cacheTTL bounds how long a match result is served without
	// re-querying the store.
	cacheTTL = 10 * time.Minute

	// cacheCapacity caps the result cache; eviction is FIFO by insertion.
	cacheCapacity = 200

	// candidateLimit bounds how many events one page is checked against.
	candidateLimit = 10
)

// ContextTrigger is one event the current page is relevant to.
type ContextTrigger struct {
	EventID    int64   `json:"event_id"`
	Title      string  `json:"title"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Result is the answer to a context check.
type Result struct {
	Matched         bool             `json:"matched"`
	Events          []*store.Event   `json:"events"`
	Confidence      float64          `json:"confidence"`
	ContextTriggers []ContextTrigger `json:"contextTriggers"`
}

type cacheEntry struct {
	result   Result
	storedAt time.Time
}

// Matcher performs context matching with a small in-memory result cache.
type Matcher struct {
	store  *store.Store
	assist *llm.Assist
	embed  *embeddings.Client
	tiers  *tier.Orchestrator
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
	order []string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// NewMatcher creates a matcher. embed may be nil; matching then runs on
// keyword search alone.
func NewMatcher(st *store.Store, assist *llm.Assist, embed *embeddings.Client,
	tiers *tier.Orchestrator, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		store:  st,
		assist: assist,
		embed:  embed,
		tiers:  tiers,
		logger: logger,
		cache:  make(map[string]*cacheEntry),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Match checks pageURL/pageTitle against live events. extraKeywords come
// from the client (e.g. page meta tags) and join the URL-derived set.
func (m *Matcher) Match(ctx context.Context, pageURL, pageTitle string, extraKeywords []string) Result {
	canon := CanonicalURL(pageURL)

	if res, fresh := m.lookup(canon); fresh {
		return res
	}

	candidates, storeErr := m.findCandidates(ctx, canon, pageTitle, extraKeywords)
	if storeErr != nil {
		// Store trouble: a stale answer beats no answer.
		if stale, ok := m.staleLookup(canon); ok {
			m.logger.Warn("context match serving stale cache", "url", canon, "error", storeErr)
			return stale
		}
		return Result{Events: []*store.Event{}, ContextTriggers: []ContextTrigger{}}
	}

	res := m.validate(ctx, canon, pageTitle, candidates)
	m.insert(canon, res)
	return res
}

// findCandidates runs the lookup ladder: URL/location match first, then
// multi-field keyword search, then hybrid search with an embedding.
func (m *Matcher) findCandidates(ctx context.Context, canon, pageTitle string, extra []string) ([]*store.Event, error) {
	if events := m.store.ContextURLMatch(canon, pageTitle); len(events) > 0 {
		return capAt(events, candidateLimit), nil
	}

	keywords := append(URLKeywords(canon), extra...)
	keywords = append(keywords, heuristic.Tokens(pageTitle)...)
	if len(keywords) == 0 {
		return nil, nil
	}
	query := strings.Join(dedup(keywords), " ")

	var queryEmbedding []float32
	if m.embed != nil {
		vec, err := m.embed.Generate(ctx, query)
		if err != nil {
			m.logger.Debug("context match embedding unavailable", "error", err)
		} else {
			queryEmbedding = vec
		}
	}

	events := m.store.HybridSearchEvents(query, queryEmbedding, candidateLimit)
	if len(events) == 0 {
		// List reads degrade to empty on storage trouble; probing a
		// single row tells "no match" apart from "store down".
		if err := m.store.ProbeRead(); err != nil {
			return nil, fmt.Errorf("candidate lookup: %w", err)
		}
	}
	return events, nil
}

// validate filters candidates through relevance checking. Dismissed
// events are suppressed before any model call is spent on them.
func (m *Matcher) validate(ctx context.Context, canon, pageTitle string, candidates []*store.Event) Result {
	res := Result{Events: []*store.Event{}, ContextTriggers: []ContextTrigger{}}

	for _, ev := range candidates {
		if m.store.RecentlyDismissed(ev.ID, canon) {
			continue
		}
		summary := llm.EventSummary{
			ID: ev.ID, Type: ev.Type, Title: ev.Title, Status: ev.Status,
			EventTime: ev.EventTime, Location: ev.Location, Keywords: ev.Keywords,
		}

		rel, _, err := tier.WithFallback(ctx, m.tiers,
			func(ctx context.Context) (llm.Relevance, error) {
				return faults.Retry(ctx, func(ctx context.Context) (llm.Relevance, error) {
					return m.assist.ValidateRelevance(ctx, canon, pageTitle, summary)
				})
			},
			func(context.Context) (llm.Relevance, error) {
				return heuristic.ValidateRelevance(canon, pageTitle, summary), nil
			},
			func(context.Context) llm.Relevance {
				// Safe default: an unverifiable match stays silent.
				return llm.Relevance{}
			},
		)
		if err != nil || !rel.Relevant {
			continue
		}

		res.Events = append(res.Events, ev)
		res.ContextTriggers = append(res.ContextTriggers, ContextTrigger{
			EventID:    ev.ID,
			Title:      ev.Title,
			Confidence: rel.Confidence,
			Reason:     rel.Reason,
		})
		if rel.Confidence > res.Confidence {
			res.Confidence = rel.Confidence
		}
	}

	res.Matched = len(res.ContextTriggers) > 0
	return res
}

// lookup returns a cached result if it is still fresh.
func (m *Matcher) lookup(canon string) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[canon]
	if !ok {
		return Result{}, false
	}
	if m.now().Sub(e.storedAt) > cacheTTL {
		return Result{}, false
	}
	return e.result, true
}

// staleLookup returns a cached result regardless of age. Expired entries
// stay resident until FIFO eviction exactly for this path.
func (m *Matcher) staleLookup(canon string) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.cache[canon]; ok {
		return e.result, true
	}
	return Result{}, false
}

func (m *Matcher) insert(canon string, res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cache[canon]; !exists {
		for len(m.order) >= cacheCapacity {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.cache, oldest)
		}
		m.order = append(m.order, canon)
	}
	m.cache[canon] = &cacheEntry{result: res, storedAt: m.now()}
}

// Invalidate drops every cached result that references eventID. Event
// state transitions call this so a completed event stops matching
// immediately instead of after the TTL.
func (m *Matcher) Invalidate(eventID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	for _, key := range m.order {
		e := m.cache[key]
		if e != nil && references(e.result, eventID) {
			delete(m.cache, key)
			continue
		}
		kept = append(kept, key)
	}
	m.order = kept
}

func references(res Result, eventID int64) bool {
	for _, t := range res.ContextTriggers {
		if t.EventID == eventID {
			return true
		}
	}
	return false
}

// CacheStats reports cache occupancy for the health endpoint.
func (m *Matcher) CacheStats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"size":        len(m.cache),
		"capacity":    cacheCapacity,
		"ttl_seconds": int(cacheTTL.Seconds()),
	}
}

// trackingParams are stripped during canonicalization.
var trackingParams = map[string]bool{
	"ref":    true,
	"fbclid": true,
	"gclid":  true,
}

// CanonicalURL normalizes a page URL for cache keys and store lookups:
// lowercased host, no fragment, tracking parameters removed.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for param := range q {
		if trackingParams[param] || strings.HasPrefix(param, "utm_") {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// sitePatterns map well-known hosts to the keywords users actually put
// in their reminders about them.
var sitePatterns = []struct {
	re       *regexp.Regexp
	keywords []string
}{
	{regexp.MustCompile(`netflix\.com`), []string{"netflix", "subscription", "streaming"}},
	{regexp.MustCompile(`spotify\.com`), []string{"spotify", "subscription", "music"}},
	{regexp.MustCompile(`primevideo\.com`), []string{"prime", "subscription", "streaming"}},
	{regexp.MustCompile(`hotstar\.com`), []string{"hotstar", "subscription", "streaming"}},
	{regexp.MustCompile(`amazon\.(in|com)`), []string{"amazon", "order", "shopping"}},
	{regexp.MustCompile(`flipkart\.com`), []string{"flipkart", "order", "shopping"}},
	{regexp.MustCompile(`(zomato|swiggy)\.com`), []string{"food", "order", "delivery"}},
	{regexp.MustCompile(`(makemytrip|goibibo|booking|cleartrip)\.com`), []string{"travel", "trip", "hotel", "booking"}},
	{regexp.MustCompile(`irctc\.co\.in`), []string{"train", "ticket", "travel", "irctc"}},
	{regexp.MustCompile(`bookmyshow\.com`), []string{"movie", "ticket", "booking"}},
	{regexp.MustCompile(`(uber|olacabs)\.com`), []string{"cab", "ride", "travel"}},
	{regexp.MustCompile(`youtube\.com`), []string{"youtube", "video"}},
	{regexp.MustCompile(`github\.com`), []string{"github", "code", "repository"}},
	{regexp.MustCompile(`(gmail|mail\.google)\.com`), []string{"email", "mail"}},
	{regexp.MustCompile(`calendar\.google\.com`), []string{"calendar", "schedule", "meeting"}},
}

var digitsOnly = regexp.MustCompile(`^\d+$`)

// URLKeywords derives search keywords from a canonical URL: site-pattern
// keywords when the host is known, plus path segments long enough to
// carry meaning.
func URLKeywords(canon string) []string {
	var out []string
	lower := strings.ToLower(canon)
	for _, p := range sitePatterns {
		if p.re.MatchString(lower) {
			out = append(out, p.keywords...)
		}
	}

	u, err := url.Parse(canon)
	if err != nil {
		return dedup(out)
	}
	for _, seg := range strings.FieldsFunc(u.Path, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9')
	}) {
		if len(seg) < 3 || digitsOnly.MatchString(seg) {
			continue
		}
		out = append(out, strings.ToLower(seg))
	}
	return dedup(out)
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func capAt(events []*store.Event, n int) []*store.Event {
	if len(events) > n {
		return events[:n]
	}
	return events
}
