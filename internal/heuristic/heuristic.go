// Package heuristic is the tier-2 fallback: deterministic, dependency-free
// analysis of chat messages and browsing context. It trades recall for
// predictability — when the model is down, a rule that fires is worth more
// than a rule that guesses.
package heuristic

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Akshat74747/argus/internal/llm"
)

// Confidence ceilings. Heuristic verdicts never claim model-grade
// certainty.
const (
	maxExtractConfidence   = 0.95
	maxRelevanceConfidence = 0.6
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "with": true,
	"you": true, "your": true, "this": true, "that": true, "have": true,
	"will": true, "let": true, "lets": true, "can": true, "could": true,
	"please": true, "about": true, "from": true, "just": true, "what": true,
	"when": true, "where": true, "there": true, "here": true, "also": true,
	"was": true, "been": true, "they": true, "them": true, "then": true,
	"than": true, "some": true, "any": true, "all": true, "but": true,
	"not": true, "out": true, "our": true, "its": true, "it's": true,
	"tomorrow": true, "today": true, "kal": true, "aaj": true,
}

var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true, "sup": true,
	"ok": true, "okay": true, "thanks": true, "thank you": true,
	"good morning": true, "good night": true, "good evening": true,
	"gm": true, "gn": true, "hmm": true, "lol": true, "haha": true,
	"yes": true, "no": true, "yeah": true, "nope": true, "cool": true,
	"nice": true, "great": true, "bye": true, "welcome": true,
}

// Tokens splits s into lowercase significant tokens: length three or
// more, not a stopword, punctuation stripped. Shared with the context
// matcher and the store's keyword derivation.
func Tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]bool)
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// ShouldAnalyze is the quick filter that runs before any extraction,
// including tier 1. Trivially short messages and bare greetings carry
// no events.
func ShouldAnalyze(message string) bool {
	trimmed := strings.TrimSpace(message)
	if len(trimmed) < 5 {
		return false
	}
	return !greetings[strings.ToLower(trimmed)]
}

// Keyword groups for event classification.
var (
	subscriptionWords = []string{"subscription", "netflix", "spotify", "prime", "hotstar", "renew", "renewal", "expires", "expiry", "recharge", "plan"}
	meetingWords      = []string{"meet", "meeting", "call", "appointment", "interview", "standup", "lunch", "dinner", "coffee", "catch up", "session"}
	taskWords         = []string{"remind", "need to", "remember to", "don't forget", "dont forget", "pay", "submit", "send", "buy", "book", "finish", "deadline", "due", "return", "pick up", "drop"}

	actionVerbs = []string{"done", "completed", "finished", "ho gaya", "hogaya", "cancel", "cancelled", "postpone", "snooze", "not now", "later", "remind me"}
)

func containsAny(lower string, words []string) bool {
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Analyze extracts events from a message by pattern matching. It never
// fails; a message with no recognizable event yields an empty slice.
func Analyze(message string, now time.Time) []llm.ExtractedEvent {
	if !ShouldAnalyze(message) {
		return nil
	}
	lower := strings.ToLower(message)

	// Messages that are about an existing event ("done", "remind me")
	// belong to action detection, not extraction.
	if containsAny(lower, actionVerbs) {
		return nil
	}

	evType := ""
	switch {
	case containsAny(lower, subscriptionWords):
		evType = "subscription"
	case containsAny(lower, meetingWords):
		evType = "meeting"
	case containsAny(lower, taskWords):
		evType = "task"
	}

	when := parseWhen(lower, now)

	// No event type and no time reference: nothing to extract.
	if evType == "" && when == 0 {
		return nil
	}
	if evType == "" {
		evType = "reminder"
	}

	confidence := 0.6
	if when != 0 {
		confidence += 0.15
	}
	if evType != "reminder" {
		confidence += 0.1
	}
	if confidence > maxExtractConfidence {
		confidence = maxExtractConfidence
	}

	return []llm.ExtractedEvent{{
		Type:       evType,
		Title:      titleFrom(message),
		EventTime:  when,
		Location:   parseLocation(message),
		Keywords:   Tokens(message),
		Confidence: confidence,
	}}
}

// titleFrom turns the message into a short event title.
func titleFrom(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	title = strings.TrimRight(title, ".!?,;: ")
	if len(title) > 60 {
		cut := title[:60]
		if i := strings.LastIndexByte(cut, ' '); i > 30 {
			cut = cut[:i]
		}
		title = cut
	}
	return title
}

var (
	clockRe = regexp.MustCompile(`\b(\d{1,2})(?::([0-5]\d))?\s*(am|pm)\b|\b(\d{1,2}):([0-5]\d)\b`)
	kalRe   = regexp.MustCompile(`\bkal\b`) // Hindi "tomorrow"
	aajRe   = regexp.MustCompile(`\baaj\b`) // Hindi "today"
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// parseWhen resolves a relative day plus an optional clock time to unix
// seconds. Day words without a time default to 10:00. A clock time with
// no day word means today, rolling to tomorrow once the moment has
// passed. Returns 0 when the message carries no time reference.
func parseWhen(lower string, now time.Time) int64 {
	day := now
	dayMatched := false

	switch {
	case strings.Contains(lower, "tomorrow") || kalRe.MatchString(lower):
		day = now.AddDate(0, 0, 1)
		dayMatched = true
	case strings.Contains(lower, "next week"):
		day = now.AddDate(0, 0, 7)
		dayMatched = true
	case strings.Contains(lower, "today") || aajRe.MatchString(lower):
		dayMatched = true
	default:
		for name, wd := range weekdays {
			if !strings.Contains(lower, name) {
				continue
			}
			ahead := (int(wd) - int(now.Weekday()) + 7) % 7
			if ahead == 0 {
				ahead = 7
			}
			day = now.AddDate(0, 0, ahead)
			dayMatched = true
			break
		}
	}

	hour, minute := 10, 0
	clockMatched := false
	if m := clockRe.FindStringSubmatch(lower); m != nil {
		clockMatched = true
		if m[1] != "" {
			hour, _ = strconv.Atoi(m[1])
			if m[2] != "" {
				minute, _ = strconv.Atoi(m[2])
			}
			if m[3] == "pm" && hour < 12 {
				hour += 12
			}
			if m[3] == "am" && hour == 12 {
				hour = 0
			}
		} else {
			hour, _ = strconv.Atoi(m[4])
			minute, _ = strconv.Atoi(m[5])
		}
		if hour > 23 {
			clockMatched = false
			hour, minute = 10, 0
		}
	}

	if !dayMatched && !clockMatched {
		return 0
	}

	t := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	// A bare clock time that already passed today means tomorrow.
	if !dayMatched && t.Before(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t.Unix()
}

var locationRe = regexp.MustCompile(`\b(?:at|in)\s+([A-Za-z][A-Za-z0-9 .'&-]{2,28})`)

// parseLocation pulls a place name after "at" or "in". Matches that
// look like times ("at 5pm") never reach here because the group must
// start with a letter.
func parseLocation(message string) string {
	m := locationRe.FindStringSubmatch(message)
	if m == nil {
		return ""
	}
	loc := strings.TrimSpace(m[1])
	// Stop at day or time words that trail the place.
	for _, cut := range []string{" tomorrow", " today", " kal", " aaj", " next ", " on ", " at "} {
		if i := strings.Index(strings.ToLower(loc), cut); i != -1 {
			loc = strings.TrimSpace(loc[:i])
		}
	}
	if len(loc) < 3 {
		return ""
	}
	return loc
}

// DetectAction matches a message against candidate events by verb plus
// token overlap. Action "none" with zero confidence means no verb fired
// or no candidate overlapped.
func DetectAction(message string, candidates []llm.EventSummary) llm.ActionDecision {
	lower := strings.ToLower(message)

	action := ""
	switch {
	case containsAny(lower, []string{"done", "completed", "finished", "ho gaya", "hogaya"}):
		action = "complete"
	case containsAny(lower, []string{"cancel", "cancelled", "drop it", "call off"}):
		action = "cancel"
	case containsAny(lower, []string{"postpone", "snooze", "not now", "later", "push it"}):
		action = "postpone"
	case containsAny(lower, []string{"ignore", "forget it", "never mind", "nevermind"}):
		action = "ignore"
	}
	if action == "" {
		return llm.ActionDecision{Action: "none"}
	}

	msgTokens := Tokens(message)
	best := llm.EventSummary{}
	bestOverlap := 0
	for _, ev := range candidates {
		overlap := tokenOverlap(msgTokens, append(Tokens(ev.Title), ev.Keywords...))
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = ev
		}
	}
	if bestOverlap == 0 {
		return llm.ActionDecision{Action: "none"}
	}

	d := llm.ActionDecision{
		Action:     action,
		EventID:    best.ID,
		Confidence: 0.5 + 0.1*float64(bestOverlap),
	}
	if d.Confidence > maxExtractConfidence {
		d.Confidence = maxExtractConfidence
	}
	if action == "postpone" {
		d.SnoozeMinutes = snoozeMinutes(lower)
	}
	return d
}

// snoozeMinutes maps postpone phrasing to a delay.
func snoozeMinutes(lower string) int {
	switch {
	case strings.Contains(lower, "next week"):
		return 7 * 24 * 60
	case strings.Contains(lower, "tomorrow") || kalRe.MatchString(lower):
		return 24 * 60
	default:
		return 30
	}
}

func tokenOverlap(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, t := range b {
		set[strings.ToLower(t)] = true
	}
	n := 0
	for _, t := range a {
		if set[t] {
			n++
		}
	}
	return n
}

// ValidateRelevance decides by token overlap whether ev matches the
// page. Relevant when at least two tokens overlap or at least 30% of
// the event's tokens appear in the page context.
func ValidateRelevance(pageURL, pageTitle string, ev llm.EventSummary) llm.Relevance {
	pageTokens := append(Tokens(pageTitle), Tokens(pageURL)...)
	evTokens := append(Tokens(ev.Title), ev.Keywords...)
	if len(evTokens) == 0 {
		return llm.Relevance{Relevant: false, Confidence: maxRelevanceConfidence}
	}

	overlap := tokenOverlap(evTokens, pageTokens)
	ratio := float64(overlap) / float64(len(evTokens))
	relevant := overlap >= 2 || ratio >= 0.3

	conf := 0.3 + ratio*0.5
	if conf > maxRelevanceConfidence {
		conf = maxRelevanceConfidence
	}
	return llm.Relevance{
		Relevant:   relevant,
		Confidence: conf,
		Reason:     fmt.Sprintf("%d shared keywords", overlap),
	}
}

// Chat answers a question with a templated event list: overlap-scored
// matches first, falling back to today's or this week's events when
// nothing overlaps.
func Chat(question string, events []llm.EventSummary, now time.Time) llm.ChatAnswer {
	qTokens := Tokens(question)

	type scored struct {
		ev    llm.EventSummary
		score int
	}
	var matches []scored
	for _, ev := range events {
		s := tokenOverlap(qTokens, append(Tokens(ev.Title), ev.Keywords...))
		if s > 0 {
			matches = append(matches, scored{ev, s})
		}
	}

	var picked []llm.EventSummary
	if len(matches) > 0 {
		for i := 1; i < len(matches); i++ {
			for j := i; j > 0 && matches[j].score > matches[j-1].score; j-- {
				matches[j], matches[j-1] = matches[j-1], matches[j]
			}
		}
		for _, m := range matches {
			picked = append(picked, m.ev)
			if len(picked) == 5 {
				break
			}
		}
	} else {
		// No keyword match: answer with what's coming up. Asking about
		// "today" narrows the horizon to the end of the day; the default
		// covers the week.
		horizon := now.AddDate(0, 0, 7)
		if strings.Contains(strings.ToLower(question), "today") {
			horizon = time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, now.Location())
		}
		for _, ev := range events {
			if ev.EventTime == 0 {
				continue
			}
			t := time.Unix(ev.EventTime, 0)
			if t.After(now) && t.Before(horizon) {
				picked = append(picked, ev)
			}
			if len(picked) == 5 {
				break
			}
		}
	}

	if len(picked) == 0 {
		return llm.ChatAnswer{Reply: "I don't have any events matching that."}
	}

	var b strings.Builder
	if len(matches) > 0 {
		b.WriteString("Here's what I found:\n")
	} else {
		b.WriteString("Nothing matched directly, but coming up:\n")
	}
	ids := make([]int64, 0, len(picked))
	for _, ev := range picked {
		ids = append(ids, ev.ID)
		b.WriteString("- " + ev.Title)
		if ev.EventTime != 0 {
			b.WriteString(" (" + time.Unix(ev.EventTime, 0).In(now.Location()).Format("Mon Jan 2, 3:04 PM") + ")")
		}
		b.WriteString("\n")
	}
	return llm.ChatAnswer{Reply: strings.TrimRight(b.String(), "\n"), EventIDs: ids}
}
