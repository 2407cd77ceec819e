package store

import (
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Akshat74747/argus/internal/faults"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	guard := faults.NewGuard(slog.New(slog.DiscardHandler), nil, false)
	s, err := NewStore(filepath.Join(t.TempDir(), "argus.db"), guard, Options{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestEvent(t *testing.T, s *Store, title string, eventTime int64) int64 {
	t.Helper()
	id, created := s.InsertEvent(&Event{
		Type:      "meeting",
		Title:     title,
		EventTime: eventTime,
		Keywords:  []string{"test"},
		Status:    StatusDiscovered,
	})
	if !created || id <= 0 {
		t.Fatalf("insert %q: id=%d created=%v", title, id, created)
	}
	return id
}

func TestInsertAndGetEvent(t *testing.T) {
	s := newTestStore(t)

	future := time.Now().Add(48 * time.Hour).Unix()
	id, created := s.InsertEvent(&Event{
		Type:       "meeting",
		Title:      "Coffee with Sam",
		EventTime:  future,
		Location:   "Blue Tokai",
		Keywords:   []string{"coffee", "sam"},
		Confidence: 0.8,
		SenderName: "Sam",
	})
	if !created {
		t.Fatal("event not created")
	}

	ev, err := s.GetEvent(id)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ev.Title != "Coffee with Sam" || ev.Location != "Blue Tokai" {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Keywords) != 2 {
		t.Errorf("keywords = %v", ev.Keywords)
	}
	if ev.Status != StatusDiscovered {
		t.Errorf("status = %q", ev.Status)
	}
	// Discovery never schedules a reminder; that happens when the user
	// sets one.
	if ev.ReminderTime != 0 {
		t.Errorf("reminder_time = %d, want 0 on discovery", ev.ReminderTime)
	}
}

func TestGetEventNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetEvent(999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("error = %v, want sql.ErrNoRows", err)
	}
}

func TestReminderTimeFor(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	tests := []struct {
		name      string
		eventTime int64
		want      int64
	}{
		{"unscheduled", 0, 0},
		{"two days out picks day-before", now.Unix() + 2*86400, now.Unix() + 86400},
		{"two hours out picks hour-before", now.Unix() + 7200, now.Unix() + 3600},
		{"twenty minutes out picks quarter-hour", now.Unix() + 1200, now.Unix() + 300},
		{"five minutes out has no slot", now.Unix() + 300, 0},
		{"already passed", now.Unix() - 100, 0},
	}
	for _, tc := range tests {
		if got := ReminderTimeFor(tc.eventTime, now); got != tc.want {
			t.Errorf("%s: ReminderTimeFor = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestDedupExactAndPunctuation(t *testing.T) {
	s := newTestStore(t)

	first := insertTestEvent(t, s, "Meet Raj for coffee", 0)
	id, created := s.InsertEvent(&Event{Title: `Meet Raj, for "coffee"!!`})
	if created {
		t.Error("punctuation variant created a new event")
	}
	if id != first {
		t.Errorf("dup id = %d, want %d", id, first)
	}
}

func TestDedupContainment(t *testing.T) {
	s := newTestStore(t)

	first := insertTestEvent(t, s, "Dinner with the Sharmas at Taj", 0)
	id, created := s.InsertEvent(&Event{Title: "dinner with the sharmas"})
	if created || id != first {
		t.Errorf("contained title: id=%d created=%v, want dup of %d", id, created, first)
	}
}

func TestDedupShortTitlesExactOnly(t *testing.T) {
	s := newTestStore(t)

	insertTestEvent(t, s, "Pay rent", 0)
	// A longer title that merely contains the short one is a new event.
	_, created := s.InsertEvent(&Event{Title: "Pay rent and electricity bill"})
	if !created {
		t.Error("longer title was wrongly deduped against a short one")
	}
	// The same short title again is a dup.
	_, created = s.InsertEvent(&Event{Title: "pay rent"})
	if created {
		t.Error("identical short title was not deduped")
	}
}

func TestDedupIgnoresClosedEvents(t *testing.T) {
	for _, status := range []string{StatusCompleted, StatusExpired, StatusIgnored} {
		t.Run(status, func(t *testing.T) {
			s := newTestStore(t)
			id := insertTestEvent(t, s, "Quarterly review", 0)
			if !s.UpdateEventStatus(id, status) {
				t.Fatal("status update failed")
			}
			if _, created := s.InsertEvent(&Event{Title: "Quarterly review"}); !created {
				t.Errorf("%s event blocked a new insert", status)
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Submit expense report", 0)

	if !s.UpdateEventStatus(id, StatusCompleted) {
		t.Fatal("update failed")
	}
	ev, _ := s.GetEvent(id)
	if ev.Status != StatusCompleted {
		t.Errorf("status = %q", ev.Status)
	}

	if s.UpdateEventStatus(999, StatusCompleted) {
		t.Error("update of missing event reported success")
	}
}

func TestSetReminderAndSnooze(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Call the bank", 0)

	at := time.Now().Add(time.Hour).Unix()
	if !s.SetEventReminder(id, at) {
		t.Fatal("SetEventReminder failed")
	}
	ev, _ := s.GetEvent(id)
	if ev.ReminderTime != at || ev.Status != StatusScheduled {
		t.Errorf("event = %+v", ev)
	}

	until := time.Now().Add(30 * time.Minute).Unix()
	if !s.SnoozeEvent(id, until) {
		t.Fatal("SnoozeEvent failed")
	}
	ev, _ = s.GetEvent(id)
	if ev.SnoozeUntil != until || ev.Status != StatusSnoozed {
		t.Errorf("event = %+v", ev)
	}

	// Snooze expiry query picks it up once time passes.
	got := s.ExpiredSnoozes(time.Unix(until+1, 0))
	if len(got) != 1 || got[0].ID != id {
		t.Errorf("expired snoozes = %+v", got)
	}
}

func TestUpdateEventFields(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Team sync", 0)

	ok, err := s.UpdateEventFields(id, map[string]any{"title": "Team sync (moved)", "location": "Room 4"})
	if err != nil || !ok {
		t.Fatalf("UpdateEventFields: ok=%v err=%v", ok, err)
	}
	ev, _ := s.GetEvent(id)
	if ev.Title != "Team sync (moved)" || ev.Location != "Room 4" {
		t.Errorf("event = %+v", ev)
	}

	if _, err := s.UpdateEventFields(id, map[string]any{"embedding": "x"}); err == nil {
		t.Error("non-whitelisted field accepted")
	}
	if _, err := s.UpdateEventFields(id, map[string]any{"status": "vanished"}); err == nil {
		t.Error("invalid status accepted")
	}
}

func TestPendingUpdateConfirmFlow(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Dentist", time.Now().Add(24*time.Hour).Unix())

	newTime := float64(time.Now().Add(72 * time.Hour).Unix())
	if !s.SetPendingUpdate(id, map[string]any{"event_time": newTime}) {
		t.Fatal("SetPendingUpdate failed")
	}

	// Nothing applied yet.
	ev, _ := s.GetEvent(id)
	if ev.EventTime == int64(newTime) {
		t.Fatal("pending update applied without confirmation")
	}
	if len(ev.PendingUpdate) == 0 {
		t.Fatal("pending update not staged")
	}

	applied, err := s.ApplyPendingUpdate(id)
	if err != nil {
		t.Fatalf("ApplyPendingUpdate: %v", err)
	}
	if applied.EventTime != int64(newTime) {
		t.Errorf("event_time = %d, want %d", applied.EventTime, int64(newTime))
	}
	if len(applied.PendingUpdate) != 0 {
		t.Error("pending update not cleared")
	}

	// A discovered event stays discovered with no reminder: the time
	// moved, but the user never scheduled one.
	if applied.Status != StatusDiscovered {
		t.Errorf("status = %q, want discovered", applied.Status)
	}
	if applied.ReminderTime != 0 {
		t.Errorf("reminder_time = %d, want 0", applied.ReminderTime)
	}

	if _, err := s.ApplyPendingUpdate(id); err == nil {
		t.Error("second apply should fail with nothing staged")
	}
}

func TestPendingUpdateRecomputesScheduledReminder(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Dentist", time.Now().Add(24*time.Hour).Unix())
	s.SetEventReminder(id, time.Now().Add(23*time.Hour).Unix())

	newTime := time.Now().Add(72 * time.Hour).Unix()
	if !s.SetPendingUpdate(id, map[string]any{"event_time": float64(newTime)}) {
		t.Fatal("SetPendingUpdate failed")
	}
	applied, err := s.ApplyPendingUpdate(id)
	if err != nil {
		t.Fatalf("ApplyPendingUpdate: %v", err)
	}
	if want := newTime - 86400; applied.ReminderTime != want {
		t.Errorf("reminder_time = %d, want %d", applied.ReminderTime, want)
	}
	if applied.Status != StatusScheduled {
		t.Errorf("status = %q, want scheduled", applied.Status)
	}
}

func TestDeleteEventRemovesTriggers(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Flight to Goa", time.Now().Add(48*time.Hour).Unix())
	s.AddStandardTriggers(id, time.Now().Add(48*time.Hour).Unix())

	if len(s.TriggersForEvent(id)) == 0 {
		t.Fatal("no triggers created")
	}
	if !s.DeleteEvent(id) {
		t.Fatal("delete failed")
	}
	if _, err := s.GetEvent(id); !errors.Is(err, sql.ErrNoRows) {
		t.Error("event still present")
	}
	if len(s.TriggersForEvent(id)) != 0 {
		t.Error("triggers survived event deletion")
	}
}

func TestCountersSurviveDeletes(t *testing.T) {
	s := newTestStore(t)
	a := insertTestEvent(t, s, "First", 0)
	s.DeleteEvent(a)
	b := insertTestEvent(t, s, "Second", 0)
	if b <= a {
		t.Errorf("id %d not monotone after delete of %d", b, a)
	}
}

func TestConflictingEvents(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(24 * time.Hour).Unix()

	a := insertTestEvent(t, s, "Standup", base)
	insertTestEvent(t, s, "Focus block", base+7200) // two hours later, no conflict
	done := insertTestEvent(t, s, "Old thing", base+600)
	s.UpdateEventStatus(done, StatusCompleted)

	got := s.ConflictingEvents(base+1800, -1)
	if len(got) != 1 || got[0].ID != a {
		t.Errorf("conflicts = %+v, want only %d", got, a)
	}

	// The event itself is excluded.
	if got := s.ConflictingEvents(base, a); len(got) != 0 {
		t.Errorf("self-conflict: %+v", got)
	}
}

func TestDueReminders(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Pick up laundry", 0)
	at := time.Now().Add(-time.Minute).Unix()
	s.SetEventReminder(id, at)

	got := s.DueReminders(time.Now())
	if len(got) != 1 || got[0].ID != id {
		t.Errorf("due = %+v", got)
	}

	// Once reminded it drops out of the query.
	s.UpdateEventStatus(id, StatusReminded)
	if got := s.DueReminders(time.Now()); len(got) != 0 {
		t.Errorf("reminded event still due: %+v", got)
	}
}

func TestTriggerKinds(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Renew passport", 0)

	if s.AddTrigger(id, "every_full_moon", 0) != -1 {
		t.Error("unknown trigger kind accepted")
	}
	// Legacy spellings normalize to canonical kinds.
	tid := s.AddTrigger(id, "24h", time.Now().Add(time.Hour).Unix())
	if tid == -1 {
		t.Fatal("legacy kind rejected")
	}
	if s.AddTrigger(id, "reminder_1hr", time.Now().Add(time.Hour).Unix()) == -1 {
		t.Fatal("reminder_1hr spelling rejected")
	}
	trs := s.TriggersForEvent(id)
	if len(trs) != 2 {
		t.Fatalf("triggers = %+v", trs)
	}
	kinds := map[string]bool{}
	for _, tr := range trs {
		kinds[tr.Kind] = true
	}
	if !kinds[TriggerTime24h] || !kinds[TriggerTime1h] {
		t.Errorf("kinds = %v, want canonical time_24h and time_1h", kinds)
	}
}

func TestUnfiredTriggersWindow(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Board game night", 0)

	soon := time.Now().Add(2 * time.Minute).Unix()
	later := time.Now().Add(2 * time.Hour).Unix()
	dueID := s.AddTrigger(id, TriggerTime15m, soon)
	s.AddTrigger(id, TriggerTime1h, later)

	got := s.UnfiredTriggers(time.Now().Add(5 * time.Minute).Unix())
	if len(got) != 1 || got[0].ID != dueID {
		t.Fatalf("unfired = %+v", got)
	}

	if !s.MarkTriggerFired(dueID) {
		t.Fatal("MarkTriggerFired failed")
	}
	if got := s.UnfiredTriggers(time.Now().Add(5 * time.Minute).Unix()); len(got) != 0 {
		t.Errorf("fired trigger still returned: %+v", got)
	}
}

func TestUnfiredTriggersSkipClosedEvents(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Cancelled plans", 0)
	s.AddTrigger(id, TriggerTime15m, time.Now().Unix())
	s.UpdateEventStatus(id, StatusExpired)

	if got := s.UnfiredTriggers(time.Now().Add(time.Hour).Unix()); len(got) != 0 {
		t.Errorf("trigger on expired event returned: %+v", got)
	}
}

func TestHybridSearchKeyword(t *testing.T) {
	s := newTestStore(t)
	s.InsertEvent(&Event{Title: "Dentist appointment", Keywords: []string{"dentist", "teeth"}})
	s.InsertEvent(&Event{Title: "Grocery run", Keywords: []string{"groceries"}})

	got := s.HybridSearchEvents("dentist", nil, 5)
	if len(got) == 0 || got[0].Title != "Dentist appointment" {
		t.Errorf("search = %+v", got)
	}
}

func TestHybridSearchExcludesClosed(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Dentist appointment", 0)
	s.UpdateEventStatus(id, StatusCompleted)

	if got := s.HybridSearchEvents("dentist", nil, 5); len(got) != 0 {
		t.Errorf("completed event surfaced: %+v", got)
	}
}

func TestHybridSearchVectorBranch(t *testing.T) {
	s := newTestStore(t)
	a := insertTestEvent(t, s, "Dentist appointment", 0)
	b := insertTestEvent(t, s, "Grocery run", 0)
	s.SetEventEmbedding(a, []float32{1, 0, 0})
	s.SetEventEmbedding(b, []float32{0, 1, 0})

	// No keyword overlap: only the vector branch can rank these.
	got := s.HybridSearchEvents("zzz", []float32{0.9, 0.1, 0}, 1)
	if len(got) != 1 || got[0].ID != a {
		t.Errorf("vector search = %+v, want event %d", got, a)
	}
}

func TestHybridSearchFusionPrefersBothBranches(t *testing.T) {
	s := newTestStore(t)
	both := insertTestEvent(t, s, "Dentist appointment", 0)
	kwOnly := insertTestEvent(t, s, "Dentist bill payment", 0)
	s.SetEventEmbedding(both, []float32{1, 0, 0})

	got := s.HybridSearchEvents("dentist", []float32{1, 0, 0}, 2)
	if len(got) < 2 {
		t.Fatalf("search = %+v", got)
	}
	if got[0].ID != both {
		t.Errorf("first = %d, want %d (ranked by both branches); kwOnly=%d", got[0].ID, both, kwOnly)
	}
}

func TestContextURLMatch(t *testing.T) {
	s := newTestStore(t)
	urlEv, _ := s.InsertEvent(&Event{Title: "Netflix renewal", ContextURL: "netflix.com"})
	locEv, _ := s.InsertEvent(&Event{Title: "Pick up package", Location: "Amazon Hub"})

	got := s.ContextURLMatch("https://www.netflix.com/account", "")
	if len(got) != 1 || got[0].ID != urlEv {
		t.Errorf("url match = %+v", got)
	}

	got = s.ContextURLMatch("https://example.com", "Amazon Hub locker pickup")
	if len(got) != 1 || got[0].ID != locEv {
		t.Errorf("location match = %+v", got)
	}

	if got := s.ContextURLMatch("https://unrelated.org", "nothing"); len(got) != 0 {
		t.Errorf("unexpected match: %+v", got)
	}
}

func TestDismissalSuppression(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Netflix renewal", 0)

	if s.RecentlyDismissed(id, "https://netflix.com/account") {
		t.Error("fresh event reported dismissed")
	}
	// A dismissal without a pattern suppresses everywhere.
	if !s.RecordDismissal(id, "") {
		t.Fatal("RecordDismissal failed")
	}
	if !s.RecentlyDismissed(id, "https://netflix.com/account") {
		t.Error("dismissal not visible")
	}

	// An old dismissal no longer suppresses.
	s.now = func() time.Time { return time.Now().Add(DismissalTTL + time.Minute) }
	if s.RecentlyDismissed(id, "https://netflix.com/account") {
		t.Error("stale dismissal still suppressing")
	}
}

func TestDismissalScopedToURL(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Netflix renewal", 0)

	if !s.RecordDismissal(id, "https://netflix.com/account") {
		t.Fatal("RecordDismissal failed")
	}
	if !s.RecentlyDismissed(id, "https://netflix.com/account") {
		t.Error("dismissal not visible on its own page")
	}
	// The same event still matches on other pages.
	if s.RecentlyDismissed(id, "https://netflix.com/browse") {
		t.Error("dismissal leaked to a different page")
	}
}

func TestMessagesAndContacts(t *testing.T) {
	s := newTestStore(t)

	id := s.SaveMessage(&Message{
		ChatJID:    "1234@s.whatsapp.net",
		SenderName: "Priya",
		Body:       "lunch tomorrow?",
		SentAt:     time.Now().Unix(),
	})
	if id <= 0 {
		t.Fatalf("SaveMessage = %d", id)
	}

	s.UpsertContact("1234@s.whatsapp.net", "Priya", time.Now().Unix())
	s.UpsertContact("1234@s.whatsapp.net", "", time.Now().Unix())

	contacts := s.ListContacts(10)
	if len(contacts) != 1 {
		t.Fatalf("contacts = %+v", contacts)
	}
	if contacts[0].Name != "Priya" {
		t.Errorf("empty name overwrote existing: %+v", contacts[0])
	}
	if contacts[0].MessageCount != 2 {
		t.Errorf("message_count = %d, want 2", contacts[0].MessageCount)
	}
}

func TestSaveMessageUpsertsByExternalID(t *testing.T) {
	s := newTestStore(t)

	first := s.SaveMessage(&Message{
		ExternalID: "ABC123",
		ChatJID:    "1234@s.whatsapp.net",
		Body:       "lunch tomorrow?",
		SentAt:     time.Now().Unix(),
	})
	if first <= 0 {
		t.Fatalf("SaveMessage = %d", first)
	}
	// A redelivered webhook with the same upstream id updates in place.
	second := s.SaveMessage(&Message{
		ExternalID: "ABC123",
		ChatJID:    "1234@s.whatsapp.net",
		Body:       "lunch tomorrow? (edited)",
		SentAt:     time.Now().Unix(),
	})
	if second != first {
		t.Errorf("re-save id = %d, want %d", second, first)
	}

	msgs := s.RecentMessages("1234@s.whatsapp.net", 10)
	if len(msgs) != 1 {
		t.Fatalf("messages = %+v, want single row", msgs)
	}
	if msgs[0].Body != "lunch tomorrow? (edited)" {
		t.Errorf("body = %q, not updated", msgs[0].Body)
	}

	// Messages without an external id always insert.
	if id := s.SaveMessage(&Message{ChatJID: "1234@s.whatsapp.net", Body: "ok", SentAt: time.Now().Unix()}); id <= first {
		t.Errorf("plain insert id = %d", id)
	}
}

func TestRecentMessagesOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	for _, body := range []string{"one", "two", "three"} {
		s.SaveMessage(&Message{ChatJID: "c@s.whatsapp.net", Body: body, SentAt: time.Now().Unix()})
	}
	s.SaveMessage(&Message{ChatJID: "other@s.whatsapp.net", Body: "elsewhere", SentAt: time.Now().Unix()})

	got := s.RecentMessages("c@s.whatsapp.net", 2)
	if len(got) != 2 || got[0].Body != "two" || got[1].Body != "three" {
		t.Errorf("recent = %+v, want newest two oldest-first", got)
	}
}

func TestPushSubscriptions(t *testing.T) {
	s := newTestStore(t)

	a := s.SavePushSubscription("https://push.example/abc", `{"p256dh":"x"}`)
	if a <= 0 {
		t.Fatalf("save = %d", a)
	}
	// Same endpoint updates in place.
	b := s.SavePushSubscription("https://push.example/abc", `{"p256dh":"y"}`)
	if b != a {
		t.Errorf("re-save id = %d, want %d", b, a)
	}
	subs := s.ListPushSubscriptions()
	if len(subs) != 1 || subs[0].Keys != `{"p256dh":"y"}` {
		t.Errorf("subs = %+v", subs)
	}
}

func TestEventsForDay(t *testing.T) {
	s := newTestStore(t)
	loc := time.Local
	day := time.Date(2026, 9, 10, 0, 0, 0, 0, loc)

	insertTestEvent(t, s, "Morning yoga", day.Add(7*time.Hour).Unix())
	insertTestEvent(t, s, "Late dinner", day.Add(21*time.Hour).Unix())
	insertTestEvent(t, s, "Next day thing", day.Add(26*time.Hour).Unix())

	got := s.EventsForDay(day.Add(12*time.Hour).Unix(), loc)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[0].Title != "Morning yoga" {
		t.Errorf("order: %+v", got)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	evID := insertTestEvent(t, s, "Coffee with Sam", time.Now().Add(24*time.Hour).Unix())
	s.AddTrigger(evID, TriggerTime1h, time.Now().Add(23*time.Hour).Unix())
	s.SaveMessage(&Message{ExternalID: "MSG-1", ChatJID: "x@s.whatsapp.net", Body: "hi", SentAt: time.Now().Unix()})
	s.UpsertContact("x@s.whatsapp.net", "Sam", time.Now().Unix())
	s.SavePushSubscription("https://push.example/abc", `{"p256dh":"x"}`)

	backup, err := s.ExportAll()
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if backup.Counts["events"] != 1 || backup.Counts["triggers"] != 1 ||
		backup.Counts["messages"] != 1 || backup.Counts["contacts"] != 1 ||
		backup.Counts["push_subscriptions"] != 1 {
		t.Fatalf("counts = %+v", backup.Counts)
	}

	dst := newTestStore(t)
	// A stale registration in the target store; replace wipes it.
	dst.SavePushSubscription("https://push.example/stale", "")
	imported, err := dst.ImportBackup(backup, ImportReplace)
	if err != nil {
		t.Fatalf("ImportBackup: %v", err)
	}
	if imported["events"] != 1 || imported["push_subscriptions"] != 1 {
		t.Errorf("imported = %+v", imported)
	}

	ev, err := dst.GetEvent(evID)
	if err != nil {
		t.Fatalf("imported event missing: %v", err)
	}
	if ev.Title != "Coffee with Sam" {
		t.Errorf("event = %+v", ev)
	}

	msgs := dst.RecentMessages("x@s.whatsapp.net", 10)
	if len(msgs) != 1 || msgs[0].ExternalID != "MSG-1" {
		t.Errorf("messages = %+v, want external id preserved", msgs)
	}

	subs := dst.ListPushSubscriptions()
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/abc" {
		t.Errorf("subscriptions = %+v, want only the imported one", subs)
	}

	// Counters reseeded: the next insert does not collide.
	next := insertTestEvent(t, dst, "Brand new", 0)
	if next <= evID {
		t.Errorf("post-import id = %d, want > %d", next, evID)
	}
}

func TestImportMergeSkipsExisting(t *testing.T) {
	s := newTestStore(t)
	id := insertTestEvent(t, s, "Original", 0)

	backup := &Backup{
		Version: BackupVersion,
		Events: []*Event{
			{ID: id, Title: "Clobbered?", Status: StatusDiscovered, CreatedAt: time.Now(), UpdatedAt: time.Now()},
			{ID: id + 1000, Title: "Fresh from backup", Status: StatusDiscovered, CreatedAt: time.Now(), UpdatedAt: time.Now()},
		},
	}
	imported, err := s.ImportBackup(backup, ImportMerge)
	if err != nil {
		t.Fatalf("ImportBackup: %v", err)
	}
	if imported["events"] != 1 {
		t.Errorf("imported = %+v, want 1 new event", imported)
	}

	ev, _ := s.GetEvent(id)
	if ev.Title != "Original" {
		t.Errorf("merge clobbered existing row: %+v", ev)
	}
}

func TestImportRejectsBadMode(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ImportBackup(&Backup{Version: 1}, "overwrite"); err == nil {
		t.Error("unknown mode accepted")
	}
	if _, err := s.ImportBackup(&Backup{Version: 99}, ImportMerge); err == nil {
		t.Error("future version accepted")
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	insertTestEvent(t, s, "One", 0)
	id := insertTestEvent(t, s, "Two", 0)
	s.UpdateEventStatus(id, StatusCompleted)

	stats := s.Stats()
	if stats["events"] != 2 {
		t.Errorf("events = %v", stats["events"])
	}
	byStatus := stats["by_status"].(map[string]int)
	if byStatus[StatusCompleted] != 1 || byStatus[StatusDiscovered] != 1 {
		t.Errorf("by_status = %v", byStatus)
	}
	byType := stats["by_type"].(map[string]int)
	if byType["meeting"] != 2 {
		t.Errorf("by_type = %v", byType)
	}
}
