package schedule

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var saoPaulo = time.FixedZone("BRT", -3*60*60)

func newTestQueue() *Queue {
	q := NewQueue(saoPaulo)
	q.SetClock(func() time.Time { return time.Date(2024, 5, 20, 12, 0, 0, 0, saoPaulo) })
	return q
}

func TestScheduleCombinesDateAndTime(t *testing.T) {
	q := newTestQueue()

	m, err := q.Schedule("c1", "Lembrete de pagamento", "2024-06-01", "09:30")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	want := time.Date(2024, 6, 1, 9, 30, 0, 0, saoPaulo)
	if !m.SendAt.Equal(want) {
		t.Fatalf("SendAt=%v want %v", m.SendAt, want)
	}
	if !strings.HasPrefix(m.ID, "sched_") || m.ContentType != ContentTypeText {
		t.Fatalf("unexpected entry: %+v", m)
	}
	if got := q.List("c1"); len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("expected one queued entry, got %+v", got)
	}
}

func TestScheduleAcceptsSeconds(t *testing.T) {
	q := newTestQueue()
	m, err := q.Schedule("c1", "oi", "2024-06-01", "09:30:15")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if m.SendAt.Second() != 15 {
		t.Fatalf("expected seconds kept, got %v", m.SendAt)
	}
}

func TestScheduleRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		date   string
		clock  string
		fields []string
	}{
		{"blank text", "   ", "2024-06-01", "09:30", []string{"text"}},
		{"missing date", "oi", "", "09:30", []string{"date"}},
		{"missing time", "oi", "2024-06-01", "", []string{"time"}},
		{"everything missing", "", "", "", []string{"text", "date", "time"}},
		{"bad date", "oi", "01/06/2024", "09:30", []string{"date"}},
		{"bad time", "oi", "2024-06-01", "25:00", []string{"time"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := newTestQueue()
			_, err := q.Schedule("c1", tc.text, tc.date, tc.clock)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			for _, f := range tc.fields {
				if !verr.Has(f) {
					t.Fatalf("expected %q in %v", f, verr.Fields)
				}
			}
			if len(verr.Fields) != len(tc.fields) {
				t.Fatalf("unexpected fields %v", verr.Fields)
			}
			if q.Len() != 0 {
				t.Fatalf("rejected entry must not be queued")
			}
		})
	}
}

func TestCancel(t *testing.T) {
	q := newTestQueue()
	a, _ := q.Schedule("c1", "a", "2024-06-01", "09:00")
	b, _ := q.Schedule("c1", "b", "2024-06-01", "10:00")
	c, _ := q.Schedule("c1", "c", "2024-06-01", "11:00")

	if !q.Cancel("c1", b.ID) {
		t.Fatal("expected cancel to find entry")
	}
	if q.Cancel("c1", b.ID) {
		t.Fatal("second cancel should be a no-op")
	}
	if q.Cancel("other", a.ID) {
		t.Fatal("cancel is scoped to the conversation")
	}

	got := q.List("c1")
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != c.ID {
		t.Fatalf("unexpected order after cancel: %+v", got)
	}
}

func TestQueuesArePerConversation(t *testing.T) {
	q := newTestQueue()
	q.Schedule("c1", "a", "2024-06-01", "09:00")
	q.Schedule("c2", "b", "2024-06-01", "09:00")

	if len(q.List("c1")) != 1 || len(q.List("c2")) != 1 {
		t.Fatalf("expected one entry each")
	}
	q.Drop("c1")
	if len(q.List("c1")) != 0 || q.Len() != 1 {
		t.Fatalf("drop should only clear c1")
	}
}

func TestListReturnsCopy(t *testing.T) {
	q := newTestQueue()
	q.Schedule("c1", "a", "2024-06-01", "09:00")
	list := q.List("c1")
	list[0].Text = "mutated"
	if q.List("c1")[0].Text != "a" {
		t.Fatal("List must not alias queue storage")
	}
}

func TestScheduleRecurring(t *testing.T) {
	q := newTestQueue()
	m, err := q.ScheduleRecurring("c1", "Bom dia!", "0 9 * * *")
	if err != nil {
		t.Fatalf("ScheduleRecurring: %v", err)
	}
	want := time.Date(2024, 5, 21, 9, 0, 0, 0, saoPaulo)
	if !m.SendAt.Equal(want) {
		t.Fatalf("SendAt=%v want %v", m.SendAt, want)
	}
	if !m.Recurring() {
		t.Fatal("expected recurring entry")
	}
}

func TestScheduleRecurringRejectsInvalidCron(t *testing.T) {
	q := newTestQueue()
	_, err := q.ScheduleRecurring("c1", "oi", "every morning")
	var verr *ValidationError
	if !errors.As(err, &verr) || !verr.Has("recurrence") {
		t.Fatalf("expected recurrence validation error, got %v", err)
	}
	if q.Len() != 0 {
		t.Fatal("invalid cron must not be queued")
	}
}

func TestDue(t *testing.T) {
	q := newTestQueue()
	late, _ := q.Schedule("c1", "late", "2024-06-02", "09:00")
	early, _ := q.Schedule("c2", "early", "2024-06-01", "09:00")

	due := q.Due(time.Date(2024, 6, 2, 9, 0, 0, 0, saoPaulo))
	if len(due) != 2 || due[0].ID != early.ID || due[1].ID != late.ID {
		t.Fatalf("unexpected due order: %+v", due)
	}
	if got := q.Due(time.Date(2024, 5, 31, 0, 0, 0, 0, saoPaulo)); len(got) != 0 {
		t.Fatalf("nothing should be due yet: %+v", got)
	}
	if q.Len() != 2 {
		t.Fatal("Due must not remove entries")
	}
}
