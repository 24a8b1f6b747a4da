// Package schedule keeps the per-conversation queue of messages an operator
// wants sent later. Nothing here delivers them; the queue only tracks which
// sends are pending.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

const ContentTypeText = "text"

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	SendAt         time.Time `json:"send_at"`
	ContentType    string    `json:"content_type"`
	Recurrence     string    `json:"recurrence,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (m Message) Recurring() bool {
	return m.Recurrence != ""
}

type FieldError struct {
	Field  string
	Reason string
}

// ValidationError lists every field that kept an entry out of the queue.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s %s", f.Field, f.Reason))
	}
	return "invalid scheduled message: " + strings.Join(parts, "; ")
}

// Has reports whether field failed validation.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

type Queue struct {
	mu      sync.RWMutex
	loc     *time.Location
	now     func() time.Time
	entries map[string][]Message
}

// NewQueue builds an empty queue. Dates and times are read as wall-clock in
// loc; nil means time.Local.
func NewQueue(loc *time.Location) *Queue {
	if loc == nil {
		loc = time.Local
	}
	return &Queue{
		loc:     loc,
		now:     time.Now,
		entries: make(map[string][]Message),
	}
}

func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Schedule queues text for date ("2006-01-02") at clock ("15:04", seconds
// optional). Any blank or unparseable field rejects the whole entry.
func (q *Queue) Schedule(conversationID, text, date, clock string) (Message, error) {
	verr := &ValidationError{}
	conversationID = strings.TrimSpace(conversationID)
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)

	if conversationID == "" {
		verr.add("conversation", "is required")
	}
	if strings.TrimSpace(text) == "" {
		verr.add("text", "is required")
	}
	if date == "" {
		verr.add("date", "is required")
	} else if _, err := time.ParseInLocation("2006-01-02", date, q.loc); err != nil {
		verr.add("date", "must be YYYY-MM-DD")
	}
	if clock == "" {
		verr.add("time", "is required")
	} else if _, ok := parseClock(clock); !ok {
		verr.add("time", "must be HH:MM")
	}
	if len(verr.Fields) > 0 {
		return Message{}, verr
	}

	layout, _ := parseClock(clock)
	sendAt, err := time.ParseInLocation("2006-01-02 "+layout, date+" "+clock, q.loc)
	if err != nil {
		verr.add("date", err.Error())
		return Message{}, verr
	}

	return q.add(Message{
		ConversationID: conversationID,
		Text:           text,
		SendAt:         sendAt,
	}), nil
}

// ScheduleRecurring queues text on a cron expression. SendAt holds the next
// tick after now.
func (q *Queue) ScheduleRecurring(conversationID, text, expr string) (Message, error) {
	verr := &ValidationError{}
	conversationID = strings.TrimSpace(conversationID)
	expr = strings.TrimSpace(expr)

	if conversationID == "" {
		verr.add("conversation", "is required")
	}
	if strings.TrimSpace(text) == "" {
		verr.add("text", "is required")
	}
	if expr == "" {
		verr.add("recurrence", "is required")
	} else if gron := gronx.New(); !gron.IsValid(expr) {
		verr.add("recurrence", "is not a valid cron expression")
	}
	if len(verr.Fields) > 0 {
		return Message{}, verr
	}

	q.mu.RLock()
	ref := q.now().In(q.loc)
	q.mu.RUnlock()

	next, err := gronx.NextTickAfter(expr, ref, false)
	if err != nil {
		verr.add("recurrence", err.Error())
		return Message{}, verr
	}

	return q.add(Message{
		ConversationID: conversationID,
		Text:           text,
		SendAt:         next,
		Recurrence:     expr,
	}), nil
}

func (q *Queue) add(m Message) Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	m.ID = "sched_" + uuid.NewString()
	m.ContentType = ContentTypeText
	m.CreatedAt = q.now()
	q.entries[m.ConversationID] = append(q.entries[m.ConversationID], m)
	return m
}

// Cancel removes id from the conversation's queue. Unknown ids are ignored.
func (q *Queue) Cancel(conversationID, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.entries[conversationID]
	for i, m := range list {
		if m.ID != id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(q.entries, conversationID)
		} else {
			q.entries[conversationID] = list
		}
		return true
	}
	return false
}

// List returns the conversation's entries in the order they were queued.
func (q *Queue) List(conversationID string) []Message {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]Message(nil), q.entries[conversationID]...)
}

// Drop forgets every entry for a conversation.
func (q *Queue) Drop(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, conversationID)
}

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, list := range q.entries {
		n += len(list)
	}
	return n
}

// Due returns entries whose SendAt is not after now, earliest first. It does
// not remove them.
func (q *Queue) Due(now time.Time) []Message {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var due []Message
	for _, list := range q.entries {
		for _, m := range list {
			if !m.SendAt.After(now) {
				due = append(due, m)
			}
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].SendAt.Before(due[j].SendAt)
	})
	return due
}

func parseClock(clock string) (string, bool) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if _, err := time.Parse(layout, clock); err == nil {
			return layout, true
		}
	}
	return "", false
}
