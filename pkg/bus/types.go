package bus

import "time"

type EventKind string

const (
	ConversationsIngested EventKind = "conversations.ingested"
	ConversationSelected  EventKind = "conversation.selected"
	StatusChanged         EventKind = "conversation.status"
	ContactUpdated        EventKind = "conversation.contact"
	MessageAppended       EventKind = "message.appended"
	HistoryLoaded         EventKind = "message.history"
	ScheduleChanged       EventKind = "schedule.changed"
	SendFailed            EventKind = "message.send_failed"
)

// Event describes one change to inbox state. Data carries kind-specific
// details and is safe to marshal as JSON.
type Event struct {
	Kind           EventKind         `json:"kind"`
	Channel        string            `json:"channel,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	At             time.Time         `json:"at"`
}

type EventHandler func(Event)
