package inbox

import "strings"

type Status string

const (
	StatusOpen     Status = "open"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Statuses lists the workflow states in display order.
var Statuses = []Status{StatusOpen, StatusPending, StatusResolved}

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusPending, StatusResolved:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", ErrUnknownStatus
	}
	return st, nil
}

// SetStatus moves a conversation to status. Every state may move to every
// other one. Unknown ids are ignored and report false.
func (s *Store) SetStatus(id string, status Status) (bool, error) {
	if !status.Valid() {
		return false, ErrUnknownStatus
	}
	return s.update(id, func(c *Conversation) {
		c.Status = status
	}), nil
}
