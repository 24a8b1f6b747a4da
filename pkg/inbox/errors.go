package inbox

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownStatus         = errors.New("unknown conversation status")
	ErrEmptyName             = errors.New("display name cannot be empty")
	ErrUnknownConversation   = errors.New("conversation not found")
	ErrUnknownChannel        = errors.New("channel not registered")
	ErrDuplicateConversation = errors.New("conversation already exists")
	ErrNoEditSession         = errors.New("no edit session open")
	ErrInvalidContact        = errors.New("contact needs a phone number")
	ErrMediaUnsupported      = errors.New("channel cannot send media")
)

// SendError is returned when a live channel rejects an outbound message. The
// message was not recorded in the conversation history.
type SendError struct {
	ConversationID string
	Channel        string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s via %s failed: %v", e.ConversationID, e.Channel, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
