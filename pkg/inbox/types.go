package inbox

import (
	"context"
	"time"
)

const (
	ChannelWhatsApp  = "whatsapp"
	ChannelInstagram = "instagram"
)

type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
	// ContentMedia covers video and documents, which only appear in history.
	ContentMedia ContentType = "media"
)

type Sender string

const (
	SenderOperator Sender = "operator"
	SenderContact  Sender = "contact"
)

type ContactInfo struct {
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// ContactDraft is the staged copy of ContactInfo held while an info edit is open.
type ContactDraft ContactInfo

type Conversation struct {
	ID                 string      `json:"id"`
	DisplayName        string      `json:"display_name"`
	Channel            string      `json:"channel"`
	Status             Status      `json:"status"`
	LastMessagePreview string      `json:"last_message_preview"`
	LastActivityLabel  string      `json:"last_activity_label"`
	LastActivityAt     time.Time   `json:"last_activity_at,omitempty"`
	AvatarURL          string      `json:"avatar_url,omitempty"`
	KanbanStage        string      `json:"kanban_stage,omitempty"`
	ContactInfo        ContactInfo `json:"contact_info"`
	IsGroup            bool        `json:"is_group,omitempty"`
	UnreadCount        int         `json:"unread_count,omitempty"`
}

// Identifier is what the channel transport addresses: the phone when known,
// otherwise the conversation id.
func (c Conversation) Identifier() string {
	if c.ContactInfo.Phone != "" {
		return c.ContactInfo.Phone
	}
	return c.ID
}

type Message struct {
	ID          string      `json:"id"`
	Text        string      `json:"text"`
	ContentType ContentType `json:"content_type"`
	Sender      Sender      `json:"sender"`
	SentAtLabel string      `json:"sent_at_label"`
	SentAt      time.Time   `json:"sent_at,omitempty"`
	MediaURL    string      `json:"media_url,omitempty"`
}

// Channel is a messaging source the inbox aggregates. Live channels reach a
// real provider; the others answer from memory.
type Channel interface {
	Name() string
	Live() bool
	ListConversations(ctx context.Context) ([]Conversation, error)
	ListMessages(ctx context.Context, identifier string) ([]Message, error)
	SendText(ctx context.Context, identifier, text string) error
}

// MediaSender is implemented by channels that can deliver images and audio.
type MediaSender interface {
	SendMedia(ctx context.Context, identifier string, kind ContentType, mediaURL, caption string) error
}
