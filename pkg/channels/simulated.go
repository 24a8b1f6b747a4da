package channels

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/picocrm/pkg/inbox"
	"github.com/sipeed/picocrm/pkg/timelabel"
)

// SimulatedChannel is an in-memory channel with no provider behind it.
// Sends always succeed and are kept in its own history.
type SimulatedChannel struct {
	*BaseChannel
	mu      sync.RWMutex
	convs   []inbox.Conversation
	history map[string][]inbox.Message
}

func NewSimulatedChannel(name string, labeler *timelabel.Labeler) *SimulatedChannel {
	return &SimulatedChannel{
		BaseChannel: NewBaseChannel(name, false, labeler),
		history:     make(map[string][]inbox.Message),
	}
}

// NewInstagramChannel returns the simulated Instagram channel, optionally
// pre-loaded with its demo contacts.
func NewInstagramChannel(labeler *timelabel.Labeler, seed bool) *SimulatedChannel {
	c := NewSimulatedChannel(inbox.ChannelInstagram, labeler)
	if seed {
		c.seedInstagram()
	}
	return c
}

func (c *SimulatedChannel) seedInstagram() {
	now := c.labeler.Now()
	c.Add(inbox.Conversation{
		ID:                 "2",
		DisplayName:        "Frann",
		Status:             inbox.StatusOpen,
		LastMessagePreview: "Qual o prazo de entrega?",
		LastActivityAt:     now.Add(-2 * time.Hour),
		ContactInfo: inbox.ContactInfo{
			Phone: "+55 11 98888-8888",
			Email: "frann@example.com",
		},
	})
	c.Add(inbox.Conversation{
		ID:                 "4",
		DisplayName:        "Laercio Junior",
		Status:             inbox.StatusOpen,
		LastMessagePreview: "Preciso de suporte técnico",
		LastActivityAt:     now.Add(-3 * time.Hour),
		ContactInfo: inbox.ContactInfo{
			Phone: "+55 11 96666-6666",
			Email: "laercio@example.com",
		},
	})
}

// Add registers a conversation and optional starting history.
func (c *SimulatedChannel) Add(conv inbox.Conversation, history ...inbox.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv.Channel = c.name
	if !conv.LastActivityAt.IsZero() {
		conv.LastActivityLabel = c.labeler.Relative(conv.LastActivityAt)
	}
	c.convs = append(c.convs, conv)
	c.history[conv.Identifier()] = append(c.history[conv.Identifier()], history...)
}

func (c *SimulatedChannel) ListConversations(ctx context.Context) ([]inbox.Conversation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]inbox.Conversation(nil), c.convs...), nil
}

func (c *SimulatedChannel) ListMessages(ctx context.Context, identifier string) ([]inbox.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]inbox.Message(nil), c.history[identifier]...), nil
}

func (c *SimulatedChannel) SendText(ctx context.Context, identifier, text string) error {
	now := c.labeler.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history[identifier] = append(c.history[identifier], inbox.Message{
		ID:          "sim_" + uuid.NewString(),
		Text:        text,
		ContentType: inbox.ContentText,
		Sender:      inbox.SenderOperator,
		SentAt:      now,
		SentAtLabel: c.labeler.Clock(now),
	})
	return nil
}
