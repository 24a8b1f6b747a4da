package channels

import (
	"context"
	"testing"

	"github.com/sipeed/picocrm/pkg/inbox"
)

func TestInstagramSeed(t *testing.T) {
	ch := NewInstagramChannel(testLabeler(), true)
	if ch.Live() || ch.Name() != inbox.ChannelInstagram {
		t.Fatalf("unexpected channel identity %s live=%v", ch.Name(), ch.Live())
	}

	convs, err := ch.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 seeded conversations, got %d", len(convs))
	}
	if convs[0].DisplayName != "Frann" || convs[0].LastActivityLabel != "2 hours" || convs[0].ContactInfo.Email != "frann@example.com" {
		t.Fatalf("unexpected frann %+v", convs[0])
	}
	if convs[1].DisplayName != "Laercio Junior" || convs[1].Channel != inbox.ChannelInstagram {
		t.Fatalf("unexpected laercio %+v", convs[1])
	}
}

func TestInstagramWithoutSeedIsEmpty(t *testing.T) {
	ch := NewInstagramChannel(testLabeler(), false)
	convs, _ := ch.ListConversations(context.Background())
	if len(convs) != 0 {
		t.Fatalf("expected no conversations, got %d", len(convs))
	}
}

func TestSimulatedSendRecordsHistory(t *testing.T) {
	ch := NewSimulatedChannel("demo", testLabeler())
	ch.Add(inbox.Conversation{ID: "x", DisplayName: "X"}, inbox.Message{ID: "h1", Text: "hi"})

	if err := ch.SendText(context.Background(), "x", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	msgs, _ := ch.ListMessages(context.Background(), "x")
	if len(msgs) != 2 || msgs[1].Text != "hello" || msgs[1].Sender != inbox.SenderOperator || msgs[1].SentAtLabel != "15:30" {
		t.Fatalf("unexpected history %+v", msgs)
	}
}
