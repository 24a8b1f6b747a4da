package channels

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/sipeed/picocrm/pkg/inbox"
	"github.com/sipeed/picocrm/pkg/timelabel"
	"github.com/sipeed/picocrm/pkg/utils"
)

// Media sub-objects in priority order. Video and documents only show up in
// history, so they map to the generic media type.
var mediaKinds = []struct {
	key  string
	kind inbox.ContentType
}{
	{"imageMessage", inbox.ContentImage},
	{"audioMessage", inbox.ContentAudio},
	{"pttMessage", inbox.ContentAudio},
	{"videoMessage", inbox.ContentMedia},
	{"documentMessage", inbox.ContentMedia},
}

// records returns the list items of a provider response, accepting either a
// bare array or an object wrapping one.
func records(body []byte) []gjson.Result {
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array()
	}
	for _, key := range []string{"chats", "messages.records", "messages", "records", "data"} {
		if r := root.Get(key); r.IsArray() {
			return r.Array()
		}
	}
	return nil
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := strings.TrimSpace(r.Get(p).String()); v != "" {
			return v
		}
	}
	return ""
}

func firstValue(r gjson.Result, paths ...string) interface{} {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v.Value()
		}
	}
	return nil
}

// parseChats maps a fetchChats response to conversations. Records without
// any usable identifier are skipped.
func parseChats(body []byte, labeler *timelabel.Labeler) []inbox.Conversation {
	items := records(body)
	convs := make([]inbox.Conversation, 0, len(items))
	for _, r := range items {
		if !r.IsObject() {
			continue
		}
		jid := firstString(r, "jid", "remoteJid")
		id := firstString(r, "id")
		if id == "" {
			id = jid
		}
		if id == "" {
			id = firstString(r, "phone")
		}
		if id == "" {
			continue
		}

		phone := firstString(r, "phone")
		if phone == "" && jid != "" {
			phone = utils.StripJIDDomain(jid)
		}
		if phone == "" {
			phone = id
		}

		name := firstString(r, "name", "pushName")
		if name == "" {
			name = phone
		}

		var preview string
		if lm := r.Get("lastMessage"); lm.IsObject() {
			preview = firstString(lm, "body", "message.conversation", "message.extendedTextMessage.text")
		} else {
			preview = strings.TrimSpace(lm.String())
		}

		conv := inbox.Conversation{
			ID:                 id,
			DisplayName:        name,
			Channel:            inbox.ChannelWhatsApp,
			Status:             inbox.StatusOpen,
			LastMessagePreview: preview,
			AvatarURL:          firstString(r, "profilePicture", "profilePicUrl"),
			ContactInfo:        inbox.ContactInfo{Phone: phone},
			IsGroup:            r.Get("isGroup").Bool() || strings.HasSuffix(jid, "@g.us"),
			UnreadCount:        int(r.Get("unat").Int()),
		}
		if conv.UnreadCount == 0 {
			conv.UnreadCount = int(r.Get("unreadCount").Int())
		}
		if at, ok := timelabel.ParseIn(firstValue(r, "lastMessageTime", "timestamp", "updatedAt"), labeler.Location()); ok {
			conv.LastActivityAt = at
			conv.LastActivityLabel = labeler.Relative(at)
		}
		convs = append(convs, conv)
	}
	return convs
}

// parseMessages maps a fetchMessages response to history, oldest first as the
// provider sends it. apiURL is used to build media links when the payload
// only names a MIME type.
func parseMessages(body []byte, apiURL string, labeler *timelabel.Labeler) []inbox.Message {
	items := records(body)
	msgs := make([]inbox.Message, 0, len(items))
	for _, r := range items {
		if !r.IsObject() {
			continue
		}
		msgs = append(msgs, parseMessage(r, apiURL, labeler))
	}
	return msgs
}

func parseMessage(r gjson.Result, apiURL string, labeler *timelabel.Labeler) inbox.Message {
	// media links are only built from ids the provider knows
	providerID := firstString(r, "key.id", "id")
	id := providerID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}

	msg := inbox.Message{
		ID:          id,
		ContentType: inbox.ContentText,
		Sender:      inbox.SenderContact,
	}
	if r.Get("key.fromMe").Bool() || r.Get("fromMe").Bool() {
		msg.Sender = inbox.SenderOperator
	}

	var media gjson.Result
	for _, mk := range mediaKinds {
		if m := r.Get("message." + mk.key); m.Exists() && m.Type != gjson.Null {
			msg.ContentType = mk.kind
			media = m
			break
		}
	}
	if media.Exists() {
		if u := firstString(media, "url"); u != "" {
			msg.MediaURL = u
		} else if mt := firstString(media, "mimetype"); mt != "" && providerID != "" {
			msg.MediaURL = strings.TrimRight(apiURL, "/") + "/message/media/" + providerID
		}
	} else if mt := firstString(r, "mimetype", "message.mimetype"); mt != "" {
		// flattened records carry the MIME type and link at the top level
		msg.ContentType = contentTypeFromMIME(mt)
		msg.MediaURL = firstString(r, "mediaUrl", "url")
	}

	msg.Text = firstString(r,
		"message.conversation",
		"body",
		"message.imageMessage.caption",
		"message.videoMessage.caption",
		"message.documentMessage.caption",
		"caption",
		"message.extendedTextMessage.text",
	)

	at, ok := timelabel.ParseIn(firstValue(r, "messageTimestamp", "timestamp"), labeler.Location())
	if !ok {
		at = labeler.Now()
	}
	msg.SentAt = at.In(labeler.Location()).Truncate(time.Second)
	msg.SentAtLabel = labeler.Clock(at)
	return msg
}

func contentTypeFromMIME(mimeType string) inbox.ContentType {
	switch utils.KindFromMIME(mimeType) {
	case utils.MediaImage:
		return inbox.ContentImage
	case utils.MediaAudio:
		return inbox.ContentAudio
	case utils.MediaText:
		return inbox.ContentText
	default:
		return inbox.ContentMedia
	}
}

// connectionOpen reads the several shapes connectionState responses take.
func connectionOpen(body []byte) bool {
	root := gjson.ParseBytes(body)
	state := firstString(root, "state", "instance.state")
	return state == "open" ||
		root.Get("status").String() == "connected" ||
		root.Get("connected").Bool()
}
