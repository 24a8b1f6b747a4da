package inbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/picocrm/pkg/bus"
	"github.com/sipeed/picocrm/pkg/logger"
	"github.com/sipeed/picocrm/pkg/schedule"
	"github.com/sipeed/picocrm/pkg/timelabel"
	"github.com/sipeed/picocrm/pkg/utils"
)

// LoadingState mirrors the three suspension points an operator can wait on.
type LoadingState struct {
	Conversations bool `json:"conversations"`
	Messages      bool `json:"messages"`
	Sending       bool `json:"sending"`
}

type Options struct {
	Channels []Channel
	Labeler  *timelabel.Labeler
	Queue    *schedule.Queue
	Bus      *bus.MessageBus
}

// Inbox ties the store, editor and schedule queue to the registered channels
// and routes reads and sends through them.
type Inbox struct {
	store   *Store
	editor  *Editor
	queue   *schedule.Queue
	labeler *timelabel.Labeler
	bus     *bus.MessageBus
	drafts  *composeDrafts

	chMu     sync.RWMutex
	channels map[string]Channel
	names    []string
	// loaded holds the simulated channels already ingested. They are read
	// once; the store owns their conversations from then on.
	loaded map[string]bool

	loadingConversations atomic.Int32
	loadingMessages      atomic.Int32
	sending              atomic.Int32
}

func New(opts Options) *Inbox {
	labeler := opts.Labeler
	if labeler == nil {
		labeler = timelabel.New("en", time.Local)
	}
	queue := opts.Queue
	if queue == nil {
		queue = schedule.NewQueue(labeler.Location())
	}

	store := NewStore()
	ib := &Inbox{
		store:    store,
		editor:   NewEditor(store),
		queue:    queue,
		labeler:  labeler,
		bus:      opts.Bus,
		drafts:   newComposeDrafts(),
		channels: make(map[string]Channel),
		loaded:   make(map[string]bool),
	}
	ib.editor.OnCommit(func(id string) {
		ib.publish(bus.ContactUpdated, id, nil)
	})
	for _, ch := range opts.Channels {
		ib.RegisterChannel(ch)
	}
	return ib
}

func (ib *Inbox) RegisterChannel(ch Channel) {
	ib.chMu.Lock()
	defer ib.chMu.Unlock()
	if _, ok := ib.channels[ch.Name()]; !ok {
		ib.names = append(ib.names, ch.Name())
	}
	ib.channels[ch.Name()] = ch
}

func (ib *Inbox) Channel(name string) (Channel, bool) {
	ib.chMu.RLock()
	defer ib.chMu.RUnlock()
	ch, ok := ib.channels[name]
	return ch, ok
}

// ChannelNames lists registered channels in registration order.
func (ib *Inbox) ChannelNames() []string {
	ib.chMu.RLock()
	defer ib.chMu.RUnlock()
	return append([]string(nil), ib.names...)
}

func (ib *Inbox) Store() *Store {
	return ib.store
}

func (ib *Inbox) Editor() *Editor {
	return ib.editor
}

func (ib *Inbox) Labeler() *timelabel.Labeler {
	return ib.labeler
}

func (ib *Inbox) Loading() LoadingState {
	return LoadingState{
		Conversations: ib.loadingConversations.Load() > 0,
		Messages:      ib.loadingMessages.Load() > 0,
		Sending:       ib.sending.Load() > 0,
	}
}

// Refresh re-ingests one channel. A failed fetch keeps that channel's
// previous conversations and is only logged; the returned error is reserved
// for an unregistered channel name. Simulated channels are only loaded the
// first time, so later refreshes keep local edits and started conversations.
func (ib *Inbox) Refresh(ctx context.Context, name string) (int, error) {
	ch, ok := ib.Channel(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if !ch.Live() {
		if !ib.claimLoad(name) {
			n := ib.store.ChannelLen(name)
			logger.DebugCF("inbox", "Simulated channel already loaded", map[string]interface{}{
				"channel": name,
				"count":   n,
			})
			return n, nil
		}
	}

	ib.loadingConversations.Add(1)
	defer ib.loadingConversations.Add(-1)

	convs, err := ch.ListConversations(ctx)
	if err != nil {
		if !ch.Live() {
			ib.releaseLoad(name)
		}
		logger.WarnCF("inbox", "Channel fetch failed, keeping previous conversations", map[string]interface{}{
			"channel": name,
			"error":   err.Error(),
		})
		return 0, nil
	}

	removed := ib.store.IngestChannel(name, convs)
	for _, id := range removed {
		ib.queue.Drop(id)
	}
	ib.editor.Forget(removed...)
	ib.drafts.forget(removed...)
	if !ch.Live() {
		ib.preloadHistory(ctx, ch, convs)
	}

	logger.InfoCF("inbox", "Channel ingested", map[string]interface{}{
		"channel": name,
		"count":   len(convs),
		"removed": len(removed),
	})
	ib.publishChannel(bus.ConversationsIngested, name, map[string]string{
		"count":   fmt.Sprintf("%d", len(convs)),
		"removed": fmt.Sprintf("%d", len(removed)),
	})
	return len(convs), nil
}

func (ib *Inbox) claimLoad(name string) bool {
	ib.chMu.Lock()
	defer ib.chMu.Unlock()
	if ib.loaded[name] {
		return false
	}
	ib.loaded[name] = true
	return true
}

func (ib *Inbox) releaseLoad(name string) {
	ib.chMu.Lock()
	defer ib.chMu.Unlock()
	delete(ib.loaded, name)
}

// preloadHistory copies whatever starting history a simulated channel holds
// into the store. Select never fetches for these channels.
func (ib *Inbox) preloadHistory(ctx context.Context, ch Channel, convs []Conversation) {
	for _, c := range convs {
		msgs, err := ch.ListMessages(ctx, c.Identifier())
		if err != nil || len(msgs) == 0 {
			continue
		}
		ib.store.ReplaceMessages(c.ID, msgs)
	}
}

// RefreshAll refreshes every registered channel in registration order.
func (ib *Inbox) RefreshAll(ctx context.Context) {
	for _, name := range ib.ChannelNames() {
		if _, err := ib.Refresh(ctx, name); err != nil {
			logger.WarnCF("inbox", "Refresh skipped", map[string]interface{}{"channel": name, "error": err.Error()})
		}
	}
}

// Conversations filters the store and recomputes relative labels against the
// current clock.
func (ib *Inbox) Conversations(search string, status Status) []Conversation {
	convs := ib.store.Filter(search, status)
	for i := range convs {
		ib.relabel(&convs[i])
	}
	return convs
}

func (ib *Inbox) Counts() map[Status]int {
	return ib.store.Counts()
}

func (ib *Inbox) Get(id string) (Conversation, bool) {
	c, ok := ib.store.Get(id)
	if ok {
		ib.relabel(&c)
	}
	return c, ok
}

// Deselect closes the active conversation and any open edit sessions. A
// history fetch still in flight for it is discarded.
func (ib *Inbox) Deselect() {
	id := ib.store.SelectedID()
	ib.store.ClearSelection()
	ib.editor.Reset()
	if id != "" {
		ib.publish(bus.ConversationSelected, "", map[string]string{"previous": id})
	}
}

func (ib *Inbox) Selected() (Conversation, bool) {
	c, ok := ib.store.Selected()
	if ok {
		ib.relabel(&c)
	}
	return c, ok
}

func (ib *Inbox) relabel(c *Conversation) {
	if !c.LastActivityAt.IsZero() {
		c.LastActivityLabel = ib.labeler.Relative(c.LastActivityAt)
	}
}

// Select makes id the active conversation, closes open edit sessions and,
// for live channels, loads the history from the provider. Unknown ids are a
// no-op. A failed or superseded fetch leaves the stored history alone.
func (ib *Inbox) Select(ctx context.Context, id string) (Conversation, bool) {
	conv, gen, ok := ib.store.Select(id)
	if !ok {
		return Conversation{}, false
	}
	ib.editor.Reset()
	ib.relabel(&conv)
	ib.publish(bus.ConversationSelected, id, nil)

	ch, ok := ib.Channel(conv.Channel)
	if !ok || !ch.Live() {
		return conv, true
	}

	ib.loadingMessages.Add(1)
	defer ib.loadingMessages.Add(-1)

	msgs, err := ch.ListMessages(ctx, conv.Identifier())
	if err != nil {
		logger.WarnCF("inbox", "History fetch failed", map[string]interface{}{
			"conversation": id,
			"channel":      conv.Channel,
			"error":        err.Error(),
		})
		return conv, true
	}
	if !ib.store.CommitHistory(id, gen, msgs) {
		logger.DebugCF("inbox", "Discarding stale history", map[string]interface{}{"conversation": id})
		return conv, true
	}
	ib.publish(bus.HistoryLoaded, id, map[string]string{"count": fmt.Sprintf("%d", len(msgs))})
	return conv, true
}

func (ib *Inbox) Messages(id string) []Message {
	return ib.store.Messages(id)
}

// Send delivers text to a conversation. Blank text is ignored. Live channels
// must accept the message before it is recorded; on failure a *SendError is
// returned, history is unchanged and the compose draft is kept. Other
// channels always record the message.
func (ib *Inbox) Send(ctx context.Context, id, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, nil
	}
	conv, ok := ib.store.Get(id)
	if !ok {
		return Message{}, ErrUnknownConversation
	}
	ch, ok := ib.Channel(conv.Channel)
	if !ok {
		return Message{}, &SendError{ConversationID: id, Channel: conv.Channel, Err: ErrUnknownChannel}
	}

	ib.sending.Add(1)
	defer ib.sending.Add(-1)

	err := ch.SendText(ctx, conv.Identifier(), text)
	if err != nil && ch.Live() {
		logger.ErrorCF("inbox", "Send failed", map[string]interface{}{
			"conversation": id,
			"channel":      conv.Channel,
			"error":        err.Error(),
		})
		ib.publish(bus.SendFailed, id, map[string]string{"error": err.Error()})
		return Message{}, &SendError{ConversationID: id, Channel: conv.Channel, Err: err}
	}
	if err != nil {
		logger.WarnCF("inbox", "Simulated channel reported an error, recording anyway", map[string]interface{}{
			"conversation": id,
			"error":        err.Error(),
		})
	}

	msg := ib.record(id, Message{Text: text, ContentType: ContentText})
	ib.drafts.edit(id, func(c *Compose) { c.Text = "" })
	return msg, nil
}

// SendMedia delivers an image or audio link through channels that support
// it and records it like a text send.
func (ib *Inbox) SendMedia(ctx context.Context, id string, kind ContentType, mediaURL, caption string) (Message, error) {
	conv, ok := ib.store.Get(id)
	if !ok {
		return Message{}, ErrUnknownConversation
	}
	ch, ok := ib.Channel(conv.Channel)
	if !ok {
		return Message{}, &SendError{ConversationID: id, Channel: conv.Channel, Err: ErrUnknownChannel}
	}
	ms, ok := ch.(MediaSender)
	if !ok {
		return Message{}, &SendError{ConversationID: id, Channel: conv.Channel, Err: ErrMediaUnsupported}
	}

	ib.sending.Add(1)
	defer ib.sending.Add(-1)

	if err := ms.SendMedia(ctx, conv.Identifier(), kind, mediaURL, caption); err != nil {
		ib.publish(bus.SendFailed, id, map[string]string{"error": err.Error()})
		return Message{}, &SendError{ConversationID: id, Channel: conv.Channel, Err: err}
	}
	return ib.record(id, Message{Text: caption, ContentType: kind, MediaURL: mediaURL}), nil
}

// record stamps msg as an operator message sent now and appends it.
func (ib *Inbox) record(id string, msg Message) Message {
	now := ib.labeler.Now()
	msg.ID = "m_" + uuid.NewString()
	msg.Sender = SenderOperator
	msg.SentAt = now
	msg.SentAtLabel = ib.labeler.Clock(now)
	if ib.store.AppendMessage(id, msg) {
		ib.publish(bus.MessageAppended, id, map[string]string{"message_id": msg.ID})
	}
	return msg
}

// SendDraft sends the conversation's compose text.
func (ib *Inbox) SendDraft(ctx context.Context, id string) (Message, error) {
	return ib.Send(ctx, id, ib.drafts.get(id).Text)
}

// StartConversation creates a local conversation for a contact the channel
// has not reported yet. The id is the phone's digits.
func (ib *Inbox) StartConversation(channel, displayName, phone string) (Conversation, error) {
	if _, ok := ib.Channel(channel); !ok {
		return Conversation{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	digits := utils.DigitsOnly(phone)
	if digits == "" {
		return Conversation{}, ErrInvalidContact
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = phone
	}
	conv := Conversation{
		ID:          digits,
		DisplayName: name,
		Channel:     channel,
		Status:      StatusOpen,
		ContactInfo: ContactInfo{Phone: phone},
	}
	if err := ib.store.AddConversation(conv); err != nil {
		return Conversation{}, err
	}
	ib.publishChannel(bus.ConversationsIngested, channel, map[string]string{"added": conv.ID})
	return conv, nil
}

func (ib *Inbox) SetStatus(id string, status Status) error {
	ok, err := ib.store.SetStatus(id, status)
	if err != nil {
		return err
	}
	if ok {
		ib.publish(bus.StatusChanged, id, map[string]string{"status": string(status)})
	}
	return nil
}

func (ib *Inbox) SetKanbanStage(id, stage string) bool {
	if !ib.store.SetKanbanStage(id, stage) {
		return false
	}
	ib.publish(bus.ContactUpdated, id, map[string]string{"kanban_stage": stage})
	return true
}

func (ib *Inbox) Draft(id string) Compose {
	return ib.drafts.get(id)
}

func (ib *Inbox) SetDraft(id, text string) {
	ib.drafts.edit(id, func(c *Compose) { c.Text = text })
}

func (ib *Inbox) SetScheduleDraft(id string, d ScheduleDraft) {
	ib.drafts.edit(id, func(c *Compose) { c.Schedule = d })
}

// Schedule queues a message for later. On success the schedule form is
// cleared; a rejected entry leaves it as typed.
func (ib *Inbox) Schedule(id, text, date, clock string) (schedule.Message, error) {
	if _, ok := ib.store.Get(id); !ok {
		return schedule.Message{}, ErrUnknownConversation
	}
	m, err := ib.queue.Schedule(id, text, date, clock)
	if err != nil {
		return schedule.Message{}, err
	}
	ib.drafts.edit(id, func(c *Compose) { c.Schedule = ScheduleDraft{} })
	ib.publish(bus.ScheduleChanged, id, map[string]string{"added": m.ID})
	return m, nil
}

// ScheduleDraft submits the conversation's schedule form.
func (ib *Inbox) ScheduleDraft(id string) (schedule.Message, error) {
	d := ib.drafts.get(id).Schedule
	return ib.Schedule(id, d.Text, d.Date, d.Time)
}

func (ib *Inbox) ScheduleRecurring(id, text, expr string) (schedule.Message, error) {
	if _, ok := ib.store.Get(id); !ok {
		return schedule.Message{}, ErrUnknownConversation
	}
	m, err := ib.queue.ScheduleRecurring(id, text, expr)
	if err != nil {
		return schedule.Message{}, err
	}
	ib.publish(bus.ScheduleChanged, id, map[string]string{"added": m.ID})
	return m, nil
}

// CancelScheduled removes a queued entry; unknown ids are ignored.
func (ib *Inbox) CancelScheduled(id, scheduledID string) bool {
	if !ib.queue.Cancel(id, scheduledID) {
		return false
	}
	ib.publish(bus.ScheduleChanged, id, map[string]string{"removed": scheduledID})
	return true
}

func (ib *Inbox) Scheduled(id string) []schedule.Message {
	return ib.queue.List(id)
}

// Due lists queued entries that have reached their send time.
func (ib *Inbox) Due(now time.Time) []schedule.Message {
	return ib.queue.Due(now)
}

func (ib *Inbox) publish(kind bus.EventKind, id string, data map[string]string) {
	if ib.bus == nil {
		return
	}
	ev := bus.Event{Kind: kind, ConversationID: id, Data: data}
	if c, ok := ib.store.Get(id); ok {
		ev.Channel = c.Channel
	}
	ib.bus.Publish(ev)
}

func (ib *Inbox) publishChannel(kind bus.EventKind, channel string, data map[string]string) {
	if ib.bus == nil {
		return
	}
	ib.bus.Publish(bus.Event{Kind: kind, Channel: channel, Data: data})
}

// MediaTypeForURL guesses whether a media link is audio or an image from its
// file extension. Anything that is not recognisably audio is sent as an image.
func MediaTypeForURL(link string) ContentType {
	if i := strings.IndexAny(link, "?#"); i >= 0 {
		link = link[:i]
	}
	if utils.IsAudioFile(link, "") {
		return ContentAudio
	}
	return ContentImage
}
