package inbox

import (
	"strings"
	"sync"
)

// Store owns the merged conversation list, per-conversation history and the
// current selection. Reads return copies; every mutation goes through a
// Store method.
type Store struct {
	mu         sync.RWMutex
	order      []string
	convs      map[string]Conversation
	messages   map[string][]Message
	selectedID string
	// selectGen increases on every selection so late history fetches can
	// tell they are stale.
	selectGen uint64
}

func NewStore() *Store {
	return &Store{
		convs:    make(map[string]Conversation),
		messages: make(map[string][]Message),
	}
}

// IngestChannel replaces every conversation of channel with fresh and leaves
// the other channels untouched. Fresh entries come first, followed by the
// survivors in their previous order. Within fresh the first occurrence of an
// id wins, and ids owned by another channel are skipped. It returns the ids
// that disappeared.
func (s *Store) IngestChannel(channel string, fresh []Conversation) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(fresh))
	nextOrder := make([]string, 0, len(fresh)+len(s.order))
	nextConvs := make(map[string]Conversation, len(fresh)+len(s.convs))

	for _, c := range fresh {
		if c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		if prev, ok := s.convs[c.ID]; ok && prev.Channel != channel {
			continue
		}
		c.Channel = channel
		if !c.Status.Valid() {
			c.Status = StatusOpen
		}
		seen[c.ID] = struct{}{}
		nextOrder = append(nextOrder, c.ID)
		nextConvs[c.ID] = c
	}

	var removed []string
	for _, id := range s.order {
		c := s.convs[id]
		if c.Channel != channel {
			nextOrder = append(nextOrder, id)
			nextConvs[id] = c
			continue
		}
		if _, kept := seen[id]; !kept {
			removed = append(removed, id)
		}
	}

	s.order = nextOrder
	s.convs = nextConvs
	for _, id := range removed {
		delete(s.messages, id)
	}
	if _, ok := s.convs[s.selectedID]; !ok {
		s.selectedID = ""
	}
	return removed
}

// AddConversation inserts a conversation that did not come from a channel
// fetch, such as a first message to a new contact.
func (s *Store) AddConversation(c Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[c.ID]; ok {
		return ErrDuplicateConversation
	}
	if !c.Status.Valid() {
		c.Status = StatusOpen
	}
	s.order = append([]string{c.ID}, s.order...)
	s.convs[c.ID] = c
	return nil
}

// Filter returns conversations with the given status whose display name
// contains search, case-insensitively, in store order. An empty status
// matches every status.
func (s *Store) Filter(search string, status Status) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(search))
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		c := s.convs[id]
		if status != "" && c.Status != status {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(c.DisplayName), needle) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (s *Store) List() []Conversation {
	return s.Filter("", "")
}

// Counts returns how many conversations sit in each status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for _, c := range s.convs {
		counts[c.Status]++
	}
	return counts
}

// ChannelLen counts the conversations owned by channel.
func (s *Store) ChannelLen(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.convs {
		if c.Channel == channel {
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	return c, ok
}

// Select makes id the active conversation. Unknown ids leave the selection
// as it was and report false.
func (s *Store) Select(id string) (Conversation, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, s.selectGen, false
	}
	s.selectedID = id
	s.selectGen++
	return c, s.selectGen, true
}

func (s *Store) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedID = ""
	s.selectGen++
}

func (s *Store) SelectedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedID
}

// Selected reads the active conversation from the same record the list uses.
func (s *Store) Selected() (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selectedID == "" {
		return Conversation{}, false
	}
	c, ok := s.convs[s.selectedID]
	return c, ok
}

// Messages returns a copy of the conversation history, oldest first. Unknown
// ids give an empty slice.
func (s *Store) Messages(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message{}, s.messages[id]...)
}

// AppendMessage adds msg to the end of the history and refreshes the list
// preview. Unknown ids are ignored.
func (s *Store) AppendMessage(id string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return false
	}
	s.messages[id] = append(s.messages[id], msg)
	c.LastMessagePreview = previewOf(msg)
	if !msg.SentAt.IsZero() {
		c.LastActivityAt = msg.SentAt
	}
	s.convs[id] = c
	return true
}

// ReplaceMessages sets the history of id.
func (s *Store) ReplaceMessages(id string, msgs []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceMessagesLocked(id, msgs)
}

func (s *Store) replaceMessagesLocked(id string, msgs []Message) bool {
	if _, ok := s.convs[id]; !ok {
		return false
	}
	s.messages[id] = append([]Message(nil), msgs...)
	return true
}

// CommitHistory is ReplaceMessages guarded against stale fetches: it only
// writes when id is still selected under generation gen.
func (s *Store) CommitHistory(id string, gen uint64, msgs []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selectedID != id || s.selectGen != gen {
		return false
	}
	return s.replaceMessagesLocked(id, msgs)
}

func (s *Store) SetDisplayName(id, name string) bool {
	return s.update(id, func(c *Conversation) {
		c.DisplayName = name
	})
}

// SetContactInfo overwrites the whole contact block; blank fields clear.
func (s *Store) SetContactInfo(id string, info ContactInfo) bool {
	return s.update(id, func(c *Conversation) {
		c.ContactInfo = info
	})
}

func (s *Store) SetKanbanStage(id, stage string) bool {
	return s.update(id, func(c *Conversation) {
		c.KanbanStage = strings.TrimSpace(stage)
	})
}

// update is the single write path for conversation fields.
func (s *Store) update(id string, fn func(*Conversation)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return false
	}
	fn(&c)
	s.convs[id] = c
	return true
}

func previewOf(m Message) string {
	if strings.TrimSpace(m.Text) != "" {
		return m.Text
	}
	switch m.ContentType {
	case ContentImage:
		return "[image]"
	case ContentAudio:
		return "[audio]"
	case ContentMedia:
		return "[media]"
	}
	return ""
}
