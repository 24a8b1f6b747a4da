package inbox

import (
	"strings"
	"sync"
)

type editSession struct {
	nameOpen bool
	name     string
	infoOpen bool
	info     ContactDraft
}

// Editor stages display-name and contact-info edits. Each conversation has
// two independent sessions; either, both or neither may be open.
type Editor struct {
	mu       sync.Mutex
	store    *Store
	sessions map[string]*editSession
	onCommit func(id string)
}

func NewEditor(store *Store) *Editor {
	return &Editor{
		store:    store,
		sessions: make(map[string]*editSession),
	}
}

// OnCommit registers fn to run after a name or info save lands in the store.
func (e *Editor) OnCommit(fn func(id string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCommit = fn
}

func (e *Editor) session(id string) *editSession {
	s, ok := e.sessions[id]
	if !ok {
		s = &editSession{}
		e.sessions[id] = s
	}
	return s
}

// BeginNameEdit opens a name session seeded with the current display name.
func (e *Editor) BeginNameEdit(id string) (string, error) {
	c, ok := e.store.Get(id)
	if !ok {
		return "", ErrUnknownConversation
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session(id)
	s.nameOpen = true
	s.name = c.DisplayName
	return s.name, nil
}

func (e *Editor) SetNameDraft(id, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok || !s.nameOpen {
		return ErrNoEditSession
	}
	s.name = name
	return nil
}

func (e *Editor) NameDraft(id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok || !s.nameOpen {
		return "", false
	}
	return s.name, true
}

// SaveName commits the trimmed draft. A blank draft is rejected with
// ErrEmptyName and the session stays open.
func (e *Editor) SaveName(id string) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok || !s.nameOpen {
		e.mu.Unlock()
		return ErrNoEditSession
	}
	name := strings.TrimSpace(s.name)
	if name == "" {
		e.mu.Unlock()
		return ErrEmptyName
	}
	if !e.store.SetDisplayName(id, name) {
		e.mu.Unlock()
		return ErrUnknownConversation
	}
	s.nameOpen = false
	s.name = ""
	notify := e.onCommit
	e.mu.Unlock()

	if notify != nil {
		notify(id)
	}
	return nil
}

func (e *Editor) CancelNameEdit(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		s.nameOpen = false
		s.name = ""
	}
}

// BeginInfoEdit opens an info session with a copy of the contact block.
func (e *Editor) BeginInfoEdit(id string) (ContactDraft, error) {
	c, ok := e.store.Get(id)
	if !ok {
		return ContactDraft{}, ErrUnknownConversation
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session(id)
	s.infoOpen = true
	s.info = ContactDraft(c.ContactInfo)
	return s.info, nil
}

func (e *Editor) SetInfoDraft(id string, draft ContactDraft) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok || !s.infoOpen {
		return ErrNoEditSession
	}
	s.info = draft
	return nil
}

func (e *Editor) InfoDraft(id string) (ContactDraft, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok || !s.infoOpen {
		return ContactDraft{}, false
	}
	return s.info, true
}

// SaveInfo writes the draft over the contact block as a whole.
func (e *Editor) SaveInfo(id string) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok || !s.infoOpen {
		e.mu.Unlock()
		return ErrNoEditSession
	}
	if !e.store.SetContactInfo(id, ContactInfo(s.info)) {
		e.mu.Unlock()
		return ErrUnknownConversation
	}
	s.infoOpen = false
	s.info = ContactDraft{}
	notify := e.onCommit
	e.mu.Unlock()

	if notify != nil {
		notify(id)
	}
	return nil
}

func (e *Editor) CancelInfoEdit(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		s.infoOpen = false
		s.info = ContactDraft{}
	}
}

// Editing reports which sessions are open for id.
func (e *Editor) Editing(id string) (name, info bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return s.nameOpen, s.infoOpen
	}
	return false, false
}

// Reset closes every open session without committing.
func (e *Editor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions = make(map[string]*editSession)
}

func (e *Editor) Forget(ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.sessions, id)
	}
}
