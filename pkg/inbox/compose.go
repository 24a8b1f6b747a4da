package inbox

import "sync"

// ScheduleDraft is the half-filled "send later" form of a conversation.
type ScheduleDraft struct {
	Text string `json:"text"`
	Date string `json:"date"`
	Time string `json:"time"`
}

// Compose holds what the operator has typed but not yet sent.
type Compose struct {
	Text     string        `json:"text"`
	Schedule ScheduleDraft `json:"schedule"`
}

type composeDrafts struct {
	mu     sync.Mutex
	drafts map[string]Compose
}

func newComposeDrafts() *composeDrafts {
	return &composeDrafts{drafts: make(map[string]Compose)}
}

func (d *composeDrafts) get(id string) Compose {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drafts[id]
}

func (d *composeDrafts) edit(id string, fn func(*Compose)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.drafts[id]
	fn(&c)
	if c == (Compose{}) {
		delete(d.drafts, id)
		return
	}
	d.drafts[id] = c
}

func (d *composeDrafts) forget(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		delete(d.drafts, id)
	}
}
