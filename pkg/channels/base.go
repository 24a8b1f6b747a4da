package channels

import (
	"github.com/sipeed/picocrm/pkg/timelabel"
)

// BaseChannel carries what every channel shares: its name, whether it talks
// to a real provider, and the labeler used to render timestamps.
type BaseChannel struct {
	name    string
	live    bool
	labeler *timelabel.Labeler
}

func NewBaseChannel(name string, live bool, labeler *timelabel.Labeler) *BaseChannel {
	if labeler == nil {
		labeler = timelabel.New("en", nil)
	}
	return &BaseChannel{
		name:    name,
		live:    live,
		labeler: labeler,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) Live() bool {
	return c.live
}

func (c *BaseChannel) Labeler() *timelabel.Labeler {
	return c.labeler
}
