// Package timelabel renders conversation timestamps as short relative labels
// ("now", "5 minutes", "2 days") and falls back to a localized date once an
// instant is a week old.
package timelabel

import (
	"embed"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

var (
	bundleOnce sync.Once
	bundle     *i18n.Bundle
)

func loadBundle() *i18n.Bundle {
	bundleOnce.Do(func() {
		b := i18n.NewBundle(language.English)
		b.RegisterUnmarshalFunc("json", json.Unmarshal)
		entries, _ := localeFS.ReadDir("locales")
		for _, e := range entries {
			if _, err := b.LoadMessageFileFS(localeFS, "locales/"+e.Name()); err != nil {
				panic(err)
			}
		}
		bundle = b
	})
	return bundle
}

// Labeler produces labels for one locale and wall-clock zone.
type Labeler struct {
	localizer  *i18n.Localizer
	loc        *time.Location
	dateLayout string
	now        func() time.Time
}

// New builds a Labeler. Unknown locales fall back to English; a nil zone
// means time.Local.
func New(locale string, loc *time.Location) *Labeler {
	if loc == nil {
		loc = time.Local
	}
	l := &Labeler{
		localizer: i18n.NewLocalizer(loadBundle(), locale, "en"),
		loc:       loc,
		now:       time.Now,
	}
	l.dateLayout = l.localize("date_layout", 0, false)
	if l.dateLayout == "" {
		l.dateLayout = "01/02/2006"
	}
	return l
}

// SetClock replaces the time source.
func (l *Labeler) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Labeler) Now() time.Time {
	return l.now().In(l.loc)
}

func (l *Labeler) Location() *time.Location {
	return l.loc
}

// Label parses raw and labels it. Missing or unparseable input gives "".
func (l *Labeler) Label(raw interface{}) string {
	t, ok := ParseIn(raw, l.loc)
	if !ok {
		return ""
	}
	return l.Relative(t)
}

// Relative labels t against the current clock. Instants in the future read
// as "now".
func (l *Labeler) Relative(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	diff := l.now().Sub(t)
	switch {
	case diff < time.Minute:
		return l.localize("now", 0, false)
	case diff < time.Hour:
		return l.localize("minutes", int(diff/time.Minute), true)
	case diff < 24*time.Hour:
		return l.localize("hours", int(diff/time.Hour), true)
	case diff < 7*24*time.Hour:
		return l.localize("days", int(diff/(24*time.Hour)), true)
	default:
		return t.In(l.loc).Format(l.dateLayout)
	}
}

// Clock formats t as HH:MM in the labeler's zone, the form used on chat lines.
func (l *Labeler) Clock(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(l.loc).Format("15:04")
}

func (l *Labeler) localize(id string, count int, plural bool) string {
	cfg := &i18n.LocalizeConfig{MessageID: id}
	if plural {
		cfg.PluralCount = count
		cfg.TemplateData = map[string]interface{}{"Count": count}
	}
	s, err := l.localizer.Localize(cfg)
	if err != nil {
		if plural {
			return strconv.Itoa(count)
		}
		return ""
	}
	return s
}
