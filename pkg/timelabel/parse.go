package timelabel

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Epoch values above this are taken as milliseconds.
const millisThreshold = 1e12

var stringLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Parse is ParseIn with time.Local.
func Parse(raw interface{}) (time.Time, bool) {
	return ParseIn(raw, time.Local)
}

// ParseIn converts a provider timestamp into an instant. Numbers and numeric
// strings are epoch seconds (or milliseconds when large enough); other
// strings are tried against ISO-like layouts, zone-less ones read in loc.
// Missing, zero or unrecognised input reports false.
func ParseIn(raw interface{}, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	switch v := raw.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, !v.IsZero()
	case int:
		return fromEpoch(float64(v))
	case int32:
		return fromEpoch(float64(v))
	case int64:
		return fromEpoch(float64(v))
	case uint32:
		return fromEpoch(float64(v))
	case uint64:
		return fromEpoch(float64(v))
	case float32:
		return fromEpoch(float64(v))
	case float64:
		return fromEpoch(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	case string:
		return parseString(v, loc)
	default:
		return time.Time{}, false
	}
}

func parseString(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}
	for _, layout := range stringLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f > millisThreshold {
		return time.UnixMilli(int64(f)), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}
