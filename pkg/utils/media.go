package utils

import (
	"path/filepath"
	"strings"
)

// MediaKind is the coarse classification the inbox renders a message as.
type MediaKind string

const (
	MediaText  MediaKind = "text"
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaOther MediaKind = "media"
)

// KindFromMIME classifies a provider MIME type. Video and documents collapse
// into MediaOther since they are shown in history but never composed.
func KindFromMIME(mimeType string) MediaKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case mt == "":
		return MediaText
	case strings.HasPrefix(mt, "image/"):
		return MediaImage
	case strings.HasPrefix(mt, "audio/"), mt == "application/ogg", mt == "application/x-ogg":
		return MediaAudio
	default:
		return MediaOther
	}
}

// IsAudioFile checks if a file is an audio file based on its filename extension and content type.
func IsAudioFile(filename, contentType string) bool {
	audioExtensions := []string{".mp3", ".wav", ".ogg", ".opus", ".m4a", ".flac", ".aac", ".wma"}

	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range audioExtensions {
		if ext == e {
			return true
		}
	}
	return KindFromMIME(contentType) == MediaAudio
}

// DigitsOnly strips everything but 0-9, the form the WhatsApp provider
// expects for phone numbers.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StripJIDDomain turns "5511999@s.whatsapp.net" into "5511999".
func StripJIDDomain(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}
