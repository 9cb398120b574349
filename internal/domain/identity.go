package domain

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	// UnknownUserSentinel replaces anonymous or malformed usernames inside message ids.
	UnknownUserSentinel = "bot_or_unknown"
	// UnknownDisplayName is shown for messages that arrived without a username.
	UnknownDisplayName = "unknown"
	// UnknownSource is used when a message's originating file is not known.
	UnknownSource = "unknown"

	isoLayout      = "2006-01-02T15:04:05"
	isoMicroLayout = "2006-01-02T15:04:05.000000"
)

// NormalizeUsername lower-cases a username for identity purposes, collapsing
// anonymous forms into UnknownUserSentinel.
func NormalizeUsername(username string) string {
	u := strings.ToLower(strings.TrimSpace(username))
	switch u {
	case "", "unknown", "none", "null":
		return UnknownUserSentinel
	}
	return u
}

// FormatTimestamp renders the wall-clock ISO form used in message ids.
// Sub-second precision is only emitted when present.
func FormatTimestamp(t time.Time) string {
	if t.Nanosecond() == 0 {
		return t.Format(isoLayout)
	}
	return t.Format(isoMicroLayout)
}

// TextHash returns the first 8 hex chars of the md5 digest of text.
func TextHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])[:8]
}

// MessageID derives the deterministic identifier of a message from its
// normalized username, timestamp string and text.
func MessageID(username, timestampStr, text string) string {
	return NormalizeUsername(username) + "_" + timestampStr + "_" + TextHash(text)
}

var generalLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

// ParseTimestamp attempts a best-effort parse of a free-form timestamp.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range generalLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Enrich fills defaults on a parsed message and assigns its id.
// Calling it on an already enriched message returns it unchanged.
func Enrich(m Message) Message {
	if m.Timestamp.IsZero() {
		if t, ok := ParseTimestamp(m.TimestampRaw); ok {
			m.Timestamp = t
		} else {
			m.Timestamp = time.Now()
		}
	}

	m.TimestampStr = FormatTimestamp(m.Timestamp)

	if strings.TrimSpace(m.Username) == "" {
		m.Username = UnknownDisplayName
	}
	if m.FileSource == "" {
		m.FileSource = UnknownSource
	}
	if m.ID == "" {
		m.ID = MessageID(m.Username, m.TimestampStr, m.Text)
	}
	return m
}

// ContentHash fingerprints a message by author, text and timestamp for the
// tailer's quick pre-filter.
func ContentHash(m Message) string {
	sum := md5.Sum([]byte(m.Username + "_" + m.Text + "_" + m.TimestampStr))
	return hex.EncodeToString(sum[:])
}

var collectionSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// CollectionName derives the vector collection for a log file. Files under a
// Channels/<channel>/ directory share the channel's name. The path is made
// absolute first so every spelling of one file maps to one collection.
func CollectionName(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	var base string

	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, p := range parts {
		if p == "Channels" && i+1 < len(parts) && parts[i+1] != "" {
			base = "twitch_" + parts[i+1]
			break
		}
	}
	if base == "" {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		base = collectionSanitizer.ReplaceAllString(stem, "_")
	}

	sum := md5.Sum([]byte(path))
	name := strings.ToLower(base + "_" + hex.EncodeToString(sum[:])[:8])
	if name[0] >= '0' && name[0] <= '9' {
		name = "logs_" + name
	}
	return name
}
