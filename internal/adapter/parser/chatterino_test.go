package parser

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
)

func newTestParser(debug bool) *Parser {
	p := New(debug, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.Local) }
	return p
}

func TestParser_Patterns(t *testing.T) {
	testCases := []struct {
		name     string
		line     string
		pattern  int
		username string
		text     string
		tsStr    string
	}{
		{"angle brackets", "[2024-01-15 14:30:00] <alice> you are terrible", 0, "alice", "you are terrible", "2024-01-15T14:30:00"},
		{"square username", "2024-01-15 14:30:00 [bob]: hello there", 1, "bob", "hello there", "2024-01-15T14:30:00"},
		{"plain colon", "2024-01-15 14:30:00 carol: hi: again", 2, "carol", "hi: again", "2024-01-15T14:30:00"},
		{"irc style", "[2024-01-15 14:30:00] dave: gg", 3, "dave", "gg", "2024-01-15T14:30:00"},
		{"iso utc", "[2024-01-15T14:30:00Z] erin: pog", 4, "erin", "pog", "2024-01-15T14:30:00"},
		{"iso no zone", "[2024-01-15T14:30:00] erin: pog", 4, "erin", "pog", "2024-01-15T14:30:00"},
		{"hour only", "[14:30:00] frank: lol", 5, "frank", "lol", "2024-03-09T14:30:00"},
		{"fractional", "[2024-01-15 14:30:00.250] gina: ok", 6, "gina", "ok", "2024-01-15T14:30:00.250000"},
		{"space delimited", "2024-01-15 14:30:00 hank no colon here", 7, "hank", "no colon here", "2024-01-15T14:30:00"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestParser(false)
			msg, ok := p.Parse(domain.RawLine{Text: tc.line, Source: "/logs/chan.log", Number: 7})
			if !ok {
				t.Fatalf("expected line to parse: %q", tc.line)
			}
			if msg.ParsePattern != tc.pattern {
				t.Errorf("expected pattern %d, got %d", tc.pattern, msg.ParsePattern)
			}
			if msg.Username != tc.username {
				t.Errorf("expected username %q, got %q", tc.username, msg.Username)
			}
			if msg.Text != tc.text {
				t.Errorf("expected text %q, got %q", tc.text, msg.Text)
			}
			if got := domain.FormatTimestamp(msg.Timestamp); got != tc.tsStr {
				t.Errorf("expected timestamp %s, got %s", tc.tsStr, got)
			}
			if msg.FileSource != "chan.log" {
				t.Errorf("expected file source chan.log, got %s", msg.FileSource)
			}
			if msg.LineNumber != 7 {
				t.Errorf("expected line number 7, got %d", msg.LineNumber)
			}
		})
	}
}

func TestParser_Fallback(t *testing.T) {
	p := newTestParser(false)

	msg, ok := p.Parse(domain.RawLine{Text: "some bot says: hello world"})
	if !ok {
		t.Fatal("expected fallback to recover the line")
	}
	if msg.ParsePattern != FallbackPattern {
		t.Errorf("expected pattern %d, got %d", FallbackPattern, msg.ParsePattern)
	}
	if msg.Username != domain.UnknownUserSentinel {
		t.Errorf("expected username %s, got %s", domain.UnknownUserSentinel, msg.Username)
	}
	if msg.Text != "hello world" {
		t.Errorf("expected text %q, got %q", "hello world", msg.Text)
	}
	if msg.TimestampRaw != "unknown" {
		t.Errorf("expected raw timestamp unknown, got %s", msg.TimestampRaw)
	}

	if _, ok := p.Parse(domain.RawLine{Text: "no separator at all"}); ok {
		t.Error("expected line without colon to be rejected")
	}

	stats := p.Stats()
	if stats.FallbackLines != 1 {
		t.Errorf("expected 1 fallback line, got %d", stats.FallbackLines)
	}
	if len(stats.UnknownSamples) != 1 {
		t.Errorf("expected 1 unknown sample, got %d", len(stats.UnknownSamples))
	}
}

func TestParser_DebugRejectsFallback(t *testing.T) {
	p := newTestParser(true)

	if _, ok := p.Parse(domain.RawLine{Text: "some bot says: hello world", Number: 3}); ok {
		t.Fatal("expected debug mode to reject unmatched lines")
	}
	stats := p.Stats()
	if len(stats.UnknownSamples) != 1 || stats.UnknownSamples[0].LineNumber != 3 {
		t.Errorf("expected sample for line 3, got %+v", stats.UnknownSamples)
	}
}

func TestParser_BlankAndInvalidTimestamp(t *testing.T) {
	p := newTestParser(true)

	if _, ok := p.Parse(domain.RawLine{Text: "   "}); ok {
		t.Error("expected blank line to be skipped")
	}
	if got := p.Stats().TotalLines; got != 0 {
		t.Errorf("expected blank lines not to be counted, got %d", got)
	}

	// Month 13 matches the shape of every timestamp pattern but never parses.
	if _, ok := p.Parse(domain.RawLine{Text: "[2024-13-15 14:30:00] <alice> hi"}); ok {
		t.Error("expected invalid timestamp to be rejected")
	}
}

func TestParser_UnknownSamplesBounded(t *testing.T) {
	p := newTestParser(true)
	long := strings.Repeat("x", 300)
	for i := 0; i < 25; i++ {
		p.Parse(domain.RawLine{Text: long, Number: i + 1})
	}

	stats := p.Stats()
	if len(stats.UnknownSamples) != maxUnknownSamples {
		t.Fatalf("expected %d samples, got %d", maxUnknownSamples, len(stats.UnknownSamples))
	}
	if got := len([]rune(stats.UnknownSamples[0].Content)); got != maxSampleLength+3 {
		t.Errorf("expected truncated sample of %d runes, got %d", maxSampleLength+3, got)
	}
	if stats.TotalLines != 25 || stats.ParsedLines != 0 {
		t.Errorf("expected 25 total and 0 parsed, got %d and %d", stats.TotalLines, stats.ParsedLines)
	}
}

func TestParser_ParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chan.log")
	content := strings.Join([]string{
		"[2024-01-15 14:30:00] <alice> first",
		"",
		"[2024-01-15 14:30:01] <bob> second",
		"garbage line",
		"[2024-01-15 14:30:02] carol: third",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p := newTestParser(false)
	msgs, err := p.ParseFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[2].LineNumber != 5 {
		t.Errorf("expected line number 5, got %d", msgs[2].LineNumber)
	}

	stats := p.Stats()
	if stats.TotalLines != 4 || stats.ParsedLines != 3 {
		t.Errorf("expected 4 total and 3 parsed, got %d and %d", stats.TotalLines, stats.ParsedLines)
	}
	if stats.PatternMatches[0] != 2 || stats.PatternMatches[3] != 1 {
		t.Errorf("unexpected pattern matches: %v", stats.PatternMatches)
	}
	if rate := stats.SuccessRate(); rate != 75 {
		t.Errorf("expected success rate 75, got %v", rate)
	}

	if _, err := p.ParseFile(filepath.Join(dir, "missing.log")); err == nil {
		t.Error("expected error for missing file")
	}
}
