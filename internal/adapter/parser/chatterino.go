package parser

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
)

const (
	// FallbackPattern is reported for lines recovered by the colon split.
	FallbackPattern = -1

	maxUnknownSamples = 10
	maxSampleLength   = 100
)

const ts = `[0-9]{4}-[0-9]{2}-[0-9]{2} [0-9]{2}:[0-9]{2}:[0-9]{2}`

// patterns are tried in order; each captures timestamp, username and text.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`^\[(` + ts + `)\] <([^>]+)> (.+)`),
	regexp.MustCompile(`^(` + ts + `) \[([^\]]+)\]: (.+)`),
	regexp.MustCompile(`^(` + ts + `) ([^:]+): (.+)`),
	regexp.MustCompile(`^\[(` + ts + `)\] ([^:]+): (.+)`),
	regexp.MustCompile(`^\[([0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}Z?)\] ([^:]+): (.+)`),
	regexp.MustCompile(`^\[([0-9]{2}:[0-9]{2}:[0-9]{2})\] ([^:]+): (.+)`),
	regexp.MustCompile(`^\[(` + ts + `\.[0-9]+)\] ([^:]+): (.+)`),
	regexp.MustCompile(`^(` + ts + `) ([^\s]+) (.+)`),
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z",
	"15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// Parser turns chat log lines into messages. It is safe for concurrent use.
type Parser struct {
	debug  bool
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Parser. In debug mode lines that match no pattern are
// rejected instead of being recovered by the colon split.
func New(debug bool, logger *slog.Logger) *Parser {
	return &Parser{
		debug:  debug,
		now:    time.Now,
		logger: logger.With("component", "parser"),
		stats:  newStats(),
	}
}

// Parse converts one raw line into a message. It reports false for blank
// lines and for lines it cannot recover.
func (p *Parser) Parse(raw domain.RawLine) (domain.Message, bool) {
	line := strings.TrimSpace(raw.Text)
	if line == "" {
		return domain.Message{}, false
	}

	msg, pattern, ok := p.match(line)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.TotalLines++
	if !ok {
		if len(p.stats.UnknownSamples) < maxUnknownSamples {
			p.stats.UnknownSamples = append(p.stats.UnknownSamples, UnknownLine{
				LineNumber: raw.Number,
				Content:    truncate(line, maxSampleLength),
			})
		}
		return domain.Message{}, false
	}
	p.stats.ParsedLines++
	if pattern == FallbackPattern {
		p.stats.FallbackLines++
	} else {
		p.stats.PatternMatches[pattern]++
	}

	msg.LineNumber = raw.Number
	if raw.Source != "" {
		msg.FileSource = filepath.Base(raw.Source)
	}
	return msg, true
}

func (p *Parser) match(line string) (domain.Message, int, bool) {
	for i, re := range patterns {
		groups := re.FindStringSubmatch(line)
		if groups == nil {
			continue
		}
		t, ok := p.parseTimestamp(groups[1])
		if !ok {
			continue
		}
		return domain.Message{
			Username:     strings.TrimSpace(groups[2]),
			Text:         strings.TrimSpace(groups[3]),
			Timestamp:    t,
			TimestampRaw: groups[1],
			ParsePattern: i,
		}, i, true
	}

	if p.debug {
		return domain.Message{}, 0, false
	}

	if _, text, found := strings.Cut(line, ":"); found {
		return domain.Message{
			Username:     domain.UnknownUserSentinel,
			Text:         strings.TrimSpace(text),
			Timestamp:    p.now(),
			TimestampRaw: "unknown",
			ParsePattern: FallbackPattern,
		}, FallbackPattern, true
	}
	return domain.Message{}, 0, false
}

func (p *Parser) parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err != nil {
			continue
		}
		if layout == "15:04:05" {
			now := p.now()
			t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.Local)
		}
		return t, true
	}
	return time.Time{}, false
}

// ParseReader parses every line of r, numbering lines from 1.
func (p *Parser) ParseReader(r io.Reader, source string) ([]domain.Message, error) {
	var msgs []domain.Message

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		if msg, ok := p.Parse(domain.RawLine{Text: scanner.Text(), Source: source, Number: n}); ok {
			msgs = append(msgs, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return msgs, fmt.Errorf("failed to read %s: %w", source, err)
	}
	return msgs, nil
}

// ParseFile parses a whole log file. Stats are reset first so they describe
// this file only.
func (p *Parser) ParseFile(path string) ([]domain.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	p.ResetStats()
	msgs, err := p.ParseReader(f, path)
	if err != nil {
		return msgs, err
	}

	stats := p.Stats()
	p.logger.Info("parsed log file",
		"file", path,
		"messages", len(msgs),
		"lines", stats.TotalLines,
		"success_rate", stats.SuccessRate(),
		"fallback", stats.FallbackLines,
	)
	if p.debug && len(stats.UnknownSamples) > 0 {
		p.logger.Debug("unrecognized lines", "file", path, "samples", stats.UnknownSamples)
	}
	return msgs, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
