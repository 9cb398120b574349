package tailer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/domain"
)

// DefaultCatchupLines is how many trailing lines a file without a cursor
// contributes at startup.
const DefaultCatchupLines = 100

// Tailer keeps a byte cursor per file and reads only what was appended
// past it. Cursors always sit just after a newline. It also counts the lines
// before each cursor so deltas carry real file line numbers.
type Tailer struct {
	mu      sync.Mutex
	cursors map[string]int64
	lineNos map[string]int
	ckpt    *Checkpoint
	catchup int
	metrics *metrics.PipelineMetrics
	logger  *slog.Logger
}

// New creates a Tailer backed by ckpt.
func New(ckpt *Checkpoint, catchupLines int, m *metrics.PipelineMetrics, logger *slog.Logger) *Tailer {
	if catchupLines <= 0 {
		catchupLines = DefaultCatchupLines
	}
	return &Tailer{
		cursors: make(map[string]int64),
		lineNos: make(map[string]int),
		ckpt:    ckpt,
		catchup: catchupLines,
		metrics: m,
		logger:  logger.With("component", "tailer"),
	}
}

// Bootstrap starts tracking a file found at startup. A file with a saved
// cursor resumes from it, or from 0 when the file shrank below it. A file
// without one yields its last lines and moves the cursor to the end.
func (t *Tailer) Bootstrap(path string) (domain.FileDelta, error) {
	if saved, ok := t.ckpt.Get(path); ok {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return domain.FileDelta{Path: path}, nil
			}
			return domain.FileDelta{Path: path}, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if saved > info.Size() {
			t.logger.Warn("file shrank below saved cursor, reading from start", "file", path, "cursor", saved, "size", info.Size())
			saved = 0
		}
		before, err := countLines(path, saved)
		if err != nil {
			t.logger.Warn("failed to count lines before cursor", "file", path, "error", err)
		}
		t.setCursor(path, saved, before)
		return t.Read(path)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.FileDelta{Path: path}, nil
		}
		return domain.FileDelta{Path: path}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	lines, total, end, err := lastLines(f, t.catchup)
	if err != nil {
		return domain.FileDelta{Path: path}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	t.setCursor(path, end, total)
	t.logger.Info("caught up with file", "file", path, "lines", len(lines), "cursor", end)
	return domain.FileDelta{Path: path, Lines: lines, FirstLine: total - len(lines) + 1, Offset: end}, nil
}

// Track starts following a file created after startup from its first byte.
// It reports false when the file was already tracked.
func (t *Tailer) Track(path string) bool {
	t.mu.Lock()
	_, ok := t.cursors[path]
	t.mu.Unlock()
	if ok {
		return false
	}
	t.setCursor(path, 0, 0)
	return true
}

// Forget stops tracking a removed file.
func (t *Tailer) Forget(path string) {
	t.mu.Lock()
	delete(t.cursors, path)
	delete(t.lineNos, path)
	t.mu.Unlock()
	t.ckpt.Delete(path)
	t.metrics.TailerCursor.DeleteLabelValues(path)
}

// Cursor returns the current cursor of path.
func (t *Tailer) Cursor(path string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	off, ok := t.cursors[path]
	return off, ok
}

// Read returns the complete lines appended since the cursor and advances
// it past the last newline. A missing file is an empty delta; on a read
// error the cursor is left where it was.
func (t *Tailer) Read(path string) (domain.FileDelta, error) {
	t.mu.Lock()
	cursor, before := t.cursors[path], t.lineNos[path]
	t.mu.Unlock()
	delta := domain.FileDelta{Path: path, Offset: cursor}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return delta, nil
		}
		return delta, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return delta, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() < cursor {
		t.logger.Warn("file truncated, reading from start", "file", path, "cursor", cursor, "size", info.Size())
		cursor, before = 0, 0
	}
	if info.Size() == cursor {
		return delta, nil
	}

	if _, err := f.Seek(cursor, io.SeekStart); err != nil {
		return delta, fmt.Errorf("failed to seek %s: %w", path, err)
	}
	data, err := io.ReadAll(io.LimitReader(f, info.Size()-cursor))
	if err != nil {
		return delta, fmt.Errorf("failed to read %s: %w", path, err)
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return delta, nil
	}

	delta.Lines = splitLines(data[:end+1])
	delta.FirstLine = before + 1
	delta.Offset = cursor + int64(end+1)
	t.setCursor(path, delta.Offset, before+len(delta.Lines))
	return delta, nil
}

// Save persists all cursors.
func (t *Tailer) Save() error {
	return t.ckpt.Save()
}

func (t *Tailer) setCursor(path string, off int64, lineNo int) {
	t.mu.Lock()
	t.cursors[path] = off
	t.lineNos[path] = lineNo
	t.mu.Unlock()
	t.ckpt.Set(path, off)
	t.metrics.TailerCursor.WithLabelValues(path).Set(float64(off))
}

// lastLines returns up to n of the complete lines in r, how many complete
// lines r holds and the offset just past the last newline.
func lastLines(r io.Reader, n int) ([]string, int, int64, error) {
	ring := make([]string, 0, n)
	var offset int64
	total := 0

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, 0, 0, err
		}
		total++
		offset += int64(len(line))
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, strings.TrimRight(line, "\r\n"))
	}
	return ring, total, offset, nil
}

// countLines counts the newlines in the first limit bytes of path.
func countLines(path string, limit int64) (int, error) {
	if limit == 0 {
		return 0, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	buf := make([]byte, 32*1024)
	r := io.LimitReader(f, limit)
	for {
		k, err := r.Read(buf)
		n += bytes.Count(buf[:k], []byte{'\n'})
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

func splitLines(data []byte) []string {
	raw := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	lines := make([]string, len(raw))
	for i, l := range raw {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
