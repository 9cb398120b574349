package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/V4T54L/chatwatch/internal/domain"
)

const (
	segmentPrefix = "journal-"
	segmentSuffix = ".jsonl"
	lockFile      = "journal.lock"
	filePerm      = 0o644
	maxEntrySize  = 1 << 20
)

// ErrJournalFull is returned when a write would exceed the disk budget.
var ErrJournalFull = errors.New("journal max total size exceeded")

// JournalRepository is an append-only journal of JSON lines split into
// size-bounded segment files. It records what the two stores could not
// agree on so a later sweep can repair it.
//
// Several processes may share a directory (a long-running watch and a
// reconcile run). Writes, replays and truncation hold a file lock on the
// directory, and Truncate only removes bytes an earlier Replay read.
type JournalRepository struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger
	lock           *flock.Flock

	mu          sync.Mutex
	segment     *os.File
	segmentPath string
	segmentSize int64
	totalSize   int64
	// replayed maps each segment to the bytes Replay handled since the last
	// Truncate. Only the smallest size seen is kept.
	replayed map[string]int64
}

// NewJournalRepository opens (or creates) the journal in dir.
func NewJournalRepository(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*JournalRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %s: %w", dir, err)
	}

	j := &JournalRepository{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "journal"),
		lock:           flock.New(filepath.Join(dir, lockFile)),
		replayed:       make(map[string]int64),
	}
	if err := j.lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock journal directory %s: %w", dir, err)
	}
	defer j.unlock()

	total, err := j.diskUsage()
	if err != nil {
		return nil, err
	}
	j.totalSize = total
	if err := j.openLatest(); err != nil {
		return nil, err
	}
	return j, nil
}

// Write appends entry to the current segment and syncs it.
func (j *JournalRepository) Write(ctx context.Context, entry domain.JournalEntry) error {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock journal directory: %w", err)
	}
	defer j.unlock()

	if j.totalSize+int64(len(data)) > j.maxTotalSize {
		return fmt.Errorf("%w (%d > %d)", ErrJournalFull, j.totalSize+int64(len(data)), j.maxTotalSize)
	}
	// Another process may have truncated the segment this one holds open.
	if j.segment != nil && !j.segmentLinked() {
		j.logger.Info("journal segment removed by another process, rotating", "path", j.segmentPath)
		j.closeSegment()
	}
	if j.segment == nil {
		if err := j.rotate(); err != nil {
			return err
		}
	}

	n, err := j.segment.Write(data)
	j.segmentSize += int64(n)
	j.totalSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal segment: %w", err)
	}

	if j.segmentSize >= j.maxSegmentSize {
		if err := j.rotate(); err != nil {
			j.logger.Error("failed to rotate journal segment", "error", err)
		}
	}
	return nil
}

// Replay calls handler for every entry in write order. Corrupt lines are
// skipped; a handler error stops the replay. Fully replayed segments are
// remembered for Truncate.
func (j *JournalRepository) Replay(ctx context.Context, handler func(domain.JournalEntry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.lock.RLock(); err != nil {
		return fmt.Errorf("failed to lock journal directory: %w", err)
	}
	defer j.unlock()

	segments, err := j.segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	replayed := 0
	for _, path := range segments {
		size, n, err := replaySegment(ctx, path, handler, j.logger)
		replayed += n
		if err != nil {
			return err
		}
		if prev, ok := j.replayed[path]; !ok || size < prev {
			j.replayed[path] = size
		}
	}
	if replayed > 0 {
		j.logger.Info("journal replayed", "segments", len(segments), "entries", replayed)
	}
	return nil
}

// replaySegment returns the segment size it covered and the entries handled.
// Writers are locked out, so the size cannot change while it reads.
func replaySegment(ctx context.Context, path string, handler func(domain.JournalEntry) error, logger *slog.Logger) (int64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat segment %s: %w", path, err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEntrySize)
	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return 0, n, err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry domain.JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			logger.Warn("skipping corrupt journal entry", "segment", filepath.Base(path), "error", err)
			continue
		}
		if err := handler(entry); err != nil {
			return 0, n, fmt.Errorf("journal replay handler failed: %w", err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, n, fmt.Errorf("failed to scan segment %s: %w", path, err)
	}
	return info.Size(), n, nil
}

// Truncate drops what earlier Replay calls handled. A segment that grew
// since it was replayed keeps its unreplayed tail under the same name;
// segments created after the replay are left alone.
func (j *JournalRepository) Truncate(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock journal directory: %w", err)
	}
	defer j.unlock()

	var errs []error
	removed, trimmed := 0, 0
	for path, size := range j.replayed {
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if info.Size() <= size {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
			continue
		}
		if err := keepTail(path, size); err != nil {
			errs = append(errs, err)
			continue
		}
		trimmed++
	}
	clear(j.replayed)

	if j.segment != nil && !j.segmentLinked() {
		j.closeSegment()
	}
	if total, err := j.diskUsage(); err == nil {
		j.totalSize = total
	} else {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to truncate journal: %w", err)
	}
	j.logger.Info("journal truncated", "removed", removed, "trimmed", trimmed)
	return nil
}

// keepTail replaces path with the bytes after offset. The replacement is a
// new file, so a writer holding the old one notices and rotates.
func keepTail(path string, offset int64) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer src.Close()
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek segment %s: %w", path, err)
	}

	tmp := path + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy segment tail of %s: %w", path, err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Size returns the bytes currently held on disk.
func (j *JournalRepository) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.totalSize
}

// Close closes the current segment and releases the lock file.
func (j *JournalRepository) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var err error
	if j.segment != nil {
		err = j.segment.Close()
		j.segment = nil
	}
	return errors.Join(err, j.lock.Close())
}

func (j *JournalRepository) unlock() {
	if err := j.lock.Unlock(); err != nil {
		j.logger.Warn("failed to unlock journal directory", "error", err)
	}
}

// segmentLinked reports whether the open segment is still the file at its
// path.
func (j *JournalRepository) segmentLinked() bool {
	onDisk, err := os.Stat(j.segmentPath)
	if err != nil {
		return false
	}
	held, err := j.segment.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(onDisk, held)
}

func (j *JournalRepository) closeSegment() {
	if j.segment == nil {
		return
	}
	if err := j.segment.Sync(); err != nil {
		j.logger.Warn("failed to sync journal segment", "error", err)
	}
	if err := j.segment.Close(); err != nil {
		j.logger.Warn("failed to close journal segment", "error", err)
	}
	j.segment = nil
}

func (j *JournalRepository) rotate() error {
	j.closeSegment()

	path := filepath.Join(j.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, time.Now().UnixNano(), segmentSuffix))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create journal segment %s: %w", path, err)
	}
	j.segment = f
	j.segmentPath = path
	j.segmentSize = 0
	j.logger.Debug("opened new journal segment", "path", path)
	return nil
}

func (j *JournalRepository) openLatest() error {
	segments, err := j.segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return j.rotate()
	}

	latest := segments[len(segments)-1]
	info, err := os.Stat(latest)
	if err != nil {
		return fmt.Errorf("failed to stat journal segment %s: %w", latest, err)
	}
	if info.Size() >= j.maxSegmentSize {
		return j.rotate()
	}
	f, err := os.OpenFile(latest, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open journal segment %s: %w", latest, err)
	}
	j.segment = f
	j.segmentPath = latest
	j.segmentSize = info.Size()
	return nil
}

// segments lists segment files oldest first. Names embed a zero-padded
// timestamp so lexical order is write order.
func (j *JournalRepository) segments() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), segmentPrefix) && strings.HasSuffix(e.Name(), segmentSuffix) {
			out = append(out, filepath.Join(j.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (j *JournalRepository) diskUsage() (int64, error) {
	segments, err := j.segments()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, path := range segments {
		info, err := os.Stat(path)
		if err != nil {
			return 0, fmt.Errorf("failed to stat journal segment %s: %w", path, err)
		}
		total += info.Size()
	}
	return total, nil
}
