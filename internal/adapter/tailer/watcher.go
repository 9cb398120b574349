package tailer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/V4T54L/chatwatch/internal/domain"
)

const logExt = ".log"

// Watcher monitors a chat log directory tree for changes to .log files.
type Watcher struct {
	fsw     *fsnotify.Watcher
	events  chan domain.FileEvent
	root    string
	pattern string
	logger  *slog.Logger
}

// NewWatcher watches root and every directory below it. Only files whose
// path matches the doublestar pattern (relative to root) are reported.
func NewWatcher(root, pattern string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	if pattern == "" {
		pattern = "**/*" + logExt
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:     fsw,
		events:  make(chan domain.FileEvent, 256),
		root:    abs,
		pattern: pattern,
		logger:  logger.With("component", "watcher"),
	}
	if err := w.addTree(abs); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Events returns the channel of relevant file changes.
func (w *Watcher) Events() <-chan domain.FileEvent {
	return w.events
}

// Discover lists the chat logs currently present under root.
func (w *Watcher) Discover() ([]string, error) {
	matches, err := doublestar.FilepathGlob(
		filepath.Join(w.root, filepath.FromSlash(w.pattern)),
		doublestar.WithFilesOnly(),
		doublestar.WithFailOnIOErrors(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", w.pattern, err)
	}

	paths := matches[:0]
	for _, m := range matches {
		if strings.HasSuffix(m, logExt) {
			paths = append(paths, m)
		}
	}
	return paths, nil
}

// Matches reports whether path is a chat log this watcher cares about.
func (w *Watcher) Matches(path string) bool {
	if !strings.HasSuffix(path, logExt) {
		return false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	ok, _ := doublestar.PathMatch(filepath.FromSlash(w.pattern), rel)
	return ok
}

// Start forwards file events until ctx is cancelled, then closes Events.
func (w *Watcher) Start(ctx context.Context) {
	defer w.fsw.Close()
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if isDir(ev.Name) {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("cannot watch new directory", "dir", ev.Name, "error", err)
			}
			return
		}
	}
	if !w.Matches(ev.Name) {
		return
	}

	var kind domain.FileEventKind
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = domain.FileCreated
	case ev.Op&fsnotify.Write != 0:
		kind = domain.FileWritten
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		kind = domain.FileRemoved
	default:
		return
	}

	select {
	case w.events <- domain.FileEvent{Path: ev.Name, Kind: kind}:
	case <-ctx.Done():
	}
}

// addTree watches dir and all directories below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("cannot watch %s: %w", path, err)
		}
		return nil
	})
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
