package tailer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// checkpointData is the on-disk JSON structure for persisted cursors.
type checkpointData struct {
	Offsets map[string]int64 `json:"offsets"`
}

// Checkpoint persists file cursors so tailing can resume after a restart.
type Checkpoint struct {
	mu   sync.RWMutex
	path string
	data checkpointData
}

// NewCheckpoint loads the checkpoint at path, starting empty when the file
// does not exist. An empty path keeps cursors in memory only.
func NewCheckpoint(path string) (*Checkpoint, error) {
	c := &Checkpoint{
		path: path,
		data: checkpointData{Offsets: make(map[string]int64)},
	}
	if path == "" {
		return c, nil
	}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	default:
		if err := json.Unmarshal(raw, &c.data); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
		}
	}
	if c.data.Offsets == nil {
		c.data.Offsets = make(map[string]int64)
	}
	return c, nil
}

// Get returns the saved cursor for a file path.
func (c *Checkpoint) Get(path string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data.Offsets[path]
	return v, ok
}

// Set records the cursor for a file path.
func (c *Checkpoint) Set(path string, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Offsets[path] = offset
}

// Delete forgets a file path.
func (c *Checkpoint) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data.Offsets, path)
}

// Save writes the checkpoint to disk atomically.
func (c *Checkpoint) Save() error {
	if c.path == "" {
		return nil
	}

	c.mu.RLock()
	raw, err := json.MarshalIndent(c.data, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
