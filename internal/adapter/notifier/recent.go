package notifier

import (
	"context"
	"sync"

	"github.com/V4T54L/chatwatch/internal/domain"
)

// DefaultRecentSize is how many alerts Recent keeps.
const DefaultRecentSize = 100

// Recent keeps the last alerts in a ring for the admin API.
type Recent struct {
	mu    sync.RWMutex
	buf   []domain.Alert
	next  int
	count int
}

// NewRecent creates a ring holding up to size alerts.
func NewRecent(size int) *Recent {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &Recent{buf: make([]domain.Alert, size)}
}

// Notify records alert, evicting the oldest when full.
func (r *Recent) Notify(_ context.Context, alert domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = alert
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	return nil
}

// List returns the held alerts, newest first.
func (r *Recent) List() []domain.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Alert, 0, r.count)
	for i := 1; i <= r.count; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}
