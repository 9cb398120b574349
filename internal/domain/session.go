package domain

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session holds the counters of one processing run.
type Session struct {
	ID        string
	Name      string
	StartedAt time.Time

	processed  atomic.Int64
	duplicates atomic.Int64
	alerts     atomic.Int64
	errors     atomic.Int64
	skipped    atomic.Int64
}

// SessionSnapshot is a point-in-time copy of a Session's counters.
type SessionSnapshot struct {
	ID         string        `json:"session_id"`
	Name       string        `json:"name"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Processed  int64         `json:"processed"`
	Duplicates int64         `json:"duplicates"`
	Alerts     int64         `json:"alerts"`
	Errors     int64         `json:"errors"`
	Skipped    int64         `json:"skipped"`
	Rate       float64       `json:"messages_per_second"`
}

// NewSession starts a run.
func NewSession(name string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: time.Now(),
	}
}

func (s *Session) AddProcessed(n int)  { s.processed.Add(int64(n)) }
func (s *Session) AddDuplicates(n int) { s.duplicates.Add(int64(n)) }
func (s *Session) AddAlerts(n int)     { s.alerts.Add(int64(n)) }
func (s *Session) AddErrors(n int)     { s.errors.Add(int64(n)) }
func (s *Session) AddSkipped(n int)    { s.skipped.Add(int64(n)) }

// Snapshot returns the current counters and throughput.
func (s *Session) Snapshot() SessionSnapshot {
	elapsed := time.Since(s.StartedAt)
	processed := s.processed.Load()

	var rate float64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(processed) / secs
	}

	return SessionSnapshot{
		ID:         s.ID,
		Name:       s.Name,
		StartedAt:  s.StartedAt,
		Elapsed:    elapsed,
		Processed:  processed,
		Duplicates: s.duplicates.Load(),
		Alerts:     s.alerts.Load(),
		Errors:     s.errors.Load(),
		Skipped:    s.skipped.Load(),
		Rate:       rate,
	}
}
