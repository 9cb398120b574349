package domain

import "time"

// JournalKind distinguishes the records kept in the local journal.
type JournalKind string

const (
	// JournalInconsistency records a vector write whose relational write failed.
	JournalInconsistency JournalKind = "inconsistency"
	// JournalDeferred records a message that could not be embedded and whose
	// deferral could not reach the queue.
	JournalDeferred JournalKind = "deferred"
)

// JournalEntry is one line of the local journal.
type JournalEntry struct {
	Kind       JournalKind `json:"kind"`
	Collection string      `json:"collection"`
	Message    Message     `json:"message"`
	Analysis   *Analysis   `json:"analysis,omitempty"`
	PointID    string      `json:"point_id,omitempty"`
	Reason     string      `json:"reason"`
	Attempts   int         `json:"attempts,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// DeferredMessage is a message whose persistence was postponed.
type DeferredMessage struct {
	Message    Message   `json:"message"`
	Collection string    `json:"collection"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	DeferredAt time.Time `json:"deferred_at"`

	// StreamID is the queue entry id, set when read back from the queue.
	StreamID string `json:"-"`
}

// JournalEntry converts a deferral into its journal form.
func (d DeferredMessage) JournalEntry() JournalEntry {
	return JournalEntry{
		Kind:       JournalDeferred,
		Collection: d.Collection,
		Message:    d.Message,
		Reason:     d.Reason,
		Attempts:   d.Attempts,
		RecordedAt: d.DeferredAt,
	}
}

// Deferred converts a journaled deferral back into a DeferredMessage.
func (e JournalEntry) Deferred() DeferredMessage {
	return DeferredMessage{
		Message:    e.Message,
		Collection: e.Collection,
		Reason:     e.Reason,
		Attempts:   e.Attempts,
		DeferredAt: e.RecordedAt,
	}
}
