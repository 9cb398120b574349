package domain

import (
	"context"
	"time"
)

// IDSet is a set of message ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Add(id string) { s[id] = struct{}{} }

// MessageStore is the relational store of analyzed messages.
type MessageStore interface {
	// ExistingIDs returns the subset of ids already stored, using one batched query.
	ExistingIDs(ctx context.Context, ids []string) (IDSet, error)

	// SaveAnalysis inserts a message and its analysis and updates the author's stats.
	// It reports false without error when the id is already stored.
	SaveAnalysis(ctx context.Context, rec MessageRecord) (bool, error)

	// IDsSince lists ids analyzed after since, newest first.
	IDsSince(ctx context.Context, since time.Time) ([]string, error)

	// RiskyUsers lists medium and high risk authors.
	RiskyUsers(ctx context.Context, limit int) ([]UserStats, error)
}

// VectorStore is the similarity store, partitioned into collections.
type VectorStore interface {
	// EnsureCollection creates the collection if needed and reports whether it was created.
	EnsureCollection(ctx context.Context, name string) (bool, error)

	// ExistingIDs returns the subset of ids present in the collection.
	ExistingIDs(ctx context.Context, collection string, ids []string) (IDSet, error)

	// Upsert stores a point. A point whose message id is already present is a
	// no-op and reports false.
	Upsert(ctx context.Context, collection string, point VectorPoint) (bool, error)

	// SearchSimilar returns up to limit payloads whose cosine similarity is at least minScore.
	SearchSimilar(ctx context.Context, collection string, vector []float32, limit int, minScore float64) ([]SimilarMessage, error)

	// ScanPoints pages through a collection ordered by message id.
	ScanPoints(ctx context.Context, collection, afterMessageID string, limit int) ([]VectorPoint, error)

	// Collections lists known collections.
	Collections(ctx context.Context) ([]string, error)
}

// Classifier scores a message. Implementations default partial responses;
// an error means no usable verdict was obtained.
type Classifier interface {
	Classify(ctx context.Context, msg Message) (Analysis, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Notifier delivers an alert somewhere outside the pipeline.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// JournalRepository is the local append-only record of declared
// inconsistencies and undeliverable deferrals.
type JournalRepository interface {
	// Write appends an entry to the journal.
	Write(ctx context.Context, entry JournalEntry) error

	// Replay reads entries in write order and passes them to handler.
	Replay(ctx context.Context, handler func(entry JournalEntry) error) error

	// Truncate removes all replayed entries.
	Truncate(ctx context.Context) error
}

// DeferredQueue holds messages whose persistence must be retried later.
type DeferredQueue interface {
	// Defer enqueues a message for a later retry.
	Defer(ctx context.Context, msg DeferredMessage) error

	// ReadDeferred reads a batch of deferred messages for a consumer of group.
	ReadDeferred(ctx context.Context, group, consumer string, count int) ([]DeferredMessage, error)

	// AcknowledgeDeferred marks deferred messages as handled.
	AcknowledgeDeferred(ctx context.Context, group string, streamIDs ...string) error

	// MoveToDLQ parks messages that exhausted their retries.
	MoveToDLQ(ctx context.Context, msgs []DeferredMessage) error
}

// APIKeyRepository defines the interface for validating API keys.
type APIKeyRepository interface {
	// IsValid checks if the provided API key is valid and active.
	// Implementations should handle caching to reduce database load.
	IsValid(ctx context.Context, key string) (bool, error)
}

// StreamAdminRepository exposes operational views over the pipeline's streams.
type StreamAdminRepository interface {
	GetStreamInfo(ctx context.Context, stream string) (*StreamInfo, error)
	GetGroupInfo(ctx context.Context, stream string) ([]ConsumerGroupInfo, error)
	GetConsumerInfo(ctx context.Context, stream, group string) ([]ConsumerInfo, error)
	GetPendingSummary(ctx context.Context, stream, group string) (*PendingMessageSummary, error)
	GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]PendingMessageDetail, error)
	ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]DeferredMessage, error)
	AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error)
	TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error)

	// DeadLetters lists parked deferrals, newest first.
	DeadLetters(ctx context.Context, count int64) ([]DeferredMessage, error)
	// RequeueDeadLetters moves parked deferrals back to the deferred stream.
	RequeueDeadLetters(ctx context.Context, streamIDs []string) (int, error)
}
