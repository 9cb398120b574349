package domain

import "time"

// Redis stream names used by the pipeline.
const (
	DeferredStream   = "chatwatch:deferred"
	DeadLetterStream = "chatwatch:deferred:dlq"
	AlertStream      = "chatwatch:alerts"
)

// IsKnownStream reports whether stream is one the admin API may operate on.
func IsKnownStream(stream string) bool {
	switch stream {
	case DeferredStream, DeadLetterStream, AlertStream:
		return true
	}
	return false
}

// StreamInfo summarizes one of the pipeline's Redis streams.
type StreamInfo struct {
	Name         string `json:"name"`
	Length       int64  `json:"length"`
	Groups       int64  `json:"groups"`
	FirstEntryID string `json:"first_entry_id,omitempty"`
	LastEntryID  string `json:"last_entry_id,omitempty"`
}

// ConsumerGroupInfo represents a consumer group reading one of the pipeline streams.
type ConsumerGroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// ConsumerInfo represents a single consumer (e.g. a reconcile worker) in a group.
type ConsumerInfo struct {
	Name    string        `json:"name"`
	Pending int64         `json:"pending"`
	Idle    time.Duration `json:"idle_ms"`
}

// PendingMessageSummary provides a summary of unacknowledged deferred messages.
type PendingMessageSummary struct {
	Total          int64            `json:"total"`
	FirstMessageID string           `json:"first_message_id,omitempty"`
	LastMessageID  string           `json:"last_message_id,omitempty"`
	ConsumerTotals map[string]int64 `json:"consumer_totals,omitempty"`
}

// PendingMessageDetail is one unacknowledged stream entry.
type PendingMessageDetail struct {
	ID         string        `json:"id"`
	Consumer   string        `json:"consumer"`
	IdleTime   time.Duration `json:"idle_time_ms"`
	RetryCount int64         `json:"retry_count"`
}
