package mocks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
)

// MockMessageStore is a mock implementation of domain.MessageStore for testing.
type MockMessageStore struct {
	mu         sync.Mutex
	Stored     map[string]domain.MessageRecord
	Saved      []domain.MessageRecord
	Queries    [][]string
	Risky      []domain.UserStats
	ExistsErr  error
	SaveErr    error
	SinceErr   error
	SaveErrFor map[string]error
}

func NewMockMessageStore(existing ...string) *MockMessageStore {
	m := &MockMessageStore{Stored: make(map[string]domain.MessageRecord)}
	for _, id := range existing {
		m.Stored[id] = domain.MessageRecord{Message: domain.Message{ID: id}}
	}
	return m
}

func (m *MockMessageStore) ExistingIDs(ctx context.Context, ids []string) (domain.IDSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries = append(m.Queries, append([]string(nil), ids...))
	if m.ExistsErr != nil {
		return nil, m.ExistsErr
	}
	found := domain.NewIDSet()
	for _, id := range ids {
		if _, ok := m.Stored[id]; ok {
			found.Add(id)
		}
	}
	return found, nil
}

func (m *MockMessageStore) SaveAnalysis(ctx context.Context, rec domain.MessageRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return false, m.SaveErr
	}
	if err := m.SaveErrFor[rec.Message.ID]; err != nil {
		return false, err
	}
	if m.Stored == nil {
		m.Stored = make(map[string]domain.MessageRecord)
	}
	if _, ok := m.Stored[rec.Message.ID]; ok {
		return false, nil
	}
	m.Stored[rec.Message.ID] = rec
	m.Saved = append(m.Saved, rec)
	return true, nil
}

func (m *MockMessageStore) IDsSince(ctx context.Context, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SinceErr != nil {
		return nil, m.SinceErr
	}
	ids := make([]string, 0, len(m.Stored))
	for id := range m.Stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MockMessageStore) RiskyUsers(ctx context.Context, limit int) ([]domain.UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > 0 && len(m.Risky) > limit {
		return m.Risky[:limit], nil
	}
	return m.Risky, nil
}

func (m *MockMessageStore) SavedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.Saved))
	for i, rec := range m.Saved {
		ids[i] = rec.Message.ID
	}
	return ids
}

// MockVectorStore is a mock implementation of domain.VectorStore for testing.
type MockVectorStore struct {
	mu           sync.Mutex
	Points       map[string]map[string]domain.VectorPoint
	Upserted     []domain.VectorPoint
	Queries      [][]string
	Similar      []domain.SimilarMessage
	Fresh        bool
	EnsureErr    error
	ExistsErr    error
	UpsertErr    error
	SearchErr    error
	UpsertErrFor map[string]error
}

func NewMockVectorStore() *MockVectorStore {
	return &MockVectorStore{Points: make(map[string]map[string]domain.VectorPoint)}
}

// Seed marks ids as already stored in collection.
func (m *MockVectorStore) Seed(collection string, ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Points[collection] == nil {
		m.Points[collection] = make(map[string]domain.VectorPoint)
	}
	for _, id := range ids {
		m.Points[collection][id] = domain.VectorPoint{PointID: id, MessageID: id}
	}
}

func (m *MockVectorStore) EnsureCollection(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnsureErr != nil {
		return false, m.EnsureErr
	}
	if _, ok := m.Points[name]; !ok {
		m.Points[name] = make(map[string]domain.VectorPoint)
		return true, nil
	}
	return m.Fresh, nil
}

func (m *MockVectorStore) ExistingIDs(ctx context.Context, collection string, ids []string) (domain.IDSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries = append(m.Queries, append([]string(nil), ids...))
	if m.ExistsErr != nil {
		return nil, m.ExistsErr
	}
	found := domain.NewIDSet()
	for _, id := range ids {
		if _, ok := m.Points[collection][id]; ok {
			found.Add(id)
		}
	}
	return found, nil
}

func (m *MockVectorStore) Upsert(ctx context.Context, collection string, point domain.VectorPoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertErr != nil {
		return false, m.UpsertErr
	}
	if err := m.UpsertErrFor[point.MessageID]; err != nil {
		return false, err
	}
	if m.Points[collection] == nil {
		m.Points[collection] = make(map[string]domain.VectorPoint)
	}
	if _, ok := m.Points[collection][point.MessageID]; ok {
		return false, nil
	}
	m.Points[collection][point.MessageID] = point
	m.Upserted = append(m.Upserted, point)
	return true, nil
}

func (m *MockVectorStore) SearchSimilar(ctx context.Context, collection string, vector []float32, limit int, minScore float64) ([]domain.SimilarMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if limit > 0 && len(m.Similar) > limit {
		return m.Similar[:limit], nil
	}
	return m.Similar, nil
}

func (m *MockVectorStore) ScanPoints(ctx context.Context, collection, afterMessageID string, limit int) ([]domain.VectorPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.Points[collection]))
	for id := range m.Points[collection] {
		if id > afterMessageID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	points := make([]domain.VectorPoint, 0, len(ids))
	for _, id := range ids {
		points = append(points, m.Points[collection][id])
	}
	return points, nil
}

func (m *MockVectorStore) Collections(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.Points))
	for name := range m.Points {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MockVectorStore) UpsertedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.Upserted))
	for i, p := range m.Upserted {
		ids[i] = p.MessageID
	}
	return ids
}

// MockClassifier is a mock implementation of domain.Classifier for testing.
// Verdicts are looked up by message text; unknown texts get a clean analysis.
type MockClassifier struct {
	mu       sync.Mutex
	Verdicts map[string]domain.Analysis
	ErrFor   map[string]error
	Err      error
	Calls    []domain.Message
}

func (m *MockClassifier) Classify(ctx context.Context, msg domain.Message) (domain.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, msg)
	if m.Err != nil {
		return domain.Analysis{}, m.Err
	}
	if err := m.ErrFor[msg.Text]; err != nil {
		return domain.Analysis{}, err
	}
	a, ok := m.Verdicts[msg.Text]
	if !ok {
		a = domain.Analysis{Sentiment: domain.SentimentNeutral, ActionType: domain.ActionIgnore, ModelUsed: "mock"}
	}
	a.MessageID = msg.ID
	a.Normalize()
	return a, nil
}

// MockEmbedder is a mock implementation of domain.Embedder for testing.
type MockEmbedder struct {
	mu     sync.Mutex
	Vector []float32
	ErrFor map[string]error
	Err    error
	Calls  int
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if err := m.ErrFor[text]; err != nil {
		return nil, err
	}
	if m.Vector != nil {
		return m.Vector, nil
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// MockNotifier is a mock implementation of domain.Notifier for testing.
type MockNotifier struct {
	mu     sync.Mutex
	Alerts []domain.Alert
	Err    error
}

func (m *MockNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Alerts = append(m.Alerts, alert)
	return nil
}

func (m *MockNotifier) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Alerts)
}

// MockJournal is a mock implementation of domain.JournalRepository for testing.
type MockJournal struct {
	mu          sync.Mutex
	Entries     []domain.JournalEntry
	Truncated   bool
	WriteErr    error
	ReplayErr   error
	TruncateErr error
}

func (m *MockJournal) Write(ctx context.Context, entry domain.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Entries = append(m.Entries, entry)
	return nil
}

func (m *MockJournal) Replay(ctx context.Context, handler func(entry domain.JournalEntry) error) error {
	m.mu.Lock()
	entries := append([]domain.JournalEntry(nil), m.Entries...)
	replayErr := m.ReplayErr
	m.mu.Unlock()
	if replayErr != nil {
		return replayErr
	}
	for _, e := range entries {
		if err := handler(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockJournal) Truncate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TruncateErr != nil {
		return m.TruncateErr
	}
	m.Entries = nil
	m.Truncated = true
	return nil
}

// MockDeferredQueue is a mock implementation of domain.DeferredQueue for testing.
type MockDeferredQueue struct {
	mu         sync.Mutex
	Deferred   []domain.DeferredMessage
	ReadResult []domain.DeferredMessage
	Acked      []string
	DLQ        []domain.DeferredMessage
	DeferErr   error
	ReadErr    error
	AckErr     error
	DLQErr     error
}

func (m *MockDeferredQueue) Defer(ctx context.Context, msg domain.DeferredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeferErr != nil {
		return m.DeferErr
	}
	m.Deferred = append(m.Deferred, msg)
	return nil
}

// ReadDeferred hands out ReadResult once, then reports an empty queue.
func (m *MockDeferredQueue) ReadDeferred(ctx context.Context, group, consumer string, count int) ([]domain.DeferredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	batch := m.ReadResult
	m.ReadResult = nil
	return batch, nil
}

func (m *MockDeferredQueue) AcknowledgeDeferred(ctx context.Context, group string, streamIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.Acked = append(m.Acked, streamIDs...)
	return nil
}

func (m *MockDeferredQueue) MoveToDLQ(ctx context.Context, msgs []domain.DeferredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DLQErr != nil {
		return m.DLQErr
	}
	m.DLQ = append(m.DLQ, msgs...)
	return nil
}

// MockAPIKeyRepository is a mock implementation of domain.APIKeyRepository for testing.
type MockAPIKeyRepository struct {
	ValidKeys map[string]bool
	Err       error
}

func (m *MockAPIKeyRepository) IsValid(ctx context.Context, key string) (bool, error) {
	if m.Err != nil {
		return false, m.Err
	}
	return m.ValidKeys[key], nil
}

// MockStreamAdminRepository is a mock implementation of domain.StreamAdminRepository for testing.
type MockStreamAdminRepository struct {
	Info      map[string]*domain.StreamInfo
	Groups    []domain.ConsumerGroupInfo
	Pending   []domain.PendingMessageDetail
	Claimed   []domain.DeferredMessage
	Acked     []string
	TrimmedTo int64
	Dead      []domain.DeferredMessage
	Requeued  []string
	Err       error
}

func (m *MockStreamAdminRepository) GetStreamInfo(ctx context.Context, stream string) (*domain.StreamInfo, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	info, ok := m.Info[stream]
	if !ok {
		return nil, errors.New("ERR no such key")
	}
	return info, nil
}

func (m *MockStreamAdminRepository) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	return m.Groups, m.Err
}

func (m *MockStreamAdminRepository) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	return nil, m.Err
}

func (m *MockStreamAdminRepository) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return &domain.PendingMessageSummary{Total: int64(len(m.Pending))}, nil
}

func (m *MockStreamAdminRepository) GetPendingMessages(ctx context.Context, stream, group, consumer string, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	return m.Pending, m.Err
}

func (m *MockStreamAdminRepository) ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]domain.DeferredMessage, error) {
	return m.Claimed, m.Err
}

func (m *MockStreamAdminRepository) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.Acked = append(m.Acked, messageIDs...)
	return int64(len(messageIDs)), nil
}

func (m *MockStreamAdminRepository) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.TrimmedTo = maxLen
	return 0, nil
}

func (m *MockStreamAdminRepository) DeadLetters(ctx context.Context, count int64) ([]domain.DeferredMessage, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if int64(len(m.Dead)) > count {
		return m.Dead[:count], nil
	}
	return m.Dead, nil
}

func (m *MockStreamAdminRepository) RequeueDeadLetters(ctx context.Context, streamIDs []string) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.Requeued = append(m.Requeued, streamIDs...)
	return len(streamIDs), nil
}
