// internal/service/reconciliation/infrastructure/memory_store.go
package infrastructure

import (
	"context"
	"sync"
	"time"

	"reconcilia/internal/service/reconciliation/domain"
)

// MemoryStore 是 OrderStore 的进程内实现，开发和测试环境的默认后端。
// 记录只增不删：进入终态且副作用完成的记录保留在内存里供审计查询。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*domain.OrderRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*domain.OrderRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, orderKey string) (*domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[orderKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, orderKey string, snapshot domain.OrderSnapshot) (*domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[orderKey]; ok {
		return nil, domain.ErrAlreadyExists
	}
	record := domain.NewOrderRecord(orderKey, snapshot)
	s.records[orderKey] = record
	return record.Clone(), nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, orderKey string, expectedVersion int64, mutate domain.Mutator) (*domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[orderKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}

	// mutator 在副本上工作，失败时不留下任何部分写入
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now()
	s.records[orderKey] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListUnfinished(ctx context.Context) ([]*domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.OrderRecord
	for _, record := range s.records {
		if record.CanonicalStatus.TriggersSideEffects() && (!record.EmailSent || !record.CalendarEventCreated) {
			out = append(out, record.Clone())
		}
	}
	return out, nil
}
