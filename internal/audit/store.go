package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/agentgrid/backend/internal/core"
)

// ChainStore is the durable backing for audit chains. Implementations must
// be append-only and key-ordered by seq; Append must reject duplicate
// sequences.
type ChainStore interface {
	Append(ctx context.Context, chainID string, e core.AuditEntry) error
	Last(ctx context.Context, chainID string) (core.AuditEntry, bool, error)
	Get(ctx context.Context, chainID string, seq uint64) (core.AuditEntry, bool, error)
	// Range returns entries with from <= seq <= to in seq order; to == 0
	// means the open end of the chain.
	Range(ctx context.Context, chainID string, from, to uint64) ([]core.AuditEntry, error)
	// HasEvent reports whether an entry with the given event type,
	// correlation ID and payload step_id exists.
	HasEvent(ctx context.Context, chainID, eventType, correlationID, stepID string) (bool, error)
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryStore is the default store for dev and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]core.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]core.AuditEntry)}
}

func (s *MemoryStore) Append(ctx context.Context, chainID string, e core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.chains[chainID]
	if uint64(len(entries))+1 != e.Seq {
		return errors.New("sequence gap or duplicate")
	}
	s.chains[chainID] = append(entries, e)
	return nil
}

func (s *MemoryStore) Last(ctx context.Context, chainID string) (core.AuditEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.chains[chainID]
	if len(entries) == 0 {
		return core.AuditEntry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

func (s *MemoryStore) Get(ctx context.Context, chainID string, seq uint64) (core.AuditEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.chains[chainID]
	if seq == 0 || seq > uint64(len(entries)) {
		return core.AuditEntry{}, false, nil
	}
	return entries[seq-1], true, nil
}

func (s *MemoryStore) Range(ctx context.Context, chainID string, from, to uint64) ([]core.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.chains[chainID]
	if from == 0 {
		from = 1
	}
	if to == 0 || to > uint64(len(entries)) {
		to = uint64(len(entries))
	}
	if from > to {
		return nil, nil
	}

	out := make([]core.AuditEntry, to-from+1)
	copy(out, entries[from-1:to])
	return out, nil
}

func (s *MemoryStore) HasEvent(ctx context.Context, chainID, eventType, correlationID, stepID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.chains[chainID] {
		if e.EventType != eventType || e.CorrelationID != correlationID {
			continue
		}
		if sid, ok := e.Payload["step_id"].(string); ok && sid == stepID {
			return true, nil
		}
	}
	return false, nil
}

// Corrupt mutates a stored entry in place, bypassing the chain. Test hook
// for tamper-detection scenarios; never called by production code.
func (s *MemoryStore) Corrupt(chainID string, seq uint64, mutate func(*core.AuditEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.chains[chainID]
	if seq == 0 || seq > uint64(len(entries)) {
		return false
	}
	mutate(&entries[seq-1])
	return true
}
