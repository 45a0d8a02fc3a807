package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sundae-labs/layerline/turnstate"
)

// memStore is an in-memory turnstate.Store for scheduler tests.
type memStore struct {
	mu         sync.Mutex
	turns      map[string]turnstate.TurnRecord
	executions map[string][]turnstate.LayerExecution
	memories   map[string]turnstate.TurnMemory
	memWrites  int
	// failMemWrites makes the next N SaveMemory calls fail.
	failMemWrites int
}

func newMemStore() *memStore {
	return &memStore{
		turns:      map[string]turnstate.TurnRecord{},
		executions: map[string][]turnstate.LayerExecution{},
		memories:   map[string]turnstate.TurnMemory{},
	}
}

func (m *memStore) SaveTurn(_ context.Context, turn turnstate.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[turn.TurnID] = turn
	return nil
}

func (m *memStore) LoadTurn(_ context.Context, turnID string) (turnstate.TurnRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turn, ok := m.turns[turnID]
	if !ok {
		return turnstate.TurnRecord{}, turnstate.ErrNotFound
	}
	return turn, nil
}

func (m *memStore) ListTurns(_ context.Context, query turnstate.ListTurnsQuery) ([]turnstate.TurnRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]turnstate.TurnRecord, 0, len(m.turns))
	for _, turn := range m.turns {
		if query.SessionID != "" && turn.SessionID != query.SessionID {
			continue
		}
		if query.Status != "" && turn.Status != query.Status {
			continue
		}
		out = append(out, turn)
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (m *memStore) AppendExecution(_ context.Context, exec turnstate.LayerExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.executions[exec.TurnID] {
		if existing.Seq == exec.Seq {
			return turnstate.ErrConflict
		}
	}
	m.executions[exec.TurnID] = append(m.executions[exec.TurnID], exec)
	return nil
}

func (m *memStore) ListExecutions(_ context.Context, turnID string) ([]turnstate.LayerExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]turnstate.LayerExecution(nil), m.executions[turnID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *memStore) SaveMemory(_ context.Context, memory turnstate.TurnMemory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMemWrites > 0 {
		m.failMemWrites--
		return fmt.Errorf("memory write refused")
	}
	m.memories[memory.SessionID] = memory
	m.memWrites++
	return nil
}

func (m *memStore) LoadMemory(_ context.Context, sessionID string) (turnstate.TurnMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	memory, ok := m.memories[sessionID]
	if !ok {
		return turnstate.TurnMemory{}, turnstate.ErrNotFound
	}
	return memory, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) memoryWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memWrites
}
