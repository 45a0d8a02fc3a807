package hybrid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sundae-labs/layerline/turnstate"
)

type memoryStore struct {
	mu         sync.Mutex
	turns      map[string]turnstate.TurnRecord
	executions map[string][]turnstate.LayerExecution
	memories   map[string]turnstate.TurnMemory
	failWrites bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		turns:      map[string]turnstate.TurnRecord{},
		executions: map[string][]turnstate.LayerExecution{},
		memories:   map[string]turnstate.TurnMemory{},
	}
}

func (m *memoryStore) SaveTurn(ctx context.Context, turn turnstate.TurnRecord) error {
	_ = ctx
	if m.failWrites {
		return errors.New("write failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[turn.TurnID] = turn
	return nil
}

func (m *memoryStore) LoadTurn(ctx context.Context, turnID string) (turnstate.TurnRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	turn, ok := m.turns[turnID]
	if !ok {
		return turnstate.TurnRecord{}, turnstate.ErrNotFound
	}
	return turn, nil
}

func (m *memoryStore) ListTurns(ctx context.Context, query turnstate.ListTurnsQuery) ([]turnstate.TurnRecord, error) {
	_ = ctx
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
	return out, nil
}

func (m *memoryStore) AppendExecution(ctx context.Context, exec turnstate.LayerExecution) error {
	_ = ctx
	if m.failWrites {
		return errors.New("write failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.executions[exec.TurnID]
	for _, item := range existing {
		if item.Seq == exec.Seq {
			return turnstate.ErrConflict
		}
	}
	m.executions[exec.TurnID] = append(existing, exec)
	return nil
}

func (m *memoryStore) ListExecutions(ctx context.Context, turnID string) ([]turnstate.LayerExecution, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]turnstate.LayerExecution(nil), m.executions[turnID]...), nil
}

func (m *memoryStore) SaveMemory(ctx context.Context, memory turnstate.TurnMemory) error {
	_ = ctx
	if m.failWrites {
		return errors.New("write failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memories[memory.SessionID] = memory
	return nil
}

func (m *memoryStore) LoadMemory(ctx context.Context, sessionID string) (turnstate.TurnMemory, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	memory, ok := m.memories[sessionID]
	if !ok {
		return turnstate.TurnMemory{}, turnstate.ErrNotFound
	}
	return memory, nil
}

func (m *memoryStore) Close() error { return nil }

func TestHybridStore_WriteUsesDurableAsSourceOfTruth(t *testing.T) {
	durable := newMemoryStore()
	cache := newMemoryStore()
	cache.failWrites = true

	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}

	now := time.Now().UTC()
	turn := turnstate.TurnRecord{
		TurnID:    "turn-1",
		SessionID: "sess-1",
		Status:    turnstate.TurnRunning,
		Payload:   "hello",
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := h.SaveTurn(context.Background(), turn); err != nil {
		t.Fatalf("SaveTurn should succeed when cache fails: %v", err)
	}
	if _, err := durable.LoadTurn(context.Background(), "turn-1"); err != nil {
		t.Fatalf("durable store should contain turn: %v", err)
	}
}

func TestHybridStore_ReadFallbackAndBackfill(t *testing.T) {
	durable := newMemoryStore()
	cache := newMemoryStore()

	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}

	now := time.Now().UTC()
	turn := turnstate.TurnRecord{
		TurnID:    "turn-2",
		SessionID: "sess-2",
		Status:    turnstate.TurnRunning,
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := durable.SaveTurn(context.Background(), turn); err != nil {
		t.Fatalf("durable SaveTurn failed: %v", err)
	}

	got, err := h.LoadTurn(context.Background(), "turn-2")
	if err != nil {
		t.Fatalf("LoadTurn failed: %v", err)
	}
	if got.TurnID != "turn-2" {
		t.Fatalf("unexpected turn: %#v", got)
	}
	if _, err := cache.LoadTurn(context.Background(), "turn-2"); err != nil {
		t.Fatalf("expected backfill into cache, got err: %v", err)
	}
}

func TestHybridStore_ExecutionConflictComesFromDurable(t *testing.T) {
	durable := newMemoryStore()
	cache := newMemoryStore()

	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}

	exec := turnstate.LayerExecution{
		TurnID:    "turn-3",
		SessionID: "sess-3",
		LayerID:   "reason",
		Seq:       1,
		Outcome:   turnstate.OutcomeSuccess,
	}
	if err := h.AppendExecution(context.Background(), exec); err != nil {
		t.Fatalf("AppendExecution failed: %v", err)
	}
	if err := h.AppendExecution(context.Background(), exec); !errors.Is(err, turnstate.ErrConflict) {
		t.Fatalf("expected ErrConflict from durable store, got %v", err)
	}

	cached, err := cache.ListExecutions(context.Background(), "turn-3")
	if err != nil {
		t.Fatalf("cache ListExecutions failed: %v", err)
	}
	if len(cached) != 1 {
		t.Fatalf("expected execution mirrored into cache once, got %d", len(cached))
	}
}

func TestHybridStore_FailsWhenDurableFails(t *testing.T) {
	durable := newMemoryStore()
	durable.failWrites = true
	cache := newMemoryStore()

	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	err = h.SaveTurn(context.Background(), turnstate.TurnRecord{
		TurnID:    "turn-4",
		SessionID: "sess-4",
		Status:    turnstate.TurnRunning,
	})
	if err == nil {
		t.Fatalf("expected SaveTurn to fail when durable write fails")
	}
}
