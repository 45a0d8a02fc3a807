package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sundae-labs/layerline/turnstate"
)

func newTestRedisStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "layerline-test-" + uuid.NewString()

	s, err := New(addr, WithPrefix(prefix), WithTTL(5*time.Minute))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStore_SaveLoadTurnAndTTL(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	turn := turnstate.TurnRecord{
		TurnID:    "turn-1",
		SessionID: "sess-1",
		Pipeline:  "order",
		Status:    turnstate.TurnRunning,
		Payload:   "hello",
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := s.SaveTurn(ctx, turn); err != nil {
		t.Fatalf("SaveTurn failed: %v", err)
	}

	got, err := s.LoadTurn(ctx, "turn-1")
	if err != nil {
		t.Fatalf("LoadTurn failed: %v", err)
	}
	if got.TurnID != "turn-1" || got.SessionID != "sess-1" {
		t.Fatalf("unexpected turn: %#v", got)
	}

	turns, err := s.ListTurns(ctx, turnstate.ListTurnsQuery{SessionID: "sess-1", Limit: 10})
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}

	ttl, err := s.client.TTL(ctx, s.turnKey("turn-1")).Result()
	if err != nil {
		t.Fatalf("failed to read turn ttl: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected ttl > 0, got %v", ttl)
	}
}

func TestRedisStore_AppendExecutionWriteOnce(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	exec := turnstate.LayerExecution{
		TurnID:      "turn-exec",
		SessionID:   "sess-exec",
		LayerID:     "reason",
		Role:        "reasoning",
		Seq:         1,
		RawOutput:   "status(\"ok\")",
		Outcome:     turnstate.OutcomeSuccess,
		StartedAt:   time.Now().UTC(),
		CompletedAt: time.Now().UTC(),
	}
	if err := s.AppendExecution(ctx, exec); err != nil {
		t.Fatalf("AppendExecution 1 failed: %v", err)
	}
	exec.Seq = 2
	exec.LayerID = "content"
	if err := s.AppendExecution(ctx, exec); err != nil {
		t.Fatalf("AppendExecution 2 failed: %v", err)
	}
	if err := s.AppendExecution(ctx, exec); !errors.Is(err, turnstate.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate seq, got %v", err)
	}

	execs, err := s.ListExecutions(ctx, "turn-exec")
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	if execs[0].Seq != 1 || execs[1].Seq != 2 {
		t.Fatalf("expected ascending sequence order, got %#v", execs)
	}
}

func TestRedisStore_PrunesStaleSessionIndexEntries(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	turn := turnstate.TurnRecord{
		TurnID:    "turn-stale",
		SessionID: "sess-stale",
		Status:    turnstate.TurnRunning,
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := s.SaveTurn(ctx, turn); err != nil {
		t.Fatalf("SaveTurn failed: %v", err)
	}

	if err := s.client.Del(ctx, s.turnKey("turn-stale")).Err(); err != nil {
		t.Fatalf("failed to delete turn key: %v", err)
	}

	turns, err := s.ListTurns(ctx, turnstate.ListTurnsQuery{SessionID: "sess-stale", Limit: 10})
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected 0 turns after stale key prune, got %d", len(turns))
	}

	score, err := s.client.ZScore(ctx, s.sessionIndexKey("sess-stale"), "turn-stale").Result()
	if err == nil {
		t.Fatalf("expected stale turn index removed, found zscore=%f", score)
	}
}

func TestRedisStore_MemoryRoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	session := "sess-mem-" + uuid.NewString()
	if _, err := s.LoadMemory(ctx, session); !errors.Is(err, turnstate.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first write, got %v", err)
	}

	memory := turnstate.TurnMemory{
		SessionID: session,
		TurnID:    "turn-mem",
		Entities:  map[string]map[string]string{"customer": {"favorite": "strawberry"}},
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.SaveMemory(ctx, memory); err != nil {
		t.Fatalf("SaveMemory failed: %v", err)
	}

	got, err := s.LoadMemory(ctx, session)
	if err != nil {
		t.Fatalf("LoadMemory failed: %v", err)
	}
	if got.TurnID != "turn-mem" || got.Entities["customer"]["favorite"] != "strawberry" {
		t.Fatalf("unexpected memory: %#v", got)
	}
}

func TestRedisStore_NotFound(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.LoadTurn(ctx, "missing-"+uuid.NewString())
	if !errors.Is(err, turnstate.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing turn, got %v", err)
	}
}
