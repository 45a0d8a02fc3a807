// Package hybrid layers a cache store over a durable store. The durable
// store is the source of truth; cache failures degrade to durable-only.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/sundae-labs/layerline/turnstate"
)

type Store struct {
	durable turnstate.Store
	cache   turnstate.Store
}

func New(durable turnstate.Store, cache turnstate.Store) (*Store, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	return &Store{
		durable: durable,
		cache:   cache,
	}, nil
}

func (h *Store) SaveTurn(ctx context.Context, turn turnstate.TurnRecord) error {
	if err := h.durable.SaveTurn(ctx, turn); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveTurn(ctx, turn); err != nil {
			log.Printf("hybrid store cache SaveTurn failed: %v", err)
		}
	}
	return nil
}

func (h *Store) LoadTurn(ctx context.Context, turnID string) (turnstate.TurnRecord, error) {
	if h.cache != nil {
		turn, err := h.cache.LoadTurn(ctx, turnID)
		if err == nil {
			return turn, nil
		}
		if !errors.Is(err, turnstate.ErrNotFound) {
			log.Printf("hybrid store cache LoadTurn failed: %v", err)
		}
	}

	turn, err := h.durable.LoadTurn(ctx, turnID)
	if err != nil {
		return turnstate.TurnRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveTurn(ctx, turn); err != nil {
			log.Printf("hybrid store cache backfill SaveTurn failed: %v", err)
		}
	}
	return turn, nil
}

func (h *Store) ListTurns(ctx context.Context, query turnstate.ListTurnsQuery) ([]turnstate.TurnRecord, error) {
	return h.durable.ListTurns(ctx, query)
}

// AppendExecution lets the durable store decide the write-once outcome;
// the cache mirror may already hold the slot after a backfill, so its
// conflict is not surfaced.
func (h *Store) AppendExecution(ctx context.Context, exec turnstate.LayerExecution) error {
	if err := h.durable.AppendExecution(ctx, exec); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.AppendExecution(ctx, exec); err != nil && !errors.Is(err, turnstate.ErrConflict) {
			log.Printf("hybrid store cache AppendExecution failed: %v", err)
		}
	}
	return nil
}

func (h *Store) ListExecutions(ctx context.Context, turnID string) ([]turnstate.LayerExecution, error) {
	return h.durable.ListExecutions(ctx, turnID)
}

func (h *Store) SaveMemory(ctx context.Context, memory turnstate.TurnMemory) error {
	if err := h.durable.SaveMemory(ctx, memory); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveMemory(ctx, memory); err != nil {
			log.Printf("hybrid store cache SaveMemory failed: %v", err)
		}
	}
	return nil
}

func (h *Store) LoadMemory(ctx context.Context, sessionID string) (turnstate.TurnMemory, error) {
	if h.cache != nil {
		memory, err := h.cache.LoadMemory(ctx, sessionID)
		if err == nil {
			return memory, nil
		}
		if !errors.Is(err, turnstate.ErrNotFound) {
			log.Printf("hybrid store cache LoadMemory failed: %v", err)
		}
	}

	memory, err := h.durable.LoadMemory(ctx, sessionID)
	if err != nil {
		return turnstate.TurnMemory{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveMemory(ctx, memory); err != nil {
			log.Printf("hybrid store cache backfill SaveMemory failed: %v", err)
		}
	}
	return memory, nil
}

func (h *Store) Close() error {
	var firstErr error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.durable != nil {
		if err := h.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
