// Package turnstate persists every layer's output per turn and the
// consolidated memory per session. Executions form an append-only log
// ordered by sequence index within a turn; writes from different turns
// never interleave within one turn's log.
package turnstate

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("turnstate: not found")
	ErrConflict = errors.New("turnstate: conflict")
)

type ListTurnsQuery struct {
	SessionID string
	Status    TurnStatus
	Limit     int
	Offset    int
}

type Store interface {
	SaveTurn(ctx context.Context, turn TurnRecord) error
	LoadTurn(ctx context.Context, turnID string) (TurnRecord, error)
	ListTurns(ctx context.Context, query ListTurnsQuery) ([]TurnRecord, error)

	// AppendExecution is write-once per (turn, seq); appending a
	// duplicate sequence index returns ErrConflict.
	AppendExecution(ctx context.Context, exec LayerExecution) error
	// ListExecutions returns a turn's executions ordered by sequence
	// index, suitable for replay from any completed layer.
	ListExecutions(ctx context.Context, turnID string) ([]LayerExecution, error)

	// SaveMemory replaces the session's consolidated memory; LoadMemory
	// returns the latest fully written one, never a partial.
	SaveMemory(ctx context.Context, memory TurnMemory) error
	LoadMemory(ctx context.Context, sessionID string) (TurnMemory, error)

	Close() error
}
