package turnstate

import (
	"time"

	"github.com/sundae-labs/layerline/segment"
)

type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeParsePartial Outcome = "parse_partial"
	OutcomeFailed       Outcome = "failed"
)

type TurnStatus string

const (
	TurnRunning   TurnStatus = "running"
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
	TurnCancelled TurnStatus = "cancelled"
)

// LayerExecution is one run of one layer within one turn. It is owned
// by the store and immutable once appended; a correction is a new
// execution with a higher sequence index, never a mutation.
type LayerExecution struct {
	TurnID        string           `json:"turnId"`
	SessionID     string           `json:"sessionId"`
	LayerID       string           `json:"layerId"`
	Role          string           `json:"role"`
	Connector     bool             `json:"connector,omitempty"`
	Seq           int              `json:"seq"`
	InputSnapshot string           `json:"inputSnapshot"`
	RawOutput     string           `json:"rawOutput"`
	Records       []segment.Record `json:"records,omitempty"`
	Outcome       Outcome          `json:"outcome"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	CompletedAt   time.Time        `json:"completedAt"`
}

// TurnRecord tracks one full pass through the pipeline graph.
type TurnRecord struct {
	TurnID      string     `json:"turnId"`
	SessionID   string     `json:"sessionId"`
	Pipeline    string     `json:"pipeline"`
	Status      TurnStatus `json:"status"`
	Payload     string     `json:"payload"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TurnMemory is the consolidated state for a session as of the most
// recently completed turn: entity id -> attribute name -> value.
// Layers read a snapshot taken at turn start; only the designated
// memory-consolidation layer writes it, exactly once per turn.
type TurnMemory struct {
	SessionID string                       `json:"sessionId"`
	TurnID    string                       `json:"turnId"`
	Entities  map[string]map[string]string `json:"entities"`
	UpdatedAt time.Time                    `json:"updatedAt"`
}

// Clone returns a deep copy so a reader cannot observe later writes.
func (m TurnMemory) Clone() TurnMemory {
	out := m
	out.Entities = make(map[string]map[string]string, len(m.Entities))
	for id, attrs := range m.Entities {
		copied := make(map[string]string, len(attrs))
		for k, v := range attrs {
			copied[k] = v
		}
		out.Entities[id] = copied
	}
	return out
}
