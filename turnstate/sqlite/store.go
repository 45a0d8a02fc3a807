// Package sqlite is the durable turn state store. One file, WAL mode,
// single writer; suitable for a process that owns its sessions.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sundae-labs/layerline/segment"
	"github.com/sundae-labs/layerline/turnstate"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) { s.enableWAL = enabled }
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveTurn(ctx context.Context, turn turnstate.TurnRecord) error {
	if turn.TurnID == "" {
		return fmt.Errorf("turn_id is required")
	}
	if turn.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	now := time.Now().UTC()
	if turn.CreatedAt == nil {
		turn.CreatedAt = &now
	}
	if turn.UpdatedAt == nil {
		turn.UpdatedAt = &now
	}
	if turn.Status == "" {
		turn.Status = turnstate.TurnRunning
	}

	const q = `
INSERT INTO turns (turn_id, session_id, pipeline, status, payload, error, created_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(turn_id) DO UPDATE SET
  session_id=excluded.session_id,
  pipeline=excluded.pipeline,
  status=excluded.status,
  payload=excluded.payload,
  error=excluded.error,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`
	_, err := s.db.ExecContext(ctx, q,
		turn.TurnID,
		turn.SessionID,
		turn.Pipeline,
		string(turn.Status),
		turn.Payload,
		turn.Error,
		toNullableTime(turn.CreatedAt),
		toNullableTime(turn.UpdatedAt),
		toNullableTime(turn.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

func (s *Store) LoadTurn(ctx context.Context, turnID string) (turnstate.TurnRecord, error) {
	if strings.TrimSpace(turnID) == "" {
		return turnstate.TurnRecord{}, fmt.Errorf("turn_id is required")
	}

	const q = `
SELECT turn_id, session_id, pipeline, status, payload, error, created_at, updated_at, completed_at
FROM turns
WHERE turn_id = ?;
`
	row := s.db.QueryRowContext(ctx, q, turnID)
	turn, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return turnstate.TurnRecord{}, turnstate.ErrNotFound
		}
		return turnstate.TurnRecord{}, fmt.Errorf("failed to load turn: %w", err)
	}
	return turn, nil
}

func (s *Store) ListTurns(ctx context.Context, query turnstate.ListTurnsQuery) ([]turnstate.TurnRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, query.SessionID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(query.Status))
	}

	sqlText := `
SELECT turn_id, session_id, pipeline, status, payload, error, created_at, updated_at, completed_at
FROM turns
`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	turns := make([]turnstate.TurnRecord, 0, limit)
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}

func (s *Store) AppendExecution(ctx context.Context, exec turnstate.LayerExecution) error {
	if exec.TurnID == "" {
		return fmt.Errorf("turn_id is required")
	}
	if exec.Seq < 1 {
		return fmt.Errorf("seq must be >= 1")
	}
	if exec.LayerID == "" {
		return fmt.Errorf("layer_id is required")
	}

	var recordsRaw any
	if exec.Records != nil {
		raw, err := json.Marshal(exec.Records)
		if err != nil {
			return fmt.Errorf("failed to marshal records: %w", err)
		}
		recordsRaw = string(raw)
	}

	const q = `
INSERT INTO executions (turn_id, seq, session_id, layer_id, role, connector, input_snapshot, raw_output, records, outcome, error, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, q,
		exec.TurnID,
		exec.Seq,
		exec.SessionID,
		exec.LayerID,
		exec.Role,
		boolToInt(exec.Connector),
		exec.InputSnapshot,
		exec.RawOutput,
		recordsRaw,
		string(exec.Outcome),
		exec.Error,
		exec.StartedAt.UTC().Format(time.RFC3339Nano),
		exec.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return turnstate.ErrConflict
		}
		return fmt.Errorf("failed to append execution: %w", err)
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, turnID string) ([]turnstate.LayerExecution, error) {
	if turnID == "" {
		return nil, fmt.Errorf("turn_id is required")
	}

	const q = `
SELECT turn_id, seq, session_id, layer_id, role, connector, input_snapshot, raw_output, records, outcome, error, started_at, completed_at
FROM executions
WHERE turn_id = ?
ORDER BY seq ASC;
`
	rows, err := s.db.QueryContext(ctx, q, turnID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []turnstate.LayerExecution
	for rows.Next() {
		var (
			exec         turnstate.LayerExecution
			connectorRaw int
			recordsRaw   sql.NullString
			startedRaw   string
			completedRaw string
		)
		if err := rows.Scan(
			&exec.TurnID,
			&exec.Seq,
			&exec.SessionID,
			&exec.LayerID,
			&exec.Role,
			&connectorRaw,
			&exec.InputSnapshot,
			&exec.RawOutput,
			&recordsRaw,
			(*string)(&exec.Outcome),
			&exec.Error,
			&startedRaw,
			&completedRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		exec.Connector = connectorRaw != 0
		if recordsRaw.Valid && recordsRaw.String != "" {
			var records []segment.Record
			if err := json.Unmarshal([]byte(recordsRaw.String), &records); err != nil {
				return nil, fmt.Errorf("failed to decode execution records: %w", err)
			}
			exec.Records = records
		}
		if exec.StartedAt, err = parseRequiredTime(startedRaw); err != nil {
			return nil, fmt.Errorf("failed to parse execution started_at: %w", err)
		}
		if exec.CompletedAt, err = parseRequiredTime(completedRaw); err != nil {
			return nil, fmt.Errorf("failed to parse execution completed_at: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return out, nil
}

func (s *Store) SaveMemory(ctx context.Context, memory turnstate.TurnMemory) error {
	if memory.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if memory.UpdatedAt.IsZero() {
		memory.UpdatedAt = time.Now().UTC()
	}
	if memory.Entities == nil {
		memory.Entities = map[string]map[string]string{}
	}
	entitiesRaw, err := json.Marshal(memory.Entities)
	if err != nil {
		return fmt.Errorf("failed to marshal memory entities: %w", err)
	}

	const q = `
INSERT INTO memories (session_id, turn_id, entities, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  turn_id=excluded.turn_id,
  entities=excluded.entities,
  updated_at=excluded.updated_at;
`
	_, err = s.db.ExecContext(ctx, q,
		memory.SessionID,
		memory.TurnID,
		string(entitiesRaw),
		memory.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save memory: %w", err)
	}
	return nil
}

func (s *Store) LoadMemory(ctx context.Context, sessionID string) (turnstate.TurnMemory, error) {
	if sessionID == "" {
		return turnstate.TurnMemory{}, fmt.Errorf("session_id is required")
	}

	const q = `
SELECT session_id, turn_id, entities, updated_at
FROM memories
WHERE session_id = ?;
`
	var (
		memory      turnstate.TurnMemory
		entitiesRaw string
		updatedRaw  string
	)
	err := s.db.QueryRowContext(ctx, q, sessionID).Scan(
		&memory.SessionID,
		&memory.TurnID,
		&entitiesRaw,
		&updatedRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return turnstate.TurnMemory{}, turnstate.ErrNotFound
		}
		return turnstate.TurnMemory{}, fmt.Errorf("failed to load memory: %w", err)
	}
	if err := json.Unmarshal([]byte(entitiesRaw), &memory.Entities); err != nil {
		return turnstate.TurnMemory{}, fmt.Errorf("failed to decode memory entities: %w", err)
	}
	if memory.UpdatedAt, err = parseRequiredTime(updatedRaw); err != nil {
		return turnstate.TurnMemory{}, fmt.Errorf("failed to parse memory updated_at: %w", err)
	}
	return memory, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (turnstate.TurnRecord, error) {
	var (
		turn         turnstate.TurnRecord
		statusRaw    string
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&turn.TurnID,
		&turn.SessionID,
		&turn.Pipeline,
		&statusRaw,
		&turn.Payload,
		&turn.Error,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return turnstate.TurnRecord{}, err
	}
	turn.Status = turnstate.TurnStatus(statusRaw)

	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return turnstate.TurnRecord{}, fmt.Errorf("failed to parse turn created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return turnstate.TurnRecord{}, fmt.Errorf("failed to parse turn updated_at: %w", err)
	}
	turn.CreatedAt = &created
	turn.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return turnstate.TurnRecord{}, fmt.Errorf("failed to parse turn completed_at: %w", err)
		}
		turn.CompletedAt = &completed
	}
	return turn, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
