// Package redis keeps turn state in Redis with a TTL, for deployments
// where turns are short-lived and replay windows are bounded.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sundae-labs/layerline/turnstate"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "layerline"
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *Store) { s.db = db }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
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

	raw, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	sessionIdx := s.sessionIndexKey(turn.SessionID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.turnKey(turn.TurnID), string(raw), s.ttl)
	pipe.ZAdd(ctx, sessionIdx, goredis.Z{
		Score:  float64(turn.UpdatedAt.Unix()),
		Member: turn.TurnID,
	})
	pipe.Expire(ctx, sessionIdx, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save turn in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadTurn(ctx context.Context, turnID string) (turnstate.TurnRecord, error) {
	if turnID == "" {
		return turnstate.TurnRecord{}, fmt.Errorf("turn_id is required")
	}

	raw, err := s.client.Get(ctx, s.turnKey(turnID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return turnstate.TurnRecord{}, turnstate.ErrNotFound
		}
		return turnstate.TurnRecord{}, fmt.Errorf("failed to load turn from redis: %w", err)
	}

	var turn turnstate.TurnRecord
	if err := json.Unmarshal([]byte(raw), &turn); err != nil {
		return turnstate.TurnRecord{}, fmt.Errorf("failed to decode turn from redis: %w", err)
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

	ids := make([]string, 0, limit)
	if query.SessionID != "" {
		values, err := s.client.ZRevRange(ctx, s.sessionIndexKey(query.SessionID), int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list turn ids by session: %w", err)
		}
		ids = append(ids, values...)
	} else {
		var cursor uint64
		match := s.turnPattern()
		for len(ids) < limit {
			keys, next, err := s.client.Scan(ctx, cursor, match, int64(limit)).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to scan redis turn keys: %w", err)
			}
			for _, key := range keys {
				if id := s.turnIDFromKey(key); id != "" {
					ids = append(ids, id)
				}
				if len(ids) >= limit {
					break
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	if len(ids) == 0 {
		return []turnstate.TurnRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.turnKey(id)
	}

	loaded, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget turns from redis: %w", err)
	}

	out := make([]turnstate.TurnRecord, 0, len(loaded))
	staleIDs := make([]string, 0)
	for i, raw := range loaded {
		if raw == nil {
			staleIDs = append(staleIDs, ids[i])
			continue
		}
		var turn turnstate.TurnRecord
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &turn); err != nil {
			continue
		}
		if query.Status != "" && turn.Status != query.Status {
			continue
		}
		out = append(out, turn)
	}

	// Turn keys expire independently of the session index; drop stale
	// index members as we discover them.
	if query.SessionID != "" && len(staleIDs) > 0 {
		members := make([]any, 0, len(staleIDs))
		for _, id := range staleIDs {
			members = append(members, id)
		}
		_ = s.client.ZRem(ctx, s.sessionIndexKey(query.SessionID), members...).Err()
	}

	sort.Slice(out, func(i, j int) bool {
		left := time.Time{}
		if out[i].UpdatedAt != nil {
			left = *out[i].UpdatedAt
		}
		right := time.Time{}
		if out[j].UpdatedAt != nil {
			right = *out[j].UpdatedAt
		}
		return left.After(right)
	})

	return out, nil
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

	raw, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	// SetNX makes the (turn, seq) slot write-once.
	seqKey := s.execKey(exec.TurnID, exec.Seq)
	ok, err := s.client.SetNX(ctx, seqKey, string(raw), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to append execution in redis: %w", err)
	}
	if !ok {
		return turnstate.ErrConflict
	}

	turnIdx := s.execIndexKey(exec.TurnID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, turnIdx, goredis.Z{
		Score:  float64(exec.Seq),
		Member: seqKey,
	})
	pipe.Expire(ctx, turnIdx, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index execution in redis: %w", err)
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, turnID string) ([]turnstate.LayerExecution, error) {
	if turnID == "" {
		return nil, fmt.Errorf("turn_id is required")
	}

	keys, err := s.client.ZRange(ctx, s.execIndexKey(turnID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list execution keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget executions from redis: %w", err)
	}

	out := make([]turnstate.LayerExecution, 0, len(values))
	for _, raw := range values {
		if raw == nil {
			continue
		}
		var exec turnstate.LayerExecution
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &exec); err != nil {
			continue
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
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

	raw, err := json.Marshal(memory)
	if err != nil {
		return fmt.Errorf("failed to marshal memory: %w", err)
	}
	if err := s.client.Set(ctx, s.memoryKey(memory.SessionID), string(raw), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save memory in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadMemory(ctx context.Context, sessionID string) (turnstate.TurnMemory, error) {
	if sessionID == "" {
		return turnstate.TurnMemory{}, fmt.Errorf("session_id is required")
	}

	raw, err := s.client.Get(ctx, s.memoryKey(sessionID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return turnstate.TurnMemory{}, turnstate.ErrNotFound
		}
		return turnstate.TurnMemory{}, fmt.Errorf("failed to load memory from redis: %w", err)
	}

	var memory turnstate.TurnMemory
	if err := json.Unmarshal([]byte(raw), &memory); err != nil {
		return turnstate.TurnMemory{}, fmt.Errorf("failed to decode memory from redis: %w", err)
	}
	return memory, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) turnKey(turnID string) string {
	return fmt.Sprintf("%s:turn:%s", s.prefix, turnID)
}

func (s *Store) turnPattern() string {
	return fmt.Sprintf("%s:turn:*", s.prefix)
}

func (s *Store) turnIDFromKey(key string) string {
	prefix := fmt.Sprintf("%s:turn:", s.prefix)
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}

func (s *Store) sessionIndexKey(sessionID string) string {
	return fmt.Sprintf("%s:turnidx:session:%s", s.prefix, sessionID)
}

func (s *Store) execKey(turnID string, seq int) string {
	return fmt.Sprintf("%s:exec:%s:%d", s.prefix, turnID, seq)
}

func (s *Store) execIndexKey(turnID string) string {
	return fmt.Sprintf("%s:execidx:%s", s.prefix, turnID)
}

func (s *Store) memoryKey(sessionID string) string {
	return fmt.Sprintf("%s:memory:%s", s.prefix, sessionID)
}
