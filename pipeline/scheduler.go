package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sundae-labs/layerline/callgram"
	"github.com/sundae-labs/layerline/layer"
	"github.com/sundae-labs/layerline/observe"
	"github.com/sundae-labs/layerline/oracle"
	"github.com/sundae-labs/layerline/segment"
	"github.com/sundae-labs/layerline/turnstate"
)

// MemoryCall is the call name layers use to tag facts for memory
// consolidation: remember("entity", "attribute", "value").
const MemoryCall = "remember"

// MemoryFolder builds the next consolidated memory from the snapshot
// taken at turn start and the turn's full set of executions.
type MemoryFolder func(prior turnstate.TurnMemory, execs []turnstate.LayerExecution) (map[string]map[string]string, error)

type TurnRequest struct {
	SessionID string
	// TurnID is assigned when empty.
	TurnID  string
	Payload string
}

type TurnResult struct {
	TurnID      string
	SessionID   string
	Records     []segment.Record
	Executions  []turnstate.LayerExecution
	LayerTrace  []string
	Memory      *turnstate.TurnMemory
	StartedAt   time.Time
	CompletedAt time.Time
}

// Scheduler drives one turn at a time per session through a compiled
// graph. Turns of different sessions run fully in parallel; within a
// session a second turn is rejected while the first is open.
type Scheduler struct {
	graph    *Graph
	store    turnstate.Store
	oracle   *oracle.Oracle
	observer observe.Sink
	folder   MemoryFolder

	mu   sync.Mutex
	open map[string]string
}

type SchedulerOption func(*Scheduler)

func WithOracle(o *oracle.Oracle) SchedulerOption {
	return func(s *Scheduler) { s.oracle = o }
}

func WithObserver(observer observe.Sink) SchedulerOption {
	return func(s *Scheduler) { s.observer = observer }
}

func WithMemoryFolder(folder MemoryFolder) SchedulerOption {
	return func(s *Scheduler) {
		if folder != nil {
			s.folder = folder
		}
	}
}

func NewScheduler(graph *Graph, store turnstate.Store, opts ...SchedulerOption) (*Scheduler, error) {
	if graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if err := graph.Compile(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("turn state store is required")
	}
	s := &Scheduler{
		graph:  graph,
		store:  store,
		folder: FoldRememberCalls,
		open:   map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.oracle == nil {
		s.oracle = oracle.New()
	}
	return s, nil
}

// RunTurn executes one full pass through the graph for the session.
func (s *Scheduler) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if req.SessionID == "" {
		return TurnResult{}, fmt.Errorf("session id is required")
	}
	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	if err := s.acquireSession(ctx, req.SessionID, turnID); err != nil {
		return TurnResult{}, err
	}
	defer s.releaseSession(req.SessionID)

	now := time.Now().UTC()
	turn := turnstate.TurnRecord{
		TurnID:    turnID,
		SessionID: req.SessionID,
		Pipeline:  s.graph.Name(),
		Status:    turnstate.TurnRunning,
		Payload:   req.Payload,
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := s.store.SaveTurn(ctx, turn); err != nil {
		return TurnResult{}, fmt.Errorf("failed to persist turn start: %w", err)
	}

	memory, err := s.memorySnapshot(ctx, req.SessionID)
	if err != nil {
		return TurnResult{}, s.failTurn(ctx, turn, err)
	}

	s.emit(ctx, observe.Event{
		Kind:      observe.KindTurn,
		Status:    observe.StatusStarted,
		Timestamp: now,
		TurnID:    turnID,
		SessionID: req.SessionID,
		Name:      s.graph.Name(),
	})

	return s.drive(ctx, turn, memory, nil, s.graph.startID, 1, "")
}

// Resume continues a failed or cancelled turn. Completed executions are
// kept as-is; a trailing failed execution's layer is re-run from its
// stored input snapshot rather than re-derived, appended under a fresh
// sequence index.
func (s *Scheduler) Resume(ctx context.Context, turnID string) (TurnResult, error) {
	if turnID == "" {
		return TurnResult{}, fmt.Errorf("turn id is required")
	}
	turn, err := s.store.LoadTurn(ctx, turnID)
	if err != nil {
		return TurnResult{}, err
	}
	if turn.Status != turnstate.TurnFailed && turn.Status != turnstate.TurnCancelled {
		return TurnResult{}, fmt.Errorf("turn %q has status %q; only failed or cancelled turns resume", turnID, turn.Status)
	}

	if err := s.acquireSession(ctx, turn.SessionID, turnID); err != nil {
		return TurnResult{}, err
	}
	defer s.releaseSession(turn.SessionID)

	stored, err := s.store.ListExecutions(ctx, turnID)
	if err != nil {
		return TurnResult{}, err
	}

	memory, err := s.memorySnapshot(ctx, turn.SessionID)
	if err != nil {
		return TurnResult{}, s.failTurn(ctx, turn, err)
	}

	prior := make([]turnstate.LayerExecution, 0, len(stored))
	rerunSnapshot := ""
	currentID := s.graph.startID
	for _, exec := range stored {
		if exec.Outcome == turnstate.OutcomeFailed {
			// Re-run this layer from its stored snapshot.
			currentID = exec.LayerID
			rerunSnapshot = exec.InputSnapshot
			break
		}
		prior = append(prior, exec)
	}
	seq := len(stored) + 1

	if rerunSnapshot == "" && len(prior) > 0 {
		last := prior[len(prior)-1]
		if last.LayerID == s.graph.memoryID && s.graph.memoryID != "" {
			// Consolidation ran but the turn never closed (the fold or
			// one of the saves failed afterwards). The fold and the
			// memory save are idempotent over the stored executions, so
			// redo them and complete the turn.
			if err := s.reopenTurn(ctx, &turn); err != nil {
				return TurnResult{}, err
			}
			mem, err := s.persistMemory(ctx, turn, memory, prior)
			if err != nil {
				return TurnResult{}, s.failTurn(ctx, turn, err)
			}
			return s.completeTurn(ctx, turn, prior, layerTrace(prior), &mem)
		}
		next, err := s.resolveNext(ctx, last)
		if err != nil {
			return TurnResult{}, s.failTurn(ctx, turn, err)
		}
		if next.IsTerminal() {
			if err := s.reopenTurn(ctx, &turn); err != nil {
				return TurnResult{}, err
			}
			return s.finishTurn(ctx, turn, memory, prior, seq, layerTrace(prior), "")
		}
		currentID = next.LayerID()
	}

	if currentID == s.graph.memoryID && s.graph.memoryID != "" {
		// The failed execution was the consolidation itself. The memory
		// layer has no routing entry, so it never goes through drive;
		// re-run it from its stored snapshot and close the turn.
		if err := s.reopenTurn(ctx, &turn); err != nil {
			return TurnResult{}, err
		}
		return s.finishTurn(ctx, turn, memory, prior, seq, layerTrace(prior), rerunSnapshot)
	}

	if err := s.reopenTurn(ctx, &turn); err != nil {
		return TurnResult{}, err
	}

	return s.drive(ctx, turn, memory, prior, currentID, seq, rerunSnapshot)
}

func (s *Scheduler) reopenTurn(ctx context.Context, turn *turnstate.TurnRecord) error {
	now := time.Now().UTC()
	turn.Status = turnstate.TurnRunning
	turn.Error = ""
	turn.UpdatedAt = &now
	if err := s.store.SaveTurn(ctx, *turn); err != nil {
		return fmt.Errorf("failed to reopen turn: %w", err)
	}
	return nil
}

func layerTrace(execs []turnstate.LayerExecution) []string {
	trace := make([]string, 0, len(execs))
	for _, exec := range execs {
		trace = append(trace, exec.LayerID)
	}
	return trace
}

// drive runs the routed sequence from currentID until terminal, then
// consolidates memory. rerunSnapshot, when non-empty, is reused as the
// first layer's input instead of re-deriving it.
func (s *Scheduler) drive(
	ctx context.Context,
	turn turnstate.TurnRecord,
	memory turnstate.TurnMemory,
	execs []turnstate.LayerExecution,
	currentID string,
	seq int,
	rerunSnapshot string,
) (TurnResult, error) {
	trace := make([]string, 0, len(s.graph.layers))
	for _, exec := range execs {
		trace = append(trace, exec.LayerID)
	}

	for currentID != "" {
		if err := ctx.Err(); err != nil {
			return TurnResult{}, s.cancelTurn(ctx, turn, err)
		}

		l, ok := s.graph.layers[currentID]
		if !ok {
			return TurnResult{}, s.failTurn(ctx, turn, fmt.Errorf("layer %q does not exist", currentID))
		}

		in := layer.ExecInput{
			TurnID:    turn.TurnID,
			SessionID: turn.SessionID,
			Seq:       seq,
			Payload:   turn.Payload,
			Prior:     execs,
			Memory:    memory.Clone(),
		}

		var (
			exec turnstate.LayerExecution
			err  error
		)
		if rerunSnapshot != "" {
			exec, err = l.Run(ctx, in, rerunSnapshot)
			rerunSnapshot = ""
		} else {
			exec, err = l.Execute(ctx, in)
		}
		if err != nil {
			// Preserve the failed execution for diagnosis before
			// surfacing the turn failure. A failure before the input
			// snapshot was built leaves nothing worth recording.
			if exec.LayerID != "" {
				_ = s.store.AppendExecution(ctx, exec)
			}
			if errors.Is(err, context.Canceled) {
				return TurnResult{}, s.cancelTurn(ctx, turn, err)
			}
			return TurnResult{}, s.failTurn(ctx, turn, err)
		}

		// Durably record the execution before routing reads it; a crash
		// between steps never loses a completed layer's output.
		if err := s.store.AppendExecution(ctx, exec); err != nil {
			return TurnResult{}, s.failTurn(ctx, turn, fmt.Errorf("failed to persist execution: %w", err))
		}
		execs = append(execs, exec)
		trace = append(trace, currentID)
		seq++

		next, err := s.resolveNext(ctx, exec)
		if err != nil {
			return TurnResult{}, s.failTurn(ctx, turn, err)
		}
		if next.IsTerminal() {
			return s.finishTurn(ctx, turn, memory, execs, seq, trace, "")
		}
		currentID = next.LayerID()
	}

	return TurnResult{}, s.failTurn(ctx, turn, fmt.Errorf("routing stalled at empty layer id"))
}

func (s *Scheduler) resolveNext(ctx context.Context, exec turnstate.LayerExecution) (Next, error) {
	before := s.oracle.Draws()
	next, err := s.graph.next(ctx, exec.LayerID, RouteContext{Exec: exec, Oracle: s.oracle})
	if after := s.oracle.Draws(); after > before {
		// Audit trail: every oracle draw taken on this route.
		s.emit(ctx, observe.Event{
			Kind:      observe.KindOracle,
			Status:    observe.StatusCompleted,
			TurnID:    exec.TurnID,
			SessionID: exec.SessionID,
			LayerID:   exec.LayerID,
			Attributes: map[string]any{
				"draws": after - before,
			},
		})
	}
	return next, err
}

// finishTurn runs memory consolidation when the graph declares it, then
// marks the turn completed. rerunSnapshot, when non-empty, is reused as
// the memory layer's input instead of re-deriving it.
func (s *Scheduler) finishTurn(
	ctx context.Context,
	turn turnstate.TurnRecord,
	memory turnstate.TurnMemory,
	execs []turnstate.LayerExecution,
	seq int,
	trace []string,
	rerunSnapshot string,
) (TurnResult, error) {
	var updated *turnstate.TurnMemory
	if s.graph.memoryID != "" {
		if err := ctx.Err(); err != nil {
			return TurnResult{}, s.cancelTurn(ctx, turn, err)
		}
		mem, memExec, err := s.consolidateMemory(ctx, turn, memory, execs, seq, rerunSnapshot)
		if err != nil {
			if memExec.LayerID != "" {
				_ = s.store.AppendExecution(ctx, memExec)
			}
			if errors.Is(err, context.Canceled) {
				return TurnResult{}, s.cancelTurn(ctx, turn, err)
			}
			return TurnResult{}, s.failTurn(ctx, turn, err)
		}
		execs = append(execs, memExec)
		trace = append(trace, memExec.LayerID)
		updated = &mem
	}

	return s.completeTurn(ctx, turn, execs, trace, updated)
}

// completeTurn persists the completed status and assembles the result.
func (s *Scheduler) completeTurn(
	ctx context.Context,
	turn turnstate.TurnRecord,
	execs []turnstate.LayerExecution,
	trace []string,
	updated *turnstate.TurnMemory,
) (TurnResult, error) {
	completedAt := time.Now().UTC()
	turn.Status = turnstate.TurnCompleted
	turn.UpdatedAt = &completedAt
	turn.CompletedAt = &completedAt
	if err := s.store.SaveTurn(ctx, turn); err != nil {
		return TurnResult{}, fmt.Errorf("failed to persist turn completion: %w", err)
	}

	startedAt := completedAt
	if turn.CreatedAt != nil {
		startedAt = *turn.CreatedAt
	}
	s.emit(ctx, observe.Event{
		Kind:       observe.KindTurn,
		Status:     observe.StatusCompleted,
		Timestamp:  completedAt,
		TurnID:     turn.TurnID,
		SessionID:  turn.SessionID,
		Name:       s.graph.Name(),
		DurationMs: completedAt.Sub(startedAt).Milliseconds(),
	})

	return TurnResult{
		TurnID:      turn.TurnID,
		SessionID:   turn.SessionID,
		Records:     finalRecords(execs),
		Executions:  execs,
		LayerTrace:  trace,
		Memory:      updated,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	}, nil
}

func (s *Scheduler) consolidateMemory(
	ctx context.Context,
	turn turnstate.TurnRecord,
	memory turnstate.TurnMemory,
	execs []turnstate.LayerExecution,
	seq int,
	rerunSnapshot string,
) (turnstate.TurnMemory, turnstate.LayerExecution, error) {
	memLayer := s.graph.layers[s.graph.memoryID]
	in := layer.ExecInput{
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		Seq:       seq,
		Payload:   turn.Payload,
		Prior:     execs,
		Memory:    memory.Clone(),
	}
	var (
		exec turnstate.LayerExecution
		err  error
	)
	if rerunSnapshot != "" {
		exec, err = memLayer.Run(ctx, in, rerunSnapshot)
	} else {
		exec, err = memLayer.Execute(ctx, in)
	}
	if err != nil {
		return turnstate.TurnMemory{}, exec, err
	}
	if err := s.store.AppendExecution(ctx, exec); err != nil {
		return turnstate.TurnMemory{}, turnstate.LayerExecution{}, fmt.Errorf("failed to persist memory execution: %w", err)
	}

	all := append(append([]turnstate.LayerExecution(nil), execs...), exec)
	updated, err := s.persistMemory(ctx, turn, memory, all)
	if err != nil {
		return turnstate.TurnMemory{}, turnstate.LayerExecution{}, err
	}
	return updated, exec, nil
}

// persistMemory folds the turn's executions into the next consolidated
// memory and saves it. Folding the same executions again produces the
// same entities, so callers may retry after a partial failure.
func (s *Scheduler) persistMemory(
	ctx context.Context,
	turn turnstate.TurnRecord,
	memory turnstate.TurnMemory,
	execs []turnstate.LayerExecution,
) (turnstate.TurnMemory, error) {
	entities, err := s.folder(memory, execs)
	if err != nil {
		return turnstate.TurnMemory{}, fmt.Errorf("memory fold failed: %w", err)
	}

	updated := turnstate.TurnMemory{
		SessionID: turn.SessionID,
		TurnID:    turn.TurnID,
		Entities:  entities,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveMemory(ctx, updated); err != nil {
		return turnstate.TurnMemory{}, fmt.Errorf("failed to persist memory: %w", err)
	}

	s.emit(ctx, observe.Event{
		Kind:      observe.KindMemory,
		Status:    observe.StatusCompleted,
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		LayerID:   s.graph.memoryID,
		Attributes: map[string]any{
			"entities": len(entities),
		},
	})
	return updated, nil
}

// Replay re-executes a turn's stored input snapshots from the given
// sequence index onward, without persisting anything. For deterministic
// providers the replayed executions reproduce the stored ones.
func (s *Scheduler) Replay(ctx context.Context, turnID string, fromSeq int) ([]turnstate.LayerExecution, error) {
	if turnID == "" {
		return nil, fmt.Errorf("turn id is required")
	}
	stored, err := s.store.ListExecutions(ctx, turnID)
	if err != nil {
		return nil, err
	}

	var out []turnstate.LayerExecution
	var prior []turnstate.LayerExecution
	for _, exec := range stored {
		if exec.Seq < fromSeq {
			prior = append(prior, exec)
			continue
		}
		l, ok := s.graph.layers[exec.LayerID]
		if !ok {
			return nil, fmt.Errorf("stored execution references unknown layer %q", exec.LayerID)
		}
		replayed, err := l.Run(ctx, layer.ExecInput{
			TurnID:    exec.TurnID,
			SessionID: exec.SessionID,
			Seq:       exec.Seq,
			Prior:     prior,
		}, exec.InputSnapshot)
		if err != nil {
			return out, fmt.Errorf("replay of seq %d failed: %w", exec.Seq, err)
		}
		out = append(out, replayed)
		prior = append(prior, replayed)
	}
	return out, nil
}

func (s *Scheduler) memorySnapshot(ctx context.Context, sessionID string) (turnstate.TurnMemory, error) {
	memory, err := s.store.LoadMemory(ctx, sessionID)
	if err != nil {
		if errors.Is(err, turnstate.ErrNotFound) {
			return turnstate.TurnMemory{SessionID: sessionID, Entities: map[string]map[string]string{}}, nil
		}
		return turnstate.TurnMemory{}, fmt.Errorf("failed to load memory snapshot: %w", err)
	}
	return memory, nil
}

// acquireSession rejects a turn while the session's previous turn is
// open, both in-process and against the store.
func (s *Scheduler) acquireSession(ctx context.Context, sessionID, turnID string) error {
	s.mu.Lock()
	if openTurn, busy := s.open[sessionID]; busy {
		s.mu.Unlock()
		return &TurnError{
			Kind:      KindConcurrencyViolation,
			TurnID:    turnID,
			SessionID: sessionID,
			Err:       fmt.Errorf("%w: turn %s", ErrTurnOpen, openTurn),
		}
	}
	s.open[sessionID] = turnID
	s.mu.Unlock()

	running, err := s.store.ListTurns(ctx, turnstate.ListTurnsQuery{
		SessionID: sessionID,
		Status:    turnstate.TurnRunning,
		Limit:     1,
	})
	if err != nil {
		s.releaseSession(sessionID)
		return fmt.Errorf("failed to check open turns: %w", err)
	}
	for _, turn := range running {
		if turn.TurnID == turnID {
			continue
		}
		s.releaseSession(sessionID)
		return &TurnError{
			Kind:      KindConcurrencyViolation,
			TurnID:    turnID,
			SessionID: sessionID,
			Err:       fmt.Errorf("%w: turn %s", ErrTurnOpen, turn.TurnID),
		}
	}
	return nil
}

func (s *Scheduler) releaseSession(sessionID string) {
	s.mu.Lock()
	delete(s.open, sessionID)
	s.mu.Unlock()
}

func (s *Scheduler) failTurn(ctx context.Context, turn turnstate.TurnRecord, cause error) error {
	now := time.Now().UTC()
	turn.Status = turnstate.TurnFailed
	turn.Error = cause.Error()
	turn.UpdatedAt = &now
	turn.CompletedAt = &now
	_ = s.store.SaveTurn(ctx, turn)

	s.emit(ctx, observe.Event{
		Kind:      observe.KindTurn,
		Status:    observe.StatusFailed,
		Timestamp: now,
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		Name:      s.graph.Name(),
		Error:     cause.Error(),
	})

	kind := KindTurnFailed
	if errors.Is(cause, errUndeclaredRoute) {
		kind = KindRoutingUnresolved
	}
	return &TurnError{Kind: kind, TurnID: turn.TurnID, SessionID: turn.SessionID, Err: cause}
}

func (s *Scheduler) cancelTurn(ctx context.Context, turn turnstate.TurnRecord, cause error) error {
	now := time.Now().UTC()
	turn.Status = turnstate.TurnCancelled
	turn.Error = cause.Error()
	turn.UpdatedAt = &now
	turn.CompletedAt = &now
	// Persist with a fresh context; the turn's own context is done.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = s.store.SaveTurn(saveCtx, turn)

	s.emit(saveCtx, observe.Event{
		Kind:      observe.KindTurn,
		Status:    observe.StatusCancelled,
		Timestamp: now,
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		Name:      s.graph.Name(),
	})
	return &TurnError{Kind: KindTurnCancelled, TurnID: turn.TurnID, SessionID: turn.SessionID, Err: cause}
}

func (s *Scheduler) emit(ctx context.Context, event observe.Event) {
	if s.observer == nil {
		return
	}
	event.Normalize()
	_ = s.observer.Emit(ctx, event)
}

// finalRecords returns the record set of the last routed layer that
// produced one; the memory layer's execution never carries the caller's
// final records.
func finalRecords(execs []turnstate.LayerExecution) []segment.Record {
	for i := len(execs) - 1; i >= 0; i-- {
		if execs[i].Role == string(layer.RoleMemory) {
			continue
		}
		if len(execs[i].Records) > 0 {
			return execs[i].Records
		}
	}
	return nil
}

// FoldRememberCalls is the default MemoryFolder: it folds
// remember("entity", "attribute", "value") calls from the memory
// layer's output and from connector-capable layers' outputs into the
// prior memory, later values overwriting earlier ones.
func FoldRememberCalls(prior turnstate.TurnMemory, execs []turnstate.LayerExecution) (map[string]map[string]string, error) {
	entities := prior.Clone().Entities
	if entities == nil {
		entities = map[string]map[string]string{}
	}
	for _, exec := range execs {
		if exec.Role != string(layer.RoleMemory) && !exec.Connector {
			continue
		}
		for _, call := range callgram.Parse(exec.RawOutput) {
			if call.Name != MemoryCall || len(call.Args) < 3 {
				continue
			}
			entity, attr, value := argString(call.Args[0]), argString(call.Args[1]), argString(call.Args[2])
			if entity == "" || attr == "" {
				continue
			}
			if entities[entity] == nil {
				entities[entity] = map[string]string{}
			}
			entities[entity][attr] = value
		}
	}
	return entities, nil
}

func argString(arg callgram.Arg) string {
	if arg.Kind == callgram.ArgNumber {
		return fmt.Sprintf("%g", arg.Num)
	}
	return arg.Str
}
