// Package layer wraps one model invocation with a declared role. The
// role taxonomy is a tag, not a class hierarchy: every layer executes
// the same way, and role-specific rules (for example, only the memory
// layer may write consolidated memory) are enforced by the scheduler.
package layer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sundae-labs/layerline/callgram"
	"github.com/sundae-labs/layerline/llm"
	"github.com/sundae-labs/layerline/observe"
	"github.com/sundae-labs/layerline/segment"
	"github.com/sundae-labs/layerline/turnstate"
)

type Role string

const (
	// RoleReasoning decides what should happen, without user-facing prose.
	RoleReasoning Role = "reasoning"
	// RoleNavigator emits a decision used only to pick the next layer.
	RoleNavigator Role = "navigator"
	// RoleContent produces user-facing text; it is never asked to decide.
	RoleContent Role = "content"
	// RoleCorrection reviews content output against constraints.
	RoleCorrection Role = "correction"
	// RoleMemory consolidates the turn's executions into TurnMemory.
	RoleMemory Role = "memory"
)

func ValidRole(r Role) bool {
	switch r {
	case RoleReasoning, RoleNavigator, RoleContent, RoleCorrection, RoleMemory:
		return true
	}
	return false
}

// ExecInput is everything a layer may see: the caller payload, the
// turn's prior executions, and the memory snapshot taken at turn start.
type ExecInput struct {
	TurnID    string
	SessionID string
	Seq       int
	Payload   string
	Prior     []turnstate.LayerExecution
	Memory    turnstate.TurnMemory
}

// PromptBuilder formats the layer's own input. It must be a pure
// function of ExecInput so the resulting snapshot can be resent on
// retry and replayed later.
type PromptBuilder func(in ExecInput) (string, error)

type Layer struct {
	id            string
	role          Role
	connector     bool
	provider      llm.Provider
	systemPrompt  string
	model         string
	maxOutTokens  int
	buildPrompt   PromptBuilder
	schema        *segment.Schema
	retryPolicy   RetryPolicy
	invokeTimeout time.Duration
	observer      observe.Sink
}

type Option func(*Layer)

func WithSystemPrompt(prompt string) Option {
	return func(l *Layer) { l.systemPrompt = prompt }
}

func WithModel(model string) Option {
	return func(l *Layer) { l.model = model }
}

func WithMaxOutputTokens(max int) Option {
	return func(l *Layer) {
		if max > 0 {
			l.maxOutTokens = max
		}
	}
}

func WithPromptBuilder(build PromptBuilder) Option {
	return func(l *Layer) {
		if build != nil {
			l.buildPrompt = build
		}
	}
}

// WithSchema declares the layer's output as call-shaped: raw text is
// parsed and folded into records under the given schema.
func WithSchema(schema segment.Schema) Option {
	return func(l *Layer) { l.schema = &schema }
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(l *Layer) { l.retryPolicy = normalizeRetryPolicy(policy) }
}

// WithInvokeTimeout bounds each external invocation attempt. A timed
// out attempt counts as a failed attempt for retry purposes.
func WithInvokeTimeout(timeout time.Duration) Option {
	return func(l *Layer) {
		if timeout > 0 {
			l.invokeTimeout = timeout
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(l *Layer) { l.observer = observer }
}

// WithConnector layers the connector capability onto a correction
// layer: its output may carry side-channel memory tags that the memory
// layer folds in at end of turn.
func WithConnector() Option {
	return func(l *Layer) { l.connector = true }
}

func New(id string, role Role, provider llm.Provider, opts ...Option) (*Layer, error) {
	if id == "" {
		return nil, errors.New("layer id is required")
	}
	if !ValidRole(role) {
		return nil, fmt.Errorf("layer %q has unknown role %q", id, role)
	}
	if provider == nil {
		return nil, fmt.Errorf("layer %q requires a provider", id)
	}

	l := &Layer{
		id:          id,
		role:        role,
		provider:    provider,
		retryPolicy: defaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.connector && l.role != RoleCorrection {
		return nil, fmt.Errorf("layer %q: connector capability requires the correction role", id)
	}
	if l.schema != nil {
		if err := l.schema.Validate(); err != nil {
			return nil, fmt.Errorf("layer %q schema: %w", id, err)
		}
	}
	if l.buildPrompt == nil {
		l.buildPrompt = func(in ExecInput) (string, error) { return in.Payload, nil }
	}
	return l, nil
}

func (l *Layer) ID() string      { return l.id }
func (l *Layer) Role() Role      { return l.role }
func (l *Layer) Connector() bool { return l.connector }

// Execute formats the layer's input from ExecInput and runs it against
// the provider. The returned execution carries everything the store
// needs; on failure it is still returned (outcome failed) alongside
// the error so the scheduler can persist it for diagnosis.
func (l *Layer) Execute(ctx context.Context, in ExecInput) (turnstate.LayerExecution, error) {
	snapshot, err := l.buildPrompt(in)
	if err != nil {
		return turnstate.LayerExecution{}, fmt.Errorf("layer %q failed to build input: %w", l.id, err)
	}
	return l.Run(ctx, in, snapshot)
}

// Run executes against an already-built input snapshot. Replay goes
// through here so stored snapshots are reused rather than re-derived.
func (l *Layer) Run(ctx context.Context, in ExecInput, snapshot string) (turnstate.LayerExecution, error) {
	startedAt := time.Now().UTC()
	exec := turnstate.LayerExecution{
		TurnID:        in.TurnID,
		SessionID:     in.SessionID,
		LayerID:       l.id,
		Role:          string(l.role),
		Connector:     l.connector,
		Seq:           in.Seq,
		InputSnapshot: snapshot,
		StartedAt:     startedAt,
	}

	l.emit(ctx, observe.Event{
		Kind:      observe.KindLayer,
		Status:    observe.StatusStarted,
		Timestamp: startedAt,
		TurnID:    in.TurnID,
		SessionID: in.SessionID,
		LayerID:   l.id,
		Provider:  l.provider.Name(),
	})

	resp, err := l.generateWithRetry(ctx, llm.Request{
		Model:           l.model,
		SystemPrompt:    l.systemPrompt,
		Prompt:          snapshot,
		MaxOutputTokens: l.maxOutTokens,
	})
	completedAt := time.Now().UTC()
	exec.CompletedAt = completedAt

	if err != nil {
		exec.Outcome = turnstate.OutcomeFailed
		exec.Error = err.Error()
		l.emit(ctx, observe.Event{
			Kind:       observe.KindLayer,
			Status:     observe.StatusFailed,
			Timestamp:  completedAt,
			TurnID:     in.TurnID,
			SessionID:  in.SessionID,
			LayerID:    l.id,
			Provider:   l.provider.Name(),
			Error:      err.Error(),
			DurationMs: completedAt.Sub(startedAt).Milliseconds(),
		})
		return exec, err
	}

	exec.RawOutput = resp.Text
	exec.Outcome = turnstate.OutcomeSuccess

	if l.schema != nil {
		records, foldErr := segment.Fold(*l.schema, callgram.Parse(resp.Text))
		if foldErr != nil {
			// Schema was validated at construction; a fold error here
			// is a programming error, not a model error.
			exec.Outcome = turnstate.OutcomeFailed
			exec.Error = foldErr.Error()
			return exec, foldErr
		}
		exec.Records = records
		for _, rec := range records {
			if !rec.Complete {
				exec.Outcome = turnstate.OutcomeParsePartial
				break
			}
		}
	}

	l.emit(ctx, observe.Event{
		Kind:       observe.KindLayer,
		Status:     observe.StatusCompleted,
		Timestamp:  completedAt,
		TurnID:     in.TurnID,
		SessionID:  in.SessionID,
		LayerID:    l.id,
		Provider:   l.provider.Name(),
		DurationMs: completedAt.Sub(startedAt).Milliseconds(),
		Attributes: map[string]any{"outcome": string(exec.Outcome)},
	})
	return exec, nil
}

func (l *Layer) generateWithRetry(ctx context.Context, req llm.Request) (llm.Response, error) {
	policy := normalizeRetryPolicy(l.retryPolicy)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := l.generateOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}

		backoff := policy.backoffForAttempt(attempt)
		select {
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return llm.Response{}, fmt.Errorf("provider %q failed after %d attempt(s): %w", l.provider.Name(), policy.MaxAttempts, lastErr)
}

func (l *Layer) generateOnce(ctx context.Context, req llm.Request) (llm.Response, error) {
	if l.invokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.invokeTimeout)
		defer cancel()
	}
	return l.provider.Generate(ctx, req)
}

func (l *Layer) emit(ctx context.Context, event observe.Event) {
	if l.observer == nil {
		return
	}
	_ = l.observer.Emit(ctx, event)
}
