package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptProvider replays a fixed sequence of responses. It exists for
// deterministic pipeline tests and for replay verification; the same
// script produces bit-for-bit identical outputs on every run.
type ScriptProvider struct {
	mu      sync.Mutex
	name    string
	replies []string
	next    int
	// FailFirst makes the first N calls fail before succeeding, to
	// exercise retry paths.
	FailFirst int
	calls     int
}

func NewScriptProvider(name string, replies ...string) *ScriptProvider {
	if name == "" {
		name = "script"
	}
	return &ScriptProvider{name: name, replies: replies}
}

func (p *ScriptProvider) Name() string { return p.name }

func (p *ScriptProvider) Capabilities() Capabilities {
	return Capabilities{}
}

func (p *ScriptProvider) Generate(_ context.Context, _ Request) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.FailFirst {
		return Response{}, fmt.Errorf("scripted failure %d of %d", p.calls, p.FailFirst)
	}
	if p.next >= len(p.replies) {
		return Response{}, fmt.Errorf("script exhausted after %d replies", len(p.replies))
	}
	text := p.replies[p.next]
	p.next++
	return Response{Text: text}, nil
}

// Calls reports how many Generate calls were made, including failures.
func (p *ScriptProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Rewind restarts the script from the beginning without resetting the
// call counter.
func (p *ScriptProvider) Rewind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = 0
}
