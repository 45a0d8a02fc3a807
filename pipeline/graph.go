// Package pipeline sequences layers for one unit of work. A graph is
// cyclical (fixed order), circumstantial (routed over each layer's own
// persisted output), or hybrid (fixed backbone with triggered
// overrides). Routing that cannot resolve is a configuration error
// caught by Compile, never a runtime branch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sundae-labs/layerline/callgram"
	"github.com/sundae-labs/layerline/layer"
	"github.com/sundae-labs/layerline/oracle"
	"github.com/sundae-labs/layerline/turnstate"
)

// Next is a routing decision: either a named layer or the terminal
// marker. The zero value is not valid; construct via To or Terminal.
type Next struct {
	layerID  string
	terminal bool
}

func To(layerID string) Next { return Next{layerID: layerID} }

func Terminal() Next { return Next{terminal: true} }

func (n Next) IsTerminal() bool { return n.terminal }

func (n Next) LayerID() string { return n.layerID }

func (n Next) valid() bool { return n.terminal || n.layerID != "" }

// RouteContext is what a circumstantial decision may consult: the just
// persisted execution and the oracle. The layer that computed a
// threshold never draws; the route hands the threshold to the oracle.
type RouteContext struct {
	Exec   turnstate.LayerExecution
	Oracle *oracle.Oracle
}

type RouteFunc func(ctx context.Context, rc RouteContext) (Next, error)

// Trigger guards a hybrid override: when it holds, the declared route
// runs; otherwise the fixed next layer is used.
type Trigger func(exec turnstate.LayerExecution) bool

type routing struct {
	fixed   Next
	route   RouteFunc
	trigger Trigger
	// targets declares every Next a route may return, so Compile can
	// resolve them eagerly.
	targets []Next
}

type Graph struct {
	name     string
	layers   map[string]*layer.Layer
	routes   map[string]routing
	startID  string
	memoryID string
	buildErr error
}

func NewGraph(name string) *Graph {
	return &Graph{
		name:   name,
		layers: map[string]*layer.Layer{},
		routes: map[string]routing{},
	}
}

func (g *Graph) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}

func (g *Graph) AddLayer(l *layer.Layer) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if l == nil {
		g.buildErr = fmt.Errorf("layer is nil")
		return g
	}
	if _, exists := g.layers[l.ID()]; exists {
		g.buildErr = fmt.Errorf("layer %q already exists", l.ID())
		return g
	}
	g.layers[l.ID()] = l
	return g
}

func (g *Graph) SetStart(layerID string) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if layerID == "" {
		g.buildErr = fmt.Errorf("start layer id is required")
		return g
	}
	g.startID = layerID
	return g
}

// SetNext wires a fixed (cyclical) edge.
func (g *Graph) SetNext(from string, next Next) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if from == "" || !next.valid() {
		g.buildErr = fmt.Errorf("fixed edge from %q is invalid", from)
		return g
	}
	r := g.routes[from]
	r.fixed = next
	g.routes[from] = r
	return g
}

// SetRoute wires a circumstantial edge. Every Next the route may return
// must be declared in targets; an undeclared target fails Compile.
func (g *Graph) SetRoute(from string, route RouteFunc, targets ...Next) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if from == "" || route == nil {
		g.buildErr = fmt.Errorf("route from %q is invalid", from)
		return g
	}
	if len(targets) == 0 {
		g.buildErr = fmt.Errorf("route from %q declares no targets", from)
		return g
	}
	r := g.routes[from]
	r.route = route
	r.targets = targets
	g.routes[from] = r
	return g
}

// SetHybrid wires a fixed edge that a triggered route may override.
func (g *Graph) SetHybrid(from string, fixed Next, trigger Trigger, route RouteFunc, targets ...Next) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if trigger == nil {
		g.buildErr = fmt.Errorf("hybrid edge from %q requires a trigger", from)
		return g
	}
	g.SetNext(from, fixed)
	g.SetRoute(from, route, targets...)
	if g.buildErr != nil {
		return g
	}
	r := g.routes[from]
	r.trigger = trigger
	g.routes[from] = r
	return g
}

// SetMemory designates the memory-consolidation layer. It is not part
// of the routed sequence; the scheduler runs it once, after the routed
// sequence reaches terminal.
func (g *Graph) SetMemory(layerID string) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if layerID == "" {
		g.buildErr = fmt.Errorf("memory layer id is required")
		return g
	}
	g.memoryID = layerID
	return g
}

// Compile validates the graph eagerly. Unknown layers, undeclared or
// unknown route targets, unroutable layers, and unreachable layers are
// all fatal here so they can never surface mid-turn.
func (g *Graph) Compile() error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}
	if g.buildErr != nil {
		return g.buildErr
	}
	if g.name == "" {
		return fmt.Errorf("graph name is required")
	}
	if len(g.layers) == 0 {
		return fmt.Errorf("graph has no layers")
	}
	if g.startID == "" {
		return fmt.Errorf("start layer is not set")
	}
	if _, ok := g.layers[g.startID]; !ok {
		return fmt.Errorf("start layer %q does not exist", g.startID)
	}

	if g.memoryID != "" {
		mem, ok := g.layers[g.memoryID]
		if !ok {
			return fmt.Errorf("memory layer %q does not exist", g.memoryID)
		}
		if mem.Role() != layer.RoleMemory {
			return fmt.Errorf("memory layer %q has role %q, want %q", g.memoryID, mem.Role(), layer.RoleMemory)
		}
	}

	for from, r := range g.routes {
		if _, ok := g.layers[from]; !ok {
			return fmt.Errorf("routing source layer %q does not exist", from)
		}
		if r.fixed.valid() && !r.fixed.terminal {
			if _, ok := g.layers[r.fixed.layerID]; !ok {
				return fmt.Errorf("layer %q routes to unknown layer %q", from, r.fixed.layerID)
			}
		}
		for _, target := range r.targets {
			if !target.valid() {
				return fmt.Errorf("layer %q declares an invalid route target", from)
			}
			if target.terminal {
				continue
			}
			if _, ok := g.layers[target.layerID]; !ok {
				return fmt.Errorf("layer %q declares unknown route target %q", from, target.layerID)
			}
		}
	}

	for id, l := range g.layers {
		if id == g.memoryID {
			continue
		}
		if l.Role() == layer.RoleMemory {
			return fmt.Errorf("layer %q has the memory role but is not the designated memory layer", id)
		}
		r, ok := g.routes[id]
		if !ok || (!r.fixed.valid() && r.route == nil) {
			return fmt.Errorf("layer %q has no routing; set a fixed next, a route, or terminal", id)
		}
	}

	unreachable := g.unreachableLayers()
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return fmt.Errorf("graph contains unreachable layer(s): %v", unreachable)
	}
	return nil
}

// unreachableLayers walks every declared edge (fixed and route targets)
// from the start layer. The memory layer is reachable by designation.
func (g *Graph) unreachableLayers() []string {
	visited := map[string]bool{}
	var dfs func(id string)
	dfs = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		r := g.routes[id]
		if r.fixed.valid() && !r.fixed.terminal {
			dfs(r.fixed.layerID)
		}
		for _, target := range r.targets {
			if !target.terminal {
				dfs(target.layerID)
			}
		}
	}
	dfs(g.startID)
	if g.memoryID != "" {
		visited[g.memoryID] = true
	}

	out := make([]string, 0)
	for id := range g.layers {
		if !visited[id] {
			out = append(out, id)
		}
	}
	return out
}

// next resolves the layer to run after the given persisted execution.
func (g *Graph) next(ctx context.Context, from string, rc RouteContext) (Next, error) {
	r, ok := g.routes[from]
	if !ok {
		return Next{}, fmt.Errorf("layer %q has no routing", from)
	}

	useRoute := r.route != nil
	if r.trigger != nil {
		useRoute = r.trigger(rc.Exec)
	}
	if !useRoute {
		return r.fixed, nil
	}

	decision, err := r.route(ctx, rc)
	if err != nil {
		return Next{}, fmt.Errorf("route from %q failed: %w", from, err)
	}
	for _, target := range r.targets {
		if target == decision {
			return decision, nil
		}
	}
	return Next{}, fmt.Errorf("%w: route from %q returned %q", errUndeclaredRoute, from, decision.layerID)
}

// errUndeclaredRoute marks a route function returning a target outside
// its declared set. Compile rules this out for configuration; hitting
// it at runtime means the route function itself misbehaves.
var errUndeclaredRoute = errors.New("undeclared route target")

// ChanceRoute builds a circumstantial route that reads a probability
// threshold emitted as callName(N) on the 0-1000 scale from the layer's
// raw output and lets the oracle resolve it: pass when the draw
// succeeds, fail otherwise. A missing threshold resolves to fail.
func ChanceRoute(callName string, pass, fail Next) RouteFunc {
	return func(_ context.Context, rc RouteContext) (Next, error) {
		threshold, ok := ThresholdFromOutput(rc.Exec.RawOutput, callName)
		if !ok {
			return fail, nil
		}
		if rc.Oracle == nil {
			return Next{}, fmt.Errorf("chance route requires an oracle")
		}
		hit, err := rc.Oracle.Resolve(threshold)
		if err != nil {
			return Next{}, err
		}
		if hit {
			return pass, nil
		}
		return fail, nil
	}
}

// ThresholdFromOutput extracts the first callName(N) call from raw
// model output. Values are clamped to [0, 1000].
func ThresholdFromOutput(raw, callName string) (int, bool) {
	for _, call := range callgram.Parse(raw) {
		if call.Name != callName || len(call.Args) == 0 {
			continue
		}
		if call.Args[0].Kind != callgram.ArgNumber {
			continue
		}
		threshold := int(call.Args[0].Num)
		if threshold < 0 {
			threshold = 0
		}
		if threshold > 1000 {
			threshold = 1000
		}
		return threshold, true
	}
	return 0, false
}
