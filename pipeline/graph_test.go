package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/sundae-labs/layerline/layer"
	"github.com/sundae-labs/layerline/llm"
)

func testLayer(t *testing.T, id string, role layer.Role, opts ...layer.Option) *layer.Layer {
	t.Helper()
	l, err := layer.New(id, role, llm.NewScriptProvider("script", "ok"), opts...)
	if err != nil {
		t.Fatalf("failed to build layer %q: %v", id, err)
	}
	return l
}

func TestCompileRequiresLayersAndStart(t *testing.T) {
	if err := NewGraph("g").Compile(); err == nil {
		t.Fatalf("expected empty graph to fail compile")
	}

	g := NewGraph("g").AddLayer(testLayer(t, "a", layer.RoleContent))
	if err := g.Compile(); err == nil {
		t.Fatalf("expected graph without start to fail compile")
	}

	g = NewGraph("g").
		AddLayer(testLayer(t, "a", layer.RoleContent)).
		SetStart("missing").
		SetNext("a", Terminal())
	if err := g.Compile(); err == nil || !strings.Contains(err.Error(), "start layer") {
		t.Fatalf("expected unknown start error, got %v", err)
	}
}

func TestCompileRejectsUnknownRouteTarget(t *testing.T) {
	route := func(context.Context, RouteContext) (Next, error) { return To("nowhere"), nil }
	g := NewGraph("g").
		AddLayer(testLayer(t, "a", layer.RoleNavigator)).
		SetStart("a").
		SetRoute("a", route, To("nowhere"), Terminal())
	if err := g.Compile(); err == nil || !strings.Contains(err.Error(), "unknown route target") {
		t.Fatalf("expected unknown route target error, got %v", err)
	}
}

func TestCompileRejectsUnroutedLayer(t *testing.T) {
	g := NewGraph("g").
		AddLayer(testLayer(t, "a", layer.RoleContent)).
		SetStart("a")
	if err := g.Compile(); err == nil || !strings.Contains(err.Error(), "no routing") {
		t.Fatalf("expected no-routing error, got %v", err)
	}
}

func TestCompileRejectsUnreachableLayer(t *testing.T) {
	g := NewGraph("g").
		AddLayer(testLayer(t, "a", layer.RoleContent)).
		AddLayer(testLayer(t, "island", layer.RoleContent)).
		SetStart("a").
		SetNext("a", Terminal()).
		SetNext("island", Terminal())
	if err := g.Compile(); err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}

func TestCompileMemoryLayerRules(t *testing.T) {
	g := NewGraph("g").
		AddLayer(testLayer(t, "a", layer.RoleContent)).
		SetStart("a").
		SetNext("a", Terminal()).
		SetMemory("missing")
	if err := g.Compile(); err == nil || !strings.Contains(err.Error(), "memory layer") {
		t.Fatalf("expected missing memory layer error, got %v", err)
	}

	g = NewGraph("g").
		AddLayer(testLayer(t, "a", layer.RoleContent)).
		AddLayer(testLayer(t, "mem", layer.RoleContent)).
		SetStart("a").
		SetNext("a", Terminal()).
		SetMemory("mem")
	if err := g.Compile(); err == nil || !strings.Contains(err.Error(), "role") {
		t.Fatalf("expected memory role error, got %v", err)
	}

	// A memory-role layer that is not the designated memory layer is a
	// configuration error: nothing else may write memory.
	g = NewGraph("g").
		AddLayer(testLayer(t, "a", layer.RoleMemory)).
		SetStart("a").
		SetNext("a", Terminal())
	if err := g.Compile(); err == nil || !strings.Contains(err.Error(), "memory role") {
		t.Fatalf("expected stray memory role error, got %v", err)
	}
}

func TestCompileAcceptsCyclicalChain(t *testing.T) {
	g := NewGraph("order").
		AddLayer(testLayer(t, "reason", layer.RoleReasoning)).
		AddLayer(testLayer(t, "content", layer.RoleContent)).
		AddLayer(testLayer(t, "correct", layer.RoleCorrection)).
		SetStart("reason").
		SetNext("reason", To("content")).
		SetNext("content", To("correct")).
		SetNext("correct", Terminal())
	if err := g.Compile(); err != nil {
		t.Fatalf("expected chain to compile, got %v", err)
	}
}

func TestThresholdFromOutput(t *testing.T) {
	raw := "I think this works.\nchance(650)\nstatus(\"ok\")"
	threshold, ok := ThresholdFromOutput(raw, "chance")
	if !ok || threshold != 650 {
		t.Fatalf("expected threshold 650, got %d (ok=%v)", threshold, ok)
	}

	if _, ok := ThresholdFromOutput("no calls here", "chance"); ok {
		t.Fatalf("expected no threshold")
	}

	threshold, ok = ThresholdFromOutput("chance(2000)", "chance")
	if !ok || threshold != 1000 {
		t.Fatalf("expected clamp to 1000, got %d", threshold)
	}
	threshold, ok = ThresholdFromOutput("chance(-5)", "chance")
	if !ok || threshold != 0 {
		t.Fatalf("expected clamp to 0, got %d", threshold)
	}
}
