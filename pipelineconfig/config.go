// Package pipelineconfig loads a declarative pipeline definition from
// YAML and assembles it into a compiled graph. Validation is eager:
// a config that loads is a config that runs.
package pipelineconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/sundae-labs/layerline/layer"
	"github.com/sundae-labs/layerline/llm"
	"github.com/sundae-labs/layerline/pipeline"
	"github.com/sundae-labs/layerline/segment"
	"github.com/sundae-labs/layerline/turnstate"
)

// TerminalRef is the reserved routing target marking end of sequence.
const TerminalRef = "terminal"

type Config struct {
	Name   string        `yaml:"name"`
	Schema []FieldConfig `yaml:"schema"`
	Layers []LayerConfig `yaml:"layers"`
	Start  string        `yaml:"start"`
	Memory string        `yaml:"memory,omitempty"`
}

type FieldConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	StartsGroup bool   `yaml:"starts_group,omitempty"`
	Terminal    bool   `yaml:"terminal,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	BaseBackoff string `yaml:"base_backoff,omitempty"`
	MaxBackoff  string `yaml:"max_backoff,omitempty"`
}

// ChanceConfig routes on a probability threshold the layer itself
// emitted as call(N). Pass and Fail name layer ids, or "terminal".
type ChanceConfig struct {
	Call string `yaml:"call"`
	Pass string `yaml:"pass"`
	Fail string `yaml:"fail"`
}

type LayerConfig struct {
	ID              string       `yaml:"id"`
	Role            string       `yaml:"role"`
	Model           string       `yaml:"model,omitempty"`
	SystemPrompt    string       `yaml:"system_prompt,omitempty"`
	MaxOutputTokens int          `yaml:"max_output_tokens,omitempty"`
	ParseOutput     bool         `yaml:"parse_output,omitempty"`
	Connector       bool         `yaml:"connector,omitempty"`
	Timeout         string       `yaml:"timeout,omitempty"`
	Retry           *RetryConfig `yaml:"retry,omitempty"`

	// Routing. Next/Terminal wire a fixed edge; Chance wires a
	// circumstantial edge. Declaring both makes the edge hybrid: the
	// chance call's presence in the output triggers the override.
	Next     string        `yaml:"next,omitempty"`
	Terminal bool          `yaml:"terminal,omitempty"`
	Chance   *ChanceConfig `yaml:"chance,omitempty"`
}

func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode pipeline config as YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(c.Layers) == 0 {
		return fmt.Errorf("pipeline %q defines no layers", c.Name)
	}
	if strings.TrimSpace(c.Start) == "" {
		return fmt.Errorf("pipeline %q has no start layer", c.Name)
	}

	ids := make(map[string]LayerConfig, len(c.Layers))
	for _, lc := range c.Layers {
		if strings.TrimSpace(lc.ID) == "" {
			return fmt.Errorf("pipeline %q contains a layer without an id", c.Name)
		}
		if lc.ID == TerminalRef {
			return fmt.Errorf("layer id %q is reserved", TerminalRef)
		}
		if _, dup := ids[lc.ID]; dup {
			return fmt.Errorf("pipeline %q defines layer %q twice", c.Name, lc.ID)
		}
		if !layer.ValidRole(layer.Role(lc.Role)) {
			return fmt.Errorf("layer %q has unknown role %q", lc.ID, lc.Role)
		}
		ids[lc.ID] = lc
	}

	if _, ok := ids[c.Start]; !ok {
		return fmt.Errorf("start layer %q is not defined", c.Start)
	}
	if c.Memory != "" {
		mem, ok := ids[c.Memory]
		if !ok {
			return fmt.Errorf("memory layer %q is not defined", c.Memory)
		}
		if layer.Role(mem.Role) != layer.RoleMemory {
			return fmt.Errorf("memory layer %q has role %q, want %q", c.Memory, mem.Role, layer.RoleMemory)
		}
	}

	checkRef := func(from, ref string) error {
		if ref == "" || ref == TerminalRef {
			return nil
		}
		if _, ok := ids[ref]; !ok {
			return fmt.Errorf("layer %q routes to unknown layer %q", from, ref)
		}
		return nil
	}
	for _, lc := range c.Layers {
		if lc.Next != "" && lc.Terminal {
			return fmt.Errorf("layer %q declares both next and terminal", lc.ID)
		}
		if err := checkRef(lc.ID, lc.Next); err != nil {
			return err
		}
		if lc.Chance != nil {
			if strings.TrimSpace(lc.Chance.Call) == "" {
				return fmt.Errorf("layer %q chance route has no call name", lc.ID)
			}
			if lc.Chance.Pass == "" || lc.Chance.Fail == "" {
				return fmt.Errorf("layer %q chance route must name pass and fail targets", lc.ID)
			}
			if err := checkRef(lc.ID, lc.Chance.Pass); err != nil {
				return err
			}
			if err := checkRef(lc.ID, lc.Chance.Fail); err != nil {
				return err
			}
		}
		if lc.ID != c.Memory && lc.Next == "" && !lc.Terminal && lc.Chance == nil {
			return fmt.Errorf("layer %q has no routing; set next, terminal, or chance", lc.ID)
		}
		if lc.Retry != nil {
			if _, err := parseOptionalDuration(lc.Retry.BaseBackoff); err != nil {
				return fmt.Errorf("layer %q retry base_backoff: %w", lc.ID, err)
			}
			if _, err := parseOptionalDuration(lc.Retry.MaxBackoff); err != nil {
				return fmt.Errorf("layer %q retry max_backoff: %w", lc.ID, err)
			}
		}
		if _, err := parseOptionalDuration(lc.Timeout); err != nil {
			return fmt.Errorf("layer %q timeout: %w", lc.ID, err)
		}
	}

	if len(c.Schema) > 0 {
		if _, err := c.buildSchema(); err != nil {
			return err
		}
	} else {
		for _, lc := range c.Layers {
			if lc.ParseOutput {
				return fmt.Errorf("layer %q sets parse_output but the pipeline defines no schema", lc.ID)
			}
		}
	}
	return nil
}

func (c Config) buildSchema() (segment.Schema, error) {
	schema := segment.Schema{Fields: map[string]segment.FieldSpec{}}
	for _, fc := range c.Schema {
		if strings.TrimSpace(fc.Name) == "" {
			return segment.Schema{}, fmt.Errorf("pipeline %q schema contains a field without a name", c.Name)
		}
		var kind segment.FieldKind
		switch fc.Kind {
		case "multi":
			kind = segment.FieldMulti
		case "number":
			kind = segment.FieldNumber
		case "text":
			kind = segment.FieldText
		default:
			return segment.Schema{}, fmt.Errorf("schema field %q has unknown kind %q", fc.Name, fc.Kind)
		}
		schema.Fields[fc.Name] = segment.FieldSpec{
			Kind:        kind,
			StartsGroup: fc.StartsGroup,
			Terminal:    fc.Terminal,
		}
	}
	if err := schema.Validate(); err != nil {
		return segment.Schema{}, fmt.Errorf("pipeline %q schema: %w", c.Name, err)
	}
	return schema, nil
}

type buildOptions struct {
	extra []layer.Option
}

type BuildOption func(*buildOptions)

// WithLayerOptions appends extra options to every constructed layer.
func WithLayerOptions(opts ...layer.Option) BuildOption {
	return func(b *buildOptions) {
		if len(opts) > 0 {
			b.extra = append(b.extra, opts...)
		}
	}
}

// Build assembles the config into a graph backed by the given provider
// and compiles it.
func (c Config) Build(provider llm.Provider, opts ...BuildOption) (*pipeline.Graph, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var b buildOptions
	for _, opt := range opts {
		opt(&b)
	}

	var schema *segment.Schema
	if len(c.Schema) > 0 {
		built, err := c.buildSchema()
		if err != nil {
			return nil, err
		}
		schema = &built
	}

	graph := pipeline.NewGraph(c.Name)
	for _, lc := range c.Layers {
		layerOpts := make([]layer.Option, 0, 8)
		if lc.SystemPrompt != "" {
			layerOpts = append(layerOpts, layer.WithSystemPrompt(lc.SystemPrompt))
		}
		if lc.Model != "" {
			layerOpts = append(layerOpts, layer.WithModel(lc.Model))
		}
		if lc.MaxOutputTokens > 0 {
			layerOpts = append(layerOpts, layer.WithMaxOutputTokens(lc.MaxOutputTokens))
		}
		if lc.ParseOutput && schema != nil {
			layerOpts = append(layerOpts, layer.WithSchema(*schema))
		}
		if lc.Connector {
			layerOpts = append(layerOpts, layer.WithConnector())
		}
		if lc.Timeout != "" {
			timeout, err := parseOptionalDuration(lc.Timeout)
			if err != nil {
				return nil, err
			}
			layerOpts = append(layerOpts, layer.WithInvokeTimeout(timeout))
		}
		if lc.Retry != nil {
			base, err := parseOptionalDuration(lc.Retry.BaseBackoff)
			if err != nil {
				return nil, err
			}
			max, err := parseOptionalDuration(lc.Retry.MaxBackoff)
			if err != nil {
				return nil, err
			}
			layerOpts = append(layerOpts, layer.WithRetryPolicy(layer.RetryPolicy{
				MaxAttempts: lc.Retry.MaxAttempts,
				BaseBackoff: base,
				MaxBackoff:  max,
			}))
		}
		layerOpts = append(layerOpts, b.extra...)

		l, err := layer.New(lc.ID, layer.Role(lc.Role), provider, layerOpts...)
		if err != nil {
			return nil, err
		}
		graph.AddLayer(l)
	}

	graph.SetStart(c.Start)
	if c.Memory != "" {
		graph.SetMemory(c.Memory)
	}

	for _, lc := range c.Layers {
		if lc.ID == c.Memory {
			continue
		}
		fixed, hasFixed := fixedNext(lc)
		switch {
		case lc.Chance != nil && hasFixed:
			pass := nextFromRef(lc.Chance.Pass)
			fail := nextFromRef(lc.Chance.Fail)
			call := lc.Chance.Call
			trigger := pipeline.Trigger(func(exec turnstate.LayerExecution) bool {
				_, ok := pipeline.ThresholdFromOutput(exec.RawOutput, call)
				return ok
			})
			graph.SetHybrid(lc.ID, fixed, trigger,
				pipeline.ChanceRoute(call, pass, fail), pass, fail)

		case lc.Chance != nil:
			pass := nextFromRef(lc.Chance.Pass)
			fail := nextFromRef(lc.Chance.Fail)
			graph.SetRoute(lc.ID, pipeline.ChanceRoute(lc.Chance.Call, pass, fail), pass, fail)

		default:
			graph.SetNext(lc.ID, fixed)
		}
	}

	if err := graph.Compile(); err != nil {
		return nil, err
	}
	return graph, nil
}

func fixedNext(lc LayerConfig) (pipeline.Next, bool) {
	if lc.Terminal {
		return pipeline.Terminal(), true
	}
	if lc.Next != "" {
		return pipeline.To(lc.Next), true
	}
	return pipeline.Next{}, false
}

func nextFromRef(ref string) pipeline.Next {
	if ref == TerminalRef {
		return pipeline.Terminal()
	}
	return pipeline.To(ref)
}

func parseOptionalDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", raw)
	}
	return d, nil
}
