package cli

import (
	"context"
	"log"

	"github.com/sundae-labs/layerline/internal/config"
	"github.com/sundae-labs/layerline/layer"
	"github.com/sundae-labs/layerline/llm"
	"github.com/sundae-labs/layerline/observe"
	"github.com/sundae-labs/layerline/oracle"
	"github.com/sundae-labs/layerline/pipeline"
	"github.com/sundae-labs/layerline/pipelineconfig"
	providerfactory "github.com/sundae-labs/layerline/providers/factory"
	"github.com/sundae-labs/layerline/turnstate"
	statefactory "github.com/sundae-labs/layerline/turnstate/factory"
)

func buildProvider() llm.Provider {
	provider, err := providerfactory.FromEnv()
	if err != nil {
		log.Fatalf("failed to create provider: %v", err)
	}
	return provider
}

func buildStore(ctx context.Context) turnstate.Store {
	store, err := statefactory.FromEnv(ctx)
	if err != nil {
		log.Fatalf("failed to create turn state store: %v", err)
	}
	return store
}

func buildObserver() observe.Sink {
	if !config.BoolEnv("LAYERLINE_TRACE", false) {
		return observe.NoopSink{}
	}
	return observe.SinkFunc(func(_ context.Context, event observe.Event) error {
		log.Printf("[%s] %s turn=%s layer=%s %s", event.Kind, event.Status, event.TurnID, event.LayerID, event.Error)
		return nil
	})
}

func buildScheduler(ctx context.Context, opts cliOptions) (*pipeline.Scheduler, turnstate.Store) {
	configPath := opts.configPath
	if configPath == "" {
		configPath = config.StringEnv("LAYERLINE_PIPELINE", "./layerline.yaml")
	}
	cfg, err := pipelineconfig.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load pipeline config: %v", err)
	}

	observer := buildObserver()
	graph, err := cfg.Build(buildProvider(), pipelineconfig.WithLayerOptions(layer.WithObserver(observer)))
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	store := buildStore(ctx)

	schedOpts := []pipeline.SchedulerOption{pipeline.WithObserver(observer)}
	seed := config.Int64Env("LAYERLINE_ORACLE_SEED", 0)
	if opts.seedSet {
		seed = opts.seed
	}
	if seed != 0 {
		schedOpts = append(schedOpts, pipeline.WithOracle(oracle.New(oracle.WithSeed(seed))))
	}

	scheduler, err := pipeline.NewScheduler(graph, store, schedOpts...)
	if err != nil {
		closeStore(store)
		log.Fatalf("failed to create scheduler: %v", err)
	}
	return scheduler, store
}
