package cli

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/sundae-labs/layerline/pipeline"
	"github.com/sundae-labs/layerline/turnstate"
)

func runTurn(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	payload := normalizeInput(positional)
	if payload == "" {
		log.Fatal("payload cannot be empty")
	}
	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = "default"
	}

	scheduler, store := buildScheduler(ctx, opts)
	defer closeStore(store)

	result, err := scheduler.RunTurn(ctx, pipeline.TurnRequest{SessionID: sessionID, Payload: payload})
	if err != nil {
		log.Fatalf("turn failed: %v", err)
	}

	fmt.Printf("turn %s completed in %s\n", result.TurnID, result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond))
	fmt.Printf("layers: %s\n", strings.Join(result.LayerTrace, " -> "))
	for _, record := range result.Records {
		fmt.Printf("record: %+v\n", record)
	}
}

func resumeTurn(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	if len(positional) < 1 {
		log.Fatal("usage: layerline resume [--config=path] <turn-id>")
	}
	turnID := strings.TrimSpace(positional[0])

	scheduler, store := buildScheduler(ctx, opts)
	defer closeStore(store)

	result, err := scheduler.Resume(ctx, turnID)
	if err != nil {
		log.Fatalf("resume failed: %v", err)
	}
	fmt.Printf("turn %s resumed to completion, %d executions\n", result.TurnID, len(result.Executions))
}

func replayTurn(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	if len(positional) < 1 {
		log.Fatal("usage: layerline replay [--config=path] <turn-id> [from-seq]")
	}
	turnID := strings.TrimSpace(positional[0])
	fromSeq := 1
	if len(positional) > 1 {
		parsed, err := strconv.Atoi(strings.TrimSpace(positional[1]))
		if err != nil {
			log.Fatalf("invalid from-seq %q", positional[1])
		}
		fromSeq = parsed
	}

	scheduler, store := buildScheduler(ctx, opts)
	defer closeStore(store)

	execs, err := scheduler.Replay(ctx, turnID, fromSeq)
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}
	for _, exec := range execs {
		fmt.Printf("seq=%d layer=%s outcome=%s\n", exec.Seq, exec.LayerID, exec.Outcome)
	}
}

func listTurns(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)

	store := buildStore(ctx)
	defer closeStore(store)

	turns, err := store.ListTurns(ctx, turnstate.ListTurnsQuery{SessionID: opts.sessionID, Limit: 100})
	if err != nil {
		log.Fatalf("list turns failed: %v", err)
	}
	for _, turn := range turns {
		updated := "-"
		if turn.UpdatedAt != nil {
			updated = turn.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", turn.TurnID, turn.SessionID, turn.Pipeline, turn.Status, updated)
	}
}
