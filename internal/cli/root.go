// Package cli implements the layerline command line entry points.
package cli

import (
	"context"
	"strings"
)

func Run(ctx context.Context, args []string) {
	if len(args) < 1 {
		printUsage()
		return
	}

	switch strings.TrimSpace(args[0]) {
	case "run":
		runTurn(ctx, args[1:])
	case "resume":
		resumeTurn(ctx, args[1:])
	case "replay":
		replayTurn(ctx, args[1:])
	case "turns":
		listTurns(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		printUsage()
	}
}
