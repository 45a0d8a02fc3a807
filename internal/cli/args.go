package cli

import (
	"log"
	"strconv"
	"strings"

	"github.com/sundae-labs/layerline/turnstate"
)

type cliOptions struct {
	configPath string
	sessionID  string
	seed       int64
	seedSet    bool
}

func parseArgs(args []string) (cliOptions, []string) {
	opts := cliOptions{}
	positional := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case strings.HasPrefix(arg, "--session="):
			opts.sessionID = strings.TrimSpace(strings.TrimPrefix(arg, "--session="))
		case strings.HasPrefix(arg, "--seed="):
			raw := strings.TrimSpace(strings.TrimPrefix(arg, "--seed="))
			seed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				log.Fatalf("invalid --seed value %q", raw)
			}
			opts.seed = seed
			opts.seedSet = true
		default:
			positional = append(positional, arg)
		}
	}
	return opts, positional
}

func normalizeInput(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) == "--" {
		args = args[1:]
	}
	return strings.TrimSpace(strings.Join(args, " "))
}

func closeStore(store turnstate.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Printf("turn state store close failed: %v", err)
	}
}
