package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"github.com/sundae-labs/layerline/internal/cli"
)

func main() {
	// A missing .env is fine; deployments configure the environment
	// directly.
	_ = godotenv.Load()
	cli.Run(context.Background(), os.Args[1:])
}
