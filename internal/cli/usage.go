package cli

import "fmt"

func printUsage() {
	fmt.Println("layerline - layered pipeline engine for call-shaped model output")
	fmt.Println("Usage:")
	fmt.Println("  layerline run [--config=layerline.yaml] [--session=id] [--seed=N] -- \"payload\"")
	fmt.Println("  layerline resume [--config=layerline.yaml] <turn-id>")
	fmt.Println("  layerline replay [--config=layerline.yaml] <turn-id> [from-seq]")
	fmt.Println("  layerline turns [--session=id]")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  LAYERLINE_PIPELINE           Pipeline config path (default ./layerline.yaml)")
	fmt.Println("  LAYERLINE_STATE_BACKEND      sqlite | redis | hybrid (default sqlite)")
	fmt.Println("  LAYERLINE_SQLITE_PATH        SQLite file path")
	fmt.Println("  LAYERLINE_REDIS_ADDR         Redis address")
	fmt.Println("  LAYERLINE_CHAT_BASE_URL      OpenAI-compatible endpoint base URL")
	fmt.Println("  LAYERLINE_CHAT_MODEL         Default model name")
	fmt.Println("  LAYERLINE_CHAT_API_KEY       Bearer token, if the endpoint needs one")
	fmt.Println("  LAYERLINE_ORACLE_SEED        Fixed oracle seed for reproducible routing")
	fmt.Println("  LAYERLINE_TRACE              Log pipeline events (default off)")
}
