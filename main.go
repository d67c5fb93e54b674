package main

import (
	"fmt"
)

func main() {
	fmt.Println("Rollout Engine - two-phase rollouts across server groups")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  Start a participant: go run ./cmd/participant --addr=localhost:8081")
	fmt.Println("  Start coordinator:   go run ./cmd/coordinator --config=rollout.yaml")
	fmt.Println("  CLI tool:            go run ./cmd/cli <command>")
	fmt.Println("")
	fmt.Println("CLI Commands:")
	fmt.Println("  rollout --group=<name> --operation=<name> [--params='{...}']  - Roll an operation out to a group")
	fmt.Println("  health --addr=<addr>                                         - Check process health")
	fmt.Println("  status --addrs=<addr1,addr2,...>                             - Check several processes")
	fmt.Println("  report --id=<rollout id>                                     - Show a finished rollout")
	fmt.Println("  history [--limit=20]                                         - List recent rollouts")
}
