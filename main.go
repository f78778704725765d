package main

import (
	"fmt"
	"os"

	"github.com/VanDung-dev/HieraChain-Swarm/api"
	"github.com/VanDung-dev/HieraChain-Swarm/consensus"
)

// Name of the module binary
const Name = "HieraChain-Swarm"

func main() {
	fmt.Printf("%s v%s\n", Name, api.Version)
	fmt.Println("Pluggable consensus and state synchronization for agent swarms")
	fmt.Printf("Algorithms: %v\n", builtinAlgorithms())
	fmt.Println("Run cmd/swarmd to start an agent")
	os.Exit(0)
}

func builtinAlgorithms() []string {
	registry, err := consensus.NewBuiltinRegistry(consensus.DefaultConfig())
	if err != nil {
		return nil
	}
	return registry.Names()
}
