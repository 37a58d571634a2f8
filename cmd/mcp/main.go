// Agora MCP Server - exposes the registry and escrow API as MCP tools for LLMs
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agora/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("AGORA_API_URL", "http://localhost:8080"),
	}

	// Without a key the server still answers read-only tools.
	if hexKey := os.Getenv("AGORA_PRIVATE_KEY"); hexKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid AGORA_PRIVATE_KEY: %v\n", err)
			os.Exit(1)
		}
		cfg.Key = key
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
