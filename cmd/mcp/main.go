// StableFlow MCP server - exposes claim review and treasury tools to LLMs over stdio
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/stableflow/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("STABLEFLOW_API_URL", "http://localhost:8080"),
		ActorID: os.Getenv("STABLEFLOW_ACTOR_ID"),
	}

	if cfg.ActorID == "" {
		fmt.Fprintln(os.Stderr, "STABLEFLOW_ACTOR_ID is required")
		os.Exit(1)
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
