package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/svuillaume/lacework-mcp/internal/client"
	"github.com/svuillaume/lacework-mcp/internal/config"
	"github.com/svuillaume/lacework-mcp/internal/handler/tools"
	"github.com/svuillaume/lacework-mcp/internal/logger"
	mcpserver "github.com/svuillaume/lacework-mcp/internal/mcp-server"
)

func main() {
	// Load .env before reading variables; a missing file is fine.
	_ = godotenv.Load()

	log, err := logger.New(logger.LogLevel(os.Getenv(config.McpLogLevel)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(fmt.Sprintf("Failed to load config: %v", err))
	}

	laceworkClient, err := client.NewClient(log, client.Options{
		Account:       cfg.Account,
		KeyID:         cfg.KeyID,
		Secret:        cfg.Secret,
		SubAccount:    cfg.SubAccount,
		ExpirySeconds: cfg.ExpirySeconds,
		CABundle:      cfg.CABundle,
		TrustEnv:      cfg.TrustEnv,
	})
	if err != nil {
		log.Fatal(fmt.Sprintf("Failed to create Lacework client: %v", err))
	}

	handler, err := tools.NewHandler(log, laceworkClient, cfg)
	if err != nil {
		log.Fatal(fmt.Sprintf("Failed to create handler: %v", err))
	}

	if err := mcpserver.NewMCPServer(log, handler, cfg).Start(); err != nil {
		log.Fatal(fmt.Sprintf("Failed to start server: %v", err))
	}
}
