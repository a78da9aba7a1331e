package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names.
const (
	LwAccount    = "LW_ACCOUNT"
	LwKeyID      = "LW_KEY_ID"
	LwSecret     = "LW_SECRET"
	LwSubAccount = "LW_SUBACCOUNT"
	LwExpiry     = "LW_EXPIRY"
	LwCABundle   = "LW_CA_BUNDLE"
	LwTrustEnv   = "LW_TRUST_ENV"
	McpMode      = "LW_MCP_MODE"
	McpPort      = "LW_MCP_PORT"
	McpLogLevel  = "LW_MCP_LOG_LEVEL"
)

const defaultExpirySeconds = 3600

type Config struct {
	Account    string
	KeyID      string
	Secret     string
	SubAccount string
	// ExpirySeconds is the requested token lifetime.
	ExpirySeconds int
	// CABundle is an optional path to a PEM file with extra root CAs.
	CABundle string
	// TrustEnv controls whether system proxy settings are honored.
	TrustEnv bool

	// DeploymentMode is "local" (stdio) or "cloud" (streamable HTTP).
	DeploymentMode string
	Port           string
	LogLevel       string
}

// LoadConfig reads configuration from the environment. Credentials are read
// once at startup and are immutable for the process lifetime; a missing
// required value is fatal before any tool is servable.
func LoadConfig() (*Config, error) {
	account := os.Getenv(LwAccount)
	if account == "" {
		return nil, fmt.Errorf("environment variable `%s` not set", LwAccount)
	}
	keyID := os.Getenv(LwKeyID)
	if keyID == "" {
		return nil, fmt.Errorf("environment variable `%s` not set", LwKeyID)
	}
	secret := os.Getenv(LwSecret)
	if secret == "" {
		return nil, fmt.Errorf("environment variable `%s` not set", LwSecret)
	}

	expiry := defaultExpirySeconds
	if v := os.Getenv(LwExpiry); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("environment variable `%s` must be a positive integer, got %q", LwExpiry, v)
		}
		expiry = n
	}

	mode := os.Getenv(McpMode)
	if mode == "" {
		mode = "local"
	}
	port := os.Getenv(McpPort)
	if port == "" {
		port = "8080"
	}

	return &Config{
		Account:        account,
		KeyID:          keyID,
		Secret:         secret,
		SubAccount:     os.Getenv(LwSubAccount),
		ExpirySeconds:  expiry,
		CABundle:       os.Getenv(LwCABundle),
		TrustEnv:       os.Getenv(LwTrustEnv) != "0",
		DeploymentMode: mode,
		Port:           port,
		LogLevel:       os.Getenv(McpLogLevel),
	}, nil
}
