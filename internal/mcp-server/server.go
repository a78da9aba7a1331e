package mcp_server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/svuillaume/lacework-mcp/internal/config"
	"github.com/svuillaume/lacework-mcp/internal/contextutil"
	"github.com/svuillaume/lacework-mcp/internal/handler/tools"
)

// Headers carrying per-request credentials in cloud mode.
const (
	keyIDHeader  = "X-LW-Key-Id"
	secretHeader = "X-LW-Secret"
)

type MCPServer struct {
	logger  *zap.Logger
	handler *tools.Handler
	config  *config.Config
}

func NewMCPServer(log *zap.Logger, handler *tools.Handler, cfg *config.Config) *MCPServer {
	return &MCPServer{logger: log, handler: handler, config: cfg}
}

func (m *MCPServer) Start() error {
	s := server.NewMCPServer("LaceworkMCP", "0.1.0", server.WithLogging(), server.WithToolCapabilities(false))

	m.logger.Info("Starting Lacework MCP Server",
		zap.String("account", m.config.Account),
		zap.String("deployment_mode", m.config.DeploymentMode))

	// Register all handlers
	m.handler.RegisterPingHandlers(s)
	m.handler.RegisterQueryHandlers(s)
	m.handler.RegisterAlertsHandlers(s)
	m.handler.RegisterComplianceHandlers(s)

	m.logger.Info("All handlers registered successfully")

	if m.config.DeploymentMode == "cloud" {
		return m.startCloud(s)
	}
	return m.startLocal(s)
}

func (m *MCPServer) startLocal(s *server.MCPServer) error {
	m.logger.Info("MCP Server running in LOCAL mode (stdio)")
	return server.ServeStdio(s)
}

func (m *MCPServer) startCloud(s *server.MCPServer) error {
	m.logger.Info("MCP Server running in cloud hosted mode")

	addr := fmt.Sprintf(":%s", m.config.Port)

	mux := http.NewServeMux()

	httpServer := server.NewStreamableHTTPServer(s,
		server.WithHTTPContextFunc(credentialsFromHeaders))
	mux.Handle("/mcp", httpServer)

	m.logger.Info("Listening for MCP clients",
		zap.String("addr", addr),
		zap.String("mcp_endpoint", "/mcp"))

	return http.ListenAndServe(addr, mux)
}

// credentialsFromHeaders lifts per-request API credentials out of HTTP
// headers so multi-tenant hosts can supply their own key pair per call.
func credentialsFromHeaders(ctx context.Context, r *http.Request) context.Context {
	keyID := r.Header.Get(keyIDHeader)
	secret := r.Header.Get(secretHeader)
	if keyID == "" || secret == "" {
		return ctx
	}
	return contextutil.SetCredentials(ctx, contextutil.Credentials{KeyID: keyID, Secret: secret})
}
