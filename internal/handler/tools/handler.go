package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	lwclient "github.com/svuillaume/lacework-mcp/internal/client"
	"github.com/svuillaume/lacework-mcp/internal/config"
	"github.com/svuillaume/lacework-mcp/internal/contextutil"
)

const (
	startTimeDesc = "Start time in UTC ISO 8601 ('2024-01-02T15:04:05Z'). Optional."
	endTimeDesc   = "End time in UTC ISO 8601 ('2024-01-02T15:04:05Z'). Optional."

	defaultAlertLimit  = 50
	defaultSearchLimit = 1000

	clientCacheSize = 32
)

type Handler struct {
	client *lwclient.Lacework
	logger *zap.Logger
	cfg    *config.Config
	// clientCache holds per-credential clients for cloud mode, keyed by
	// key ID + secret. It caches clients, never tokens.
	clientCache *lru.Cache[string, *lwclient.Lacework]
}

func NewHandler(log *zap.Logger, client *lwclient.Lacework, cfg *config.Config) (*Handler, error) {
	cache, err := lru.New[string, *lwclient.Lacework](clientCacheSize)
	if err != nil {
		return nil, err
	}
	return &Handler{client: client, logger: log, cfg: cfg, clientCache: cache}, nil
}

// GetClient returns the client for this invocation. When the host supplied
// per-request credentials (cloud mode) a cached client for that key pair is
// used; otherwise the process-wide client.
func (h *Handler) GetClient(ctx context.Context) *lwclient.Lacework {
	creds, ok := contextutil.GetCredentials(ctx)
	if !ok || creds.KeyID == "" || creds.Secret == "" {
		return h.client
	}

	key := creds.KeyID + "\x00" + creds.Secret
	if cached, ok := h.clientCache.Get(key); ok {
		return cached
	}

	h.logger.Debug("Creating client with credentials from request context")
	c, err := lwclient.NewClient(h.logger, lwclient.Options{
		Account:       h.cfg.Account,
		KeyID:         creds.KeyID,
		Secret:        creds.Secret,
		SubAccount:    h.cfg.SubAccount,
		ExpirySeconds: h.cfg.ExpirySeconds,
		CABundle:      h.cfg.CABundle,
		TrustEnv:      h.cfg.TrustEnv,
	})
	if err != nil {
		h.logger.Error("Failed to create per-request client, falling back to default", zap.Error(err))
		return h.client
	}
	h.clientCache.Add(key, c)
	return c
}

func (h *Handler) RegisterPingHandlers(s *server.MCPServer) {
	h.logger.Debug("Registering ping handlers")

	pingTool := mcp.NewTool("lacework_ping",
		mcp.WithDescription("Check authentication with Lacework by fetching a short-lived API token. Returns {ok: true, token_preview} on success or {ok: false, error} on failure."),
	)

	s.AddTool(pingTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.logger.Debug("Tool called: lacework_ping")

		token, err := h.GetClient(ctx).FetchToken(ctx)
		if err != nil {
			h.logger.Error("Auth check failed", zap.Error(err))
			return jsonResult(map[string]any{"ok": false, "error": err.Error()})
		}

		preview := token
		if len(preview) > 10 {
			preview = preview[:10] + "..."
		}
		return jsonResult(map[string]any{"ok": true, "token_preview": preview})
	})
}

func (h *Handler) RegisterQueryHandlers(s *server.MCPServer) {
	h.logger.Debug("Registering query handlers")

	queryTool := mcp.NewTool("lacework_run_lql_query",
		mcp.WithDescription("Execute a saved LQL query by ID (POST /api/v2/Queries/{queryId}/execute). Optional start_time/end_time are added as StartTimeRange/EndTimeRange arguments; a bare date 'YYYY-MM-DD' is coerced to midnight UTC. Returns the raw API response, or {error, details?} on failure."),
		mcp.WithString("query_id", mcp.Required(), mcp.Description("Saved LQL query ID (e.g. 'samv_out_of_canada')")),
		mcp.WithString("start_time", mcp.Description(startTimeDesc+" Also accepts 'YYYY-MM-DD'.")),
		mcp.WithString("end_time", mcp.Description(endTimeDesc+" Also accepts 'YYYY-MM-DD'.")),
		mcp.WithArray("args", mcp.Description(`Extra query arguments as [{"name": "...", "value": "..."}, ...]. Entries without both name and value are ignored.`)),
	)

	s.AddTool(queryTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)

		queryID := stringArg(args, "query_id")
		start := stringArg(args, "start_time")
		end := stringArg(args, "end_time")
		extra, _ := args["args"].([]any)

		h.logger.Debug("Tool called: lacework_run_lql_query", zap.String("query_id", queryID))

		resp, err := h.GetClient(ctx).RunQuery(ctx, queryID, start, end, extra)
		if err != nil {
			h.logger.Error("Failed to run LQL query", zap.String("query_id", queryID), zap.Error(err))
			return errorResult(err)
		}
		return mcp.NewToolResultText(string(resp)), nil
	})
}

func (h *Handler) RegisterAlertsHandlers(s *server.MCPServer) {
	h.logger.Debug("Registering alerts handlers")

	alertsTool := mcp.NewTool("lacework_list_alerts",
		mcp.WithDescription("List alerts (GET /api/v2/Alerts) for a time window. Defaults to the last 7 days; each missing bound defaults independently against now. Returns the raw API response, or {error, details?} on failure."),
		mcp.WithString("start_time", mcp.Description(startTimeDesc+" Defaults to 7 days ago.")),
		mcp.WithString("end_time", mcp.Description(endTimeDesc+" Defaults to now.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of alerts to return. Default: 50.")),
	)

	s.AddTool(alertsTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)

		start := stringArg(args, "start_time")
		end := stringArg(args, "end_time")
		limit := intArg(args, "limit", defaultAlertLimit)

		h.logger.Debug("Tool called: lacework_list_alerts", zap.String("start_time", start), zap.String("end_time", end), zap.Int("limit", limit))

		resp, err := h.GetClient(ctx).ListAlerts(ctx, start, end, limit)
		if err != nil {
			h.logger.Error("Failed to list alerts", zap.Error(err))
			return errorResult(err)
		}
		return mcp.NewToolResultText(string(resp)), nil
	})
}

func (h *Handler) RegisterComplianceHandlers(s *server.MCPServer) {
	h.logger.Debug("Registering compliance handlers")

	searchTool := mcp.NewTool("lacework_search_aws_compliance",
		mcp.WithDescription("Search AWS compliance evaluations (POST /api/v2/Configs/ComplianceEvaluations/search). Time ranges longer than 7 days are chunked automatically and pagination cursors are followed; results merge chronologically up to 'limit'. start_time/end_time must be full UTC instants, bare dates are not accepted here. Returns {data: [...]} or {error, details?} on failure."),
		mcp.WithString("start_time", mcp.Description(startTimeDesc+" Defaults to end_time minus 7 days.")),
		mcp.WithString("end_time", mcp.Description(endTimeDesc+" Defaults to now.")),
		mcp.WithArray("statuses", mcp.Description(`Compliance statuses to match, e.g. ["NonCompliant", "PartiallyCompliant"]. One value uses an eq filter, several use in.`)),
		mcp.WithArray("account_ids", mcp.Description(`AWS account IDs to match, e.g. ["123456789012"].`)),
		mcp.WithArray("returns", mcp.Description("Fields to return. Defaults to account, id, recommendation, severity, status.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of merged rows to return across all chunks. Default: 1000.")),
	)

	s.AddTool(searchTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)

		params := lwclient.SearchParams{
			Start:      stringArg(args, "start_time"),
			End:        stringArg(args, "end_time"),
			Statuses:   stringSliceArg(args, "statuses"),
			AccountIDs: stringSliceArg(args, "account_ids"),
			Returns:    stringSliceArg(args, "returns"),
			Limit:      intArg(args, "limit", defaultSearchLimit),
		}

		h.logger.Debug("Tool called: lacework_search_aws_compliance",
			zap.String("start_time", params.Start),
			zap.String("end_time", params.End),
			zap.Int("limit", params.Limit))

		result, err := h.GetClient(ctx).SearchCompliance(ctx, params)
		if err != nil {
			h.logger.Error("Failed to search compliance evaluations", zap.Error(err))
			return errorResult(err)
		}
		return jsonResult(result)
	})
}

// errorResult converts a client error into the structured {error, details?}
// payload. Tools never fail at the protocol level; the host checks the error
// field.
func errorResult(err error) (*mcp.CallToolResult, error) {
	switch e := err.(type) {
	case *lwclient.APIError:
		return jsonResult(map[string]any{"error": fmt.Sprintf("HTTP %d", e.StatusCode), "details": e.Body})
	case *lwclient.AuthError:
		if e.StatusCode != 0 {
			return jsonResult(map[string]any{"error": fmt.Sprintf("HTTP %d", e.StatusCode), "details": e.Body})
		}
		return jsonResult(map[string]any{"error": e.Error()})
	default:
		return jsonResult(map[string]any{"error": err.Error()})
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf(`{"error": %q}`, err.Error())), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// stringSliceArg reads an array argument, stringifying each element and
// skipping nils.
func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item == nil {
			continue
		}
		if s, ok := item.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, fmt.Sprintf("%v", item))
	}
	return out
}

// intArg accepts both JSON numbers and numeric strings for compatibility
// with hosts that send every parameter as text.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
