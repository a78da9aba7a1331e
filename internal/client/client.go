package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/svuillaume/lacework-mcp/pkg/timeutil"
	"github.com/svuillaume/lacework-mcp/pkg/types"
)

const (
	ContentType   = "Content-Type"
	SubAccountHdr = "X-LW-Sub-Account"
	SecretHdr     = "X-LW-UAKS"

	// Fixed per-call timeouts; not user-configurable per invocation.
	authTimeout   = 30 * time.Second
	simpleTimeout = 30 * time.Second
	queryTimeout  = 60 * time.Second

	// Transient GET failures are retried at most this many extra times.
	maxGetRetries = 2

	chunkSpan = timeutil.DefaultWindowDays * 24 * time.Hour
)

// Options configures a Lacework client.
type Options struct {
	// BaseURL overrides the account-derived API root. Used by tests.
	BaseURL    string
	Account    string
	KeyID      string
	Secret     string
	SubAccount string
	// ExpirySeconds is the requested token lifetime.
	ExpirySeconds int
	// CABundle is an optional path to a PEM file with extra root CAs.
	CABundle string
	// TrustEnv controls whether proxy settings are read from the environment.
	TrustEnv bool
}

// Lacework is a client for the Lacework v2 REST API. A token is fetched
// fresh for every tool invocation; the client itself holds no mutable state
// and is safe for concurrent use.
type Lacework struct {
	baseURL    string
	keyID      string
	secret     string
	subAccount string
	expiry     int
	logger     *zap.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a Lacework API client.
func NewClient(log *zap.Logger, opts Options) (*Lacework, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.lacework.net/api/v2", opts.Account)
	}

	transport := &http.Transport{}
	if opts.TrustEnv {
		transport.Proxy = http.ProxyFromEnvironment
	}
	if opts.CABundle != "" {
		pem, err := os.ReadFile(opts.CABundle)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", opts.CABundle)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	expiry := opts.ExpirySeconds
	if expiry <= 0 {
		expiry = 3600
	}

	return &Lacework{
		baseURL:    baseURL,
		keyID:      opts.KeyID,
		secret:     opts.Secret,
		subAccount: opts.SubAccount,
		expiry:     expiry,
		logger:     log,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(transport)},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
	}, nil
}

// FetchToken exchanges the long-lived key for a short-lived bearer token.
// The endpoint answers 200 or 201 depending on deployment, and the token
// shows up nested under data or at the top level; both are accepted.
func (c *Lacework) FetchToken(ctx context.Context) (string, error) {
	body := types.TokenRequest{KeyID: c.keyID, ExpiryTime: c.expiry}
	headers := map[string]string{SecretHdr: c.secret}

	c.logger.Debug("Fetching Lacework access token", zap.String("keyId", c.keyID))

	raw, status, err := c.do(ctx, http.MethodPost, "/access/tokens", nil, headers, "", body, authTimeout)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		c.logger.Error("Token request failed", zap.Int("status", status), zap.String("response", string(raw)))
		return "", &AuthError{StatusCode: status, Body: string(raw)}
	}

	resp, err := types.ParseTokenResponse(raw)
	if err != nil {
		return "", &AuthError{Message: fmt.Sprintf("failed to parse token response: %v", err)}
	}
	token := resp.Token()
	if token == "" {
		c.logger.Error("Token response missing token field", zap.String("response", string(raw)))
		return "", &AuthError{Message: fmt.Sprintf("auth response did not contain token: %s", raw)}
	}

	c.logger.Debug("Successfully fetched access token", zap.Int("status", status))
	return token, nil
}

// RunQuery executes a saved LQL query by ID. Optional start/end are
// canonicalized and injected as StartTimeRange/EndTimeRange arguments,
// replacing any caller-supplied entry with the same name.
func (c *Lacework) RunQuery(ctx context.Context, queryID, start, end string, extra []any) (json.RawMessage, error) {
	if queryID == "" {
		return nil, &ValidationError{Message: "query_id is required"}
	}

	args := types.ParseArguments(extra)
	if start != "" {
		args = args.Set(types.ArgStartTimeRange, timeutil.EnsureUTCISO8601(start))
	}
	if end != "" {
		args = args.Set(types.ArgEndTimeRange, timeutil.EnsureUTCISO8601(end))
	}

	token, err := c.FetchToken(ctx)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/Queries/%s/execute", url.PathEscape(queryID))
	c.logger.Debug("Executing saved LQL query", zap.String("queryId", queryID), zap.Int("arguments", len(args)))

	body, status, err := c.do(ctx, http.MethodPost, path, nil, nil, token, types.ExecuteRequest{Arguments: args}, queryTimeout)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		c.logger.Error("Query execution failed", zap.String("queryId", queryID), zap.Int("status", status), zap.String("response", string(body)))
		return nil, &APIError{StatusCode: status, Body: string(body)}
	}

	c.logger.Debug("Successfully executed query", zap.String("queryId", queryID), zap.Int("status", status))
	return body, nil
}

// ListAlerts fetches alerts for a time window. Each missing bound defaults
// independently against the current time: end = now, start = now minus
// seven days. The window is anchored to now unless both ends are explicit.
func (c *Lacework) ListAlerts(ctx context.Context, start, end string, limit int) (json.RawMessage, error) {
	defStart, defEnd := timeutil.DefaultWindow(time.Now())
	if end == "" {
		end = timeutil.FormatInstant(defEnd)
	}
	if start == "" {
		start = timeutil.FormatInstant(defStart)
	}

	token, err := c.FetchToken(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("startTime", start)
	query.Set("endTime", end)
	query.Set("limit", fmt.Sprintf("%d", limit))

	c.logger.Debug("Listing alerts", zap.String("startTime", start), zap.String("endTime", end), zap.Int("limit", limit))

	body, status, err := c.do(ctx, http.MethodGet, "/Alerts", query, nil, token, nil, simpleTimeout)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		c.logger.Error("Alert listing failed", zap.Int("status", status), zap.String("response", string(body)))
		return nil, &APIError{StatusCode: status, Body: string(body)}
	}

	c.logger.Debug("Successfully listed alerts", zap.Int("status", status))
	return body, nil
}

// SearchParams are the caller-facing inputs of a compliance search.
type SearchParams struct {
	// Start and End must already be canonical UTC instants when supplied;
	// bare dates are not coerced here.
	Start      string
	End        string
	Statuses   []string
	AccountIDs []string
	Returns    []string
	Limit      int
}

// SearchResult is the merged, limit-truncated result of a chunked search.
type SearchResult struct {
	Data []json.RawMessage `json:"data"`
}

// SearchCompliance searches AWS compliance evaluations. The overall window
// is split into chunks of at most seven days (the recommended upstream
// slice); within each chunk pagination cursors are followed until the chunk
// is exhausted or the remaining row budget is spent. Chunks run strictly
// sequentially and results concatenate in chronological order, truncated to
// the requested limit. The first error aborts the whole search; results
// from completed chunks are discarded.
func (c *Lacework) SearchCompliance(ctx context.Context, p SearchParams) (*SearchResult, error) {
	now := time.Now().UTC()

	endDT := now
	if p.End != "" {
		var err error
		if endDT, err = timeutil.ParseInstant(p.End); err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("end_time must be %s: %q", timeutil.Layout, p.End)}
		}
	}
	startDT := endDT.AddDate(0, 0, -timeutil.DefaultWindowDays)
	if p.Start != "" {
		var err error
		if startDT, err = timeutil.ParseInstant(p.Start); err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("start_time must be %s: %q", timeutil.Layout, p.Start)}
		}
	}

	var filters []types.Filter
	if f, ok := types.StatusFilter(p.Statuses); ok {
		filters = append(filters, f)
	}
	if f, ok := types.AccountFilter(p.AccountIDs); ok {
		filters = append(filters, f)
	}
	returns := p.Returns
	if len(returns) == 0 {
		returns = types.DefaultReturns
	}

	result := &SearchResult{Data: []json.RawMessage{}}
	if p.Limit <= 0 {
		return result, nil
	}

	token, err := c.FetchToken(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Searching compliance evaluations",
		zap.Time("start", startDT),
		zap.Time("end", endDT),
		zap.Int("filters", len(filters)),
		zap.Int("limit", p.Limit))

	for _, chunk := range timeutil.Chunks(startDT, endDT, chunkSpan) {
		if len(result.Data) >= p.Limit {
			break
		}
		budget := p.Limit - len(result.Data)
		if budget > types.MaxPageSize {
			budget = types.MaxPageSize
		}
		rows, err := c.fetchChunk(ctx, token, chunk, filters, returns, budget)
		if err != nil {
			return nil, err
		}
		result.Data = append(result.Data, rows...)
	}

	if len(result.Data) > p.Limit {
		result.Data = result.Data[:p.Limit]
	}

	c.logger.Debug("Compliance search complete", zap.Int("rows", len(result.Data)))
	return result, nil
}

// fetchChunk fetches a single <=7-day chunk, following pagination cursors
// until no cursor is returned or the chunk budget is exhausted. Cursors are
// only valid within the chunk; every chunk restarts pagination.
func (c *Lacework) fetchChunk(ctx context.Context, token string, chunk timeutil.Window, filters []types.Filter, returns []string, budget int) ([]json.RawMessage, error) {
	req := types.SearchRequest{
		TimeFilter: types.TimeFilter{
			StartTime: timeutil.FormatInstant(chunk.Start),
			EndTime:   timeutil.FormatInstant(chunk.End),
		},
		Dataset: types.Dataset,
		Filters: filters,
		Returns: returns,
		Paging:  types.Paging{Limit: budget},
	}

	page, err := c.searchPage(ctx, token, req)
	if err != nil {
		return nil, err
	}
	rows := page.Data
	cursor := page.Cursor()

	for cursor != "" && len(rows) < budget {
		limit := budget - len(rows)
		if limit > types.MaxPageSize {
			limit = types.MaxPageSize
		}
		req.Paging = types.Paging{Cursor: cursor, Limit: limit}

		page, err = c.searchPage(ctx, token, req)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page.Data...)
		cursor = page.Cursor()
	}
	return rows, nil
}

func (c *Lacework) searchPage(ctx context.Context, token string, req types.SearchRequest) (*types.SearchPage, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/Configs/ComplianceEvaluations/search", nil, nil, token, req, queryTimeout)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		c.logger.Error("Compliance search request failed", zap.Int("status", status), zap.String("response", string(body)))
		return nil, &APIError{StatusCode: status, Body: string(body)}
	}

	var page types.SearchPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	return &page, nil
}

// do executes one HTTP request against the API. It merges auth headers with
// call-specific ones, applies the per-call timeout, and returns the raw body
// and status. Transport failures come back as TransportError; idempotent
// GETs are retried a bounded number of times on those before giving up.
// Status classification is left to callers.
func (c *Lacework) do(ctx context.Context, method, path string, query url.Values, headers map[string]string, token string, body any, timeout time.Duration) ([]byte, int, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := func() ([]byte, int, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set(ContentType, "application/json")
		req.Header.Set("X-Request-ID", uuid.NewString())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if c.subAccount != "" {
			req.Header.Set(SubAccountHdr, c.subAccount)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, &TransportError{Op: method, Err: err}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Error("HTTP request failed", zap.String("method", method), zap.String("url", reqURL), zap.Error(err))
			return nil, 0, &TransportError{Op: method, Err: err}
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				c.logger.Warn("Failed to close response body", zap.Error(err))
			}
		}()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, &TransportError{Op: method, Err: err}
		}
		return raw, resp.StatusCode, nil
	}

	if method != http.MethodGet {
		return attempt()
	}

	// Retry only transport-level failures of idempotent requests; 4xx/5xx
	// application errors are returned to the caller on the first response.
	var raw []byte
	var status int
	err := backoff.Retry(func() error {
		var err error
		raw, status, err = attempt()
		if err == nil {
			return nil
		}
		var te *TransportError
		if !errors.As(err, &te) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("Retrying GET after transport failure", zap.String("url", reqURL), zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxGetRetries), ctx))
	if err != nil {
		return nil, 0, err
	}
	return raw, status, nil
}
