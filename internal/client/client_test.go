package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func newTestClient(t *testing.T, baseURL string) *Lacework {
	t.Helper()
	c, err := NewClient(zap.NewNop(), Options{
		BaseURL:       baseURL,
		Account:       "test-account",
		KeyID:         "test-key-id",
		Secret:        "test-secret",
		ExpirySeconds: 3600,
	})
	require.NoError(t, err)
	return c
}

// serveToken answers the token endpoint; returns true if it handled the
// request.
func serveToken(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path != "/access/tokens" {
		return false
	}
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"data": {"token": "test-token-0123456789"}}`))
	return true
}

func TestFetchToken(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		resp          string
		expectedToken string
		expectedError bool
	}{
		{
			name:          "200 with nested token",
			statusCode:    http.StatusOK,
			resp:          `{"data": {"token": "abc"}}`,
			expectedToken: "abc",
		},
		{
			name:          "201 with top-level token",
			statusCode:    http.StatusCreated,
			resp:          `{"token": "abc"}`,
			expectedToken: "abc",
		},
		{
			name:          "nested token wins over top-level",
			statusCode:    http.StatusOK,
			resp:          `{"data": {"token": "nested"}, "token": "flat"}`,
			expectedToken: "nested",
		},
		{
			name:          "missing token fails",
			statusCode:    http.StatusOK,
			resp:          `{"data": {}}`,
			expectedError: true,
		},
		{
			name:          "unauthorized fails",
			statusCode:    http.StatusUnauthorized,
			resp:          `{"message": "invalid key"}`,
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/access/tokens", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get(ContentType))
				assert.Equal(t, "test-secret", r.Header.Get(SecretHdr))
				assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

				var body map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "test-key-id", body["keyId"])
				assert.Equal(t, float64(3600), body["expiryTime"])

				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.resp))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)
			token, err := client.FetchToken(context.Background())

			if tt.expectedError {
				require.Error(t, err)
				var authErr *AuthError
				assert.ErrorAs(t, err, &authErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expectedToken, token)
			}
		})
	}
}

func TestFetchTokenSubAccountHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sub-tenant", r.Header.Get(SubAccountHdr))
		_, _ = w.Write([]byte(`{"token": "abc"}`))
	}))
	defer server.Close()

	c, err := NewClient(zap.NewNop(), Options{
		BaseURL:    server.URL,
		KeyID:      "k",
		Secret:     "s",
		SubAccount: "sub-tenant",
	})
	require.NoError(t, err)

	_, err = c.FetchToken(context.Background())
	require.NoError(t, err)
}

func TestRunQueryEmptyID(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.RunQuery(context.Background(), "", "", "", nil)

	require.Error(t, err)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "query_id is required", valErr.Message)
	assert.Zero(t, requests, "empty query_id must never reach the network")
}

func TestRunQueryArguments(t *testing.T) {
	var executeBody struct {
		Arguments []map[string]string `json:"arguments"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveToken(w, r) {
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/Queries/samv_out_of_canada/execute", r.URL.Path)
		assert.Equal(t, "Bearer test-token-0123456789", r.Header.Get("Authorization"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&executeBody))
		_, _ = w.Write([]byte(`{"data": [{"row": 1}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	extra := []any{
		map[string]any{"name": "StartTimeRange", "value": "2023-06-01T00:00:00Z"},
		map[string]any{"name": "Region", "value": "ca-central-1"},
		map[string]any{"name": "no value here"},
		"garbage",
	}
	resp, err := client.RunQuery(context.Background(), "samv_out_of_canada", "2024-01-01", "2024-01-08T12:00:00Z", extra)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data": [{"row": 1}]}`, string(resp))

	args := executeBody.Arguments
	require.Len(t, args, 3)

	// Malformed entries dropped, well-formed kept.
	assert.Equal(t, map[string]string{"name": "Region", "value": "ca-central-1"}, args[0])

	// Caller's StartTimeRange replaced by the normalized start_time; the
	// bare date gains midnight UTC.
	starts := 0
	for _, a := range args {
		if a["name"] == "StartTimeRange" {
			starts++
			assert.Equal(t, "2024-01-01T00:00:00Z", a["value"])
		}
	}
	assert.Equal(t, 1, starts)

	// Full instant end_time passes through untouched.
	assert.Equal(t, map[string]string{"name": "EndTimeRange", "value": "2024-01-08T12:00:00Z"}, args[2])
}

func TestRunQueryHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveToken(w, r) {
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "unknown query"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.RunQuery(context.Background(), "nope", "", "", nil)

	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "unknown query")
}

func TestListAlertsDefaultWindow(t *testing.T) {
	var params url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveToken(w, r) {
			return
		}
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/Alerts", r.URL.Path)
		params = r.URL.Query()
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	before := time.Now().UTC()
	_, err := client.ListAlerts(context.Background(), "", "", 50)
	require.NoError(t, err)

	assert.Equal(t, "50", params.Get("limit"))

	end, err := time.Parse("2006-01-02T15:04:05Z", params.Get("endTime"))
	require.NoError(t, err)
	start, err := time.Parse("2006-01-02T15:04:05Z", params.Get("startTime"))
	require.NoError(t, err)

	assert.WithinDuration(t, before, end, time.Second)
	assert.Equal(t, end.AddDate(0, 0, -7), start)
}

func TestListAlertsExplicitWindow(t *testing.T) {
	var params url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveToken(w, r) {
			return
		}
		params = r.URL.Query()
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.ListAlerts(context.Background(), "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", 10)
	require.NoError(t, err)

	assert.Equal(t, "2024-01-01T00:00:00Z", params.Get("startTime"))
	assert.Equal(t, "2024-01-02T00:00:00Z", params.Get("endTime"))
	assert.Equal(t, "10", params.Get("limit"))
}

func TestListAlertsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveToken(w, r) {
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.ListAlerts(context.Background(), "", "", 50)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Body)
}

type searchCall struct {
	TimeFilter struct {
		StartTime string `json:"startTime"`
		EndTime   string `json:"endTime"`
	} `json:"timeFilter"`
	Dataset string           `json:"dataset"`
	Filters []map[string]any `json:"filters"`
	Returns []string         `json:"returns"`
	Paging  struct {
		Limit  int    `json:"limit"`
		Cursor string `json:"cursor"`
	} `json:"paging"`
}

func decodeSearchCall(t *testing.T, r *http.Request) searchCall {
	t.Helper()
	var call searchCall
	require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
	return call
}

func searchRows(chunk, n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{"chunk": chunk, "row": i}
	}
	return rows
}

func writeSearchPage(t *testing.T, w http.ResponseWriter, rows []map[string]any, cursor string) {
	t.Helper()
	resp := map[string]any{"data": rows}
	if cursor != "" {
		resp["paging"] = map[string]any{"nextPage": cursor}
	}
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestSearchComplianceChunkingAndLimit(t *testing.T) {
	var calls []searchCall
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveToken(w, r) {
			return
		}
		assert.Equal(t, "/Configs/ComplianceEvaluations/search", r.URL.Path)
		call := decodeSearchCall(t, r)
		calls = append(calls, call)
		writeSearchPage(t, w, searchRows(len(calls), 3000), "")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.SearchCompliance(context.Background(), SearchParams{
		Start: "2024-01-01T00:00:00Z",
		End:   "2024-01-21T00:00:00Z",
		Limit: 5000,
	})
	require.NoError(t, err)

	// 3000 rows per chunk with no cursors: the first two chunks satisfy the
	// limit, the third is never fetched.
	require.Len(t, calls, 2)
	require.Len(t, result.Data, 5000)

	assert.Equal(t, "2024-01-01T00:00:00Z", calls[0].TimeFilter.StartTime)
	assert.Equal(t, "2024-01-08T00:00:00Z", calls[0].TimeFilter.EndTime)
	assert.Equal(t, "2024-01-08T00:00:00Z", calls[1].TimeFilter.StartTime)
	assert.Equal(t, "2024-01-15T00:00:00Z", calls[1].TimeFilter.EndTime)

	assert.Equal(t, "AwsCompliance", calls[0].Dataset)
	assert.Equal(t, 5000, calls[0].Paging.Limit)
	assert.Equal(t, 2000, calls[1].Paging.Limit, "second chunk budget is the remaining rows")

	// Chronological order: all of chunk one, then chunk two.
	var first, last map[string]any
	require.NoError(t, json.Unmarshal(result.Data[0], &first))
	require.NoError(t, json.Unmarshal(result.Data[4999], &last))
	assert.Equal(t, float64(1), first["chunk"])
	assert.Equal(t, float64(0), first["row"])
	assert.Equal(t, float64(2), last["chunk"])
	assert.Equal(t, float64(1999), last["row"])
}

func TestSearchComplianceCursorFollowing(t *testing.T) {
	var calls []searchCall
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveToken(w, r) {
			return
		}
		call := decodeSearchCall(t, r)
		calls = append(calls, call)
		switch len(calls) {
		case 1:
			writeSearchPage(t, w, searchRows(1, 2), "cursor-abc")
		default:
			writeSearchPage(t, w, searchRows(1, 1), "")
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.SearchCompliance(context.Background(), SearchParams{
		Start: "2024-01-01T00:00:00Z",
		End:   "2024-01-03T00:00:00Z",
		Limit: 100,
	})
	require.NoError(t, err)

	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Paging.Cursor)
	assert.Equal(t, 100, calls[0].Paging.Limit)
	assert.Equal(t, "cursor-abc", calls[1].Paging.Cursor)
	assert.Equal(t, 98, calls[1].Paging.Limit, "continuation budget shrinks by rows already collected")

	assert.Len(t, result.Data, 3)
}

func TestSearchComplianceFilters(t *testing.T) {
	var call searchCall
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveToken(w, r) {
			return
		}
		call = decodeSearchCall(t, r)
		writeSearchPage(t, w, nil, "")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.SearchCompliance(context.Background(), SearchParams{
		Start:      "2024-01-01T00:00:00Z",
		End:        "2024-01-02T00:00:00Z",
		Statuses:   []string{"NonCompliant"},
		AccountIDs: []string{"123456789012", "210987654321"},
		Limit:      10,
	})
	require.NoError(t, err)

	require.Len(t, call.Filters, 2)
	assert.Equal(t, "status", call.Filters[0]["field"])
	assert.Equal(t, "eq", call.Filters[0]["expression"])
	assert.Equal(t, "NonCompliant", call.Filters[0]["value"])

	assert.Equal(t, "account.AccountId", call.Filters[1]["field"])
	assert.Equal(t, "in", call.Filters[1]["expression"])
	assert.Equal(t, []any{"123456789012", "210987654321"}, call.Filters[1]["values"])

	assert.Equal(t, []string{"account", "id", "recommendation", "severity", "status"}, call.Returns)
}

func TestSearchComplianceErrorAborts(t *testing.T) {
	searches := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveToken(w, r) {
			return
		}
		searches++
		if searches == 1 {
			writeSearchPage(t, w, searchRows(1, 10), "")
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message": "bad filter"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.SearchCompliance(context.Background(), SearchParams{
		Start: "2024-01-01T00:00:00Z",
		End:   "2024-01-15T00:00:00Z",
		Limit: 1000,
	})

	require.Error(t, err)
	assert.Nil(t, result, "partial results from completed chunks are discarded")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "bad filter")
}

func TestSearchComplianceInvalidTimes(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	// Bare dates are deliberately not coerced here, unlike run_lql_query.
	_, err := client.SearchCompliance(context.Background(), SearchParams{
		Start: "2024-01-01",
		Limit: 10,
	})
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)

	_, err = client.SearchCompliance(context.Background(), SearchParams{
		End:   "next tuesday",
		Limit: 10,
	})
	require.ErrorAs(t, err, &valErr)

	assert.Zero(t, requests)
}

func TestSearchComplianceZeroLimit(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.SearchCompliance(context.Background(), SearchParams{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, result.Data)
	assert.Zero(t, requests)
}

func TestGetRetriesTransientFailure(t *testing.T) {
	alertAttempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveToken(w, r) {
			return
		}
		alertAttempts++
		if alertAttempts == 1 {
			// Drop the connection mid-request to simulate a transient
			// network failure.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.ListAlerts(context.Background(), "", "", 5)

	require.NoError(t, err)
	assert.JSONEq(t, `{"data": []}`, string(resp))
	assert.Equal(t, 2, alertAttempts)
}

func TestPostIsNotRetried(t *testing.T) {
	tokenAttempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenAttempts++
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.FetchToken(context.Background())

	require.Error(t, err)
	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
	assert.Equal(t, 1, tokenAttempts)
}

func TestNewClientBadCABundle(t *testing.T) {
	_, err := NewClient(zap.NewNop(), Options{
		Account:  "acct",
		KeyID:    "k",
		Secret:   "s",
		CABundle: "/nonexistent/bundle.pem",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CA bundle")
}

func TestBaseURLFromAccount(t *testing.T) {
	c, err := NewClient(zap.NewNop(), Options{Account: "partner-demo", KeyID: "k", Secret: "s"})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("https://%s.lacework.net/api/v2", "partner-demo"), c.baseURL)
}
