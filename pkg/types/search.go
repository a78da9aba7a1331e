package types

import "encoding/json"

// Dataset identifies the compliance evaluations dataset searched by this
// server.
const Dataset = "AwsCompliance"

// MaxPageSize is the upstream per-request row cap for search paging.
const MaxPageSize = 5000

// DefaultReturns is the projection applied when the caller does not pick one.
var DefaultReturns = []string{"account", "id", "recommendation", "severity", "status"}

// Filter is one entry of the search filters array. Singleton filters use
// expression "eq" with Value, multi-element filters use "in" with Values.
type Filter struct {
	Field      string   `json:"field"`
	Expression string   `json:"expression"`
	Value      string   `json:"value,omitempty"`
	Values     []string `json:"values,omitempty"`
}

// FieldFilter builds a filter for the given field from a value list,
// choosing eq or in based on cardinality. Empty lists produce no filter.
func FieldFilter(field string, values []string) (Filter, bool) {
	switch len(values) {
	case 0:
		return Filter{}, false
	case 1:
		return Filter{Field: field, Expression: "eq", Value: values[0]}, true
	default:
		return Filter{Field: field, Expression: "in", Values: values}, true
	}
}

// StatusFilter filters evaluations by compliance status.
func StatusFilter(statuses []string) (Filter, bool) {
	return FieldFilter("status", statuses)
}

// AccountFilter filters evaluations by AWS account ID.
func AccountFilter(accountIDs []string) (Filter, bool) {
	return FieldFilter("account.AccountId", accountIDs)
}

// TimeFilter bounds one search request to a single chunk window.
type TimeFilter struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// Paging carries either an initial page size or a cursor continuation.
type Paging struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// SearchRequest is the body for
// POST /api/v2/Configs/ComplianceEvaluations/search.
type SearchRequest struct {
	TimeFilter TimeFilter `json:"timeFilter"`
	Dataset    string     `json:"dataset"`
	Filters    []Filter   `json:"filters"`
	Returns    []string   `json:"returns"`
	Paging     Paging     `json:"paging"`
}

// cursorFields is the ordered list of paging field names probed for a
// continuation cursor. The order is inferred from observed API behavior,
// not documented upstream.
var cursorFields = []string{"nextPage", "nextToken", "cursor"}

// SearchPage is one page of search results.
type SearchPage struct {
	Data   []json.RawMessage `json:"data"`
	Paging map[string]any    `json:"paging"`
}

// Cursor returns the continuation cursor for the next page within the
// current chunk, probing candidate field names in order. Empty string means
// the chunk is exhausted. Cursors are never valid across chunk boundaries.
func (p *SearchPage) Cursor() string {
	for _, field := range cursorFields {
		if v, ok := p.Paging[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
