package types

import "fmt"

// Argument is one named parameter of a saved LQL query execution.
type Argument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Arguments is the ordered argument list sent to the query execute endpoint.
type Arguments []Argument

// Set removes any existing argument with the given name and appends the new
// value, so the last write wins regardless of what the caller passed in args.
func (a Arguments) Set(name, value string) Arguments {
	out := make(Arguments, 0, len(a)+1)
	for _, arg := range a {
		if arg.Name != name {
			out = append(out, arg)
		}
	}
	return append(out, Argument{Name: name, Value: value})
}

// ParseArguments converts caller-supplied raw entries into a well-typed list.
// Entries that are not objects or lack a name or value are silently dropped;
// leniency here is the contract, malformed extras must not fail the call.
func ParseArguments(raw []any) Arguments {
	args := make(Arguments, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, hasName := m["name"]
		value, hasValue := m["value"]
		if !hasName || !hasValue {
			continue
		}
		args = append(args, Argument{
			Name:  fmt.Sprintf("%v", name),
			Value: fmt.Sprintf("%v", value),
		})
	}
	return args
}

// ExecuteRequest is the body for POST /api/v2/Queries/{queryId}/execute.
// Per the API docs options is allowed here but timeFilter is not; time
// ranges ride as StartTimeRange/EndTimeRange arguments instead.
type ExecuteRequest struct {
	Arguments Arguments `json:"arguments"`
}

// Names of the injected time range arguments.
const (
	ArgStartTimeRange = "StartTimeRange"
	ArgEndTimeRange   = "EndTimeRange"
)
