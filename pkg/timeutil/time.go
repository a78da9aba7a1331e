package timeutil

import "time"

// Layout is the UTC instant form the Lacework API expects everywhere:
// timeFilter bounds, alert windows, and LQL time range arguments.
const Layout = "2006-01-02T15:04:05Z"

const dateLayout = "2006-01-02"

// DefaultWindowDays is the window applied when a caller omits a time range.
const DefaultWindowDays = 7

// EnsureUTCISO8601 canonicalizes a user-supplied timestamp.
// Full instants ('2024-01-02T15:04:05Z') pass through unchanged and a bare
// date ('2024-01-02') gets midnight UTC appended. Anything else is returned
// as-is; malformed values surface later as upstream HTTP errors rather than
// being rejected here.
func EnsureUTCISO8601(ts string) string {
	if ts == "" {
		return ts
	}
	if _, err := time.Parse(Layout, ts); err == nil {
		return ts
	}
	if _, err := time.Parse(dateLayout, ts); err == nil {
		return ts + "T00:00:00Z"
	}
	return ts
}

// ParseInstant parses a canonical UTC instant string.
func ParseInstant(ts string) (time.Time, error) {
	return time.Parse(Layout, ts)
}

// FormatInstant renders t in the canonical UTC instant form.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(Layout)
}

// DefaultWindow returns the window used when neither bound is supplied:
// end = now, start = end minus seven days.
func DefaultWindow(now time.Time) (start, end time.Time) {
	end = now.UTC()
	start = end.AddDate(0, 0, -DefaultWindowDays)
	return start, end
}

// Window is a half-open [Start, End) time slice.
type Window struct {
	Start time.Time
	End   time.Time
}

// Chunks partitions [start, end) into consecutive windows of at most max,
// in chronological order. start >= end yields no windows.
func Chunks(start, end time.Time, max time.Duration) []Window {
	if max <= 0 || !start.Before(end) {
		return nil
	}
	var out []Window
	for cur := start; cur.Before(end); {
		next := cur.Add(max)
		if next.After(end) {
			next = end
		}
		out = append(out, Window{Start: cur, End: next})
		cur = next
	}
	return out
}
