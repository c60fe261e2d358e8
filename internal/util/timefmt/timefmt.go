package timefmt

import "time"

// ISO8601 is the ISO-8601 format used for timestamp serialization.
// Fixed-width fractional seconds keep lexicographic order equal to
// chronological order, which the store relies on for range queries.
const ISO8601 = "2006-01-02T15:04:05.000000Z"

// Format formats a time.Time to the standard string representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// Now returns the current time in the standard string representation.
func Now() string {
	return Format(time.Now())
}

// Parse parses a timestamp previously produced by Format.
func Parse(s string) (time.Time, error) {
	return time.Parse(ISO8601, s)
}
