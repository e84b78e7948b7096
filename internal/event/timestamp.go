package event

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrBadTimestamp is returned for timestamps in no recognized format.
var ErrBadTimestamp = errors.New("unrecognized timestamp")

// ParseTimestamp accepts RFC 3339 (with or without fractional seconds) and
// numeric unix time in milliseconds or seconds. Results are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrMissingTimestamp
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, ErrBadTimestamp
		}
		// Anything past 1e11 cannot be seconds (year 5138).
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrBadTimestamp
}

// FormatTimestamp renders t the way RawRecord.Timestamp expects it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
