package db

import "time"

// formatTimestamp returns the canonical stored timestamp format: UTC
// RFC3339Nano text, so SQLite string comparison orders correctly.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
