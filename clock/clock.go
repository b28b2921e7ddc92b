// Package clock centralises display-time handling for the backend.
// All human-facing timestamps are rendered in a single display zone
// (Asia/Shanghai) regardless of the host timezone.
package clock

import (
	"fmt"
	"time"
)

// displayZone is Asia/Shanghai, falling back to a fixed UTC+8 offset when
// the host has no tzdata.
var displayZone = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}()

// Zone returns the display timezone.
func Zone() *time.Location {
	return displayZone
}

// Now returns the current time in the display zone.
func Now() time.Time {
	return time.Now().In(displayZone)
}

// FormatStamp renders t as "2006-01-02 15:04:05" in the display zone.
func FormatStamp(t time.Time) string {
	return t.In(displayZone).Format("2006-01-02 15:04:05")
}

// FormatISO renders t as RFC 3339 in the display zone; this is the textual
// form stored in subscription history records.
func FormatISO(t time.Time) string {
	return t.In(displayZone).Format(time.RFC3339)
}

// ParseISO parses a history timestamp.  Naive timestamps (no offset) are
// interpreted in the display zone.
func ParseISO(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(displayZone), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, displayZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// FormatElapsed renders a duration using the largest nonzero unit and
// cascading down: "1d2h3m4s", "2h3m4s", "3m4s" or "4s".
// Negative durations clamp to zero.
func FormatElapsed(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}
	days := total / 86400
	rem := total % 86400
	hours := rem / 3600
	minutes := (rem % 3600) / 60
	seconds := rem % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh%dm%ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
