// Package telemetry is the live telemetry pipeline. This file holds the
// human-facing formatting helpers: formatted byte sizes, built on
// dustin/go-humanize, and a humanised "handshake N min ago" in whole minutes.
package telemetry

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatBytes renders a byte count the way an operator console would show
// it ("1.2 MB").
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// ParseBytes is FormatBytes's inverse, used only to validate the round-trip
// law in tests: convert_to_bytes(format_bytes(n)) is within one unit-step
// of n for n >= 0.
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	return int64(n), err
}

// HumanizeHandshake renders "N min ago", or "never" when there has been no
// handshake.
func HumanizeHandshake(latestHandshake int64, now time.Time) string {
	if latestHandshake == 0 {
		return "never"
	}
	mins := int64(now.Sub(time.Unix(latestHandshake, 0)) / time.Minute)
	if mins < 0 {
		mins = 0
	}
	return strconv.FormatInt(mins, 10) + " min ago"
}
