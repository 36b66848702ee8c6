package traffic

import (
	"fmt"

	"slipstream-vpn/internal/core"
)

const (
	kib = 1024.0
	mib = kib * 1024
	gib = mib * 1024
)

// FormatBytes renders a byte total as B, KB, MB or GB.
func FormatBytes(n int64) string {
	f := float64(n)
	switch {
	case f >= gib:
		return fmt.Sprintf("%.2f GB", f/gib)
	case f >= mib:
		return fmt.Sprintf("%.2f MB", f/mib)
	case f >= kib:
		return fmt.Sprintf("%.1f KB", f/kib)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// FormatRate renders a per-second byte rate.
func FormatRate(n int64) string {
	f := float64(n)
	switch {
	case f >= mib:
		return fmt.Sprintf("%.2f MB/s", f/mib)
	case f >= kib:
		return fmt.Sprintf("%.1f KB/s", f/kib)
	default:
		return fmt.Sprintf("%d B/s", n)
	}
}

// Describe renders a snapshot as the two-line summary shown in notifications
// and the CLI.
func Describe(s core.TrafficSnapshot) string {
	if s.Unsupported {
		return "Traffic counters unsupported on this system"
	}
	return fmt.Sprintf("Down: %s, Up: %s\nTotal: %s down, %s up",
		FormatRate(s.RateRx), FormatRate(s.RateTx),
		FormatBytes(s.CumulativeRx), FormatBytes(s.CumulativeTx))
}
