package filetransfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a human-readable size such as "10MiB", "500KB" or "1024".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", s, err)
	}
	return int64(n), nil
}

// FormatSize formats bytes with IEC units.
func FormatSize(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// FormatRate formats a transfer speed.
func FormatRate(bytesPerSecond uint64) string {
	return humanize.IBytes(bytesPerSecond) + "/s"
}

// Summary renders a one-line progress report for t.
func (t Transfer) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", t.Direction, t.Filename, t.State)
	if t.TotalSize > 0 {
		pct := float64(t.Transferred) / float64(t.TotalSize) * 100
		fmt.Fprintf(&b, " %s/%s (%.0f%%)", FormatSize(t.Transferred), FormatSize(t.TotalSize), pct)
	}
	if t.SpeedBPS > 0 {
		fmt.Fprintf(&b, " %s", FormatRate(t.SpeedBPS))
	}
	if t.ETA > 0 {
		fmt.Fprintf(&b, " eta %s", t.ETA.Round(time.Second))
	}
	if t.Error != "" {
		fmt.Fprintf(&b, ": %s", t.Error)
	}
	return b.String()
}
