package progress

import (
	"fmt"
	"strings"
	"time"
)

const barWidth = 20

// Bar renders a fixed-width text bar for a percentage.
func Bar(percentage float64) string {
	filled := int(float64(barWidth) * percentage / 100)
	filled = max(0, min(barWidth, filled))
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

// FormatProgress renders a snapshot as a multi-line status message.
func FormatProgress(s Snapshot) string {
	return fmt.Sprintf("📁 %s\n%s %.1f%%\n📊 %s / %s\n⚡ %s/s | ⏱️ %s\n📌 Status: %s",
		s.Filename,
		Bar(s.Percentage), s.Percentage,
		HumanizeBytes(s.CurrentBytes), HumanizeBytes(s.TotalBytes),
		HumanizeBytes(int64(s.Speed)), FormatETA(s.ETASeconds),
		s.Status,
	)
}

// FormatETA renders seconds as "1h 2m 3s", "2m 3s" or "3s".
func FormatETA(seconds int64) string {
	if seconds < 0 {
		return "unknown"
	}
	d := time.Duration(seconds) * time.Second
	h := int64(d / time.Hour)
	m := int64(d%time.Hour) / int64(time.Minute)
	sec := int64(d%time.Minute) / int64(time.Second)

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, sec)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}

// HumanizeBytes formats a byte count into a human-readable string.
func HumanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
