// Package progress turns raw engine telemetry into what users see.
package progress

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/magnet_relay/internal/engine"
)

const (
	barCells = 20

	// Longest estimate time.Duration can hold; slower downloads are clamped to it.
	maxETA = time.Duration(math.MaxInt64)
)

// Snapshot is a formatted, user facing view of one job's progress.
type Snapshot struct {
	Name            string
	Percent         float64
	DownloadedBytes int64
	TotalBytes      int64
	Rate            int64
	PeerCount       int
	// ETA is only meaningful when ETAKnown is set.
	ETA        time.Duration
	ETAKnown   bool
	Elapsed    time.Duration
	StateLabel string
}

// Format normalizes st. Percent is clamped to [0,100] and the ETA is unknown
// whenever the rate is zero.
func Format(st engine.Status, startedAt, now time.Time) Snapshot {
	s := Snapshot{
		Name:            st.Name,
		Percent:         clampPercent(st.Percent),
		DownloadedBytes: max(st.DownloadedBytes, 0),
		TotalBytes:      max(st.TotalBytes, 0),
		Rate:            max(st.DownloadRate, 0),
		PeerCount:       max(st.PeerCount, 0),
		StateLabel:      st.StateLabel,
	}

	if !startedAt.IsZero() && now.After(startedAt) {
		s.Elapsed = now.Sub(startedAt)
	}

	if s.Rate > 0 {
		remaining := max(s.TotalBytes-s.DownloadedBytes, 0)
		secs := float64(remaining) / float64(s.Rate)

		s.ETA = maxETA
		if secs < maxETA.Seconds() {
			s.ETA = time.Duration(secs * float64(time.Second))
		}

		s.ETAKnown = true
	}

	return s
}

func clampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Bar renders percent as a 20 cell bar.
func Bar(percent float64) string {
	filled := int(clampPercent(percent) / (100 / barCells))

	return strings.Repeat("▓", filled) + strings.Repeat("░", barCells-filled)
}

// ETAText renders the estimate in minutes, or "Unknown".
func (s Snapshot) ETAText() string {
	if !s.ETAKnown {
		return "Unknown"
	}

	return fmt.Sprintf("%.1f min", s.ETA.Minutes())
}

// RateText renders the download rate, e.g. "1.2 MB/s".
func (s Snapshot) RateText() string {
	return humanize.Bytes(uint64(s.Rate)) + "/s"
}

// Text renders the progress notification body.
func (s Snapshot) Text() string {
	var b strings.Builder

	b.WriteString("🔄 *Downloading Torrent*\n\n")
	fmt.Fprintf(&b, "*File:* %s\n", Escape(s.Name))
	fmt.Fprintf(&b, "*Progress:* %.1f%%\n", s.Percent)
	fmt.Fprintf(&b, "*Downloaded:* %s / %s\n", humanize.Bytes(uint64(s.DownloadedBytes)), humanize.Bytes(uint64(s.TotalBytes)))
	fmt.Fprintf(&b, "*Speed:* %s\n", s.RateText())
	fmt.Fprintf(&b, "*Peers:* %d\n", s.PeerCount)
	fmt.Fprintf(&b, "*ETA:* %s\n", s.ETAText())
	fmt.Fprintf(&b, "*Status:* %s\n\n", Escape(s.StateLabel))
	b.WriteString(Bar(s.Percent))

	return b.String()
}

// CompletionText renders the terminal notification for a finished download.
func (s Snapshot) CompletionText() string {
	var b strings.Builder

	b.WriteString("✅ *Download Complete!*\n\n")
	fmt.Fprintf(&b, "*File:* %s\n", Escape(s.Name))
	fmt.Fprintf(&b, "*Size:* %s\n", humanize.Bytes(uint64(s.TotalBytes)))
	fmt.Fprintf(&b, "*Time:* %.1f minutes\n\n", s.Elapsed.Minutes())
	b.WriteString(Bar(100))
	b.WriteString("\n\n🔄 *Preparing for upload...*")

	return b.String()
}

// StatusLine renders the compact form used by the status command.
func (s Snapshot) StatusLine() string {
	return fmt.Sprintf("*%s*\nProgress: %.1f%%\nSpeed: %s\nPeers: %d",
		Escape(s.Name), s.Percent, s.RateText(), s.PeerCount)
}

var markupEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// Escape neutralizes markup characters in user or engine supplied text.
func Escape(s string) string {
	return markupEscaper.Replace(s)
}
