package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/participant counter.
var Stats = &stats{}

type stats struct {
	Connected    atomic.Int64 // cumulative count of participants since process start
	Disconnected atomic.Int64 // cumulative count of removed participants since process start
	FramesSent   atomic.Int64 // cumulative frames handed to a transport
	FramesRecv   atomic.Int64 // cumulative frames decoded from a transport
	BytesSent    atomic.Int64 // cumulative encoded bytes written
	BytesRecv    atomic.Int64 // cumulative encoded bytes read
}

func (s *stats) AddParticipant()    { s.Connected.Add(1) }
func (s *stats) RemoveParticipant() { s.Disconnected.Add(1) }

func (s *stats) AddSent(frames, bytes int) {
	s.FramesSent.Add(int64(frames))
	s.BytesSent.Add(int64(bytes))
}

func (s *stats) AddRecv(frames, bytes int) {
	s.FramesRecv.Add(int64(frames))
	s.BytesRecv.Add(int64(bytes))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		secs := interval.Seconds()

		var prevSent, prevRecv, prevConn, prevDisc int64
		for {
			select {
			case <-ticker.C:
				conn := Stats.Connected.Load()
				disc := Stats.Disconnected.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				inC := conn - prevConn
				outC := disc - prevDisc

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC))
				}

				prevSent = sent
				prevRecv = recv
				prevConn = conn
				prevDisc = disc

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// FormatBytes is formatBytes for callers outside the package.
func FormatBytes(b float64) string { return formatBytes(b) }

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Participants: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
	)
}
