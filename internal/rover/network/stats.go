package network

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// PacketStats tracks packet throughput across every receive loop and is
// periodically logged and reset.
type PacketStats struct {
	mu           sync.Mutex
	packetCount  int64
	byteCount    int64
	droppedCount int64
	pointCount   int64
	lastReset    time.Time
}

func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

func (ps *PacketStats) AddPoints(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pointCount += int64(count)
}

// GetAndReset returns the counters accumulated since the previous call
// and zeroes them.
func (ps *PacketStats) GetAndReset() (packets, bytes, dropped, points int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ps.lastReset)
	packets = ps.packetCount
	bytes = ps.byteCount
	dropped = ps.droppedCount
	points = ps.pointCount

	ps.packetCount = 0
	ps.byteCount = 0
	ps.droppedCount = 0
	ps.pointCount = 0
	ps.lastReset = now

	return
}

// statsLoop periodically logs aggregate throughput. An early first
// report avoids a long silence after startup.
func (m *Manager) statsLoop(ctx context.Context) {
	defer m.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		m.logStats()
	}

	ticker := time.NewTicker(m.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.logStats()
		}
	}
}

func (m *Manager) logStats() {
	packets, bytes, dropped, points, duration := m.stats.GetAndReset()
	if packets == 0 && dropped == 0 {
		return
	}
	secs := duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	log.Printf("[Network] Stats (/sec): %s, %.1f packets, %s points",
		humanize.Bytes(uint64(float64(bytes)/secs)),
		float64(packets)/secs,
		humanize.Comma(int64(float64(points)/secs)))
	if dropped > 0 {
		log.Printf("[Network] %s malformed datagrams dropped", humanize.Comma(dropped))
	}
}
