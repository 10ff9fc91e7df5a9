// Package assembler reconstructs complete LiDAR scans from the small
// out-of-order chunks rovers emit over UDP. Chunks for one scan share a
// (rover, timestamp) key; a scan whose chunks do not all arrive within
// the assembly timeout is abandoned and late chunks for it are ignored.
package assembler

import (
	"sync"
	"time"

	"github.com/banshee-data/terrain.station/internal/monitoring"
	"github.com/banshee-data/terrain.station/internal/rover/wire"
	"github.com/banshee-data/terrain.station/internal/telemetry"
)

// DefaultTimeout is how long a partial scan may wait for its remaining
// chunks before Maintenance discards it.
const DefaultTimeout = 200 * time.Millisecond

// DefaultMaxGlobalPoints caps the optional global terrain mirror.
const DefaultMaxGlobalPoints = 2_000_000

var logf = monitoring.Prefixed("Assembler")

// CompletedScan is a fully reassembled point cloud. It is produced at
// most once per (rover, timestamp) pair and ownership passes to the
// caller of RetrieveCompleted.
type CompletedScan struct {
	RoverID   string
	Timestamp float64
	Points    []wire.LidarPoint
}

type scanKey struct {
	roverID   string
	timestamp float64
}

type partialScan struct {
	firstArrival time.Time
	totalChunks  uint32
	received     []bool
	receivedN    int
	points       []wire.LidarPoint
}

// Config controls assembly behaviour. The zero value selects defaults.
type Config struct {
	// Timeout is the maximum age of a partial scan before Maintenance
	// discards it. Defaults to DefaultTimeout.
	Timeout time.Duration

	// StoreGlobalPoints enables the global terrain mirror: completed
	// scans are also appended to a capped shared point buffer.
	StoreGlobalPoints bool

	// MaxGlobalPoints caps the mirror; oldest points are evicted first.
	// Defaults to DefaultMaxGlobalPoints.
	MaxGlobalPoints int

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Assembler merges chunk deliveries into complete scans. AddChunk may be
// called concurrently from several ingestion goroutines; the drain side
// (RetrieveCompleted, Maintenance) is expected to run on one consumer
// goroutine. All state is serialised behind a single mutex.
type Assembler struct {
	mu        sync.Mutex
	partials  map[scanKey]*partialScan
	completed []CompletedScan

	timeout           time.Duration
	storeGlobalPoints bool
	maxGlobalPoints   int
	globalTerrain     []wire.LidarPoint
	now               func() time.Time
}

// New creates an Assembler with the given configuration.
func New(cfg Config) *Assembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxGlobalPoints <= 0 {
		cfg.MaxGlobalPoints = DefaultMaxGlobalPoints
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Assembler{
		partials:          make(map[scanKey]*partialScan),
		timeout:           cfg.Timeout,
		storeGlobalPoints: cfg.StoreGlobalPoints,
		maxGlobalPoints:   cfg.MaxGlobalPoints,
		now:               cfg.Now,
	}
}

// AddChunk merges one chunk into the partial scan identified by the
// rover and the header's timestamp. Duplicate chunk indexes, indexes at
// or beyond the declared total, and headers declaring an untrustworthy
// chunk count are ignored as no-ops: that is expected steady-state noise
// on a lossy link, not an error.
func (a *Assembler) AddChunk(roverID string, hdr wire.LidarHeader, points []wire.LidarPoint) {
	if hdr.TotalChunks == 0 || hdr.TotalChunks > wire.MaxChunksPerScan {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := scanKey{roverID: roverID, timestamp: hdr.Timestamp}
	partial, ok := a.partials[key]
	if !ok {
		partial = &partialScan{
			firstArrival: a.now(),
			totalChunks:  hdr.TotalChunks,
			received:     make([]bool, hdr.TotalChunks),
			// Typical chunks run near the per-packet cap; reserve most of it.
			points: make([]wire.LidarPoint, 0, int(hdr.TotalChunks)*80),
		}
		a.partials[key] = partial
	}

	if int(hdr.ChunkIndex) >= len(partial.received) || partial.received[hdr.ChunkIndex] {
		return
	}
	partial.received[hdr.ChunkIndex] = true
	partial.receivedN++
	partial.points = append(partial.points, points...)

	if partial.receivedN == int(partial.totalChunks) {
		scan := CompletedScan{
			RoverID:   roverID,
			Timestamp: hdr.Timestamp,
			Points:    partial.points,
		}
		delete(a.partials, key)
		a.completed = append(a.completed, scan)
		telemetry.ScansCompleted.WithLabelValues(roverID).Inc()
		if a.storeGlobalPoints {
			a.mirrorLocked(scan.Points)
		}
	}
}

// mirrorLocked appends points to the global terrain buffer, evicting the
// oldest points once the cap is exceeded. Caller holds a.mu.
func (a *Assembler) mirrorLocked(points []wire.LidarPoint) {
	a.globalTerrain = append(a.globalTerrain, points...)
	if excess := len(a.globalTerrain) - a.maxGlobalPoints; excess > 0 {
		a.globalTerrain = append(a.globalTerrain[:0], a.globalTerrain[excess:]...)
	}
}

// RetrieveCompleted drains every scan completed since the previous call,
// in completion order. A scan is never returned twice.
func (a *Assembler) RetrieveCompleted() []CompletedScan {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.completed
	a.completed = nil
	return out
}

// Maintenance discards partial scans older than the timeout, regardless
// of how many chunks they have accumulated. Call it periodically from
// the consumer goroutine.
func (a *Assembler) Maintenance(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, partial := range a.partials {
		if now.Sub(partial.firstArrival) > a.timeout {
			logf("abandoning scan rover=%s ts=%.6f after %v: %d/%d chunks, %d points",
				key.roverID, key.timestamp, a.timeout, partial.receivedN, partial.totalChunks, len(partial.points))
			telemetry.ScansAbandoned.WithLabelValues(key.roverID).Inc()
			delete(a.partials, key)
		}
	}
}

// GlobalTerrain returns a copy of the mirrored terrain buffer. Empty
// unless StoreGlobalPoints was enabled.
func (a *Assembler) GlobalTerrain() []wire.LidarPoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]wire.LidarPoint, len(a.globalTerrain))
	copy(out, a.globalTerrain)
	return out
}

// PendingScans reports how many partial scans are currently in flight.
func (a *Assembler) PendingScans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.partials)
}
