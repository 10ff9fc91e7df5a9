package assembler

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/terrain.station/internal/monitoring"
	"github.com/banshee-data/terrain.station/internal/rover/wire"
	"github.com/banshee-data/terrain.station/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func chunk(ts float64, index, total uint32, n int) (wire.LidarHeader, []wire.LidarPoint) {
	hdr := wire.LidarHeader{Timestamp: ts, ChunkIndex: index, TotalChunks: total, PointsInChunk: uint32(n)}
	points := make([]wire.LidarPoint, n)
	for i := range points {
		// Distinct coordinates per (chunk, point) so unions are checkable.
		points[i] = wire.LidarPoint{X: float32(index), Y: float32(i), Z: float32(ts)}
	}
	return hdr, points
}

func TestOrderedDeliveryScenario(t *testing.T) {
	// 3 chunks declared for rover R1 at ts 100.0 delivered
	// as [2, 0, 0(dup), 1] with 10 points each yields exactly one scan of
	// 30 points; the duplicate contributes nothing.
	a := New(Config{})
	for _, idx := range []uint32{2, 0, 0, 1} {
		hdr, pts := chunk(100.0, idx, 3, 10)
		a.AddChunk("R1", hdr, pts)
	}

	scans := a.RetrieveCompleted()
	require.Len(t, scans, 1)
	assert.Equal(t, "R1", scans[0].RoverID)
	assert.Equal(t, 100.0, scans[0].Timestamp)
	assert.Len(t, scans[0].Points, 30)

	assert.Empty(t, a.RetrieveCompleted(), "at-most-once delivery")
	assert.Zero(t, a.PendingScans())
}

func TestAllPermutationsComplete(t *testing.T) {
	perms := [][]uint32{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	for _, perm := range perms {
		t.Run(fmt.Sprint(perm), func(t *testing.T) {
			a := New(Config{})
			for _, idx := range perm {
				hdr, pts := chunk(7.5, idx, 3, 4)
				a.AddChunk("R1", hdr, pts)
				// Duplicate every chunk immediately; still one scan.
				a.AddChunk("R1", hdr, pts)
			}
			scans := a.RetrieveCompleted()
			require.Len(t, scans, 1)
			assert.Len(t, scans[0].Points, 12)

			// Union check: each chunk index appears exactly 4 times.
			seen := map[float32]int{}
			for _, p := range scans[0].Points {
				seen[p.X]++
			}
			for _, idx := range perm {
				assert.Equal(t, 4, seen[float32(idx)], "chunk %d point count", idx)
			}
		})
	}
}

func TestZeroTotalChunksNeverCompletes(t *testing.T) {
	a := New(Config{})
	hdr, pts := chunk(1.0, 0, 0, 5)
	a.AddChunk("R1", hdr, pts)
	assert.Empty(t, a.RetrieveCompleted())
	assert.Zero(t, a.PendingScans(), "degenerate header must not create a partial")
}

func TestOutOfRangeChunkIndexIgnored(t *testing.T) {
	a := New(Config{})
	hdr, pts := chunk(1.0, 0, 2, 3)
	a.AddChunk("R1", hdr, pts)

	// Index beyond the declared total must not write out of bounds or
	// contribute points.
	bad, badPts := chunk(1.0, 2, 2, 3)
	a.AddChunk("R1", bad, badPts)
	bad2, bad2Pts := chunk(1.0, 9999, 2, 3)
	a.AddChunk("R1", bad2, bad2Pts)
	assert.Empty(t, a.RetrieveCompleted())

	last, lastPts := chunk(1.0, 1, 2, 3)
	a.AddChunk("R1", last, lastPts)
	scans := a.RetrieveCompleted()
	require.Len(t, scans, 1)
	assert.Len(t, scans[0].Points, 6)
}

func TestUntrustworthyTotalChunksIgnored(t *testing.T) {
	a := New(Config{})
	hdr, pts := chunk(1.0, 0, wire.MaxChunksPerScan+1, 3)
	a.AddChunk("R1", hdr, pts)
	assert.Zero(t, a.PendingScans())
}

func TestTimeoutDiscardsPartial(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a := New(Config{Timeout: 200 * time.Millisecond, Now: clock.Now})

	hdr, pts := chunk(50.0, 0, 3, 10)
	a.AddChunk("R1", hdr, pts)

	clock.Advance(100 * time.Millisecond)
	a.Maintenance(clock.Now())
	assert.Equal(t, 1, a.PendingScans(), "partial survives inside the window")

	clock.Advance(150 * time.Millisecond)
	a.Maintenance(clock.Now())
	assert.Zero(t, a.PendingScans(), "partial discarded after the window")

	// Late chunks for the abandoned scan restart a partial that itself
	// can never complete without the rest, and the scan must not surface.
	late, latePts := chunk(50.0, 1, 3, 10)
	a.AddChunk("R1", late, latePts)
	assert.Empty(t, a.RetrieveCompleted())
}

func TestScansKeyedPerRover(t *testing.T) {
	a := New(Config{})
	for _, rover := range []string{"R1", "R2"} {
		hdr, pts := chunk(100.0, 0, 1, 5)
		a.AddChunk(rover, hdr, pts)
	}
	scans := a.RetrieveCompleted()
	require.Len(t, scans, 2)
	assert.NotEqual(t, scans[0].RoverID, scans[1].RoverID)
}

func TestCompletionOrderPreserved(t *testing.T) {
	a := New(Config{})
	for i := 0; i < 10; i++ {
		hdr, pts := chunk(float64(i), 0, 1, 1)
		a.AddChunk("R1", hdr, pts)
	}
	scans := a.RetrieveCompleted()
	require.Len(t, scans, 10)
	for i, scan := range scans {
		assert.Equal(t, float64(i), scan.Timestamp)
	}
}

func TestGlobalTerrainMirror(t *testing.T) {
	a := New(Config{StoreGlobalPoints: true, MaxGlobalPoints: 25})
	for i := 0; i < 4; i++ {
		hdr, pts := chunk(float64(i), 0, 1, 10)
		a.AddChunk("R1", hdr, pts)
	}
	terrain := a.GlobalTerrain()
	require.Len(t, terrain, 25, "mirror is capped with oldest-first eviction")
	// After evicting 15 of 40 points, the buffer starts mid-scan 1.
	assert.Equal(t, float32(1.0), terrain[0].Z)
	assert.Equal(t, float32(3.0), terrain[24].Z)

	// The mirror does not interfere with normal delivery.
	assert.Len(t, a.RetrieveCompleted(), 4)
}

func TestMirrorDisabledByDefault(t *testing.T) {
	a := New(Config{})
	hdr, pts := chunk(1.0, 0, 1, 10)
	a.AddChunk("R1", hdr, pts)
	assert.Empty(t, a.GlobalTerrain())
}

func TestConcurrentAddChunk(t *testing.T) {
	// Several ingestion goroutines, one drain goroutine: every scan must
	// arrive exactly once with the full point union.
	a := New(Config{Timeout: time.Hour})
	const rovers = 4
	const scansPerRover = 50
	const chunksPerScan = 8

	var wg sync.WaitGroup
	for r := 0; r < rovers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(r)))
			roverID := fmt.Sprintf("R%d", r)
			for s := 0; s < scansPerRover; s++ {
				order := rng.Perm(chunksPerScan)
				for _, idx := range order {
					hdr, pts := chunk(float64(s), uint32(idx), chunksPerScan, 5)
					a.AddChunk(roverID, hdr, pts)
				}
			}
		}(r)
	}

	done := make(chan struct{})
	var drained []CompletedScan
	go func() {
		defer close(done)
		deadline := time.After(5 * time.Second)
		for len(drained) < rovers*scansPerRover {
			select {
			case <-deadline:
				return
			default:
			}
			drained = append(drained, a.RetrieveCompleted()...)
			a.Maintenance(time.Now())
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	<-done

	require.Len(t, drained, rovers*scansPerRover)
	for _, scan := range drained {
		assert.Len(t, scan.Points, chunksPerScan*5)
	}
}
