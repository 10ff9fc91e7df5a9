package elevation

import (
	"math"
	"sync"

	"github.com/banshee-data/terrain.station/internal/rover/wire"
)

// TileUpdate is a snapshot of one dirty tile: a dense row-major
// (GridN)×(GridN) height grid ready for a renderer upload. It has no
// further lifecycle inside this package.
type TileUpdate struct {
	Key      TileKey
	Heights  []float32
	GridN    int
	TileSize float64
}

// Stats summarises the map's current footprint. Tiles are never evicted,
// so Tiles growth over a long session is a proxy for memory growth.
type Stats struct {
	Tiles  int
	Leaves int
}

// Map is the tiled quadtree elevation model. Integration and consumption
// may run on different goroutines; one read-write mutex guards the whole
// structure, which is coarse but sufficient for scan-sized batches.
type Map struct {
	mu       sync.RWMutex
	params   Params
	maxDepth int
	gridN    int
	tiles    map[TileKey]*tile
}

// New creates a Map after validating the parameters.
func New(p Params) (*Map, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	depth := p.depth()
	return &Map{
		params:   p,
		maxDepth: depth,
		gridN:    (1 << depth) + 1,
		tiles:    make(map[TileKey]*tile),
	}, nil
}

// Params returns the map's configuration.
func (m *Map) Params() Params { return m.params }

// GridVertices returns the per-edge vertex count of extracted height
// grids, 2^depth + 1.
func (m *Map) GridVertices() int { return m.gridN }

func (m *Map) tileFor(x, z float64) *tile {
	key := TileKey{
		TX: int(math.Floor(x / m.params.TileSizeMeters)),
		TZ: int(math.Floor(z / m.params.TileSizeMeters)),
	}
	t, ok := m.tiles[key]
	if !ok {
		t = newTile(
			float64(key.TX)*m.params.TileSizeMeters,
			float64(key.TZ)*m.params.TileSizeMeters,
			m.params.TileSizeMeters,
			m.maxDepth,
		)
		m.tiles[key] = t
	}
	return t
}

// IntegrateScan folds a completed scan's points into the model. nowTs is
// the scan-time clock in seconds, used only for the disagreement window.
func (m *Map) IntegrateScan(points []wire.LidarPoint, nowTs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		x, y, z := float64(p.X), float64(p.Y), float64(p.Z)
		m.tileFor(x, z).integratePoint(x, y, z, nowTs, &m.params)
	}
}

// ConsumeDirtyTiles rebuilds and returns the height grid of every dirty
// tile, clearing the dirty flags. Calling it again without intervening
// integration returns nothing.
func (m *Map) ConsumeDirtyTiles() []TileUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var updates []TileUpdate
	for key, t := range m.tiles {
		if !t.dirty {
			continue
		}
		updates = append(updates, m.buildUpdateLocked(key, t))
		t.dirty = false
	}
	return updates
}

// ConsumeDirtyTilesBudgeted is ConsumeDirtyTiles capped by an
// approximate upload byte budget (grid floats, 4 bytes each). A budget
// of zero or less means unbounded. At least one tile is processed per
// call so progress is always made; tiles over budget stay dirty and are
// picked up by a later call, never dropped.
func (m *Map) ConsumeDirtyTilesBudgeted(maxBytes int) []TileUpdate {
	if maxBytes <= 0 {
		return m.ConsumeDirtyTiles()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	perTile := m.gridN * m.gridN * 4
	budgetTiles := maxBytes / perTile
	if budgetTiles < 1 {
		budgetTiles = 1
	}
	var updates []TileUpdate
	for key, t := range m.tiles {
		if len(updates) >= budgetTiles {
			break
		}
		if !t.dirty {
			continue
		}
		updates = append(updates, m.buildUpdateLocked(key, t))
		t.dirty = false
	}
	return updates
}

func (m *Map) buildUpdateLocked(key TileKey, t *tile) TileUpdate {
	up := TileUpdate{
		Key:      key,
		Heights:  make([]float32, m.gridN*m.gridN),
		GridN:    m.gridN,
		TileSize: m.params.TileSizeMeters,
	}
	t.buildHeightGrid(m.gridN, up.Heights)
	return up
}

// PeekTile rebuilds a tile's current height grid without touching its
// dirty flag, for diagnostic rendering. ok is false for tiles the map
// has never seen.
func (m *Map) PeekTile(key TileKey) (TileUpdate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, found := m.tiles[key]
	if !found {
		return TileUpdate{}, false
	}
	return m.buildUpdateLocked(key, t), true
}

// TileKeys returns the keys of every tile the map holds.
func (m *Map) TileKeys() []TileKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]TileKey, 0, len(m.tiles))
	for key := range m.tiles {
		keys = append(keys, key)
	}
	return keys
}

// GroundAt answers the best current height estimate under a world
// (x, z), with the supporting sample count as confidence. It never
// mutates the model; ok is false where nothing has been observed.
func (m *Map) GroundAt(x, z float64) (height float64, samples int, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := TileKey{
		TX: int(math.Floor(x / m.params.TileSizeMeters)),
		TZ: int(math.Floor(z / m.params.TileSizeMeters)),
	}
	t, found := m.tiles[key]
	if !found {
		return 0, 0, false
	}
	return t.groundAt(x, z)
}

// Stats counts tiles and leaves. Leaf counting walks every tree, so this
// is a diagnostic call, not a hot-path one.
func (m *Map) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Tiles: len(m.tiles)}
	for _, t := range m.tiles {
		st.Leaves += t.countLeaves()
	}
	return st
}
