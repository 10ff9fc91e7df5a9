package monitor

import (
	"sync"

	"github.com/banshee-data/terrain.station/internal/rover/elevation"
)

// TileSink receives the height grids extracted from dirty tiles. The
// station's update loop feeds one on every tick; implementations decide
// what a grid is for (caching, rendering, forwarding).
type TileSink interface {
	Store(updates []elevation.TileUpdate)
}

// TileCache is a TileSink that keeps the most recent grid per tile, so
// HTTP handlers can serve what consumers last received without walking
// the live quadtree.
type TileCache struct {
	mu     sync.RWMutex
	grids  map[elevation.TileKey]elevation.TileUpdate
	stored uint64
}

func NewTileCache() *TileCache {
	return &TileCache{grids: make(map[elevation.TileKey]elevation.TileUpdate)}
}

// Store replaces the cached grid of every updated tile.
func (c *TileCache) Store(updates []elevation.TileUpdate) {
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, up := range updates {
		c.grids[up.Key] = up
		c.stored++
	}
}

// Latest returns the newest grid received for a tile, if any.
func (c *TileCache) Latest(key elevation.TileKey) (elevation.TileUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	up, ok := c.grids[key]
	return up, ok
}

// Keys lists every tile the cache holds a grid for.
func (c *TileCache) Keys() []elevation.TileKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]elevation.TileKey, 0, len(c.grids))
	for key := range c.grids {
		keys = append(keys, key)
	}
	return keys
}

// Len is the number of distinct tiles cached.
func (c *TileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.grids)
}

// Stored is the total number of grid updates received, counting
// replacements.
func (c *TileCache) Stored() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stored
}
