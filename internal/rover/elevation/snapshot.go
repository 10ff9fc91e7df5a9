package elevation

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot matches the elevation_snapshots table structure. It holds a
// compressed image of the whole tile map for persistence across runs.
type Snapshot struct {
	SnapshotID     *int64 // set by the database after insert
	SessionID      string
	TakenUnixNanos int64
	TileCount      int
	LeafCount      int
	ParamsJSON     string
	MapBlob        []byte // gob+gzip savedTile data
	Reason         string // 'periodic', 'shutdown', 'manual'
}

// SnapshotStore is the persistence interface required to store
// snapshots. Implemented by roverdb.Store.
type SnapshotStore interface {
	InsertElevationSnapshot(s *Snapshot) (int64, error)
}

// savedNode and savedTile are the gob-friendly forms of the quadtree.
type savedNode struct {
	Leaf     bool
	Cell     Cell
	Children [4]*savedNode
}

type savedTile struct {
	Key  TileKey
	Root *savedNode
}

func saveNode(n *quadNode) *savedNode {
	if n == nil {
		return nil
	}
	out := &savedNode{Leaf: n.leaf, Cell: n.cell}
	if !n.leaf {
		for i, child := range n.children {
			out.Children[i] = saveNode(child)
		}
	}
	return out
}

func loadNode(n *savedNode) *quadNode {
	if n == nil {
		return nil
	}
	out := &quadNode{leaf: n.Leaf, cell: n.Cell}
	if !n.Leaf {
		for i, child := range n.Children {
			out.children[i] = loadNode(child)
		}
	}
	return out
}

// serializeTiles compresses the tile map using gob encoding and gzip.
func serializeTiles(tiles map[TileKey]*tile) ([]byte, error) {
	saved := make([]savedTile, 0, len(tiles))
	for key, t := range tiles {
		saved = append(saved, savedTile{Key: key, Root: saveNode(t.root)})
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(saved); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeTiles(blob []byte, p Params, maxDepth int) (map[TileKey]*tile, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty map blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var saved []savedTile
	if err := gob.NewDecoder(gz).Decode(&saved); err != nil {
		return nil, fmt.Errorf("failed to decode tiles: %w", err)
	}
	tiles := make(map[TileKey]*tile, len(saved))
	for _, st := range saved {
		t := newTile(
			float64(st.Key.TX)*p.TileSizeMeters,
			float64(st.Key.TZ)*p.TileSizeMeters,
			p.TileSizeMeters,
			maxDepth,
		)
		if st.Root != nil {
			t.root = loadNode(st.Root)
		}
		// Restored tiles start clean; consumers rebuild on first change.
		tiles[st.Key] = t
	}
	return tiles, nil
}

// Persist serialises the map and writes a Snapshot via the store. The
// lock is held only while copying, not during the database write.
func (m *Map) Persist(store SnapshotStore, sessionID, reason string) error {
	if store == nil {
		return nil
	}

	m.mu.RLock()
	blob, err := serializeTiles(m.tiles)
	st := Stats{Tiles: len(m.tiles)}
	for _, t := range m.tiles {
		st.Leaves += t.countLeaves()
	}
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to serialize tiles: %w", err)
	}

	paramsJSON, err := json.Marshal(m.params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	snap := &Snapshot{
		SessionID:      sessionID,
		TakenUnixNanos: time.Now().UnixNano(),
		TileCount:      st.Tiles,
		LeafCount:      st.Leaves,
		ParamsJSON:     string(paramsJSON),
		MapBlob:        blob,
		Reason:         reason,
	}
	if _, err := store.InsertElevationSnapshot(snap); err != nil {
		return fmt.Errorf("failed to insert elevation snapshot: %w", err)
	}
	return nil
}

// RestoreSnapshot reconstructs a Map from a persisted snapshot,
// including its original parameters.
func RestoreSnapshot(s *Snapshot) (*Map, error) {
	if s == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	var p Params
	if err := json.Unmarshal([]byte(s.ParamsJSON), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot params: %w", err)
	}
	m, err := New(p)
	if err != nil {
		return nil, fmt.Errorf("snapshot has invalid params: %w", err)
	}
	tiles, err := deserializeTiles(s.MapBlob, p, m.maxDepth)
	if err != nil {
		return nil, err
	}
	m.tiles = tiles
	return m, nil
}
