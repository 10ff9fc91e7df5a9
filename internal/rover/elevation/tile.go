package elevation

import "math"

// Cell is one leaf estimate of ground height. Valid flips true when the
// first point lands and never reverts; Dirty is cleared only when a
// consumer extracts the containing tile.
type Cell struct {
	Mean         float32
	Var          float32
	N            uint16
	DisagreeHits uint8
	LastDisagree float64 // scan-time seconds of the last disagreeing point
	PrevMean     float32 // last mean handed to a consumer
	Valid        bool
}

// quadNode is either a leaf owning one Cell or an internal node owning
// four children, indexed SW=0 SE=1 NW=2 NE=3.
type quadNode struct {
	leaf     bool
	cell     Cell
	children [4]*quadNode
}

// TileKey addresses a tile by its integer tile coordinates,
// floor(world / tileSize).
type TileKey struct {
	TX int
	TZ int
}

// tile is one square region of world space owning a quadtree of cells.
type tile struct {
	originX  float64
	originZ  float64
	size     float64
	maxDepth int
	dirty    bool
	root     *quadNode
}

func newTile(ox, oz, size float64, maxDepth int) *tile {
	return &tile{
		originX:  ox,
		originZ:  oz,
		size:     size,
		maxDepth: maxDepth,
		root:     &quadNode{leaf: true},
	}
}

// childIndexFor maps a point against the quadrant centre:
// SW x<cx,z<cz; SE x>=cx,z<cz; NW x<cx,z>=cz; NE x>=cx,z>=cz.
func childIndexFor(x, z, cx, cz float64) int {
	idx := 0
	if x >= cx {
		idx |= 1
	}
	if z >= cz {
		idx |= 2
	}
	return idx
}

// locateLeaf descends to the leaf containing (x, z), splitting lazily.
// New children inherit the parent's cell so the surface stays continuous
// across a split. Leaves at maxDepth-1 are returned as-is and keep
// absorbing points without deepening.
func (t *tile) locateLeaf(x, z float64) *quadNode {
	node := t.root
	cx := t.originX + t.size*0.5
	cz := t.originZ + t.size*0.5
	half := t.size * 0.5
	for depth := 0; depth < t.maxDepth; depth++ {
		if node.leaf {
			if depth == t.maxDepth-1 {
				return node
			}
			node.leaf = false
			for i := range node.children {
				node.children[i] = &quadNode{leaf: true, cell: node.cell}
			}
		}
		idx := childIndexFor(x, z, cx, cz)
		half *= 0.5
		if idx&1 != 0 {
			cx += half
		} else {
			cx -= half
		}
		if idx&2 != 0 {
			cz += half
		} else {
			cz -= half
		}
		node = node.children[idx]
	}
	return node
}

// integratePoint folds one point into the cell under (x, z) using the
// three-zone accept/ambiguous/replace policy.
func (t *tile) integratePoint(x, y, z float64, nowTs float64, p *Params) {
	leaf := t.locateLeaf(x, z)
	c := &leaf.cell

	if !c.Valid {
		c.Mean = float32(y)
		c.PrevMean = c.Mean
		c.Var = 0
		c.N = 1
		c.DisagreeHits = 0
		c.Valid = true
		t.dirty = true
		return
	}

	dy := math.Abs(y - float64(c.Mean))
	switch {
	case dy <= p.TauAcceptMeters:
		n := int(c.N) + 1
		if n > p.SaturationCount {
			n = p.SaturationCount
		}
		delta := float32(y) - c.Mean
		c.Mean += delta / float32(n)
		// Exponential blend keeps the variance estimate cheap.
		c.Var = 0.9*c.Var + 0.1*delta*delta
		c.N = uint16(n)
		c.DisagreeHits = 0
		if math.Abs(float64(c.Mean-c.PrevMean)) > p.TauUploadMeters {
			c.PrevMean = c.Mean
			t.dirty = true
		}

	case dy >= p.TauReplaceMeters:
		if nowTs-c.LastDisagree <= p.DisagreeWindowSeconds {
			if c.DisagreeHits < 255 {
				c.DisagreeHits++
			}
		} else {
			c.DisagreeHits = 1
		}
		c.LastDisagree = nowTs
		if int(c.N) < p.ConfidenceFloor || int(c.DisagreeHits) >= p.ConfirmHits {
			// Confirmed change: the old surface is gone, restart the cell.
			c.Mean = float32(y)
			c.PrevMean = c.Mean
			c.Var = 0
			c.N = 1
			c.DisagreeHits = 0
			t.dirty = true
		}

	default:
		// Ambiguous zone: nudge without resetting confidence.
		c.Mean += 0.1 * (float32(y) - c.Mean)
		if math.Abs(float64(c.Mean-c.PrevMean)) > p.TauUploadMeters {
			c.PrevMean = c.Mean
			t.dirty = true
		}
		if nowTs-c.LastDisagree > p.DisagreeWindowSeconds {
			c.DisagreeHits = 0
		}
	}
}

// sampleHeight returns a node's height: the cell mean for valid leaves,
// zero for untouched ones, and the recursive child average for internal
// nodes.
func sampleHeight(node *quadNode) float32 {
	if node == nil {
		return 0
	}
	if node.leaf {
		if node.cell.Valid {
			return node.cell.Mean
		}
		return 0
	}
	var sum float32
	cnt := 0
	for _, child := range node.children {
		if child != nil {
			sum += sampleHeight(child)
			cnt++
		}
	}
	if cnt == 0 {
		return 0
	}
	return sum / float32(cnt)
}

// buildHeightGrid fills a dense gridN×gridN row-major height grid
// covering the tile, sampling the leaf under each grid vertex. The grid
// is rebuilt whole on every call because splits can change the leaf
// layout between pulls.
func (t *tile) buildHeightGrid(gridN int, out []float32) {
	step := t.size / float64(gridN-1)
	for j := 0; j < gridN; j++ {
		z := t.originZ + float64(j)*step
		for i := 0; i < gridN; i++ {
			x := t.originX + float64(i)*step
			node := t.root
			cx := t.originX + t.size*0.5
			cz := t.originZ + t.size*0.5
			half := t.size * 0.5
			for depth := 0; depth < t.maxDepth-1 && node != nil && !node.leaf; depth++ {
				idx := childIndexFor(x, z, cx, cz)
				half *= 0.5
				if idx&1 != 0 {
					cx += half
				} else {
					cx -= half
				}
				if idx&2 != 0 {
					cz += half
				} else {
					cz -= half
				}
				node = node.children[idx]
			}
			out[j*gridN+i] = sampleHeight(node)
		}
	}
}

// groundAt descends to the leaf under (x, z) without splitting and
// returns its estimate. ok is false when no point has landed there yet.
func (t *tile) groundAt(x, z float64) (height float64, samples int, ok bool) {
	node := t.root
	cx := t.originX + t.size*0.5
	cz := t.originZ + t.size*0.5
	half := t.size * 0.5
	for node != nil && !node.leaf {
		idx := childIndexFor(x, z, cx, cz)
		half *= 0.5
		if idx&1 != 0 {
			cx += half
		} else {
			cx -= half
		}
		if idx&2 != 0 {
			cz += half
		} else {
			cz -= half
		}
		node = node.children[idx]
	}
	if node == nil || !node.cell.Valid {
		return 0, 0, false
	}
	return float64(node.cell.Mean), int(node.cell.N), true
}

// countLeaves walks the tile's quadtree iteratively.
func (t *tile) countLeaves() int {
	leaves := 0
	stack := []*quadNode{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.leaf {
			leaves++
			continue
		}
		for _, child := range n.children {
			if child != nil {
				stack = append(stack, child)
			}
		}
	}
	return leaves
}
