// Package monitor renders elevation tiles as heatmap images for
// operator inspection.
package monitor

import (
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/terrain.station/internal/rover/elevation"
)

// tileGrid adapts a TileUpdate to the plotter's grid interface. Row r,
// column c map to world coordinates inside the tile.
type tileGrid struct {
	u elevation.TileUpdate
}

func (g tileGrid) Dims() (int, int) { return g.u.GridN, g.u.GridN }

func (g tileGrid) Z(c, r int) float64 {
	return float64(g.u.Heights[r*g.u.GridN+c])
}

func (g tileGrid) X(c int) float64 {
	step := g.u.TileSize / float64(g.u.GridN-1)
	return float64(g.u.Key.TX)*g.u.TileSize + float64(c)*step
}

func (g tileGrid) Y(r int) float64 {
	step := g.u.TileSize / float64(g.u.GridN-1)
	return float64(g.u.Key.TZ)*g.u.TileSize + float64(r)*step
}

// heightRange returns the 2nd and 98th percentile of the tile's
// heights, so a few spurious cells do not wash out the palette.
func heightRange(heights []float32) (lo, hi float64) {
	vals := make([]float64, len(heights))
	for i, h := range heights {
		vals[i] = float64(h)
	}
	sort.Float64s(vals)
	lo = stat.Quantile(0.02, stat.Empirical, vals, nil)
	hi = stat.Quantile(0.98, stat.Empirical, vals, nil)
	if hi <= lo {
		hi = lo + 1e-3
	}
	return lo, hi
}

// RenderTileHeatmap writes a PNG heatmap of one tile's height grid.
func RenderTileHeatmap(u elevation.TileUpdate, w io.Writer) error {
	if u.GridN < 2 || len(u.Heights) != u.GridN*u.GridN {
		return fmt.Errorf("malformed tile update: grid %d, %d heights", u.GridN, len(u.Heights))
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Tile (%d, %d) elevation", u.Key.TX, u.Key.TZ)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Z (m)"

	hm := plotter.NewHeatMap(tileGrid{u}, palette.Heat(32, 1))
	hm.Min, hm.Max = heightRange(u.Heights)
	p.Add(hm)

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render heatmap: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write heatmap: %w", err)
	}
	return nil
}
