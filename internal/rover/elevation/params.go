package elevation

import "fmt"

// maxTileDepth caps quadtree depth regardless of the requested cell
// resolution (2^10 = 1024 cells along a tile edge).
const maxTileDepth = 10

// Params are the tuning parameters for the elevation model. The
// threshold and blend defaults are empirically tuned values carried over
// from field use; treat them as configuration, not derived constants.
type Params struct {
	// TileSizeMeters is the side length of one square tile.
	TileSizeMeters float64

	// CellResolutionMeters is the desired leaf cell size; quadtree depth
	// is derived from TileSizeMeters / CellResolutionMeters rounded to a
	// power of two.
	CellResolutionMeters float64

	// TauAcceptMeters: points within this distance of the cell mean
	// refine the running estimate.
	TauAcceptMeters float64

	// TauReplaceMeters: points at least this far from the cell mean are
	// candidate replacements, taking effect once confirmed.
	TauReplaceMeters float64

	// ConfirmHits is the number of disagreeing points inside the window
	// required before a settled cell's estimate is replaced.
	ConfirmHits int

	// SaturationCount caps the running-mean sample count so old history
	// stops dominating new measurements.
	SaturationCount int

	// ConfidenceFloor: cells with fewer confirmed samples than this are
	// replaced by a single disagreeing point without confirmation.
	ConfidenceFloor int

	// TauUploadMeters is the minimum mean movement since the last value
	// handed to a consumer before a cell marks its tile dirty again.
	TauUploadMeters float64

	// DisagreeWindowSeconds is the sliding window within which
	// disagreement hits accumulate toward ConfirmHits.
	DisagreeWindowSeconds float64
}

// DefaultParams returns the field-tuned defaults: 32 m tiles of 0.25 m
// cells, accept within 0.25 m, replace beyond 0.7 m after 3 confirming
// hits inside 1 s.
func DefaultParams() Params {
	return Params{
		TileSizeMeters:        32.0,
		CellResolutionMeters:  0.25,
		TauAcceptMeters:       0.25,
		TauReplaceMeters:      0.7,
		ConfirmHits:           3,
		SaturationCount:       20,
		ConfidenceFloor:       5,
		TauUploadMeters:       0.06,
		DisagreeWindowSeconds: 1.0,
	}
}

// Validate reports the first misconfiguration found. Degenerate values
// fail here, at configuration time, rather than silently corrupting the
// model later.
func (p Params) Validate() error {
	if p.TileSizeMeters <= 0 {
		return fmt.Errorf("tile size must be positive, got %g", p.TileSizeMeters)
	}
	if p.CellResolutionMeters <= 0 {
		return fmt.Errorf("cell resolution must be positive, got %g", p.CellResolutionMeters)
	}
	if p.CellResolutionMeters > p.TileSizeMeters {
		return fmt.Errorf("cell resolution %g exceeds tile size %g", p.CellResolutionMeters, p.TileSizeMeters)
	}
	if p.TauAcceptMeters <= 0 {
		return fmt.Errorf("tauAccept must be positive, got %g", p.TauAcceptMeters)
	}
	if p.TauReplaceMeters <= p.TauAcceptMeters {
		return fmt.Errorf("tauReplace %g must exceed tauAccept %g", p.TauReplaceMeters, p.TauAcceptMeters)
	}
	if p.TauUploadMeters < 0 {
		return fmt.Errorf("tauUpload must not be negative, got %g", p.TauUploadMeters)
	}
	if p.ConfirmHits < 1 {
		return fmt.Errorf("confirm hits must be at least 1, got %d", p.ConfirmHits)
	}
	if p.SaturationCount < 1 || p.SaturationCount > 65535 {
		return fmt.Errorf("saturation count must be in [1, 65535], got %d", p.SaturationCount)
	}
	if p.ConfidenceFloor < 0 {
		return fmt.Errorf("confidence floor must not be negative, got %d", p.ConfidenceFloor)
	}
	if p.DisagreeWindowSeconds <= 0 {
		return fmt.Errorf("disagree window must be positive, got %g", p.DisagreeWindowSeconds)
	}
	return nil
}

// depth returns the quadtree depth producing at least
// TileSize/CellResolution cells along a tile edge, capped at maxTileDepth.
func (p Params) depth() int {
	cellsPerTile := p.TileSizeMeters / p.CellResolutionMeters
	power := 0
	c := 1
	for float64(c) < cellsPerTile && power < maxTileDepth {
		c <<= 1
		power++
	}
	return power
}
