// Package elevation maintains a live height-per-cell model of the ground
// built incrementally from assembled LiDAR scans.
//
// The world's X/Z plane is split into fixed-size square tiles, each
// owning a quadtree that subdivides lazily down to a configured depth.
// Every leaf cell holds a robust running height estimate updated by a
// three-zone policy: agreeing points refine the mean, lone outliers are
// resisted, and a genuinely changed surface replaces the estimate once
// confirmed. Consumers pull only tiles whose cells changed meaningfully
// since the last pull, as dense height grids ready for upload.
package elevation
