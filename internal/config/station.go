// Package config loads and validates the ground-station configuration.
// The schema is a single YAML file declaring the rover fleet plus the
// assembly and terrain tuning knobs; fields omitted from the file keep
// their defaults, so partial configs are safe.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/terrain.station/internal/rover/assembler"
	"github.com/banshee-data/terrain.station/internal/rover/elevation"
	"github.com/banshee-data/terrain.station/internal/rover/network"
)

// DefaultConfigPath is where the station looks for its config when no
// -config flag is given.
const DefaultConfigPath = "config/station.yaml"

// RoverConfig declares one rover's identity and ports.
type RoverConfig struct {
	ID          string `yaml:"id"`
	Address     string `yaml:"address"`
	PosePort    int    `yaml:"pose_port"`
	LidarPort   int    `yaml:"lidar_port"`
	TelemPort   int    `yaml:"telem_port"`
	CommandPort int    `yaml:"command_port"`
	Buttons     int    `yaml:"buttons"` // 4 or 8; defaults to 4
}

// NetworkConfig tunes the UDP ingestion layer.
type NetworkConfig struct {
	BindAddress  string  `yaml:"bind_address"`
	RecvBufBytes int     `yaml:"recv_buf_bytes"`
	ReadTimeout  *string `yaml:"read_timeout"`  // duration string like "100ms"
	OfflineAfter *string `yaml:"offline_after"` // duration string like "5s"
	LogInterval  *string `yaml:"log_interval"`  // duration string like "1m"
}

// AssemblyConfig tunes scan chunk assembly.
type AssemblyConfig struct {
	Timeout           *string `yaml:"timeout"` // duration string like "200ms"
	StoreGlobalPoints *bool   `yaml:"store_global_points"`
	MaxGlobalPoints   *int    `yaml:"max_global_points"`
}

// TerrainConfig tunes the elevation map. Omitted fields take the
// defaults from elevation.DefaultParams.
type TerrainConfig struct {
	TileSizeMeters        *float64 `yaml:"tile_size_m"`
	CellResolutionMeters  *float64 `yaml:"cell_resolution_m"`
	TauAcceptMeters       *float64 `yaml:"tau_accept_m"`
	TauReplaceMeters      *float64 `yaml:"tau_replace_m"`
	ConfirmHits           *int     `yaml:"confirm_hits"`
	SaturationCount       *int     `yaml:"saturation_count"`
	ConfidenceFloor       *int     `yaml:"confidence_floor"`
	TauUploadMeters       *float64 `yaml:"tau_upload_m"`
	DisagreeWindowSeconds *float64 `yaml:"disagree_window_s"`
}

// StationConfig is the root of the YAML schema.
type StationConfig struct {
	Rovers   []RoverConfig  `yaml:"rovers"`
	Network  NetworkConfig  `yaml:"network"`
	Assembly AssemblyConfig `yaml:"assembly"`
	Terrain  TerrainConfig  `yaml:"terrain"`

	// HTTPAddr is the listen address of the status API. Empty disables it.
	HTTPAddr string `yaml:"http_addr"`

	// DBPath is the SQLite database file. Empty disables persistence.
	DBPath string `yaml:"db_path"`

	// SnapshotInterval is how often the elevation map is persisted.
	SnapshotInterval *string `yaml:"snapshot_interval"` // duration string like "5m"

	// UploadBudgetBytes caps the dirty-tile payload drained per update
	// tick. Zero means unbounded.
	UploadBudgetBytes int `yaml:"upload_budget_bytes"`
}

// Load reads and validates a station config from a YAML file.
func Load(path string) (*StationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a station config from YAML bytes.
func Parse(data []byte) (*StationConfig, error) {
	cfg := &StationConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions that would only
// surface later as confusing runtime behavior.
func (c *StationConfig) Validate() error {
	if len(c.Rovers) == 0 {
		return fmt.Errorf("at least one rover must be configured")
	}
	seen := make(map[string]bool, len(c.Rovers))
	for i, r := range c.Rovers {
		if r.ID == "" {
			return fmt.Errorf("rover %d: id must not be empty", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rover id %q declared twice", r.ID)
		}
		seen[r.ID] = true
		if r.Buttons != 0 && r.Buttons != 4 && r.Buttons != 8 {
			return fmt.Errorf("rover %q: buttons must be 4 or 8, got %d", r.ID, r.Buttons)
		}
		for _, p := range []int{r.PosePort, r.LidarPort, r.TelemPort, r.CommandPort} {
			if p < 0 || p > 65535 {
				return fmt.Errorf("rover %q: port %d out of range", r.ID, p)
			}
		}
	}

	for name, s := range map[string]*string{
		"network.read_timeout":  c.Network.ReadTimeout,
		"network.offline_after": c.Network.OfflineAfter,
		"network.log_interval":  c.Network.LogInterval,
		"assembly.timeout":      c.Assembly.Timeout,
		"snapshot_interval":     c.SnapshotInterval,
	} {
		if s != nil && *s != "" {
			if _, err := time.ParseDuration(*s); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *s, err)
			}
		}
	}

	if c.UploadBudgetBytes < 0 {
		return fmt.Errorf("upload_budget_bytes must be non-negative, got %d", c.UploadBudgetBytes)
	}

	// Terrain parameters get their own deeper validation.
	if err := c.ElevationParams().Validate(); err != nil {
		return fmt.Errorf("terrain: %w", err)
	}
	return nil
}

// ElevationParams converts the terrain section to elevation parameters,
// filling omitted fields from the defaults.
func (c *StationConfig) ElevationParams() elevation.Params {
	p := elevation.DefaultParams()
	t := c.Terrain
	if t.TileSizeMeters != nil {
		p.TileSizeMeters = *t.TileSizeMeters
	}
	if t.CellResolutionMeters != nil {
		p.CellResolutionMeters = *t.CellResolutionMeters
	}
	if t.TauAcceptMeters != nil {
		p.TauAcceptMeters = *t.TauAcceptMeters
	}
	if t.TauReplaceMeters != nil {
		p.TauReplaceMeters = *t.TauReplaceMeters
	}
	if t.ConfirmHits != nil {
		p.ConfirmHits = *t.ConfirmHits
	}
	if t.SaturationCount != nil {
		p.SaturationCount = *t.SaturationCount
	}
	if t.ConfidenceFloor != nil {
		p.ConfidenceFloor = *t.ConfidenceFloor
	}
	if t.TauUploadMeters != nil {
		p.TauUploadMeters = *t.TauUploadMeters
	}
	if t.DisagreeWindowSeconds != nil {
		p.DisagreeWindowSeconds = *t.DisagreeWindowSeconds
	}
	return p
}

// ManagerConfig converts the rover and network sections to the
// ingestion layer's configuration.
func (c *StationConfig) ManagerConfig() network.ManagerConfig {
	mc := network.ManagerConfig{
		BindAddress: c.Network.BindAddress,
		RecvBuf:     c.Network.RecvBufBytes,
	}
	mc.ReadTimeout = durationOr(c.Network.ReadTimeout, 0)
	mc.OfflineAfter = durationOr(c.Network.OfflineAfter, 0)
	mc.LogInterval = durationOr(c.Network.LogInterval, 0)
	for _, r := range c.Rovers {
		mc.Rovers = append(mc.Rovers, network.RoverEndpoints{
			RoverID:     r.ID,
			Address:     r.Address,
			PosePort:    r.PosePort,
			LidarPort:   r.LidarPort,
			TelemPort:   r.TelemPort,
			CommandPort: r.CommandPort,
			Buttons:     r.Buttons,
		})
	}
	return mc
}

// AssemblerConfig converts the assembly section to the assembler's
// configuration.
func (c *StationConfig) AssemblerConfig() assembler.Config {
	ac := assembler.Config{
		Timeout: durationOr(c.Assembly.Timeout, 0),
	}
	if c.Assembly.StoreGlobalPoints != nil {
		ac.StoreGlobalPoints = *c.Assembly.StoreGlobalPoints
	}
	if c.Assembly.MaxGlobalPoints != nil {
		ac.MaxGlobalPoints = *c.Assembly.MaxGlobalPoints
	}
	return ac
}

// GetSnapshotInterval returns the snapshot interval or the default.
func (c *StationConfig) GetSnapshotInterval() time.Duration {
	return durationOr(c.SnapshotInterval, 5*time.Minute)
}

// durationOr parses a duration string pointer, returning def when the
// pointer is nil, empty, or unparseable. Validate has already rejected
// bad strings on the load path.
func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}
