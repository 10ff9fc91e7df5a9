package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
rovers:
  - id: R1
    address: 10.0.0.42
    pose_port: 9001
    lidar_port: 9002
    telem_port: 9003
    command_port: 9010
`

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Rovers) != 1 || cfg.Rovers[0].ID != "R1" {
		t.Fatalf("rovers = %+v", cfg.Rovers)
	}

	// Omitted sections fall back to defaults.
	p := cfg.ElevationParams()
	if p.TileSizeMeters != 32.0 || p.CellResolutionMeters != 0.25 {
		t.Errorf("terrain defaults not applied: %+v", p)
	}
	if got := cfg.GetSnapshotInterval(); got != 5*time.Minute {
		t.Errorf("snapshot interval default = %v", got)
	}
	mc := cfg.ManagerConfig()
	if len(mc.Rovers) != 1 || mc.Rovers[0].PosePort != 9001 {
		t.Errorf("manager config = %+v", mc)
	}
}

func TestParseFull(t *testing.T) {
	full := `
rovers:
  - id: alpha
    address: 192.168.1.10
    pose_port: 9001
    lidar_port: 9002
    telem_port: 9003
    command_port: 9010
    buttons: 8
  - id: beta
    address: 192.168.1.11
    pose_port: 9101
    lidar_port: 9102
    telem_port: 9103
    command_port: 9110
network:
  bind_address: 0.0.0.0
  recv_buf_bytes: 8388608
  read_timeout: 50ms
  offline_after: 10s
assembly:
  timeout: 300ms
  store_global_points: true
  max_global_points: 500000
terrain:
  tile_size_m: 16.0
  cell_resolution_m: 0.5
  confirm_hits: 5
http_addr: ":8088"
db_path: station.db
snapshot_interval: 2m
upload_budget_bytes: 65536
`
	cfg, err := Parse([]byte(full))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	mc := cfg.ManagerConfig()
	if mc.ReadTimeout != 50*time.Millisecond || mc.OfflineAfter != 10*time.Second {
		t.Errorf("network durations = %+v", mc)
	}
	if mc.Rovers[0].Buttons != 8 || mc.Rovers[1].Buttons != 0 {
		t.Errorf("buttons = %d, %d", mc.Rovers[0].Buttons, mc.Rovers[1].Buttons)
	}

	ac := cfg.AssemblerConfig()
	if ac.Timeout != 300*time.Millisecond || !ac.StoreGlobalPoints || ac.MaxGlobalPoints != 500000 {
		t.Errorf("assembler config = %+v", ac)
	}

	p := cfg.ElevationParams()
	if p.TileSizeMeters != 16.0 || p.CellResolutionMeters != 0.5 || p.ConfirmHits != 5 {
		t.Errorf("terrain params = %+v", p)
	}
	// Untouched fields keep defaults.
	if p.TauReplaceMeters != 0.7 {
		t.Errorf("tau_replace default lost: %v", p.TauReplaceMeters)
	}

	if cfg.GetSnapshotInterval() != 2*time.Minute {
		t.Errorf("snapshot interval = %v", cfg.GetSnapshotInterval())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"no rovers", `http_addr: ":8080"`, "at least one rover"},
		{"empty id", `
rovers:
  - id: ""
    pose_port: 9001
`, "id must not be empty"},
		{"duplicate id", `
rovers:
  - id: R1
  - id: R1
`, "declared twice"},
		{"bad buttons", `
rovers:
  - id: R1
    buttons: 6
`, "buttons must be 4 or 8"},
		{"port out of range", `
rovers:
  - id: R1
    pose_port: 70000
`, "out of range"},
		{"bad duration", `
rovers:
  - id: R1
assembly:
  timeout: fast
`, "invalid assembly.timeout"},
		{"negative budget", `
rovers:
  - id: R1
upload_budget_bytes: -1
`, "upload_budget_bytes"},
		{"bad terrain", `
rovers:
  - id: R1
terrain:
  cell_resolution_m: 64.0
`, "terrain:"},
		{"unknown field", `
rovers:
  - id: R1
typo_field: true
`, "typo_field"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("config accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "station.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Rovers[0].ID != "R1" {
		t.Errorf("rovers = %+v", cfg.Rovers)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load accepted a missing file")
	}
	badExt := filepath.Join(dir, "station.json")
	os.WriteFile(badExt, []byte("{}"), 0o644)
	if _, err := Load(badExt); err == nil {
		t.Error("Load accepted a non-YAML extension")
	}
}
