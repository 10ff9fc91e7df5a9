package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/banshee-data/terrain.station/internal/rover/assembler"
	"github.com/banshee-data/terrain.station/internal/rover/elevation"
	"github.com/banshee-data/terrain.station/internal/rover/monitor"
	"github.com/banshee-data/terrain.station/internal/rover/network"
	"github.com/banshee-data/terrain.station/internal/rover/wire"
)

type fakeRovers struct {
	ids      []string
	online   map[string]bool
	pose     map[string]wire.PosePacket
	commands []struct {
		roverID string
		mask    uint8
		port    int
	}
	commandErr error
}

func (f *fakeRovers) RoverIDs() []string { return f.ids }

func (f *fakeRovers) Endpoints(id string) (network.RoverEndpoints, bool) {
	for _, known := range f.ids {
		if known == id {
			return network.RoverEndpoints{RoverID: id, Address: "10.0.0.1", Buttons: 4}, true
		}
	}
	return network.RoverEndpoints{}, false
}

func (f *fakeRovers) Online(id string) bool { return f.online[id] }

func (f *fakeRovers) StreamTimestamps(id string) (network.StreamTimestamps, bool) {
	return network.StreamTimestamps{}, true
}

func (f *fakeRovers) LatestPose(id string) (wire.PosePacket, bool) {
	p, ok := f.pose[id]
	return p, ok
}

func (f *fakeRovers) LatestTelemetry(id string) (wire.TelemetryPacket, bool) {
	return wire.TelemetryPacket{ButtonStates: 0x03}, true
}

func (f *fakeRovers) SendCommand(roverID string, mask uint8, port int) error {
	f.commands = append(f.commands, struct {
		roverID string
		mask    uint8
		port    int
	}{roverID, mask, port})
	return f.commandErr
}

func newTestServer(t *testing.T) (*Server, *fakeRovers, *elevation.Map) {
	t.Helper()
	elev, err := elevation.New(elevation.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	rovers := &fakeRovers{
		ids:    []string{"R1"},
		online: map[string]bool{"R1": true},
		pose:   map[string]wire.PosePacket{"R1": {Timestamp: 1, PosX: 2}},
	}
	asm := assembler.New(assembler.Config{})
	return NewServer(rovers, elev, asm, monitor.NewTileCache(), nil), rovers, elev
}

func getJSON(t *testing.T, h http.Handler, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("bad JSON from %s: %v", path, err)
		}
	}
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	var body map[string]string
	rec := getJSON(t, s.ServeMux(), "/health", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestListRovers(t *testing.T) {
	s, _, _ := newTestServer(t)
	var rovers []RoverStatus
	rec := getJSON(t, s.ServeMux(), "/api/rovers", &rovers)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if len(rovers) != 1 {
		t.Fatalf("rovers = %+v", rovers)
	}
	r := rovers[0]
	if r.RoverID != "R1" || !r.Online || r.Pose == nil || r.Pose.PosX != 2 {
		t.Errorf("rover = %+v", r)
	}
	if r.ButtonState != "B1+B2" {
		t.Errorf("button state = %q", r.ButtonState)
	}
}

func TestGroundAt(t *testing.T) {
	s, _, elev := newTestServer(t)
	elev.IntegrateScan([]wire.LidarPoint{{X: 1, Y: 3.5, Z: 1}}, 100.0)

	var body struct {
		Known   bool    `json:"known"`
		Height  float64 `json:"height"`
		Samples int     `json:"samples"`
	}
	rec := getJSON(t, s.ServeMux(), "/api/ground?x=1&z=1", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !body.Known || body.Height < 3.4 || body.Height > 3.6 {
		t.Errorf("body = %+v", body)
	}

	rec = getJSON(t, s.ServeMux(), "/api/ground?x=abc&z=1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad x accepted: %d", rec.Code)
	}
	rec = getJSON(t, s.ServeMux(), "/api/ground", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing params accepted: %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	s, _, elev := newTestServer(t)
	elev.IntegrateScan([]wire.LidarPoint{{X: 1, Y: 1, Z: 1}}, 100.0)

	var body struct {
		Tiles  int `json:"tiles"`
		Rovers int `json:"rovers"`
	}
	rec := getJSON(t, s.ServeMux(), "/api/stats", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body.Tiles != 1 || body.Rovers != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestSendCommand(t *testing.T) {
	s, rovers, _ := newTestServer(t)
	mux := s.ServeMux()

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := post(url.Values{"rover": {"R1"}, "buttons": {"5"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if len(rovers.commands) != 1 || rovers.commands[0].mask != 5 || rovers.commands[0].port != 0 {
		t.Errorf("commands = %+v", rovers.commands)
	}

	if rec := post(url.Values{"buttons": {"5"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing rover accepted: %d", rec.Code)
	}
	if rec := post(url.Values{"rover": {"R1"}, "buttons": {"300"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized mask accepted: %d", rec.Code)
	}
	if rec := post(url.Values{"rover": {"R1"}, "buttons": {"1"}, "port": {"-2"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad port accepted: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/command", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET accepted: %d", rec.Code)
	}
}

func TestTileHeatmap(t *testing.T) {
	s, _, elev := newTestServer(t)
	elev.IntegrateScan([]wire.LidarPoint{{X: 1, Y: 2, Z: 1}, {X: 20, Y: 4, Z: 20}}, 100.0)

	rec := getJSON(t, s.ServeMux(), "/api/tiles/heatmap?tx=0&tz=0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty body")
	}

	rec = getJSON(t, s.ServeMux(), "/api/tiles/heatmap?tx=99&tz=99", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing tile = %d", rec.Code)
	}

	var keys []elevation.TileKey
	rec = getJSON(t, s.ServeMux(), "/api/tiles", &keys)
	if rec.Code != http.StatusOK || len(keys) != 1 {
		t.Errorf("tiles = %v (status %d)", keys, rec.Code)
	}
}

func TestTileHeatmapServedFromCache(t *testing.T) {
	// A grid the update loop drained into the cache is servable even when
	// the live map has no such tile.
	s, _, _ := newTestServer(t)
	s.tiles.Store([]elevation.TileUpdate{{
		Key:      elevation.TileKey{TX: 5, TZ: 5},
		Heights:  []float32{0, 1, 2, 3, 4, 5, 6, 7, 8},
		GridN:    3,
		TileSize: 32,
	}})

	rec := getJSON(t, s.ServeMux(), "/api/tiles/heatmap?tx=5&tz=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type %q", ct)
	}

	var body struct {
		CachedGrids int `json:"cached_grids"`
	}
	if rec := getJSON(t, s.ServeMux(), "/api/stats", &body); rec.Code != http.StatusOK {
		t.Fatalf("stats status %d", rec.Code)
	}
	if body.CachedGrids != 1 {
		t.Errorf("cached_grids = %d, want 1", body.CachedGrids)
	}
}

func TestRecentScansWithoutStore(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := getJSON(t, s.ServeMux(), "/api/scans", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := getJSON(t, s.ServeMux(), "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "terrainstation") {
		t.Error("metrics output missing station namespace")
	}
}
