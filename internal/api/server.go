package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/terrain.station/internal/httputil"
	"github.com/banshee-data/terrain.station/internal/rover/assembler"
	"github.com/banshee-data/terrain.station/internal/rover/elevation"
	"github.com/banshee-data/terrain.station/internal/rover/monitor"
	"github.com/banshee-data/terrain.station/internal/rover/network"
	"github.com/banshee-data/terrain.station/internal/rover/wire"
	"github.com/banshee-data/terrain.station/internal/roverdb"
	"github.com/banshee-data/terrain.station/internal/telemetry"
	"github.com/banshee-data/terrain.station/internal/version"
)

// ANSI escape codes for request log coloring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// RoverCommander is the slice of the network manager the API needs.
type RoverCommander interface {
	RoverIDs() []string
	Endpoints(roverID string) (network.RoverEndpoints, bool)
	Online(roverID string) bool
	StreamTimestamps(roverID string) (network.StreamTimestamps, bool)
	LatestPose(roverID string) (wire.PosePacket, bool)
	LatestTelemetry(roverID string) (wire.TelemetryPacket, bool)
	SendCommand(roverID string, mask uint8, port int) error
}

type Server struct {
	rovers RoverCommander
	elev   *elevation.Map
	asm    *assembler.Assembler
	tiles  *monitor.TileCache
	store  *roverdb.Store // nil when persistence is disabled
}

func NewServer(rovers RoverCommander, elev *elevation.Map, asm *assembler.Assembler, tiles *monitor.TileCache, store *roverdb.Store) *Server {
	return &Server{
		rovers: rovers,
		elev:   elev,
		asm:    asm,
		tiles:  tiles,
		store:  store,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/api/rovers", s.listRovers)
	mux.HandleFunc("/api/ground", s.groundAt)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	mux.HandleFunc("/api/tiles", s.listTiles)
	mux.HandleFunc("/api/tiles/heatmap", s.tileHeatmap)
	mux.HandleFunc("/api/scans", s.recentScans)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// RoverStatus is one rover's entry in the /api/rovers response.
type RoverStatus struct {
	RoverID     string           `json:"rover_id"`
	Online      bool             `json:"online"`
	Address     string           `json:"address"`
	Buttons     int              `json:"buttons"`
	LastPoseAt  *time.Time       `json:"last_pose_at,omitempty"`
	LastLidarAt *time.Time       `json:"last_lidar_at,omitempty"`
	LastTelemAt *time.Time       `json:"last_telem_at,omitempty"`
	Pose        *wire.PosePacket `json:"pose,omitempty"`
	ButtonState string           `json:"button_state,omitempty"`
}

func (s *Server) listRovers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	var out []RoverStatus
	for _, id := range s.rovers.RoverIDs() {
		ep, _ := s.rovers.Endpoints(id)
		st := RoverStatus{
			RoverID: id,
			Online:  s.rovers.Online(id),
			Address: ep.Address,
			Buttons: ep.Buttons,
		}
		if ts, ok := s.rovers.StreamTimestamps(id); ok {
			st.LastPoseAt = nonZeroTime(ts.LastPose)
			st.LastLidarAt = nonZeroTime(ts.LastLidar)
			st.LastTelemAt = nonZeroTime(ts.LastTelem)
		}
		if p, ok := s.rovers.LatestPose(id); ok {
			st.Pose = &p
		}
		if t, ok := s.rovers.LatestTelemetry(id); ok {
			st.ButtonState = wire.ButtonStateString(t.ButtonStates, ep.Buttons)
		}
		out = append(out, st)
	}
	httputil.WriteJSONOK(w, out)
}

func nonZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) groundAt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	x, errX := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
	z, errZ := strconv.ParseFloat(r.URL.Query().Get("z"), 64)
	if errX != nil || errZ != nil {
		httputil.BadRequest(w, "x and z query parameters are required")
		return
	}

	height, samples, ok := s.elev.GroundAt(x, z)
	httputil.WriteJSONOK(w, map[string]interface{}{
		"x":       x,
		"z":       z,
		"known":   ok,
		"height":  height,
		"samples": samples,
	})
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	stats := s.elev.Stats()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"tiles":         stats.Tiles,
		"leaves":        stats.Leaves,
		"cached_grids":  s.tiles.Len(),
		"pending_scans": s.asm.PendingScans(),
		"rovers":        len(s.rovers.RoverIDs()),
	})
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	roverID := r.FormValue("rover")
	if roverID == "" {
		httputil.BadRequest(w, "rover form value is required")
		return
	}
	mask, err := strconv.ParseUint(r.FormValue("buttons"), 10, 8)
	if err != nil {
		httputil.BadRequest(w, "buttons must be an integer 0-255")
		return
	}
	port := 0
	if p := r.FormValue("port"); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			httputil.BadRequest(w, "invalid port")
			return
		}
	}

	if err := s.rovers.SendCommand(roverID, uint8(mask), port); err != nil {
		httputil.InternalServerError(w, "failed to send command: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "sent"})
}

func (s *Server) listTiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	keys := s.elev.TileKeys()
	if keys == nil {
		keys = []elevation.TileKey{}
	}
	httputil.WriteJSONOK(w, keys)
}

func (s *Server) tileHeatmap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	tx, errX := strconv.Atoi(r.URL.Query().Get("tx"))
	tz, errZ := strconv.Atoi(r.URL.Query().Get("tz"))
	if errX != nil || errZ != nil {
		httputil.BadRequest(w, "tx and tz query parameters are required")
		return
	}

	// Serve what consumers last received; peek the live quadtree only for
	// tiles that have never been drained.
	key := elevation.TileKey{TX: tx, TZ: tz}
	update, ok := s.tiles.Latest(key)
	if !ok {
		update, ok = s.elev.PeekTile(key)
	}
	if !ok {
		httputil.NotFound(w, "no such tile")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := monitor.RenderTileHeatmap(update, w); err != nil {
		log.Printf("[API] Heatmap render failed for (%d, %d): %v", tx, tz, err)
	}
}

func (s *Server) recentScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "persistence is disabled")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		limit = parsed
	}
	recs, err := s.store.RecentScans(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to query scan log")
		return
	}
	if recs == nil {
		recs = []roverdb.ScanRecord{}
	}
	httputil.WriteJSONOK(w, recs)
}
