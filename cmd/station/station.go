// Command station is the rover ground station: it ingests pose, LiDAR,
// and telemetry streams over UDP, assembles chunked scans, folds them
// into a tiled elevation map, and serves status over HTTP.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/terrain.station/internal/api"
	"github.com/banshee-data/terrain.station/internal/config"
	"github.com/banshee-data/terrain.station/internal/rover/assembler"
	"github.com/banshee-data/terrain.station/internal/rover/elevation"
	"github.com/banshee-data/terrain.station/internal/rover/monitor"
	"github.com/banshee-data/terrain.station/internal/rover/network"
	"github.com/banshee-data/terrain.station/internal/rover/wire"
	"github.com/banshee-data/terrain.station/internal/roverdb"
	"github.com/banshee-data/terrain.station/internal/telemetry"
	"github.com/banshee-data/terrain.station/internal/version"
)

var (
	configPath   = flag.String("config", config.DefaultConfigPath, "Path to station YAML config")
	listen       = flag.String("listen", "", "HTTP listen address (overrides config http_addr)")
	dbFile       = flag.String("db", "", "SQLite database file (overrides config db_path, empty disables)")
	sessionNotes = flag.String("session-notes", "", "Free-form notes stored on the session record")
	replayFile   = flag.String("replay", "", "Replay rover traffic from a pcap file instead of live sockets")
	restore      = flag.Bool("restore", false, "Restore the latest elevation snapshot from the database on startup")
)

// updateInterval paces the assembly and integration loop. Scans surface
// within one tick of their final chunk.
const updateInterval = 16 * time.Millisecond

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.HTTPAddr = *listen
	}
	if *dbFile != "" {
		cfg.DBPath = *dbFile
	}

	log.Printf("[Station] Starting terrain station %s (%d rovers)", version.Version, len(cfg.Rovers))

	// Persistence is optional; everything below tolerates a nil store.
	var store *roverdb.Store
	var sessionID string
	if cfg.DBPath != "" {
		store, err = roverdb.Open(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to open database %s: %v", cfg.DBPath, err)
		}
		defer store.Close()
		sessionID, err = store.StartSession(*sessionNotes)
		if err != nil {
			log.Fatalf("Failed to start session: %v", err)
		}
		log.Printf("[Station] Session %s", sessionID)
	}

	elev, err := buildElevationMap(cfg, store)
	if err != nil {
		log.Fatalf("Failed to build elevation map: %v", err)
	}

	asm := assembler.New(cfg.AssemblerConfig())
	tiles := monitor.NewTileCache()
	manager := network.NewManager(cfg.ManagerConfig())
	manager.SetLidarHandler(func(roverID string, hdr wire.LidarHeader, points []wire.LidarPoint) {
		asm.AddChunk(roverID, hdr, points)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *replayFile == "" {
		if err := manager.Start(ctx); err != nil {
			log.Printf("[Station] Some rovers failed to start: %v", err)
		}
		defer manager.Stop()
	} else {
		go func() {
			if err := manager.ReplayPCAP(ctx, *replayFile); err != nil {
				log.Printf("[Station] PCAP replay failed: %v", err)
			}
			stop()
		}()
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		updateLoop(ctx, manager, asm, elev, tiles, store, sessionID, cfg.UploadBudgetBytes)
	}()

	if store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshotLoop(ctx, elev, store, sessionID, cfg.GetSnapshotInterval())
		}()
	}

	if cfg.HTTPAddr != "" {
		server := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: api.LoggingMiddleware(api.NewServer(manager, elev, asm, tiles, store).ServeMux()),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("[Station] HTTP server on %s", cfg.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("HTTP server failed: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("[Station] HTTP shutdown: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Print("[Station] Shutting down")
	wg.Wait()

	if store != nil {
		if err := elev.Persist(store, sessionID, "shutdown"); err != nil {
			log.Printf("[Station] Final snapshot failed: %v", err)
		}
		if err := store.EndSession(sessionID); err != nil {
			log.Printf("[Station] Failed to end session: %v", err)
		}
	}
	log.Print("[Station] Stopped")
}

// buildElevationMap creates the map from config, optionally restoring
// the latest snapshot from the database first.
func buildElevationMap(cfg *config.StationConfig, store *roverdb.Store) (*elevation.Map, error) {
	if *restore && store != nil {
		snap, err := store.LatestElevationSnapshot("")
		switch {
		case err == nil:
			m, err := elevation.RestoreSnapshot(snap)
			if err != nil {
				return nil, err
			}
			st := m.Stats()
			log.Printf("[Station] Restored snapshot %d (%d tiles, %d leaves)", *snap.SnapshotID, st.Tiles, st.Leaves)
			return m, nil
		case errors.Is(err, sql.ErrNoRows):
			log.Print("[Station] No snapshot to restore, starting fresh")
		default:
			return nil, err
		}
	}
	return elevation.New(cfg.ElevationParams())
}

// updateLoop is the station's heartbeat: each tick it expires stale
// partial scans, folds completed scans into the elevation map, records
// them, drains dirty tiles within the upload budget into the sink, and
// refreshes liveness.
func updateLoop(ctx context.Context, manager *network.Manager, asm *assembler.Assembler, elev *elevation.Map, sink monitor.TileSink, store *roverdb.Store, sessionID string, uploadBudget int) {
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	lastStats := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			asm.Maintenance(now)

			for _, scan := range asm.RetrieveCompleted() {
				timer := prometheus.NewTimer(telemetry.IntegrateDuration)
				elev.IntegrateScan(scan.Points, scan.Timestamp)
				timer.ObserveDuration()
				telemetry.PointsIntegrated.Add(float64(len(scan.Points)))

				if store != nil {
					if err := store.RecordScan(sessionID, scan.RoverID, scan.Timestamp, len(scan.Points)); err != nil {
						log.Printf("[Station] Failed to record scan: %v", err)
					}
				}
			}

			updates := elev.ConsumeDirtyTilesBudgeted(uploadBudget)
			sink.Store(updates)
			telemetry.TilesConsumed.Add(float64(len(updates)))

			manager.CheckLiveness(now)

			// Gauge refresh is cheap enough to do at stats cadence only.
			if now.Sub(lastStats) >= 10*time.Second {
				st := elev.Stats()
				telemetry.TileCount.Set(float64(st.Tiles))
				telemetry.LeafCount.Set(float64(st.Leaves))
				lastStats = now
			}
		}
	}
}

// snapshotLoop persists the elevation map at a fixed cadence.
func snapshotLoop(ctx context.Context, elev *elevation.Map, store *roverdb.Store, sessionID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := elev.Persist(store, sessionID, "periodic"); err != nil {
				log.Printf("[Station] Snapshot failed: %v", err)
			}
		}
	}
}
