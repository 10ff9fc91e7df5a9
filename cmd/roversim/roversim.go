// Command roversim generates synthetic rover traffic against a running
// station: a circling pose stream, chunked terrain scans, and periodic
// telemetry. Optional loss and duplication injection exercises the
// station's reassembly behavior the way a flaky radio link would.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/terrain.station/internal/rover/wire"
)

var (
	station     = flag.String("station", "127.0.0.1", "Station address to send streams to")
	roverID     = flag.String("rover", "rover-01", "Rover id (log labelling only)")
	posePort    = flag.Int("pose-port", 9001, "Station pose port")
	lidarPort   = flag.Int("lidar-port", 9002, "Station lidar port")
	telemPort   = flag.Int("telem-port", 9003, "Station telemetry port")
	commandPort = flag.Int("command-port", 9010, "Local port to receive button commands on")
	poseRate    = flag.Duration("pose-rate", 50*time.Millisecond, "Pose send interval")
	scanRate    = flag.Duration("scan-rate", 500*time.Millisecond, "Scan send interval")
	scanPoints  = flag.Int("scan-points", 800, "Points per terrain scan")
	radius      = flag.Float64("radius", 10.0, "Radius of the circular drive path in meters")
	lossPct     = flag.Float64("loss", 0, "Fraction of lidar chunks to drop (0-1)")
	dupPct      = flag.Float64("dup", 0, "Fraction of lidar chunks to duplicate (0-1)")
	seed        = flag.Int64("seed", 1, "Random seed for terrain noise and loss injection")
)

type sim struct {
	poseConn  *net.UDPConn
	lidarConn *net.UDPConn
	telemConn *net.UDPConn
	rng       *rand.Rand
	start     time.Time
	buttons   uint8
	mu        sync.Mutex
}

func dial(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, addr)
}

func main() {
	flag.Parse()

	if *lossPct < 0 || *lossPct >= 1 || *dupPct < 0 || *dupPct >= 1 {
		log.Fatal("loss and dup must be in [0, 1)")
	}

	s := &sim{rng: rand.New(rand.NewSource(*seed)), start: time.Now()}
	var err error
	if s.poseConn, err = dial(*station, *posePort); err != nil {
		log.Fatalf("Failed to dial pose port: %v", err)
	}
	defer s.poseConn.Close()
	if s.lidarConn, err = dial(*station, *lidarPort); err != nil {
		log.Fatalf("Failed to dial lidar port: %v", err)
	}
	defer s.lidarConn.Close()
	if s.telemConn, err = dial(*station, *telemPort); err != nil {
		log.Fatalf("Failed to dial telemetry port: %v", err)
	}
	defer s.telemConn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("[RoverSim] %s sending to %s (pose=%d lidar=%d telem=%d), commands on %d",
		*roverID, *station, *posePort, *lidarPort, *telemPort, *commandPort)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.poseLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.scanLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.telemLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.commandLoop(ctx)
	}()

	wg.Wait()
	log.Print("[RoverSim] Stopped")
}

func (s *sim) now() float64 {
	return time.Since(s.start).Seconds()
}

// pose drives a circle at constant angular velocity.
func (s *sim) pose(ts float64) wire.PosePacket {
	angle := ts * 0.2 * 2 * math.Pi
	return wire.PosePacket{
		Timestamp: ts,
		PosX:      float32(*radius * math.Cos(angle)),
		PosY:      0.5,
		PosZ:      float32(*radius * math.Sin(angle)),
		RotYDeg:   float32(math.Mod(angle*180/math.Pi+90, 360)),
	}
}

func (s *sim) poseLoop(ctx context.Context) {
	ticker := time.NewTicker(*poseRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.poseConn.Write(wire.EncodePose(s.pose(s.now()))); err != nil {
				log.Printf("[RoverSim] Pose send failed: %v", err)
			}
		}
	}
}

// terrain is a smooth synthetic ground surface with a little noise, so
// the station's map converges on something recognisable.
func (s *sim) terrain(x, z float64) float64 {
	h := 0.4*math.Sin(x/6) + 0.3*math.Cos(z/8)
	return h + s.rng.Float64()*0.04 - 0.02
}

func (s *sim) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(*scanRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendScan()
		}
	}
}

func (s *sim) sendScan() {
	ts := s.now()
	p := s.pose(ts)

	// Sample a fan of ground points ahead of the rover.
	points := make([]wire.LidarPoint, *scanPoints)
	for i := range points {
		dist := 1.0 + s.rng.Float64()*14.0
		bearing := s.rng.Float64()*2*math.Pi
		x := float64(p.PosX) + dist*math.Cos(bearing)
		z := float64(p.PosZ) + dist*math.Sin(bearing)
		points[i] = wire.LidarPoint{
			X: float32(x),
			Y: float32(s.terrain(x, z)),
			Z: float32(z),
		}
	}

	total := (len(points) + wire.MaxPointsPerPacket - 1) / wire.MaxPointsPerPacket
	sent, dropped := 0, 0
	for chunk := 0; chunk < total; chunk++ {
		lo := chunk * wire.MaxPointsPerPacket
		hi := lo + wire.MaxPointsPerPacket
		if hi > len(points) {
			hi = len(points)
		}
		hdr := wire.LidarHeader{
			Timestamp:   ts,
			ChunkIndex:  uint32(chunk),
			TotalChunks: uint32(total),
		}
		payload, err := wire.EncodeLidar(hdr, points[lo:hi])
		if err != nil {
			log.Printf("[RoverSim] Encode failed: %v", err)
			return
		}

		if s.rng.Float64() < *lossPct {
			dropped++
			continue
		}
		s.lidarConn.Write(payload)
		sent++
		if s.rng.Float64() < *dupPct {
			s.lidarConn.Write(payload)
			sent++
		}
	}
	if dropped > 0 {
		log.Printf("[RoverSim] Scan t=%.2f: %d/%d chunks sent (%d dropped)", ts, sent, total, dropped)
	}
}

func (s *sim) telemLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			states := s.buttons
			s.mu.Unlock()
			pkt := wire.TelemetryPacket{Timestamp: s.now(), ButtonStates: states}
			if _, err := s.telemConn.Write(wire.EncodeTelemetry(pkt)); err != nil {
				log.Printf("[RoverSim] Telemetry send failed: %v", err)
			}
		}
	}
}

// commandLoop receives station button commands and reflects them into
// the telemetry state, closing the loop end to end.
func (s *sim) commandLoop(ctx context.Context) {
	addr := &net.UDPAddr{Port: *commandPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Printf("[RoverSim] Cannot listen for commands: %v", err)
		return
	}
	defer conn.Close()

	buf := make([]byte, 16)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			continue
		}
		mask, err := wire.DecodeCommand(buf[:n])
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.buttons = mask
		s.mu.Unlock()
		log.Printf("[RoverSim] Command received: %s", wire.ButtonStateString(mask, 8))
	}
}
