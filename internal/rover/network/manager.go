// Package network receives rover telemetry over UDP, one receive loop
// per (rover, stream) pair, and delivers decoded packets to registered
// handlers synchronously on the receiving goroutine. Malformed datagrams
// are dropped silently: that is the expected steady state on a lossy
// link, not an error.
package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/terrain.station/internal/rover/wire"
	"github.com/banshee-data/terrain.station/internal/telemetry"
)

// StreamKind identifies one of a rover's three inbound streams.
type StreamKind int

const (
	StreamPose StreamKind = iota
	StreamLidar
	StreamTelem
)

func (k StreamKind) String() string {
	switch k {
	case StreamPose:
		return "pose"
	case StreamLidar:
		return "lidar"
	case StreamTelem:
		return "telem"
	}
	return fmt.Sprintf("stream(%d)", int(k))
}

// RoverEndpoints declares one rover's network identity: where its
// streams arrive and where commands go. This replaces the static profile
// registry of earlier ground stations; the process entry point owns the
// set and hands it to the Manager explicitly.
type RoverEndpoints struct {
	RoverID     string
	Address     string // command destination host
	PosePort    int
	LidarPort   int
	TelemPort   int
	CommandPort int
	Buttons     int // meaningful telemetry buttons, 4 or 8
}

// StreamTimestamps are the wall-clock arrival times of the most recent
// packet per stream, used by liveness collaborators.
type StreamTimestamps struct {
	LastPose  time.Time
	LastLidar time.Time
	LastTelem time.Time
}

// Handler signatures. Handlers run inline on the receiving goroutine and
// must be cheap and non-blocking.
type (
	PoseHandler  func(roverID string, p wire.PosePacket)
	LidarHandler func(roverID string, hdr wire.LidarHeader, points []wire.LidarPoint)
	TelemHandler func(roverID string, t wire.TelemetryPacket)
)

// ManagerConfig configures the ingestion layer. The zero value of the
// optional fields selects field-tested defaults.
type ManagerConfig struct {
	Rovers []RoverEndpoints

	// BindAddress is the local address streams bind to. Empty binds all
	// interfaces.
	BindAddress string

	// RecvBuf is the socket receive buffer size. Defaults to 4 MB.
	RecvBuf int

	// ReadTimeout bounds each blocking receive so loops can observe
	// shutdown. Defaults to 100 ms.
	ReadTimeout time.Duration

	// OfflineAfter is the silence after which a rover is reported
	// offline. Defaults to 5 s.
	OfflineAfter time.Duration

	// LogInterval is the period of the packet statistics log line.
	// Defaults to one minute.
	LogInterval time.Duration
}

type roverState struct {
	endpoints RoverEndpoints
	ts        StreamTimestamps
	lastAny   time.Time
	online    bool
	pose      wire.PosePacket
	poseSet   bool
	telem     wire.TelemetryPacket
	telemSet  bool
}

type receiver struct {
	roverID string
	kind    StreamKind
	conn    *net.UDPConn
}

// Manager owns every per-rover receive loop plus the command send path.
type Manager struct {
	cfg   ManagerConfig
	stats *PacketStats

	poseHandler  PoseHandler
	lidarHandler LidarHandler
	telemHandler TelemHandler

	mu        sync.RWMutex
	rovers    map[string]*roverState
	receivers []*receiver

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a Manager for the given rover set. Handlers must be
// registered before Start.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.RecvBuf == 0 {
		cfg.RecvBuf = 4 << 20
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	if cfg.OfflineAfter == 0 {
		cfg.OfflineAfter = 5 * time.Second
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = time.Minute
	}
	m := &Manager{
		cfg:    cfg,
		stats:  &PacketStats{lastReset: time.Now()},
		rovers: make(map[string]*roverState),
	}
	for _, r := range cfg.Rovers {
		if r.Buttons != 8 {
			r.Buttons = 4
		}
		m.rovers[r.RoverID] = &roverState{endpoints: r}
	}
	return m
}

// SetPoseHandler registers the pose stream handler.
func (m *Manager) SetPoseHandler(h PoseHandler) { m.poseHandler = h }

// SetLidarHandler registers the LiDAR stream handler.
func (m *Manager) SetLidarHandler(h LidarHandler) { m.lidarHandler = h }

// SetTelemHandler registers the telemetry stream handler.
func (m *Manager) SetTelemHandler(h TelemHandler) { m.telemHandler = h }

// Start binds every rover's stream sockets and launches the receive
// loops. A bind failure is fatal for that rover only: its sockets are
// closed, the rover is skipped, and the error is joined into the return
// value while every other rover keeps running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	ctx, m.cancel = context.WithCancel(ctx)

	var errs []error
	for _, r := range m.cfg.Rovers {
		recvs, err := m.bindRover(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("rover %s: %w", r.RoverID, err))
			log.Printf("[Network] Skipping rover %s: %v", r.RoverID, err)
			continue
		}
		m.mu.Lock()
		m.receivers = append(m.receivers, recvs...)
		m.mu.Unlock()
		for _, rc := range recvs {
			m.wg.Add(1)
			go m.receiveLoop(ctx, rc)
		}
		log.Printf("[Network] Rover %s listening: pose=%v lidar=%v telem=%v",
			r.RoverID, localAddr(recvs, StreamPose), localAddr(recvs, StreamLidar), localAddr(recvs, StreamTelem))
	}

	m.wg.Add(1)
	go m.statsLoop(ctx)

	return errors.Join(errs...)
}

func localAddr(recvs []*receiver, kind StreamKind) net.Addr {
	for _, r := range recvs {
		if r.kind == kind {
			return r.conn.LocalAddr()
		}
	}
	return nil
}

// bindRover binds all three stream sockets for one rover, closing any
// already bound on failure so no descriptor leaks.
func (m *Manager) bindRover(r RoverEndpoints) ([]*receiver, error) {
	streams := []struct {
		kind StreamKind
		port int
	}{
		{StreamPose, r.PosePort},
		{StreamLidar, r.LidarPort},
		{StreamTelem, r.TelemPort},
	}
	var recvs []*receiver
	for _, s := range streams {
		conn, err := m.bindUDP(s.port)
		if err != nil {
			for _, rc := range recvs {
				rc.conn.Close()
			}
			return nil, fmt.Errorf("%s stream port %d: %w", s.kind, s.port, err)
		}
		recvs = append(recvs, &receiver{roverID: r.RoverID, kind: s.kind, conn: conn})
	}
	return recvs, nil
}

func (m *Manager) bindUDP(port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", m.cfg.BindAddress, port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	if err := conn.SetReadBuffer(m.cfg.RecvBuf); err != nil {
		log.Printf("[Network] Warning: failed to set receive buffer to %d bytes: %v", m.cfg.RecvBuf, err)
	}
	return conn, nil
}

// Stop cancels every receive loop, joins them, and closes every socket.
// Sockets are closed only after the join so no loop reads a closed
// descriptor.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rc := range m.receivers {
		rc.conn.Close()
	}
	m.receivers = nil
}

// receiveLoop is the per-(rover, stream) worker: bounded reads, silent
// drops, inline dispatch.
func (m *Manager) receiveLoop(ctx context.Context, rc *receiver) {
	defer m.wg.Done()
	// Largest valid datagram is a full LiDAR packet; margin for safety.
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rc.conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		n, _, err := rc.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Network] %s/%s read error: %v", rc.roverID, rc.kind, err)
			continue
		}
		m.handleDatagram(rc, buf[:n])
	}
}

func (m *Manager) handleDatagram(rc *receiver, data []byte) {
	switch rc.kind {
	case StreamPose:
		p, err := wire.DecodePose(data)
		if err != nil {
			m.drop(rc)
			return
		}
		m.accept(rc, len(data))
		m.mu.Lock()
		if rs := m.rovers[rc.roverID]; rs != nil {
			rs.pose = p
			rs.poseSet = true
		}
		m.mu.Unlock()
		if m.poseHandler != nil {
			m.poseHandler(rc.roverID, p)
		}

	case StreamLidar:
		hdr, points, err := wire.DecodeLidar(data)
		if err != nil {
			m.drop(rc)
			return
		}
		m.accept(rc, len(data))
		m.stats.AddPoints(len(points))
		if m.lidarHandler != nil {
			m.lidarHandler(rc.roverID, hdr, points)
		}

	case StreamTelem:
		t, err := wire.DecodeTelemetry(data)
		if err != nil {
			m.drop(rc)
			return
		}
		m.mu.Lock()
		if rs := m.rovers[rc.roverID]; rs != nil {
			// Out-of-profile bits are noise; mask at the boundary.
			t.ButtonStates &= wire.ButtonMask(rs.endpoints.Buttons)
			rs.telem = t
			rs.telemSet = true
		}
		m.mu.Unlock()
		m.accept(rc, len(data))
		if m.telemHandler != nil {
			m.telemHandler(rc.roverID, t)
		}
	}
}

func (m *Manager) accept(rc *receiver, bytes int) {
	now := time.Now()
	m.stats.AddPacket(bytes)
	telemetry.PacketsReceived.WithLabelValues(rc.roverID, rc.kind.String()).Inc()
	telemetry.BytesReceived.WithLabelValues(rc.roverID, rc.kind.String()).Add(float64(bytes))

	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.rovers[rc.roverID]
	if rs == nil {
		return
	}
	rs.lastAny = now
	switch rc.kind {
	case StreamPose:
		rs.ts.LastPose = now
	case StreamLidar:
		rs.ts.LastLidar = now
	case StreamTelem:
		rs.ts.LastTelem = now
	}
}

func (m *Manager) drop(rc *receiver) {
	m.stats.AddDropped()
	telemetry.PacketsDropped.WithLabelValues(rc.roverID, rc.kind.String()).Inc()
}

// SendCommand unicasts a one-byte button command to a rover. port <= 0
// uses the rover's declared command port. Fire-and-forget: failures are
// returned, never retried here.
func (m *Manager) SendCommand(roverID string, mask uint8, port int) error {
	m.mu.RLock()
	rs := m.rovers[roverID]
	m.mu.RUnlock()
	if rs == nil {
		return fmt.Errorf("unknown rover %q", roverID)
	}
	if port <= 0 {
		port = rs.endpoints.CommandPort
	}
	host := rs.endpoints.Address
	if host == "" {
		host = "127.0.0.1"
	}
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("failed to resolve command address for %s: %w", roverID, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("failed to dial command socket for %s: %w", roverID, err)
	}
	defer conn.Close()
	if _, err := conn.Write(wire.EncodeCommand(mask)); err != nil {
		return fmt.Errorf("failed to send command to %s: %w", roverID, err)
	}
	return nil
}

// StreamTimestamps returns the last-arrival times for one rover's
// streams. Zero times mean nothing has arrived yet.
func (m *Manager) StreamTimestamps(roverID string) (StreamTimestamps, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.rovers[roverID]
	if !ok {
		return StreamTimestamps{}, false
	}
	return rs.ts, true
}

// LatestPose returns the most recent pose seen for a rover, if any.
func (m *Manager) LatestPose(roverID string) (wire.PosePacket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.rovers[roverID]
	if !ok || !rs.poseSet {
		return wire.PosePacket{}, false
	}
	return rs.pose, true
}

// LatestTelemetry returns the most recent telemetry seen for a rover, if
// any, with out-of-profile button bits already masked off.
func (m *Manager) LatestTelemetry(roverID string) (wire.TelemetryPacket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.rovers[roverID]
	if !ok || !rs.telemSet {
		return wire.TelemetryPacket{}, false
	}
	return rs.telem, true
}

// Online reports whether a rover has been heard from within the offline
// window.
func (m *Manager) Online(roverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.rovers[roverID]
	if !ok || rs.lastAny.IsZero() {
		return false
	}
	return time.Since(rs.lastAny) < m.cfg.OfflineAfter
}

// RoverIDs returns the configured rover identifiers.
func (m *Manager) RoverIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rovers))
	for id := range m.rovers {
		ids = append(ids, id)
	}
	return ids
}

// Endpoints returns a rover's declared endpoints.
func (m *Manager) Endpoints(roverID string) (RoverEndpoints, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.rovers[roverID]
	if !ok {
		return RoverEndpoints{}, false
	}
	return rs.endpoints, true
}

// CheckLiveness re-evaluates every rover's online state against the
// offline window and logs transitions. Call it from the update loop.
func (m *Manager) CheckLiveness(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rs := range m.rovers {
		isOnline := !rs.lastAny.IsZero() && now.Sub(rs.lastAny) < m.cfg.OfflineAfter
		if isOnline && !rs.online {
			log.Printf("[Network] Rover %s came online", id)
		} else if !isOnline && rs.online {
			log.Printf("[Network] Rover %s went offline (no packets for %v)", id, now.Sub(rs.lastAny).Round(time.Millisecond))
		}
		rs.online = isOnline
	}
}

// LocalAddr exposes a stream socket's bound address, mainly so tests can
// bind port 0 and discover the ephemeral port.
func (m *Manager) LocalAddr(roverID string, kind StreamKind) net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rc := range m.receivers {
		if rc.roverID == roverID && rc.kind == kind {
			return rc.conn.LocalAddr()
		}
	}
	return nil
}
