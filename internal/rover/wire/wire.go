// Package wire defines the byte-exact UDP packet layouts shared between
// rovers and the station. All multi-byte fields are little-endian and the
// layouts are packed (no padding), so encoding and decoding copy field by
// field rather than reinterpreting struct memory.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxPointsPerPacket is the largest number of LiDAR points a single
// datagram may carry. Senders declaring more are treated as malformed.
const MaxPointsPerPacket = 100

// MaxChunksPerScan bounds the number of chunks one scan may be split into.
// Headers declaring more are not trusted for buffer sizing.
const MaxChunksPerScan = 256

// Wire sizes in bytes.
const (
	PosePacketSize      = 8 + 6*4      // timestamp + 6 float32
	LidarHeaderSize     = 8 + 3*4      // timestamp + 3 uint32
	LidarPointSize      = 3 * 4        // x, y, z float32
	TelemetryPacketSize = 8 + 1        // timestamp + button bitfield
	CommandPacketSize   = 1            // button bitmask
	MaxLidarPacketSize  = LidarHeaderSize + MaxPointsPerPacket*LidarPointSize
)

// PosePacket is a rover's absolute position and orientation sample.
// Rotations are in degrees.
type PosePacket struct {
	Timestamp float64
	PosX      float32
	PosY      float32
	PosZ      float32
	RotXDeg   float32
	RotYDeg   float32
	RotZDeg   float32
}

// LidarHeader describes one chunk of a point-cloud scan. A scan is
// identified by its Timestamp; TotalChunks and PointsInChunk are
// sender-declared and must be validated before being used for sizing.
type LidarHeader struct {
	Timestamp    float64
	ChunkIndex   uint32
	TotalChunks  uint32
	PointsInChunk uint32
}

// LidarPoint is one range return in world coordinates, Y-up.
type LidarPoint struct {
	X float32
	Y float32
	Z float32
}

// TelemetryPacket carries the rover's button state bitfield. All eight
// bits are carried on the wire; how many are meaningful is a property of
// the rover profile, not of the wire format.
type TelemetryPacket struct {
	Timestamp    float64
	ButtonStates uint8
}

// DecodePose parses a pose datagram. The datagram must be exactly
// PosePacketSize bytes.
func DecodePose(data []byte) (PosePacket, error) {
	if len(data) != PosePacketSize {
		return PosePacket{}, fmt.Errorf("pose packet length %d, want %d", len(data), PosePacketSize)
	}
	return PosePacket{
		Timestamp: math.Float64frombits(binary.LittleEndian.Uint64(data[0:8])),
		PosX:      math.Float32frombits(binary.LittleEndian.Uint32(data[8:12])),
		PosY:      math.Float32frombits(binary.LittleEndian.Uint32(data[12:16])),
		PosZ:      math.Float32frombits(binary.LittleEndian.Uint32(data[16:20])),
		RotXDeg:   math.Float32frombits(binary.LittleEndian.Uint32(data[20:24])),
		RotYDeg:   math.Float32frombits(binary.LittleEndian.Uint32(data[24:28])),
		RotZDeg:   math.Float32frombits(binary.LittleEndian.Uint32(data[28:32])),
	}, nil
}

// EncodePose serialises a pose packet into its wire layout.
func EncodePose(p PosePacket) []byte {
	buf := make([]byte, PosePacketSize)
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(p.Timestamp))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(p.PosX))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(p.PosY))
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(p.PosZ))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(p.RotXDeg))
	binary.LittleEndian.PutUint32(buf[24:28], math.Float32bits(p.RotYDeg))
	binary.LittleEndian.PutUint32(buf[28:32], math.Float32bits(p.RotZDeg))
	return buf
}

// DecodeLidar parses a LiDAR datagram into its header and point records.
// The datagram must be exactly header + declared-point-count records, and
// the declared count must not exceed MaxPointsPerPacket.
func DecodeLidar(data []byte) (LidarHeader, []LidarPoint, error) {
	if len(data) < LidarHeaderSize {
		return LidarHeader{}, nil, fmt.Errorf("lidar packet length %d shorter than header %d", len(data), LidarHeaderSize)
	}
	hdr := LidarHeader{
		Timestamp:     math.Float64frombits(binary.LittleEndian.Uint64(data[0:8])),
		ChunkIndex:    binary.LittleEndian.Uint32(data[8:12]),
		TotalChunks:   binary.LittleEndian.Uint32(data[12:16]),
		PointsInChunk: binary.LittleEndian.Uint32(data[16:20]),
	}
	if hdr.PointsInChunk > MaxPointsPerPacket {
		return LidarHeader{}, nil, fmt.Errorf("lidar packet declares %d points, cap is %d", hdr.PointsInChunk, MaxPointsPerPacket)
	}
	want := LidarHeaderSize + int(hdr.PointsInChunk)*LidarPointSize
	if len(data) != want {
		return LidarHeader{}, nil, fmt.Errorf("lidar packet length %d, want %d for %d points", len(data), want, hdr.PointsInChunk)
	}
	points := make([]LidarPoint, hdr.PointsInChunk)
	off := LidarHeaderSize
	for i := range points {
		points[i] = LidarPoint{
			X: math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4])),
			Y: math.Float32frombits(binary.LittleEndian.Uint32(data[off+4 : off+8])),
			Z: math.Float32frombits(binary.LittleEndian.Uint32(data[off+8 : off+12])),
		}
		off += LidarPointSize
	}
	return hdr, points, nil
}

// EncodeLidar serialises a chunk header and its points. The header's
// PointsInChunk field is overwritten with len(points).
func EncodeLidar(hdr LidarHeader, points []LidarPoint) ([]byte, error) {
	if len(points) > MaxPointsPerPacket {
		return nil, fmt.Errorf("%d points exceed per-packet cap %d", len(points), MaxPointsPerPacket)
	}
	hdr.PointsInChunk = uint32(len(points))
	buf := make([]byte, LidarHeaderSize+len(points)*LidarPointSize)
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(hdr.Timestamp))
	binary.LittleEndian.PutUint32(buf[8:12], hdr.ChunkIndex)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.TotalChunks)
	binary.LittleEndian.PutUint32(buf[16:20], hdr.PointsInChunk)
	off := LidarHeaderSize
	for _, p := range points {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(p.X))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], math.Float32bits(p.Y))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], math.Float32bits(p.Z))
		off += LidarPointSize
	}
	return buf, nil
}

// DecodeTelemetry parses a telemetry datagram. The datagram must be
// exactly TelemetryPacketSize bytes.
func DecodeTelemetry(data []byte) (TelemetryPacket, error) {
	if len(data) != TelemetryPacketSize {
		return TelemetryPacket{}, fmt.Errorf("telemetry packet length %d, want %d", len(data), TelemetryPacketSize)
	}
	return TelemetryPacket{
		Timestamp:    math.Float64frombits(binary.LittleEndian.Uint64(data[0:8])),
		ButtonStates: data[8],
	}, nil
}

// EncodeTelemetry serialises a telemetry packet into its wire layout.
func EncodeTelemetry(t TelemetryPacket) []byte {
	buf := make([]byte, TelemetryPacketSize)
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(t.Timestamp))
	buf[8] = t.ButtonStates
	return buf
}

// EncodeCommand serialises a button command mask.
func EncodeCommand(mask uint8) []byte {
	return []byte{mask}
}

// DecodeCommand parses a command datagram.
func DecodeCommand(data []byte) (uint8, error) {
	if len(data) != CommandPacketSize {
		return 0, fmt.Errorf("command packet length %d, want %d", len(data), CommandPacketSize)
	}
	return data[0], nil
}
