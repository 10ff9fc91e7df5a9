//go:build pcap
// +build pcap

package network

import (
	"context"
	"fmt"
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// ReplayPCAP replays a capture file through the same decode and dispatch
// path as live sockets. Datagrams are routed to (rover, stream) by their
// destination UDP port using the manager's configured endpoints, so a
// recording of real rover traffic exercises the full pipeline.
// Only available when building with the 'pcap' build tag.
func (m *Manager) ReplayPCAP(ctx context.Context, pcapFile string) error {
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	if err := handle.SetBPFFilter("udp"); err != nil {
		return fmt.Errorf("failed to set BPF filter: %w", err)
	}

	// Destination port -> synthetic receiver for dispatch.
	routes := make(map[int]*receiver)
	for _, r := range m.cfg.Rovers {
		routes[r.PosePort] = &receiver{roverID: r.RoverID, kind: StreamPose}
		routes[r.LidarPort] = &receiver{roverID: r.RoverID, kind: StreamLidar}
		routes[r.TelemPort] = &receiver{roverID: r.RoverID, kind: StreamTelem}
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetCount := 0
	routedCount := 0

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Network] PCAP replay stopping (processed %d packets)", packetCount)
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				log.Printf("[Network] PCAP replay complete: %d packets, %d routed", packetCount, routedCount)
				return nil
			}
			packetCount++

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}
			rc, ok := routes[int(udp.DstPort)]
			if !ok {
				continue
			}
			routedCount++
			m.handleDatagram(rc, udp.Payload)
		}
	}
}
