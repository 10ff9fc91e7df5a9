//go:build !pcap
// +build !pcap

package network

import (
	"context"
	"fmt"
)

// ReplayPCAP is unavailable without the 'pcap' build tag (it needs
// libpcap via cgo). Build with -tags pcap to enable capture replay.
func (m *Manager) ReplayPCAP(ctx context.Context, pcapFile string) error {
	return fmt.Errorf("PCAP support not built in: rebuild with -tags pcap to replay %s", pcapFile)
}
