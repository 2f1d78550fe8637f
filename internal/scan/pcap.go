package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/signal"
)

// DefaultGatewayPort is the UDP port gateways send advertisements on.
const DefaultGatewayPort = 8089

// PcapSource replays gateway UDP datagrams out of a pcap capture, for
// offline work with field captures. Pure Go (pcapgo), so captures read the
// same on machines without libpcap.
type PcapSource struct {
	Path string
	// Port filters datagrams to the gateway port (default 8089).
	Port int
	// Rate is the playback speed multiplier, as in ReplaySource. Negative
	// disables pacing.
	Rate float64
}

func NewPcapSource(path string, port int, rate float64) *PcapSource {
	if port <= 0 {
		port = DefaultGatewayPort
	}
	return &PcapSource{Path: path, Port: port, Rate: rate}
}

func (p *PcapSource) Describe() string {
	return fmt.Sprintf("pcap replay of %s (udp port %d)", p.Path, p.Port)
}

func (p *PcapSource) Run(ctx context.Context, out chan<- signal.Sample) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return fmt.Errorf("pcap source: %w", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("pcap source: read header of %s: %w", p.Path, err)
	}

	rate := p.Rate
	if rate == 0 {
		rate = 1
	}

	var lastCapture time.Time
	var packets, datagrams, malformed int

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("scan: pcap replay of %s finished: %d packets, %d gateway datagrams, %d malformed",
				p.Path, packets, datagrams, malformed)
			return nil
		}
		if err != nil {
			return fmt.Errorf("pcap source: read packet: %w", err)
		}
		packets++

		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || int(udp.DstPort) != p.Port || len(udp.Payload) == 0 {
			continue
		}
		datagrams++

		if rate > 0 && !lastCapture.IsZero() {
			gap := time.Duration(float64(ci.Timestamp.Sub(lastCapture)) / rate)
			if gap > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(gap):
				}
			}
		}
		lastCapture = ci.Timestamp

		sample, err := ParseGatewayPayload(bytes.TrimSpace(udp.Payload))
		if err != nil {
			malformed++
			monitoring.Debugf("scan: pcap: %v", err)
			continue
		}
		if err := emit(ctx, out, sample); err != nil {
			return err
		}
	}
}
