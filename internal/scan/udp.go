package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/signal"
)

// UDPSource listens for gateway datagrams on a UDP port. Each datagram
// carries one JSON advertisement payload; gateways on a wired segment
// prefer this over MQTT for the lower overhead.
type UDPSource struct {
	Addr string // listen address, e.g. :8089
}

func NewUDPSource(addr string) *UDPSource {
	if addr == "" {
		addr = ":8089"
	}
	return &UDPSource{Addr: addr}
}

func (u *UDPSource) Describe() string {
	return fmt.Sprintf("udp gateways on %s", u.Addr)
}

func (u *UDPSource) Run(ctx context.Context, out chan<- signal.Sample) error {
	addr, err := net.ResolveUDPAddr("udp", u.Addr)
	if err != nil {
		return fmt.Errorf("udp source: resolve %q: %w", u.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("udp source: listen %q: %w", u.Addr, err)
	}
	defer conn.Close()

	// Close the socket when the context ends so the blocked read returns.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return fmt.Errorf("udp source: read: %w", err)
		}

		payload := bytes.TrimSpace(buf[:n])
		if len(payload) == 0 {
			continue
		}
		sample, err := ParseGatewayPayload(payload)
		if err != nil {
			monitoring.Debugf("scan: udp %s: %v", remote, err)
			continue
		}
		if err := emit(ctx, out, sample); err != nil {
			return err
		}
	}
}
