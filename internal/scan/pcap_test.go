package scan

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeGatewayCapture builds a pcap with one UDP datagram per payload,
// spaced 100ms apart, plus one datagram on an unrelated port.
func writeGatewayCapture(t *testing.T, path string, port int, payloads []string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	base := time.UnixMilli(1712000000000)
	writeDatagram := func(ts time.Time, dstPort int, payload string) {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
			DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
			SrcIP: net.IPv4(10, 0, 0, 10), DstIP: net.IPv4(10, 0, 0, 1),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp: ts, CaptureLength: len(data), Length: len(data),
		}, data))
	}

	for i, p := range payloads {
		writeDatagram(base.Add(time.Duration(i)*100*time.Millisecond), port, p)
	}
	writeDatagram(base.Add(time.Second), port+1, `{"gw":"other","addr":"C4:64:E3:0A:77:88","rssi":-50,"ts_ms":1712000001000}`)
}

func TestPcapSourceReplaysGatewayDatagrams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "field.pcap")
	writeGatewayCapture(t, path, 8089, []string{
		`{"gw":"gw-east","addr":"c4:64:e3:0a:11:22","rssi":-63,"ts_ms":1712000000000}`,
		`not json`,
		`{"gw":"gw-east","addr":"c4:64:e3:0a:33:44","rssi":-74,"ts_ms":1712000000200}`,
	})

	src := NewPcapSource(path, 0, -1) // default port, no pacing
	got := collect(t, src)

	require.Len(t, got, 2, "the malformed payload and the off-port datagram should be skipped")
	assert.Equal(t, "C4:64:E3:0A:11:22", got[0].Address)
	assert.Equal(t, -63.0, got[0].RSSI)
	assert.Equal(t, time.UnixMilli(1712000000000), got[0].Timestamp)
	assert.Equal(t, "C4:64:E3:0A:33:44", got[1].Address)
}

func TestPcapSourceMissingFile(t *testing.T) {
	src := NewPcapSource(filepath.Join(t.TempDir(), "absent.pcap"), 8089, -1)
	err := src.Run(t.Context(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pcap source")
}

func TestPcapSourceDescribe(t *testing.T) {
	src := NewPcapSource("field.pcap", 0, 1)
	assert.Equal(t, fmt.Sprintf("pcap replay of field.pcap (udp port %d)", DefaultGatewayPort), src.Describe())
}
