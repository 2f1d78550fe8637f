package scan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAdvLine(t *testing.T) {
	sample, err := ParseAdvLine("ADV c4:64:e3:0a:11:22 -64 1712000000000")
	require.NoError(t, err)
	assert.Equal(t, "C4:64:E3:0A:11:22", sample.Address)
	assert.Equal(t, -64.0, sample.RSSI)
	assert.Equal(t, time.UnixMilli(1712000000000), sample.Timestamp)
}

func TestParseAdvLineToleratesTrailingFields(t *testing.T) {
	sample, err := ParseAdvLine("ADV C4:64:E3:0A:11:22 -71.5 1712000000250 ch=37 name=gate-1")
	require.NoError(t, err)
	assert.Equal(t, -71.5, sample.RSSI)
}

func TestParseAdvLineRejectsMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"ADV",
		"ADV C4:64:E3:0A:11:22",
		"ADV C4:64:E3:0A:11:22 -64",
		"ADV not-a-mac -64 1712000000000",
		"ADV C4:64:E3:0A:11:22 loud 1712000000000",
		"ADV C4:64:E3:0A:11:22 -64 yesterday",
		"STAT uptime=12",
		"adv C4:64:E3:0A:11:22 -64 1712000000000",
	} {
		if _, err := ParseAdvLine(line); err == nil {
			t.Errorf("ParseAdvLine(%q) accepted malformed line", line)
		}
	}
}

func TestParseGatewayPayload(t *testing.T) {
	payload := []byte(`{"gw":"gw-east","addr":"c4:64:e3:0a:33:44","rssi":-71,"ts_ms":1712000000500}`)
	sample, err := ParseGatewayPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "C4:64:E3:0A:33:44", sample.Address)
	assert.Equal(t, -71.0, sample.RSSI)
	assert.Equal(t, time.UnixMilli(1712000000500), sample.Timestamp)
}

func TestParseGatewayPayloadRejects(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":     "ADV C4:64:E3:0A:11:22 -64 1712000000000",
		"bad address":  `{"gw":"g","addr":"nope","rssi":-60,"ts_ms":1712000000000}`,
		"missing ts":   `{"gw":"g","addr":"C4:64:E3:0A:11:22","rssi":-60}`,
		"zero ts":      `{"gw":"g","addr":"C4:64:E3:0A:11:22","rssi":-60,"ts_ms":0}`,
		"empty object": `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseGatewayPayload([]byte(payload))
			assert.Error(t, err)
		})
	}
}
