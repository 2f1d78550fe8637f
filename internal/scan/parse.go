package scan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gatescan/route.timer/internal/route"
	"github.com/gatescan/route.timer/internal/signal"
)

// ParseAdvLine parses one bridge advertisement line:
//
//	ADV <address> <rssi_dbm> <unix_ms> [extra fields...]
//
// Trailing fields are tolerated; bridges append firmware-specific extras.
// The address is canonicalized so samples match route sensor identities.
func ParseAdvLine(line string) (signal.Sample, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "ADV" {
		return signal.Sample{}, fmt.Errorf("not an advertisement line: %q", line)
	}

	addr, err := route.NormalizeAddress(fields[1])
	if err != nil {
		return signal.Sample{}, fmt.Errorf("advertisement line %q: %w", line, err)
	}

	rssi, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return signal.Sample{}, fmt.Errorf("advertisement line %q: bad rssi: %w", line, err)
	}

	ms, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return signal.Sample{}, fmt.Errorf("advertisement line %q: bad timestamp: %w", line, err)
	}

	return signal.Sample{
		Address:   addr,
		RSSI:      rssi,
		Timestamp: time.UnixMilli(ms),
	}, nil
}

// gatewayAdv is the JSON payload fixed gateways publish per observed
// advertisement.
type gatewayAdv struct {
	Gateway string  `json:"gw"`
	Address string  `json:"addr"`
	RSSI    float64 `json:"rssi"`
	TsMs    int64   `json:"ts_ms"`
}

// ParseGatewayPayload parses one gateway JSON advertisement payload, as
// published over MQTT or sent in a UDP datagram.
func ParseGatewayPayload(payload []byte) (signal.Sample, error) {
	var adv gatewayAdv
	if err := json.Unmarshal(payload, &adv); err != nil {
		return signal.Sample{}, fmt.Errorf("gateway payload: %w", err)
	}
	if adv.TsMs <= 0 {
		return signal.Sample{}, fmt.Errorf("gateway payload from %q: missing ts_ms", adv.Gateway)
	}

	addr, err := route.NormalizeAddress(adv.Address)
	if err != nil {
		return signal.Sample{}, fmt.Errorf("gateway payload from %q: %w", adv.Gateway, err)
	}

	return signal.Sample{
		Address:   addr,
		RSSI:      adv.RSSI,
		Timestamp: time.UnixMilli(adv.TsMs),
	}, nil
}
