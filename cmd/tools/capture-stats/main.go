// Command capture-stats summarizes a capture of BLE advertisement samples,
// either a text log or a pcap of gateway reports. It prints per-sensor RSSI
// distributions, inter-sample gaps and a suggested detection threshold, and
// is the usual first step when siting sensors on a new course.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/gatescan/route.timer/internal/scan"
	"github.com/gatescan/route.timer/internal/signal"
)

var (
	inputFile  = flag.String("input", "", "Text capture log (one ADV line per line)")
	pcapFile   = flag.String("pcap", "", "Pcap capture of gateway reports")
	pcapPort   = flag.Int("port", scan.DefaultGatewayPort, "UDP port the gateway reports on (pcap input)")
	marginDB   = flag.Float64("margin", 6, "Margin in dB subtracted from the near-field level for the suggested threshold")
	jsonOutput = flag.Bool("json", false, "Emit JSON instead of a table")
)

// sensorStats is the per-sensor summary of one capture.
type sensorStats struct {
	Sensor    string  `json:"sensor"`
	Samples   int     `json:"samples"`
	First     string  `json:"first"`
	Last      string  `json:"last"`
	MinDBm    float64 `json:"min_dbm"`
	MedianDBm float64 `json:"median_dbm"`
	P90DBm    float64 `json:"p90_dbm"`
	MaxDBm    float64 `json:"max_dbm"`
	StddevDB  float64 `json:"stddev_db"`
	// MaxGap is the longest interval between consecutive samples. Gaps
	// longer than the debounce window cause missed passages.
	MaxGapMs int64 `json:"max_gap_ms"`
	// SuggestedThresholdDBm is the median of the strongest quartile minus
	// the margin: strong enough to need proximity, loose enough to survive
	// fading during a pass.
	SuggestedThresholdDBm float64 `json:"suggested_threshold_dbm"`
}

func main() {
	flag.Parse()

	if (*inputFile == "") == (*pcapFile == "") {
		log.Fatal("exactly one of -input or -pcap is required")
	}

	var samples []signal.Sample
	var err error
	if *inputFile != "" {
		samples, err = readTextCapture(*inputFile)
	} else {
		samples, err = readPcapCapture(*pcapFile, *pcapPort)
	}
	if err != nil {
		log.Fatalf("failed to read capture: %v", err)
	}
	if len(samples) == 0 {
		log.Fatal("capture contains no parseable samples")
	}

	stats := summarize(samples, *marginDB)

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			log.Fatalf("failed to encode stats: %v", err)
		}
		return
	}
	printTable(stats)
}

func readTextCapture(path string) ([]signal.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var samples []signal.Sample
	var malformed int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := scan.ParseAdvLine(line)
		if err != nil {
			malformed++
			continue
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if malformed > 0 {
		fmt.Fprintf(os.Stderr, "skipped %d malformed lines\n", malformed)
	}
	return samples, nil
}

// readPcapCapture drains the pcap source flat out and collects everything
// it emits.
func readPcapCapture(path string, port int) ([]signal.Sample, error) {
	src := scan.NewPcapSource(path, port, -1)
	out := make(chan signal.Sample, 1024)

	done := make(chan error, 1)
	go func() {
		done <- src.Run(context.Background(), out)
		close(out)
	}()

	var samples []signal.Sample
	for s := range out {
		samples = append(samples, s)
	}
	return samples, <-done
}

func summarize(samples []signal.Sample, margin float64) []sensorStats {
	bySensor := make(map[string][]signal.Sample)
	for _, s := range samples {
		bySensor[s.Address] = append(bySensor[s.Address], s)
	}

	var out []sensorStats
	for addr, ss := range bySensor {
		sort.Slice(ss, func(i, j int) bool { return ss[i].Timestamp.Before(ss[j].Timestamp) })

		rssi := make([]float64, len(ss))
		var maxGap time.Duration
		for i, s := range ss {
			rssi[i] = s.RSSI
			if i > 0 {
				if gap := s.Timestamp.Sub(ss[i-1].Timestamp); gap > maxGap {
					maxGap = gap
				}
			}
		}
		sort.Float64s(rssi)

		// Quantile needs the sorted slice; the top quartile approximates
		// the level seen while the beacon is actually at the gate.
		topQuartile := rssi[len(rssi)*3/4:]
		if len(topQuartile) == 0 {
			topQuartile = rssi
		}

		out = append(out, sensorStats{
			Sensor:                addr,
			Samples:               len(ss),
			First:                 ss[0].Timestamp.Format(time.RFC3339),
			Last:                  ss[len(ss)-1].Timestamp.Format(time.RFC3339),
			MinDBm:                rssi[0],
			MedianDBm:             stat.Quantile(0.5, stat.Empirical, rssi, nil),
			P90DBm:                stat.Quantile(0.9, stat.Empirical, rssi, nil),
			MaxDBm:                rssi[len(rssi)-1],
			StddevDB:              stat.StdDev(rssi, nil),
			MaxGapMs:              maxGap.Milliseconds(),
			SuggestedThresholdDBm: stat.Quantile(0.5, stat.Empirical, topQuartile, nil) - margin,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Sensor < out[j].Sensor })
	return out
}

func printTable(stats []sensorStats) {
	fmt.Printf("%-18s %8s %8s %8s %8s %8s %8s %10s %10s\n",
		"SENSOR", "SAMPLES", "MIN", "MEDIAN", "P90", "MAX", "STDDEV", "MAXGAP", "THRESHOLD")
	for _, s := range stats {
		fmt.Printf("%-18s %8d %8.1f %8.1f %8.1f %8.1f %8.2f %9dms %10.1f\n",
			s.Sensor, s.Samples, s.MinDBm, s.MedianDBm, s.P90DBm, s.MaxDBm, s.StddevDB, s.MaxGapMs, s.SuggestedThresholdDBm)
	}
}
