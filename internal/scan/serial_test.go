package scan

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatescan/route.timer/internal/serialmux"
	"github.com/gatescan/route.timer/internal/signal"
)

func TestSerialSourceParsesBridgeLines(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.BlockReads = true
	mux := serialmux.NewSerialMux(port)

	src := NewSerialSource(mux)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan signal.Sample, 16)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	waitSample := func() signal.Sample {
		t.Helper()
		select {
		case s := <-out:
			return s
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for sample")
			return signal.Sample{}
		}
	}
	// The mux fan-out drops lines when a subscriber is mid-processing, so
	// feed one line at a time the way a real bridge paces its output.
	feed := func(line string) {
		t.Helper()
		port.AddReadData([]byte(line + "\n"))
		time.Sleep(20 * time.Millisecond)
	}

	feed("ADV C4:64:E3:0A:11:22 -64 1712000000000")
	first := waitSample()

	feed("STAT uptime=12 heap=44k")
	feed("garbage line")
	feed("ADV C4:64:E3:0A:11:22 broken 1712000000100")

	feed("ADV C4:64:E3:0A:33:44 -70 1712000000200")
	second := waitSample()

	assert.Equal(t, "C4:64:E3:0A:11:22", first.Address)
	assert.Equal(t, -64.0, first.RSSI)
	assert.Equal(t, time.UnixMilli(1712000000000), first.Timestamp)
	assert.Equal(t, "C4:64:E3:0A:33:44", second.Address)
	assert.Equal(t, uint64(2), src.Malformed(), "garbage and unparseable ADV lines should be counted")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop on cancellation")
	}

	written := string(port.GetWrittenData())
	assert.Contains(t, written, "SCAN ON\n", "source should initialize the bridge")
}

func TestSerialSourceReopensAfterMonitorFailure(t *testing.T) {
	port1 := serialmux.NewTestableSerialPort()
	port1.BlockReads = true
	port2 := serialmux.NewTestableSerialPort()
	port2.BlockReads = true

	src := NewSerialSource(serialmux.NewSerialMux(port1))
	reopened := make(chan struct{})
	src.Reopen = func() (serialmux.SerialMuxInterface, error) {
		close(reopened)
		return serialmux.NewSerialMux(port2), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan signal.Sample, 16)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	// Let the first session come up, then fail its read path. The injected
	// error is only observed on the read after the wakeup data.
	time.Sleep(50 * time.Millisecond)
	port1.ReadError = assert.AnError
	port1.AddReadData([]byte("STAT wakeup\n"))

	select {
	case <-reopened:
	case <-time.After(10 * time.Second):
		t.Fatal("source did not reopen after monitor failure")
	}

	time.Sleep(50 * time.Millisecond)
	port2.AddReadData([]byte("ADV C4:64:E3:0A:11:22 -64 1712000000000\n"))
	select {
	case s := <-out:
		assert.Equal(t, "C4:64:E3:0A:11:22", s.Address)
	case <-time.After(5 * time.Second):
		t.Fatal("no sample from reopened bridge")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop on cancellation")
	}
	assert.True(t, port1.Closed, "failed port should be closed before reopening")
}

func TestSerialSourceInitFailure(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.WriteError = assert.AnError // first Initialize command fails
	mux := serialmux.NewSerialMux(port)

	src := NewSerialSource(mux)
	err := src.Run(context.Background(), make(chan signal.Sample, 1))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "scanner bridge init"))
}
