package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatescan/route.timer/internal/signal"
)

func TestRetentionWorkerRunOnce(t *testing.T) {
	store := newTestDB(t)

	now := time.Now()
	require.NoError(t, store.RecordTransition(signal.Transition{
		Address: "AA:BB:CC:DD:EE:01", Kind: signal.Enter,
		Timestamp: now.Add(-9 * 24 * time.Hour), RSSI: -60,
	}))
	require.NoError(t, store.RecordTransition(signal.Transition{
		Address: "AA:BB:CC:DD:EE:01", Kind: signal.Exit,
		Timestamp: now.Add(-time.Minute), RSSI: -80,
	}))

	w := NewRetentionWorker(store)
	require.NoError(t, w.RunOnce())

	left, err := store.TransitionLog("", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "exit", left[0].Kind)
}

func TestRetentionWorkerStartStop(t *testing.T) {
	store := newTestDB(t)

	w := NewRetentionWorker(store)
	w.Interval = 10 * time.Millisecond
	w.Start()
	time.Sleep(30 * time.Millisecond)
	w.Stop()
}

func TestRetentionDefaults(t *testing.T) {
	w := NewRetentionWorker(nil)
	assert.Equal(t, 7*24*time.Hour, w.Retention)
	assert.Equal(t, time.Hour, w.Interval)
}
