// Package archive ships raw RSSI samples to ClickHouse in batches for
// long-term analysis. The archive is strictly best-effort: a failed batch
// is logged and dropped, never retried, and never blocks the pipeline.
package archive

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/signal"
)

const (
	DefaultBatchSize     = 500
	DefaultFlushInterval = 5 * time.Second
	DefaultQueueSize     = 2048
)

const samplesSchema = `
	CREATE TABLE IF NOT EXISTS rssi_samples (
		ts        DateTime64(3),
		sensor_id String,
		rssi_dbm  Float64
	) ENGINE = MergeTree()
	ORDER BY (sensor_id, ts)
	TTL toDateTime(ts) + INTERVAL 30 DAY
`

// conn is the slice of driver.Conn the archiver needs; tests substitute a
// fake.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// Options configures the archiver connection and batching behavior.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string

	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int

	// OnFlush fires after every attempted batch write with the batch size
	// and the write error, if any. Used for metrics.
	OnFlush func(n int, err error)
}

func (o *Options) normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
}

// Archiver accumulates samples and flushes them to ClickHouse when the
// batch fills or the flush interval elapses.
type Archiver struct {
	conn    conn
	opts    Options
	in      chan signal.Sample
	dropped atomic.Uint64
}

// NewArchiver connects to ClickHouse, verifies the connection, and ensures
// the samples table exists.
func NewArchiver(ctx context.Context, opts Options) (*Archiver, error) {
	opts.normalize()

	c, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping clickhouse at %s: %w", opts.Addr, err)
	}
	if err := c.Exec(ctx, samplesSchema); err != nil {
		c.Close()
		return nil, fmt.Errorf("create rssi_samples table: %w", err)
	}
	monitoring.Logf("archive: connected to clickhouse at %s", opts.Addr)
	return newArchiver(c, opts), nil
}

func newArchiver(c conn, opts Options) *Archiver {
	opts.normalize()
	return &Archiver{
		conn: c,
		opts: opts,
		in:   make(chan signal.Sample, opts.QueueSize),
	}
}

// Offer queues one sample without blocking. Samples are dropped when the
// queue is full; the archive never applies backpressure to the pipeline.
func (a *Archiver) Offer(s signal.Sample) bool {
	select {
	case a.in <- s:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// Dropped reports how many samples Offer has discarded on a full queue.
func (a *Archiver) Dropped() uint64 { return a.dropped.Load() }

// Run batches and flushes samples until ctx is cancelled, then writes out
// whatever is pending and closes the connection.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()
	defer a.conn.Close()

	batch := make([]signal.Sample, 0, a.opts.BatchSize)
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued, then flush once.
			for {
				select {
				case s := <-a.in:
					batch = append(batch, s)
					continue
				default:
				}
				break
			}
			a.flush(batch)
			if n := a.dropped.Load(); n > 0 {
				monitoring.Logf("archive: dropped %d samples on a full queue", n)
			}
			return ctx.Err()
		case s := <-a.in:
			batch = append(batch, s)
			if len(batch) >= a.opts.BatchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			a.flush(batch)
			batch = batch[:0]
		}
	}
}

func (a *Archiver) flush(batch []signal.Sample) {
	if len(batch) == 0 {
		return
	}
	err := a.write(batch)
	if err != nil {
		monitoring.Logf("archive: dropping batch of %d samples: %v", len(batch), err)
	}
	if a.opts.OnFlush != nil {
		a.opts.OnFlush(len(batch), err)
	}
}

func (a *Archiver) write(batch []signal.Sample) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := a.conn.PrepareBatch(ctx, "INSERT INTO rssi_samples (ts, sensor_id, rssi_dbm)")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, s := range batch {
		if err := b.Append(s.Timestamp, s.Address, s.RSSI); err != nil {
			return fmt.Errorf("append sample: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}
