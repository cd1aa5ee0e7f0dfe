package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	sinkChannelBuffer = 10_000
	sinkBatchSize     = 100
	sinkFlushInterval = time.Second
)

const usageTableDDL = `
CREATE TABLE IF NOT EXISTS usage_records (
    id               String,
    ts               DateTime64(3, 'UTC'),
    owner            String,
    model_requested  String,
    model_actual     String,
    input_tokens     UInt32,
    output_tokens    UInt32,
    total_tokens     UInt32,
    cost_usd         Float64,
    latency_ms       UInt32,
    success          Bool,
    error_kind       String,
    routing_strategy String,
    endpoint_id      String,
    cache_hit        Bool
) ENGINE = MergeTree
ORDER BY (owner, ts)`

// ClickHouseSink exports usage records to a ClickHouse table in batches.
//
// Records are written to an internal buffered channel and flushed by a
// background goroutine, so exporting never blocks the request path. If the
// channel fills up, new records are dropped and counted in Dropped.
type ClickHouseSink struct {
	ch        chan UsageRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	conn    driver.Conn
	baseCtx context.Context
	log     *slog.Logger
}

var _ Sink = (*ClickHouseSink)(nil)

// NewClickHouseSink connects to ClickHouse via dsn, creates the usage table
// if it does not exist, and starts the flush loop.
func NewClickHouseSink(ctx context.Context, dsn string, slogger *slog.Logger) (*ClickHouseSink, error) {
	if ctx == nil {
		return nil, fmt.Errorf("analytics: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("analytics: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: clickhouse ping: %w", err)
	}
	if err := conn.Exec(pingCtx, usageTableDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: create usage table: %w", err)
	}

	s := &ClickHouseSink{
		ch:      make(chan UsageRecord, sinkChannelBuffer),
		done:    make(chan struct{}),
		conn:    conn,
		baseCtx: ctx,
		log:     slogger,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Write enqueues rec for export. Never blocks.
func (s *ClickHouseSink) Write(rec UsageRecord) {
	select {
	case s.ch <- rec:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped returns the number of records lost to a full channel.
func (s *ClickHouseSink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close drains the channel, flushes the final batch and closes the
// connection.
func (s *ClickHouseSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.conn.Close()
}

func (s *ClickHouseSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(sinkFlushInterval)
	defer ticker.Stop()

	batch := make([]UsageRecord, 0, sinkBatchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.insert(ctx, batch); err != nil {
			s.log.WarnContext(ctx, "clickhouse_flush_failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.ch:
			batch = append(batch, rec)
			if len(batch) >= sinkBatchSize {
				flush(s.baseCtx)
			}

		case <-ticker.C:
			flush(s.baseCtx)

		case <-s.done:
			for {
				select {
				case rec := <-s.ch:
					batch = append(batch, rec)
					if len(batch) >= sinkBatchSize {
						flush(s.baseCtx)
					}
				default:
					flush(s.baseCtx)
					return
				}
			}
		}
	}
}

func (s *ClickHouseSink) insert(ctx context.Context, records []UsageRecord) error {
	insertCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	b, err := s.conn.PrepareBatch(insertCtx, "INSERT INTO usage_records")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range records {
		if err := b.Append(
			r.ID,
			r.TS,
			r.Owner,
			r.Model.Requested,
			r.Model.Actual,
			uint32(r.Tokens.Input),
			uint32(r.Tokens.Output),
			uint32(r.Tokens.Total),
			r.CostUSD,
			uint32(r.LatencyMS),
			r.Success,
			r.ErrorKind,
			r.RoutingStrategy,
			r.EndpointID,
			r.Cache.Hit,
		); err != nil {
			return fmt.Errorf("append record: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}
