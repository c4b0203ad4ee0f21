package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const insertAudit = `INSERT INTO pipeline_audit (
	id, timestamp, kind, event_id, link_id, signposts,
	preset, actor, reason, detail, score, metadata
)`

// BatchOptions tunes the ClickHouse writer. Pipeline actions arrive in
// bursts after a mapping or aggregation run, so the defaults favour fewer,
// larger inserts over latency.
type BatchOptions struct {
	Buffer   int
	MaxBatch int
	Interval time.Duration
	Timeout  time.Duration // per insert
}

// DefaultBatchOptions returns the production settings.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{Buffer: 4096, MaxBatch: 512, Interval: time.Second, Timeout: 5 * time.Second}
}

// batchPreparer is the slice of driver.Conn the writer needs.
type batchPreparer interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

// ClickHouseWriter appends audit events to the pipeline_audit table. Write
// never blocks; a background loop batches the queue into inserts.
type ClickHouseWriter struct {
	conn    batchPreparer
	queue   chan *AuditEvent
	stop    chan struct{}
	stopped chan struct{}
	opts    BatchOptions
	logger  *zap.Logger
}

// NewClickHouseWriter connects to dsn and starts the insert loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	return newClickHouseWriter(conn, DefaultBatchOptions(), logger), nil
}

func newClickHouseWriter(conn batchPreparer, opts BatchOptions, logger *zap.Logger) *ClickHouseWriter {
	w := &ClickHouseWriter{
		conn:    conn,
		queue:   make(chan *AuditEvent, opts.Buffer),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		opts:    opts,
		logger:  logger,
	}
	go w.run()
	return w
}

// Write enqueues event, dropping it with a warning when the queue is full.
func (w *ClickHouseWriter) Write(event *AuditEvent) {
	select {
	case w.queue <- event:
	default:
		w.logger.Warn("audit queue full, dropping event",
			zap.String("kind", event.Kind),
			zap.String("event_id", event.EventID),
		)
	}
}

// Close inserts whatever is still queued and stops the loop. Call it once.
func (w *ClickHouseWriter) Close() {
	close(w.stop)
	<-w.stopped
	if c, ok := w.conn.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func (w *ClickHouseWriter) run() {
	defer close(w.stopped)

	tick := time.NewTicker(w.opts.Interval)
	defer tick.Stop()

	pending := make([]*AuditEvent, 0, w.opts.MaxBatch)
	send := func() {
		if len(pending) == 0 {
			return
		}
		w.insert(pending)
		pending = pending[:0]
	}

	for {
		select {
		case ev := <-w.queue:
			pending = append(pending, ev)
			if len(pending) >= w.opts.MaxBatch {
				send()
			}
		case <-tick.C:
			send()
		case <-w.stop:
			for {
				select {
				case ev := <-w.queue:
					pending = append(pending, ev)
					if len(pending) >= w.opts.MaxBatch {
						send()
					}
				default:
					send()
					return
				}
			}
		}
	}
}

func (w *ClickHouseWriter) insert(events []*AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.Timeout)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, insertAudit)
	if err != nil {
		w.logger.Error("prepare audit batch", zap.Int("events", len(events)), zap.Error(err))
		return
	}
	for _, e := range events {
		signposts, meta := e.Signposts, e.Metadata
		if signposts == nil {
			signposts = []string{}
		}
		if meta == nil {
			meta = map[string]string{}
		}
		if err := batch.Append(e.ID, e.Timestamp, e.Kind, e.EventID, e.LinkID, signposts,
			e.Preset, e.Actor, e.Reason, Truncate(e.Detail, DetailLength), e.Score, meta); err != nil {
			w.logger.Error("append audit event", zap.String("id", e.ID), zap.Error(err))
		}
	}
	if err := batch.Send(); err != nil {
		w.logger.Error("send audit batch", zap.Int("events", len(events)), zap.Error(err))
	}
}

// LogWriter writes audit events to the process log. It stands in for
// ClickHouse in local runs and tests.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *AuditEvent) {
	w.logger.Info("audit_event",
		zap.String("id", event.ID),
		zap.String("kind", event.Kind),
		zap.String("event_id", event.EventID),
		zap.String("link_id", event.LinkID),
		zap.Strings("signposts", event.Signposts),
		zap.String("preset", event.Preset),
		zap.String("actor", event.Actor),
		zap.String("reason", event.Reason),
		zap.Float64("score", event.Score),
	)
}

func (w *LogWriter) Close() {}
