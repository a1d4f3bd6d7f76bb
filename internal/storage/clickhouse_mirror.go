package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/radiusdt/shoptraffic/internal/models"
	"go.uber.org/zap"
)

const clickHouseEventTable = `
	CREATE TABLE IF NOT EXISTS event_log (
		id               UUID,
		event_type       LowCardinality(String),
		subject_id       Int64,
		occurred_at      DateTime64(3, 'UTC'),
		source_address   String,
		is_bot           Bool,
		admitted         Bool,
		path             String,
		referer          String,
		attribution_code String,
		country          LowCardinality(String)
	) ENGINE = MergeTree
	ORDER BY (event_type, subject_id, occurred_at)
`

// BatchWriter persists a batch of log entries.
type BatchWriter interface {
	WriteBatch(ctx context.Context, entries []*models.EventLogEntry) error
}

// ClickHouseWriter writes batches to a ClickHouse event_log table.
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter wraps an open connection.
func NewClickHouseWriter(conn driver.Conn) *ClickHouseWriter {
	return &ClickHouseWriter{conn: conn}
}

// EnsureTable creates the export table if needed.
func (w *ClickHouseWriter) EnsureTable(ctx context.Context) error {
	if err := w.conn.Exec(ctx, clickHouseEventTable); err != nil {
		return fmt.Errorf("failed to create clickhouse table: %w", err)
	}
	return nil
}

// WriteBatch implements BatchWriter.
func (w *ClickHouseWriter) WriteBatch(ctx context.Context, entries []*models.EventLogEntry) error {
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO event_log")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, e := range entries {
		id, err := uuid.Parse(e.ID)
		if err != nil {
			id = uuid.New()
		}
		if err := batch.Append(
			id, string(e.Type), e.SubjectID, e.OccurredAt, e.SourceAddress, e.IsBot, e.Admitted,
			e.Path, e.Referer, e.AttributionCode, e.Country,
		); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// MirrorConfig tunes the export loop.
type MirrorConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// Mirror is an EventSink that copies committed entries to a BatchWriter in
// the background. The relational log stays the system of record; entries
// that do not fit in the buffer are dropped and counted.
type Mirror struct {
	writer  BatchWriter
	cfg     MirrorConfig
	logger  *zap.Logger
	queue   chan *models.EventLogEntry
	dropped atomic.Int64
	onDrop  func()
	done    chan struct{}
}

// NewMirror creates a Mirror. Call Run to start exporting.
func NewMirror(writer BatchWriter, cfg MirrorConfig, logger *zap.Logger) *Mirror {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		writer: writer,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan *models.EventLogEntry, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// OnDrop registers a callback invoked for every dropped entry.
func (m *Mirror) OnDrop(fn func()) {
	m.onDrop = fn
}

// Publish implements EventSink.
func (m *Mirror) Publish(e *models.EventLogEntry) {
	cp := *e
	select {
	case m.queue <- &cp:
	default:
		m.dropped.Add(1)
		if m.onDrop != nil {
			m.onDrop()
		}
	}
}

// Dropped returns how many entries were discarded because the buffer was full.
func (m *Mirror) Dropped() int64 {
	return m.dropped.Load()
}

// Run exports until ctx is cancelled, then flushes what is buffered.
func (m *Mirror) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.EventLogEntry, 0, m.cfg.BatchSize)
	for {
		select {
		case e := <-m.queue:
			batch = append(batch, e)
			if len(batch) >= m.cfg.BatchSize {
				batch = m.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = m.flush(ctx, batch)
		case <-ctx.Done():
			m.drain(batch)
			return
		}
	}
}

// Wait blocks until Run has returned.
func (m *Mirror) Wait() {
	<-m.done
}

func (m *Mirror) drain(batch []*models.EventLogEntry) {
	for {
		select {
		case e := <-m.queue:
			batch = append(batch, e)
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			m.flush(ctx, batch)
			return
		}
	}
}

func (m *Mirror) flush(ctx context.Context, batch []*models.EventLogEntry) []*models.EventLogEntry {
	if len(batch) == 0 {
		return batch
	}
	if err := m.writer.WriteBatch(ctx, batch); err != nil {
		m.logger.Error("event export failed",
			zap.Int("entries", len(batch)),
			zap.Error(err),
		)
	} else {
		m.logger.Debug("exported events", zap.Int("entries", len(batch)))
	}
	return batch[:0]
}
