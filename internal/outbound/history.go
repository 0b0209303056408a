package outbound

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"tradecore/internal/api"
	"tradecore/internal/observability"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS trade_history (
	wal_offset   BIGINT       NOT NULL,
	order_id     NUMERIC(20)  NOT NULL,
	account      NUMERIC(20)  NOT NULL,
	market       INT          NOT NULL,
	price        BIGINT       NOT NULL,
	quantity     BIGINT       NOT NULL,
	timestamp_ns BIGINT       NOT NULL
);
CREATE INDEX IF NOT EXISTS trade_history_wal_offset_idx ON trade_history (wal_offset);
`

// HistoryWriter batches fills into Postgres on a background worker.
// The engine enqueues without blocking; a full buffer drops the row
// (history is a projection, the WAL is the source of truth).
type HistoryWriter struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics

	input chan api.TradeMetadata
	done  chan struct{}

	batchSize    int
	flushTimeout time.Duration
}

// NewHistoryWriter connects, ensures the schema, and starts the
// worker.
func NewHistoryWriter(dsn string, metrics *observability.Metrics, log zerolog.Logger) (*HistoryWriter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("outbound: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbound: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbound: ensure trade_history schema: %w", err)
	}

	w := &HistoryWriter{
		db:           db,
		log:          log,
		metrics:      metrics,
		input:        make(chan api.TradeMetadata, 4096),
		done:         make(chan struct{}),
		batchSize:    100,
		flushTimeout: 25 * time.Millisecond,
	}
	go w.run()
	log.Info().Msg("trade history sink connected")
	return w, nil
}

// Record enqueues one fill; a full buffer drops it.
func (w *HistoryWriter) Record(metadata api.TradeMetadata) {
	select {
	case w.input <- metadata:
	default:
		if w.metrics != nil {
			w.metrics.HistoryWriteErrors.Inc()
		}
	}
}

func (w *HistoryWriter) run() {
	defer close(w.done)

	batch := make([]api.TradeMetadata, 0, w.batchSize)
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case metadata, ok := <-w.input:
			if !ok {
				w.flush(batch)
				return
			}
			batch = append(batch, metadata)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

func (w *HistoryWriter) flush(batch []api.TradeMetadata) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.fail(err, len(batch))
		return
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trade_history (wal_offset, order_id, account, market, price, quantity, timestamp_ns)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		tx.Rollback()
		w.fail(err, len(batch))
		return
	}

	for _, m := range batch {
		if _, err := stmt.ExecContext(ctx,
			int64(m.WALOffset), fmt.Sprintf("%d", m.OrderID), fmt.Sprintf("%d", m.Account),
			int32(m.Market), m.Price, m.Quantity, m.TimestampNs,
		); err != nil {
			stmt.Close()
			tx.Rollback()
			w.fail(err, len(batch))
			return
		}
	}
	stmt.Close()

	if err := tx.Commit(); err != nil {
		w.fail(err, len(batch))
		return
	}
	if w.metrics != nil {
		w.metrics.HistoryRowsWritten.Add(float64(len(batch)))
	}
}

func (w *HistoryWriter) fail(err error, rows int) {
	if w.metrics != nil {
		w.metrics.HistoryWriteErrors.Add(float64(rows))
	}
	w.log.Warn().Err(err).Int("rows", rows).Msg("trade history write failed")
}

// Close drains pending rows and closes the connection.
func (w *HistoryWriter) Close() {
	close(w.input)
	<-w.done
	w.db.Close()
}
