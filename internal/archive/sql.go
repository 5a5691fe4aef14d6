package archive

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/lib/pq"

	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/metrics"
	"github.com/rook2pawn/audio-chunk/internal/protocol"
	"github.com/rook2pawn/audio-chunk/internal/stream"
)

// SinkName labels archive writes in metrics
const SinkName = "archive"

// SQLArchive stores chunks in a PostgreSQL table, one row per chunk. The
// payload column holds the binary-encoded chunk; the other columns exist for
// lookups.
type SQLArchive struct {
	db      *sql.DB
	table   string
	metrics *metrics.Metrics
}

// Open connects to PostgreSQL and verifies the connection
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}
	return db, nil
}

// New wraps db. table must be a plain identifier; it is quoted on use.
func New(db *sql.DB, table string, m *metrics.Metrics) *SQLArchive {
	return &SQLArchive{db: db, table: pq.QuoteIdentifier(table), metrics: m}
}

func (a *SQLArchive) Name() string { return SinkName }

// EnsureSchema creates the table and its lookup index if missing
func (a *SQLArchive) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	stream_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	encoding TEXT NOT NULL,
	sample_rate INTEGER NOT NULL,
	payload BYTEA NOT NULL
)`, a.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (stream_id, ts, id)`,
			pq.QuoteIdentifier(indexName(a.table)), a.table),
	}

	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure archive schema: %w", err)
		}
	}
	return nil
}

// Write inserts c. It implements stream.Sink.
func (a *SQLArchive) Write(ctx context.Context, c *audio.Chunk) error {
	payload, err := protocol.Binary.Encode(c)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = a.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (stream_id, ts, encoding, sample_rate, payload) VALUES ($1,$2,$3,$4,$5)", a.table),
		stream.StreamKey(c), c.Timestamp.UTC(), string(c.Encoding), c.SampleRate, payload,
	)
	a.metrics.RecordForward(SinkName, err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("archive chunk: %w", err)
	}
	return nil
}

// Replay streams the archived chunks of one stream captured at or after
// since, in capture order. Rows inserted with equal timestamps come back in
// insertion order.
func (a *SQLArchive) Replay(ctx context.Context, streamID string, since time.Time) (stream.Stream, error) {
	rows, err := a.db.QueryContext(ctx,
		fmt.Sprintf("SELECT payload FROM %s WHERE stream_id = $1 AND ts >= $2 ORDER BY ts, id", a.table),
		streamID, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	return &rowStream{rows: rows}, nil
}

type rowStream struct {
	rows   *sql.Rows
	closed bool
}

func (s *rowStream) Next(ctx context.Context) (*audio.Chunk, error) {
	if s.closed {
		return nil, stream.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		return nil, io.EOF
	}

	var payload []byte
	if err := s.rows.Scan(&payload); err != nil {
		return nil, fmt.Errorf("scan archive row: %w", err)
	}
	return protocol.Binary.Decode(payload)
}

func (s *rowStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rows.Close()
}

// indexName derives the index name from an already-quoted table name
func indexName(quoted string) string {
	return quoted[1:len(quoted)-1] + "_stream_ts_idx"
}
