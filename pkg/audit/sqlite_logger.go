package audit

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteLoggerConfig configures the persistent audit sink.
type SQLiteLoggerConfig struct {
	DataDir       string // directory for audit.db
	RetentionDays int    // days to keep records (default 90, 0 = use default)
}

const defaultRetentionDays = 90

// SQLiteLogger implements Logger with persistent SQLite storage.
type SQLiteLogger struct {
	mu            sync.Mutex
	db            *sql.DB
	retentionDays int
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewSQLiteLogger opens (or creates) audit.db under cfg.DataDir and starts
// the retention worker.
func NewSQLiteLogger(cfg SQLiteLoggerConfig) (*SQLiteLogger, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "audit.db")

	// Pragmas go in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	retention := cfg.RetentionDays
	if retention == 0 {
		retention = defaultRetentionDays
	}

	l := &SQLiteLogger{
		db:            db,
		retentionDays: retention,
		stopChan:      make(chan struct{}),
	}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}

	if retention > 0 {
		l.wg.Add(1)
		go l.retentionWorker()
	}

	log.Info().
		Str("dbPath", dbPath).
		Int("retentionDays", retention).
		Msg("SQLite audit logger initialized")
	return l, nil
}

func (l *SQLiteLogger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		method TEXT,
		tool TEXT,
		token_hash TEXT,
		bytes_in INTEGER NOT NULL,
		bytes_out INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		exec_program TEXT,
		exec_duration_ms INTEGER NOT NULL DEFAULT 0,
		streamed INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_records(outcome);
	CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_records(tool) WHERE tool != '';
	`
	_, err := l.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("creating audit schema: %w", err)
	}
	return nil
}

// Log inserts one record.
func (l *SQLiteLogger) Log(record Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	streamed := 0
	if record.Streamed {
		streamed = 1
	}
	_, err := l.db.Exec(`
		INSERT INTO audit_records
		(id, request_id, timestamp, duration_ms, method, tool, token_hash, bytes_in, bytes_out, outcome, exec_program, exec_duration_ms, streamed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.RequestID,
		record.Timestamp.UnixMilli(),
		record.DurationMS,
		record.Method,
		record.Tool,
		record.TokenHash,
		record.BytesIn,
		record.BytesOut,
		record.Outcome,
		record.ExecProgram,
		record.ExecDurationMS,
		streamed,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// Query returns records matching the filter, newest first.
func (l *SQLiteLogger) Query(filter QueryFilter) ([]Record, error) {
	query := `SELECT id, request_id, timestamp, duration_ms, method, tool, token_hash,
		bytes_in, bytes_out, outcome, exec_program, exec_duration_ms, streamed
		FROM audit_records WHERE 1=1`
	var args []interface{}

	if filter.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UnixMilli())
	}
	if filter.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UnixMilli())
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if filter.Tool != "" {
		query += " AND tool = ?"
		args = append(args, filter.Tool)
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var ts int64
		var streamed int
		if err := rows.Scan(&r.ID, &r.RequestID, &ts, &r.DurationMS, &r.Method, &r.Tool,
			&r.TokenHash, &r.BytesIn, &r.BytesOut, &r.Outcome, &r.ExecProgram,
			&r.ExecDurationMS, &streamed); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts)
		r.Streamed = streamed == 1
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close stops the retention worker and closes the database.
func (l *SQLiteLogger) Close() error {
	close(l.stopChan)
	l.wg.Wait()
	return l.db.Close()
}

func (l *SQLiteLogger) retentionWorker() {
	defer l.wg.Done()

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	l.sweep()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopChan:
			return
		}
	}
}

func (l *SQLiteLogger) sweep() {
	cutoff := time.Now().AddDate(0, 0, -l.retentionDays).UnixMilli()
	res, err := l.db.Exec(`DELETE FROM audit_records WHERE timestamp < ?`, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Audit retention sweep failed")
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("deleted", n).Msg("Audit retention sweep removed old records")
	}
}
