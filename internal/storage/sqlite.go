package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/funnyzak/recproxy/internal/config"
	"github.com/funnyzak/recproxy/internal/logger"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
)

type sqliteStore struct {
	db  *sql.DB
	cfg *config.JournalConfig
	log logger.Logger
}

func newSQLiteStore(cfg *config.JournalConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    recording_file TEXT NOT NULL,
    assets_file TEXT,
    started_at_ns INTEGER NOT NULL,
    stopped_at_ns INTEGER,
    entry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at_ns DESC);

CREATE TABLE IF NOT EXISTS interactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    method TEXT NOT NULL,
    uri TEXT NOT NULL,
    status INTEGER,
    matched INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    duration_ms INTEGER,
    created_at_ns INTEGER NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_interactions_ts ON interactions(created_at_ns DESC);
CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id, created_at_ns DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) RecordSessionStart(ctx context.Context, rec *SessionRecord) error {
	if rec == nil {
		return fmt.Errorf("session record is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.StartedAt = rec.StartedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, mode, recording_file, assets_file, started_at_ns, entry_count) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Mode,
		rec.RecordingFile,
		rec.AssetsFile,
		rec.StartedAt.UnixNano(),
		rec.EntryCount,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err = s.prune(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) RecordSessionStop(ctx context.Context, id string, stoppedAt time.Time, entryCount int) error {
	if stoppedAt.IsZero() {
		stoppedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET stopped_at_ns = ?, entry_count = ? WHERE id = ?",
		stoppedAt.UTC().UnixNano(), entryCount, id,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

func (s *sqliteStore) RecordInteraction(ctx context.Context, in *Interaction) error {
	if in == nil {
		return fmt.Errorf("interaction is nil")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	in.CreatedAt = in.CreatedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO interactions (session_id, method, uri, status, matched, error, duration_ms, created_at_ns) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.SessionID,
		in.Method,
		in.URI,
		in.Status,
		boolToInt(in.Matched),
		in.Error,
		in.DurationMs,
		in.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	if id, idErr := res.LastInsertId(); idErr == nil {
		in.ID = id
	}

	if err = s.prune(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// prune drops old history. Sessions cascade to their interactions.
func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx) error {
	if s.cfg.Retention > 0 {
		cutoff := time.Now().Add(-s.cfg.Retention).UTC().UnixNano()
		if _, err := tx.ExecContext(ctx, "DELETE FROM interactions WHERE created_at_ns < ?", cutoff); err != nil {
			return fmt.Errorf("prune by retention: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE stopped_at_ns IS NOT NULL AND stopped_at_ns < ?", cutoff); err != nil {
			return fmt.Errorf("prune by retention: %w", err)
		}
	}
	if s.cfg.MaxRecords > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM interactions").Scan(&count); err != nil {
			return fmt.Errorf("count records: %w", err)
		}
		if excess := count - s.cfg.MaxRecords; excess > 0 {
			if _, err := tx.ExecContext(ctx, "DELETE FROM interactions WHERE id IN (SELECT id FROM interactions ORDER BY created_at_ns ASC, id ASC LIMIT ?)", excess); err != nil {
				return fmt.Errorf("prune max records: %w", err)
			}
		}
	}
	return nil
}

const sessionColumns = "id, mode, recording_file, assets_file, started_at_ns, stopped_at_ns, entry_count"

func (s *sqliteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	query := "SELECT " + sessionColumns + " FROM sessions ORDER BY started_at_ns DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) ListInteractions(ctx context.Context, opts ListOptions) ([]*Interaction, int, error) {
	where := ""
	var args []interface{}
	if id := strings.TrimSpace(opts.SessionID); id != "" {
		where = "WHERE session_id = ?"
		args = append(args, id)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM interactions "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	queryBuilder := strings.Builder{}
	queryBuilder.WriteString("SELECT id, session_id, method, uri, status, matched, error, duration_ms, created_at_ns FROM interactions ")
	queryBuilder.WriteString(where)
	queryBuilder.WriteString(" ORDER BY created_at_ns DESC, id DESC")

	listArgs := append([]interface{}{}, args...)
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		queryBuilder.WriteString(" LIMIT ? OFFSET ?")
		listArgs = append(listArgs, opts.Limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, queryBuilder.String(), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []*Interaction
	for rows.Next() {
		var (
			in       Interaction
			status   sql.NullInt64
			matched  int64
			errMsg   sql.NullString
			duration sql.NullInt64
			ts       int64
		)
		if err := rows.Scan(&in.ID, &in.SessionID, &in.Method, &in.URI, &status, &matched, &errMsg, &duration, &ts); err != nil {
			return nil, 0, err
		}
		in.Status = int(status.Int64)
		in.Matched = matched == 1
		in.Error = errMsg.String
		in.DurationMs = duration.Int64
		in.CreatedAt = time.Unix(0, ts).UTC()
		result = append(result, &in)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanSession(scanner interface {
	Scan(dest ...interface{}) error
}) (*SessionRecord, error) {
	var (
		rec       SessionRecord
		assets    sql.NullString
		startedAt int64
		stoppedAt sql.NullInt64
	)
	if err := scanner.Scan(&rec.ID, &rec.Mode, &rec.RecordingFile, &assets, &startedAt, &stoppedAt, &rec.EntryCount); err != nil {
		return nil, err
	}
	rec.AssetsFile = assets.String
	rec.StartedAt = time.Unix(0, startedAt).UTC()
	if stoppedAt.Valid {
		t := time.Unix(0, stoppedAt.Int64).UTC()
		rec.StoppedAt = &t
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
