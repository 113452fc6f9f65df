package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// insertRetries bounds the retry loop on insert when another connection
// (e.g. a concurrent tail query) is holding the write lock past the
// driver's own busy_timeout.
const insertRetries = 3

// sqliteIndex is a queryable projection over the JSONL log; the JSONL
// files remain the source of truth and the index can always be rebuilt
// from them.
type sqliteIndex struct {
	db *sql.DB
}

func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS decisions (
			seq        INTEGER PRIMARY KEY,
			ts         TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			tool       TEXT NOT NULL DEFAULT '',
			input      TEXT NOT NULL DEFAULT '',
			origin     TEXT NOT NULL DEFAULT '',
			decision   TEXT NOT NULL DEFAULT '',
			decided_by TEXT NOT NULL DEFAULT '',
			hash       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_session ON decisions(session_id);
		CREATE INDEX IF NOT EXISTS idx_decision ON decisions(decision);
		CREATE INDEX IF NOT EXISTS idx_ts ON decisions(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

func (idx *sqliteIndex) insert(e *Entry) {
	var err error
	for attempt := 0; attempt < insertRetries; attempt++ {
		_, err = idx.db.Exec(
			`INSERT OR REPLACE INTO decisions (seq, ts, session_id, request_id, tool, input, origin, decision, decided_by, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Seq, e.Timestamp, e.SessionID, e.RequestID, e.Tool, string(e.Input), e.Origin, e.Decision, e.DecidedBy, e.Hash,
		)
		if err == nil || !isSQLiteConflictError(err) {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	if err != nil {
		slog.Error("audit index insert failed", "seq", e.Seq, "error", err)
	}
}

func (idx *sqliteIndex) tail(limit int) ([]Entry, error) {
	query := `SELECT seq, ts, session_id, request_id, tool, input, origin, decision, decided_by, hash
	          FROM decisions ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var input string
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.SessionID, &e.RequestID, &e.Tool, &input, &e.Origin, &e.Decision, &e.DecidedBy, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.Input = []byte(input)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (idx *sqliteIndex) lastSeq() uint64 {
	var seq sql.NullInt64
	if err := idx.db.QueryRow("SELECT MAX(seq) FROM decisions").Scan(&seq); err != nil || !seq.Valid {
		return 0
	}
	return uint64(seq.Int64)
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
