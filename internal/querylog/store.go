// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package querylog persists per-query outcomes to SQLite.
package querylog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one logged query.
type Entry struct {
	Timestamp  time.Time
	ClientIP   string
	Qname      string
	Qtype      string
	Verdict    string // "done" or "drop"
	RCode      string
	Answers    int
	DurationMs int64
}

// Store handles persistence of DNS query logs to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the query log database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open querylog db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL, -- Unix timestamp
		client_ip TEXT NOT NULL,
		qname TEXT NOT NULL,
		qtype TEXT,
		verdict TEXT,
		rcode TEXT,
		answers INTEGER,
		duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON query_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_qname ON query_logs(qname);
	CREATE INDEX IF NOT EXISTS idx_logs_client ON query_logs(client_ip);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordEntry persists a single query log entry.
func (s *Store) RecordEntry(e Entry) error {
	query := `
		INSERT INTO query_logs (timestamp, client_ip, qname, qtype, verdict, rcode, answers, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		e.Timestamp.Unix(),
		e.ClientIP,
		e.Qname,
		e.Qtype,
		e.Verdict,
		e.RCode,
		e.Answers,
		e.DurationMs,
	)
	return err
}

// GetRecentLogs returns the most recent entries, newest first.
func (s *Store) GetRecentLogs(limit int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, client_ip, qname, qtype, verdict, rcode, answers, duration_ms
		FROM query_logs ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&ts, &e.ClientIP, &e.Qname, &e.Qtype, &e.Verdict, &e.RCode, &e.Answers, &e.DurationMs); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
