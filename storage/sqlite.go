// Package storage persists domain memory snapshots and a fetch log to
// SQLite, so a later run can warm its memory from past sessions.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nexora/smarthttp/memory"
)

// Store manages the SQLite database holding domain statistics.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and ensures the schema
// exists.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_fk=true")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS domains (
			host TEXT PRIMARY KEY,
			successes INTEGER NOT NULL DEFAULT 0,
			network_failures INTEGER NOT NULL DEFAULT 0,
			client_failures INTEGER NOT NULL DEFAULT 0,
			server_failures INTEGER NOT NULL DEFAULT 0,
			challenge_failures INTEGER NOT NULL DEFAULT 0,
			total_requests INTEGER NOT NULL DEFAULT 0,
			avg_latency_ms REAL NOT NULL DEFAULT 0,
			last_status INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME,
			preferred_headers TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS fetch_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL,
			method TEXT NOT NULL,
			status INTEGER,
			attempts INTEGER,
			redirects INTEGER,
			elapsed_ms INTEGER,
			error TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot upserts one row per host from a domain memory snapshot.
func (s *Store) SaveSnapshot(stats []memory.Stats) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO domains
		(host, successes, network_failures, client_failures, server_failures,
		 challenge_failures, total_requests, avg_latency_ms, last_status,
		 last_seen, preferred_headers, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(host) DO UPDATE SET
		 successes = excluded.successes,
		 network_failures = excluded.network_failures,
		 client_failures = excluded.client_failures,
		 server_failures = excluded.server_failures,
		 challenge_failures = excluded.challenge_failures,
		 total_requests = excluded.total_requests,
		 avg_latency_ms = excluded.avg_latency_ms,
		 last_status = excluded.last_status,
		 last_seen = excluded.last_seen,
		 preferred_headers = excluded.preferred_headers,
		 updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, st := range stats {
		var headers any
		if len(st.PreferredHeaders) > 0 {
			b, err := json.Marshal(st.PreferredHeaders)
			if err != nil {
				return fmt.Errorf("failed to marshal headers for %s: %w", st.Host, err)
			}
			headers = string(b)
		}
		_, err := stmt.Exec(
			st.Host, st.Successes,
			st.Failures.Network, st.Failures.Client, st.Failures.Server, st.Failures.Challenge,
			st.TotalRequests, float64(st.AvgLatency)/float64(time.Millisecond),
			st.LastStatus, st.LastSeen, headers,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert domain %s: %w", st.Host, err)
		}
	}
	return tx.Commit()
}

// LoadSnapshot reads all persisted domain stats, suitable for
// memory.Restore.
func (s *Store) LoadSnapshot() ([]memory.Stats, error) {
	rows, err := s.db.Query(`SELECT host, successes, network_failures,
		client_failures, server_failures, challenge_failures, total_requests,
		avg_latency_ms, last_status, last_seen, preferred_headers
		FROM domains ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("failed to query domains: %w", err)
	}
	defer rows.Close()

	var out []memory.Stats
	for rows.Next() {
		var (
			st        memory.Stats
			latencyMS float64
			lastSeen  sql.NullTime
			headers   sql.NullString
		)
		err := rows.Scan(&st.Host, &st.Successes,
			&st.Failures.Network, &st.Failures.Client, &st.Failures.Server,
			&st.Failures.Challenge, &st.TotalRequests, &latencyMS,
			&st.LastStatus, &lastSeen, &headers)
		if err != nil {
			return nil, fmt.Errorf("failed to scan domain row: %w", err)
		}
		st.AvgLatency = time.Duration(latencyMS * float64(time.Millisecond))
		if lastSeen.Valid {
			st.LastSeen = lastSeen.Time
		}
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &st.PreferredHeaders); err != nil {
				return nil, fmt.Errorf("failed to decode headers for %s: %w", st.Host, err)
			}
		}
		if st.TotalRequests > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.TotalRequests)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// LogFetch appends one completed logical request to the fetch log.
func (s *Store) LogFetch(url, method string, status, attempts, redirects int, elapsed time.Duration, fetchErr error) error {
	var errText any
	if fetchErr != nil {
		errText = fetchErr.Error()
	}
	_, err := s.db.Exec(`INSERT INTO fetch_log
		(url, method, status, attempts, redirects, elapsed_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		url, method, status, attempts, redirects, elapsed.Milliseconds(), errText)
	if err != nil {
		return fmt.Errorf("failed to log fetch: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
