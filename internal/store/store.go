// Package store persists published windows to a SQLite database so that
// several runs can be compared after the fact.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/torosent/barrage/internal/aggregator"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	label      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS windows (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	ts        INTEGER NOT NULL,
	rps       INTEGER NOT NULL,
	errors    INTEGER NOT NULL,
	rt_avg    REAL NOT NULL,
	rt_q50    REAL NOT NULL,
	rt_q90    REAL NOT NULL,
	rt_q99    REAL NOT NULL,
	rt_max    REAL NOT NULL,
	delay_avg REAL NOT NULL,
	delay_q99 REAL NOT NULL,
	PRIMARY KEY (run_id, ts)
);`

// Window is one stored window. Times are in microseconds.
type Window struct {
	TS       int64
	RPS      int
	Errors   int
	RTAvg    float64
	RTQ50    float64
	RTQ90    float64
	RTQ99    float64
	RTMax    float64
	DelayAvg float64
	DelayQ99 float64
}

// Run is one recorded run.
type Run struct {
	ID        ulid.ULID
	StartedAt time.Time
	Label     string
	Windows   int
}

// Store is an aggregator.Listener writing to SQLite.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	run   ulid.ULID
	close sync.Once
}

// Open opens (creating if needed) the database at path and registers run.
func Open(path string, run ulid.ULID, label string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	_, err = db.Exec(`INSERT OR IGNORE INTO runs (id, started_at, label) VALUES (?, ?, ?)`,
		run.String(), int64(run.Time()), label)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	return &Store{db: db, run: run}, nil
}

// RunID returns the run this store writes to.
func (s *Store) RunID() ulid.ULID { return s.run }

func (s *Store) Publish(bucket int64, w aggregator.Summary) error {
	rt, delay := w.Overall.RT, w.Overall.Delay
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO windows
		(run_id, ts, rps, errors, rt_avg, rt_q50, rt_q90, rt_q99, rt_max, delay_avg, delay_q99)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.run.String(), bucket, w.RPS, w.Overall.Errors,
		rt.Avg, rt.Quantile(50), rt.Quantile(90), rt.Quantile(99), rt.Quantile(100),
		delay.Avg, delay.Quantile(99),
	)
	if err != nil {
		return fmt.Errorf("store window %d: %w", bucket, err)
	}
	return nil
}

// Windows returns the windows of run in time order.
func (s *Store) Windows(run ulid.ULID) ([]Window, error) {
	rows, err := s.db.Query(`SELECT ts, rps, errors, rt_avg, rt_q50, rt_q90, rt_q99, rt_max, delay_avg, delay_q99
		FROM windows WHERE run_id = ? ORDER BY ts`, run.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Window
	for rows.Next() {
		var w Window
		if err := rows.Scan(&w.TS, &w.RPS, &w.Errors, &w.RTAvg, &w.RTQ50, &w.RTQ90, &w.RTQ99, &w.RTMax, &w.DelayAvg, &w.DelayQ99); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Runs lists every recorded run, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(`SELECT r.id, r.label, COUNT(w.ts)
		FROM runs r LEFT JOIN windows w ON w.run_id = r.id
		GROUP BY r.id ORDER BY r.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			id  string
			run Run
		)
		if err := rows.Scan(&id, &run.Label, &run.Windows); err != nil {
			return nil, err
		}
		parsed, err := ulid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("run id %q: %w", id, err)
		}
		run.ID = parsed
		run.StartedAt = ulid.Time(parsed.Time())
		out = append(out, run)
	}
	return out, rows.Err()
}

// Close closes the database. Later calls return nil.
func (s *Store) Close() error {
	var err error
	s.close.Do(func() { err = s.db.Close() })
	return err
}
