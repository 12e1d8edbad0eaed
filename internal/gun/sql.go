package gun

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/torosent/barrage/internal/ammo"
	"github.com/torosent/barrage/internal/sample"
)

// SQLConfig configures the SQL gun.
type SQLConfig struct {
	Driver   string // database/sql driver name, "sqlite3" by default
	DSN      string
	MaxConns int
	Timeout  time.Duration
}

// SQL runs one query per task. The payload is the statement text, or an
// ammo.Record with a "query" column.
type SQL struct {
	cfg SQLConfig
	db  *sql.DB
}

// NewSQL validates cfg and returns the gun.
func NewSQL(cfg SQLConfig) (*SQL, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sql gun: dsn is required")
	}
	return &SQL{cfg: cfg}, nil
}

func (g *SQL) Setup(ctx context.Context) error {
	db, err := sql.Open(g.cfg.Driver, g.cfg.DSN)
	if err != nil {
		return fmt.Errorf("sql gun: open: %w", err)
	}
	if g.cfg.MaxConns > 0 {
		db.SetMaxOpenConns(g.cfg.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sql gun: ping: %w", err)
	}
	g.db = db
	return nil
}

func (g *SQL) Shoot(ctx context.Context, task sample.Task, out sample.Sink) error {
	return Measure(out, task, sample.ActionOverall, func(w *sample.StopWatch) error {
		query, err := queryOf(task.Payload)
		if err != nil {
			return err
		}
		if g.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
		}
		rows, err := g.db.QueryContext(ctx, query)
		if err != nil {
			return &CodedError{Code: "QUERY_FAILED", Err: err}
		}
		defer rows.Close()
		var n int64
		for rows.Next() {
			n++
		}
		if err := rows.Err(); err != nil {
			return &CodedError{Code: "QUERY_FAILED", Err: err}
		}
		w.SetCode("OK")
		w.Extra["rows"] = n
		return nil
	})
}

func (g *SQL) Teardown(context.Context) error {
	if g.db == nil {
		return nil
	}
	return g.db.Close()
}

func queryOf(payload any) (string, error) {
	switch p := payload.(type) {
	case string:
		return p, nil
	case ammo.Record:
		if q := p["query"]; q != "" {
			return q, nil
		}
		return "", errors.New("sql payload record has no query column")
	default:
		return "", fmt.Errorf("unsupported SQL payload %T", payload)
	}
}
