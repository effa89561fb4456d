package storage

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/lib/pq"

	"github.com/example/flexpress-matching/internal/models"
)

// Journal is an append-only log of observed status transitions.
type Journal interface {
	Write(ctx context.Context, t models.Transition) error
	Recent(ctx context.Context, entity, id string, limit int) ([]models.Transition, error)
}

const journalSchema = `CREATE TABLE IF NOT EXISTS status_transitions (
	id          BIGSERIAL PRIMARY KEY,
	entity      TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	expected    BOOLEAN NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS status_transitions_entity_idx ON status_transitions (entity, entity_id, observed_at DESC);`

type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresJournal{db: db}, nil
}

// Migrate creates the journal table when missing.
func (p *PostgresJournal) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, journalSchema)
	return err
}

func (p *PostgresJournal) Write(ctx context.Context, t models.Transition) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO status_transitions(entity, entity_id, from_status, to_status, expected, observed_at) VALUES($1,$2,$3,$4,$5,$6)`,
		t.Entity, t.ID, t.From, t.To, t.Expected, t.ObservedAt)
	return err
}

func (p *PostgresJournal) Recent(ctx context.Context, entity, id string, limit int) ([]models.Transition, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT entity, entity_id, from_status, to_status, expected, observed_at FROM status_transitions WHERE entity=$1 AND entity_id=$2 ORDER BY observed_at DESC LIMIT $3`,
		entity, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Transition
	for rows.Next() {
		var t models.Transition
		if err := rows.Scan(&t.Entity, &t.ID, &t.From, &t.To, &t.Expected, &t.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresJournal) Close() error { return p.db.Close() }

// MemoryJournal keeps transitions in process; used when PG_DSN is unset.
type MemoryJournal struct {
	mu  sync.RWMutex
	log []models.Transition
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Write(ctx context.Context, t models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, t)
	return nil
}

func (m *MemoryJournal) Recent(ctx context.Context, entity, id string, limit int) ([]models.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Transition
	for i := len(m.log) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if t := m.log[i]; t.Entity == entity && t.ID == id {
			out = append(out, t)
		}
	}
	return out, nil
}
