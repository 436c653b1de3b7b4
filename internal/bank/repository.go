package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository loads and saves whole institution records.
type Repository interface {
	Load(ctx context.Context, id InstitutionID) (Record, error)
	Save(ctx context.Context, id InstitutionID, record Record) error
}

const institutionsSchema = `
CREATE TABLE IF NOT EXISTS institutions (
    id         TEXT PRIMARY KEY,
    record     JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresRepository stores each institution record as one JSONB document.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the institutions table when it does not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, institutionsSchema); err != nil {
		return fmt.Errorf("ensure institutions schema: %w", err)
	}
	return nil
}

// Load fetches the full record for an institution.
func (r *PostgresRepository) Load(ctx context.Context, id InstitutionID) (Record, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT record FROM institutions WHERE id = $1`, string(id)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode %s record: %w", id, err)
	}
	return rec, nil
}

// Save replaces the full record for an institution.
func (r *PostgresRepository) Save(ctx context.Context, id InstitutionID, record Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", id, err)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO institutions (id, record, updated_at) VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
		string(id), raw, time.Now().UTC())
	return err
}
