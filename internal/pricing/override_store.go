package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/llm-meter/internal/sqlitedb"
)

var ErrOverrideNotFound = errors.New("price override not found")

// Override is an administrator-set price that wins over the catalog.
type Override struct {
	Model     string    `json:"model"`
	Price     Price     `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

type OverrideStore interface {
	ListOverrides(ctx context.Context) ([]Override, error)
	PutOverride(ctx context.Context, o Override) error
	DeleteOverride(ctx context.Context, model string) error
}

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresOverrideStore struct {
	db DB
}

func NewPostgresOverrideStore(db DB) OverrideStore {
	return &PostgresOverrideStore{db: db}
}

func (s *PostgresOverrideStore) ListOverrides(ctx context.Context) ([]Override, error) {
	rows, err := s.db.Query(ctx, `
		SELECT model, input_per_token, output_per_token, updated_at
		FROM price_overrides ORDER BY model`)
	if err != nil {
		return nil, fmt.Errorf("failed to list price overrides: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Override, error) {
		var o Override
		err := row.Scan(&o.Model, &o.Price.InputPerToken, &o.Price.OutputPerToken, &o.UpdatedAt)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan price overrides: %w", err)
	}
	return out, nil
}

func (s *PostgresOverrideStore) PutOverride(ctx context.Context, o Override) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO price_overrides (model, input_per_token, output_per_token, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (model) DO UPDATE SET
			input_per_token = EXCLUDED.input_per_token,
			output_per_token = EXCLUDED.output_per_token,
			updated_at = now()`,
		o.Model, o.Price.InputPerToken, o.Price.OutputPerToken)
	if err != nil {
		return fmt.Errorf("failed to put price override: %w", err)
	}
	return nil
}

func (s *PostgresOverrideStore) DeleteOverride(ctx context.Context, model string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM price_overrides WHERE model = $1`, model)
	if err != nil {
		return fmt.Errorf("failed to delete price override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOverrideNotFound
	}
	return nil
}

type SQLiteOverrideStore struct {
	db *sql.DB
}

func NewSQLiteOverrideStore(db *sql.DB) OverrideStore {
	return &SQLiteOverrideStore{db: db}
}

func (s *SQLiteOverrideStore) ListOverrides(ctx context.Context) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, input_per_token, output_per_token, updated_at
		FROM price_overrides ORDER BY model`)
	if err != nil {
		return nil, fmt.Errorf("failed to list price overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		var updated string
		if err := rows.Scan(&o.Model, &o.Price.InputPerToken, &o.Price.OutputPerToken, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan price override: %w", err)
		}
		if o.UpdatedAt, err = sqlitedb.ParseTime(updated); err != nil {
			return nil, fmt.Errorf("invalid updated_at %q: %w", updated, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price overrides: %w", err)
	}
	return out, nil
}

func (s *SQLiteOverrideStore) PutOverride(ctx context.Context, o Override) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_overrides (model, input_per_token, output_per_token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (model) DO UPDATE SET
			input_per_token = excluded.input_per_token,
			output_per_token = excluded.output_per_token,
			updated_at = excluded.updated_at`,
		o.Model, o.Price.InputPerToken, o.Price.OutputPerToken, sqlitedb.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to put price override: %w", err)
	}
	return nil
}

func (s *SQLiteOverrideStore) DeleteOverride(ctx context.Context, model string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM price_overrides WHERE model = ?`, model)
	if err != nil {
		return fmt.Errorf("failed to delete price override: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete price override: %w", err)
	}
	if n == 0 {
		return ErrOverrideNotFound
	}
	return nil
}
