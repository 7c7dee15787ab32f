package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const pgTenantColumns = `t.id, t.name, t.daily_limit, t.weekly_limit, t.monthly_limit,
	t.user_daily_limit, t.user_weekly_limit, t.user_monthly_limit,
	t.active, t.upstream_url, t.upstream_key, t.created_at`

func scanPgTenant(row pgx.Row, t *Tenant, extra ...any) error {
	dest := []any{
		&t.ID, &t.Name, &t.Limits.Daily, &t.Limits.Weekly, &t.Limits.Monthly,
		&t.UserLimits.Daily, &t.UserLimits.Weekly, &t.UserLimits.Monthly,
		&t.Active, &t.UpstreamURL, &t.UpstreamKey, &t.CreatedAt,
	}
	return row.Scan(append(dest, extra...)...)
}

func (s *PostgresStore) find(ctx context.Context, keyHash string, activeOnly bool) (*Credential, error) {
	query := `
		SELECT ` + pgTenantColumns + `, c.key_hash, c.user_id
		FROM credentials c
		JOIN tenants t ON t.id = c.tenant_id
		WHERE c.key_hash = $1`
	if activeOnly {
		query += ` AND t.active = true`
	}

	var c Credential
	var userID *string
	err := scanPgTenant(s.db.QueryRow(ctx, query, keyHash), &c.Tenant, &c.KeyHash, &userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownCredential
		}
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	if userID != nil {
		c.UserID = *userID
		c.Personal = true
	}
	return &c, nil
}

func (s *PostgresStore) FindActive(ctx context.Context, keyHash string) (*Credential, error) {
	return s.find(ctx, keyHash, true)
}

func (s *PostgresStore) Find(ctx context.Context, keyHash string) (*Credential, error) {
	return s.find(ctx, keyHash, false)
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := `SELECT ` + pgTenantColumns + ` FROM tenants t WHERE t.id = $1`
	var t Tenant
	if err := scanPgTenant(s.db.QueryRow(ctx, query, id), &t); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *Tenant, keyHash string) error {
	if keyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO tenants (id, name, daily_limit, weekly_limit, monthly_limit,
				user_daily_limit, user_weekly_limit, user_monthly_limit,
				active, upstream_url, upstream_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at`,
			t.ID, t.Name, t.Limits.Daily, t.Limits.Weekly, t.Limits.Monthly,
			t.UserLimits.Daily, t.UserLimits.Weekly, t.UserLimits.Monthly,
			t.Active, t.UpstreamURL, t.UpstreamKey,
		).Scan(&t.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO credentials (key_hash, tenant_id) VALUES ($1, $2)`, keyHash, t.ID); err != nil {
			return fmt.Errorf("failed to create tenant credential: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, t *Tenant) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tenants SET name = $2, daily_limit = $3, weekly_limit = $4, monthly_limit = $5,
			user_daily_limit = $6, user_weekly_limit = $7, user_monthly_limit = $8,
			upstream_url = $9, upstream_key = $10
		WHERE id = $1`,
		t.ID, t.Name, t.Limits.Daily, t.Limits.Weekly, t.Limits.Monthly,
		t.UserLimits.Daily, t.UserLimits.Weekly, t.UserLimits.Monthly,
		t.UpstreamURL, t.UpstreamKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE tenants SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set tenant active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (s *PostgresStore) RotateKey(ctx context.Context, tenantID, keyHash string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE credentials SET key_hash = $2, created_at = now()
		WHERE tenant_id = $1 AND user_id IS NULL`, tenantID, keyHash)
	if err != nil {
		return fmt.Errorf("failed to rotate key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (s *PostgresStore) PutPersonalKey(ctx context.Context, tenantID, userID, keyHash string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO credentials (key_hash, tenant_id, user_id) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, user_id) WHERE user_id IS NOT NULL
		DO UPDATE SET key_hash = EXCLUDED.key_hash, created_at = now()`,
		keyHash, tenantID, userID)
	if err != nil {
		return fmt.Errorf("failed to store personal key: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokePersonalKey(ctx context.Context, tenantID, userID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM credentials WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke personal key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownCredential
	}
	return nil
}

func (s *PostgresStore) KeyHashes(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT key_hash FROM credentials WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list key hashes: %w", err)
	}
	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan key hashes: %w", err)
	}
	return hashes, nil
}
