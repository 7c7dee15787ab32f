package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-meter/internal/sqlitedb"
)

// SQLiteStore is the single-node Store backed by modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) Store {
	return &SQLiteStore{db: db}
}

const sqliteTenantColumns = `t.id, t.name, t.daily_limit, t.weekly_limit, t.monthly_limit,
	t.user_daily_limit, t.user_weekly_limit, t.user_monthly_limit,
	t.active, t.upstream_url, t.upstream_key, t.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTenant(row rowScanner, t *Tenant, extra ...any) error {
	var created string
	dest := []any{
		&t.ID, &t.Name, &t.Limits.Daily, &t.Limits.Weekly, &t.Limits.Monthly,
		&t.UserLimits.Daily, &t.UserLimits.Weekly, &t.UserLimits.Monthly,
		&t.Active, &t.UpstreamURL, &t.UpstreamKey, &created,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	at, err := sqlitedb.ParseTime(created)
	if err != nil {
		return fmt.Errorf("invalid created_at %q: %w", created, err)
	}
	t.CreatedAt = at
	return nil
}

func (s *SQLiteStore) find(ctx context.Context, keyHash string, activeOnly bool) (*Credential, error) {
	query := `
		SELECT ` + sqliteTenantColumns + `, c.key_hash, c.user_id
		FROM credentials c
		JOIN tenants t ON t.id = c.tenant_id
		WHERE c.key_hash = ?`
	if activeOnly {
		query += ` AND t.active = 1`
	}

	var c Credential
	var userID sql.NullString
	err := scanSQLiteTenant(s.db.QueryRowContext(ctx, query, keyHash), &c.Tenant, &c.KeyHash, &userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownCredential
		}
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	if userID.Valid {
		c.UserID = userID.String
		c.Personal = true
	}
	return &c, nil
}

func (s *SQLiteStore) FindActive(ctx context.Context, keyHash string) (*Credential, error) {
	return s.find(ctx, keyHash, true)
}

func (s *SQLiteStore) Find(ctx context.Context, keyHash string) (*Credential, error) {
	return s.find(ctx, keyHash, false)
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := `SELECT ` + sqliteTenantColumns + ` FROM tenants t WHERE t.id = ?`
	var t Tenant
	if err := scanSQLiteTenant(s.db.QueryRowContext(ctx, query, id), &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) CreateTenant(ctx context.Context, t *Tenant, keyHash string) error {
	if keyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()
	now := sqlitedb.FormatTime(t.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (id, name, daily_limit, weekly_limit, monthly_limit,
			user_daily_limit, user_weekly_limit, user_monthly_limit,
			active, upstream_url, upstream_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Limits.Daily, t.Limits.Weekly, t.Limits.Monthly,
		t.UserLimits.Daily, t.UserLimits.Weekly, t.UserLimits.Monthly,
		t.Active, t.UpstreamURL, t.UpstreamKey, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credentials (key_hash, tenant_id, created_at) VALUES (?, ?, ?)`,
		keyHash, t.ID, now); err != nil {
		return fmt.Errorf("failed to create tenant credential: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateTenant(ctx context.Context, t *Tenant) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET name = ?, daily_limit = ?, weekly_limit = ?, monthly_limit = ?,
			user_daily_limit = ?, user_weekly_limit = ?, user_monthly_limit = ?,
			upstream_url = ?, upstream_key = ?
		WHERE id = ?`,
		t.Name, t.Limits.Daily, t.Limits.Weekly, t.Limits.Monthly,
		t.UserLimits.Daily, t.UserLimits.Weekly, t.UserLimits.Monthly,
		t.UpstreamURL, t.UpstreamKey, t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	return requireRow(res, ErrTenantNotFound)
}

func (s *SQLiteStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("failed to set tenant active: %w", err)
	}
	return requireRow(res, ErrTenantNotFound)
}

func (s *SQLiteStore) RotateKey(ctx context.Context, tenantID, keyHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET key_hash = ?, created_at = ?
		WHERE tenant_id = ? AND user_id IS NULL`,
		keyHash, sqlitedb.FormatTime(time.Now()), tenantID)
	if err != nil {
		return fmt.Errorf("failed to rotate key: %w", err)
	}
	return requireRow(res, ErrTenantNotFound)
}

func (s *SQLiteStore) PutPersonalKey(ctx context.Context, tenantID, userID, keyHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (key_hash, tenant_id, user_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, user_id) WHERE user_id IS NOT NULL
		DO UPDATE SET key_hash = excluded.key_hash, created_at = excluded.created_at`,
		keyHash, tenantID, userID, sqlitedb.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to store personal key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RevokePersonalKey(ctx context.Context, tenantID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE tenant_id = ? AND user_id = ?`, tenantID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke personal key: %w", err)
	}
	return requireRow(res, ErrUnknownCredential)
}

func (s *SQLiteStore) KeyHashes(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_hash FROM credentials WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list key hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan key hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
