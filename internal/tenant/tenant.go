package tenant

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownCredential = errors.New("credential not found")
	ErrTenantInactive    = errors.New("tenant is deactivated")
	ErrTenantNotFound    = errors.New("tenant not found")
)

// KeyPrefix marks every credential minted by this service.
const KeyPrefix = "mtr_"

const keyBytes = 32

// Limits holds per-period spend ceilings in USD. A nil ceiling is unlimited.
type Limits struct {
	Daily   *float64 `json:"daily,omitempty"`
	Weekly  *float64 `json:"weekly,omitempty"`
	Monthly *float64 `json:"monthly,omitempty"`
}

// Get returns the ceiling for "daily", "weekly" or "monthly".
func (l Limits) Get(period string) *float64 {
	switch period {
	case "daily":
		return l.Daily
	case "weekly":
		return l.Weekly
	case "monthly":
		return l.Monthly
	}
	return nil
}

type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Limits      Limits    `json:"limits"`
	UserLimits  Limits    `json:"user_limits"` // default ceiling for each user
	Active      bool      `json:"active"`
	UpstreamURL string    `json:"upstream_url,omitempty"`
	UpstreamKey string    `json:"upstream_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Credential is the result of resolving a raw key.
type Credential struct {
	Tenant   Tenant `json:"tenant"`
	KeyHash  string `json:"key_hash"`
	UserID   string `json:"user_id,omitempty"` // "" is the anonymous bucket
	Personal bool   `json:"personal"`          // UserID is implied by the key itself
}

// HeaderUserPrefix marks spend attributed to an identity taken from the user
// header. Personal user ids may not start with it, so the two never share a
// budget bucket.
const HeaderUserPrefix = "hdr:"

// SpendKey is the user component under which spend is aggregated and
// budgets are read.
func SpendKey(userID string, personal bool) string {
	if userID == "" || personal {
		return userID
	}
	return HeaderUserPrefix + userID
}

func (c *Credential) SpendKey() string {
	return SpendKey(c.UserID, c.Personal)
}

type Store interface {
	// FindActive resolves a key hash whose tenant is active.
	FindActive(ctx context.Context, keyHash string) (*Credential, error)
	// Find resolves a key hash regardless of the tenant's active flag.
	Find(ctx context.Context, keyHash string) (*Credential, error)

	GetTenant(ctx context.Context, id string) (*Tenant, error)
	CreateTenant(ctx context.Context, t *Tenant, keyHash string) error
	UpdateTenant(ctx context.Context, t *Tenant) error
	SetActive(ctx context.Context, id string, active bool) error
	RotateKey(ctx context.Context, tenantID, keyHash string) error
	// PutPersonalKey creates or replaces the one personal key of a user.
	PutPersonalKey(ctx context.Context, tenantID, userID, keyHash string) error
	RevokePersonalKey(ctx context.Context, tenantID, userID string) error
	KeyHashes(ctx context.Context, tenantID string) ([]string, error)
}

// HashKey is the one-way digest stored in place of a raw key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// GenerateKey mints a new random credential. The plaintext is returned once
// and never stored.
func GenerateKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// CompareToken reports whether two secrets are equal in constant time,
// independent of their lengths.
func CompareToken(got, want string) bool {
	a := sha256.Sum256([]byte(got))
	b := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
