package tenant

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-meter/internal/sqlitedb"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "meter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

func ptr(v float64) *float64 { return &v }

func TestHashKey_StableAndOneWay(t *testing.T) {
	h := HashKey("mtr_secret")
	require.Len(t, h, 64)
	require.Equal(t, h, HashKey("mtr_secret"))
	require.NotEqual(t, h, HashKey("mtr_secreT"))
	require.NotContains(t, h, "secret")
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(a, KeyPrefix))
	require.NotEqual(t, a, b)
}

func TestCompareToken(t *testing.T) {
	require.True(t, CompareToken("admin-token", "admin-token"))
	require.False(t, CompareToken("admin-token", "admin-tokeN"))
	require.False(t, CompareToken("short", "a-much-longer-token"))
}

func TestLimits_Get(t *testing.T) {
	l := Limits{Daily: ptr(5), Monthly: ptr(100)}
	require.Equal(t, 5.0, *l.Get("daily"))
	require.Nil(t, l.Get("weekly"))
	require.Equal(t, 100.0, *l.Get("monthly"))
	require.Nil(t, l.Get("hourly"))
}

func TestSQLiteStore_TenantLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	tn := &Tenant{Name: "acme", Limits: Limits{Daily: ptr(5)}, UserLimits: Limits{Daily: ptr(1)}, Active: true}
	require.NoError(t, s.CreateTenant(ctx, tn, HashKey("shared")))
	require.NotEmpty(t, tn.ID)

	cred, err := s.FindActive(ctx, HashKey("shared"))
	require.NoError(t, err)
	require.Equal(t, tn.ID, cred.Tenant.ID)
	require.Equal(t, 5.0, *cred.Tenant.Limits.Daily)
	require.Nil(t, cred.Tenant.Limits.Weekly)
	require.Equal(t, 1.0, *cred.Tenant.UserLimits.Daily)
	require.False(t, cred.Personal)
	require.Empty(t, cred.UserID)

	// Deactivated tenants vanish from FindActive but not from Find.
	require.NoError(t, s.SetActive(ctx, tn.ID, false))
	_, err = s.FindActive(ctx, HashKey("shared"))
	require.ErrorIs(t, err, ErrUnknownCredential)
	cred, err = s.Find(ctx, HashKey("shared"))
	require.NoError(t, err)
	require.False(t, cred.Tenant.Active)

	require.NoError(t, s.SetActive(ctx, tn.ID, true))
	require.NoError(t, s.RotateKey(ctx, tn.ID, HashKey("rotated")))
	_, err = s.Find(ctx, HashKey("shared"))
	require.ErrorIs(t, err, ErrUnknownCredential)
	_, err = s.FindActive(ctx, HashKey("rotated"))
	require.NoError(t, err)

	tn.Name = "acme-renamed"
	tn.UpstreamURL = "https://acme.openai.azure.com"
	require.NoError(t, s.UpdateTenant(ctx, tn))
	got, err := s.GetTenant(ctx, tn.ID)
	require.NoError(t, err)
	require.Equal(t, "acme-renamed", got.Name)
	require.Equal(t, "https://acme.openai.azure.com", got.UpstreamURL)

	_, err = s.GetTenant(ctx, "missing")
	require.ErrorIs(t, err, ErrTenantNotFound)
	require.ErrorIs(t, s.SetActive(ctx, "missing", true), ErrTenantNotFound)
}

func TestSQLiteStore_PersonalKeys(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	tn := &Tenant{Name: "acme", Active: true}
	require.NoError(t, s.CreateTenant(ctx, tn, HashKey("shared")))

	require.NoError(t, s.PutPersonalKey(ctx, tn.ID, "alice@example.com", HashKey("alice-1")))
	cred, err := s.FindActive(ctx, HashKey("alice-1"))
	require.NoError(t, err)
	require.True(t, cred.Personal)
	require.Equal(t, "alice@example.com", cred.UserID)

	// At most one personal key per user: a new one replaces the old.
	require.NoError(t, s.PutPersonalKey(ctx, tn.ID, "alice@example.com", HashKey("alice-2")))
	_, err = s.Find(ctx, HashKey("alice-1"))
	require.ErrorIs(t, err, ErrUnknownCredential)

	// A hash already used by any credential is rejected.
	require.Error(t, s.PutPersonalKey(ctx, tn.ID, "bob@example.com", HashKey("shared")))

	hashes, err := s.KeyHashes(ctx, tn.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{HashKey("shared"), HashKey("alice-2")}, hashes)

	require.NoError(t, s.RevokePersonalKey(ctx, tn.ID, "alice@example.com"))
	require.ErrorIs(t, s.RevokePersonalKey(ctx, tn.ID, "alice@example.com"), ErrUnknownCredential)
}
