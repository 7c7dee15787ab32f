package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// maxUserIDLen bounds the free-text identity accepted from a header.
const maxUserIDLen = 128

// Directory resolves raw credentials to tenants. Resolutions of active keys
// are cached in Redis when a client is configured; admin mutations must call
// Invalidate.
type Directory struct {
	store  Store
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewDirectory(store Store, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(keyHash string) string {
	return fmt.Sprintf("tenant:cred:%s", keyHash)
}

// Resolve maps a raw key to its credential. headerUser is the optional
// free-text identity sent alongside a shared key; personal keys ignore it.
// It returns ErrUnknownCredential or ErrTenantInactive on failure.
func (d *Directory) Resolve(ctx context.Context, rawKey, headerUser string) (*Credential, error) {
	if rawKey == "" {
		return nil, ErrUnknownCredential
	}
	keyHash := HashKey(rawKey)

	cred, err := d.lookup(ctx, keyHash)
	if err != nil {
		return nil, err
	}

	out := *cred
	if !out.Personal {
		out.UserID = NormalizeUserID(headerUser)
	}
	return &out, nil
}

// cachedCredential is the Redis form of a resolution. The tenant's upstream
// secret is left out and re-read from the store when the tenant has one.
type cachedCredential struct {
	Tenant         Tenant `json:"tenant"`
	KeyHash        string `json:"key_hash"`
	UserID         string `json:"user_id,omitempty"`
	Personal       bool   `json:"personal"`
	HasUpstreamKey bool   `json:"has_upstream_key,omitempty"`
}

func newCachedCredential(c *Credential) *cachedCredential {
	out := &cachedCredential{
		Tenant:         c.Tenant,
		KeyHash:        c.KeyHash,
		UserID:         c.UserID,
		Personal:       c.Personal,
		HasUpstreamKey: c.Tenant.UpstreamKey != "",
	}
	out.Tenant.UpstreamKey = ""
	return out
}

func (c *cachedCredential) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

func (c *cachedCredential) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

func (d *Directory) lookup(ctx context.Context, keyHash string) (*Credential, error) {
	if d.cache != nil {
		cred, err := d.cached(ctx, keyHash)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, redis.Nil) {
			d.logger.Warn("tenant cache read failed", slog.Any("error", err))
		}
	}

	cred, err := d.store.FindActive(ctx, keyHash)
	if errors.Is(err, ErrUnknownCredential) {
		// Distinguish a deactivated tenant from a key that never existed.
		if _, ferr := d.store.Find(ctx, keyHash); ferr == nil {
			return nil, ErrTenantInactive
		} else if !errors.Is(ferr, ErrUnknownCredential) {
			return nil, ferr
		}
		return nil, ErrUnknownCredential
	}
	if err != nil {
		return nil, err
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, cacheKey(keyHash), newCachedCredential(cred), d.ttl).Err(); err != nil {
			d.logger.Warn("tenant cache write failed", slog.Any("error", err))
		}
	}
	return cred, nil
}

// cached returns redis.Nil on a miss.
func (d *Directory) cached(ctx context.Context, keyHash string) (*Credential, error) {
	var c cachedCredential
	if err := d.cache.Get(ctx, cacheKey(keyHash)).Scan(&c); err != nil {
		return nil, err
	}
	cred := &Credential{Tenant: c.Tenant, KeyHash: c.KeyHash, UserID: c.UserID, Personal: c.Personal}
	if c.HasUpstreamKey {
		t, err := d.store.GetTenant(ctx, c.Tenant.ID)
		if errors.Is(err, ErrTenantNotFound) {
			return nil, redis.Nil
		}
		if err != nil {
			return nil, err
		}
		cred.Tenant.UpstreamKey = t.UpstreamKey
	}
	return cred, nil
}

// Invalidate drops cached resolutions for the given key hashes.
func (d *Directory) Invalidate(ctx context.Context, keyHashes ...string) error {
	if d.cache == nil || len(keyHashes) == 0 {
		return nil
	}
	keys := make([]string, len(keyHashes))
	for i, h := range keyHashes {
		keys[i] = cacheKey(h)
	}
	if err := d.cache.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate tenant cache: %w", err)
	}
	return nil
}

// InvalidateTenant drops cached resolutions for every current key of a tenant.
func (d *Directory) InvalidateTenant(ctx context.Context, tenantID string) error {
	if d.cache == nil {
		return nil
	}
	hashes, err := d.store.KeyHashes(ctx, tenantID)
	if err != nil {
		return err
	}
	return d.Invalidate(ctx, hashes...)
}

// NormalizeUserID trims a header-supplied identity, drops invalid UTF-8 and
// control characters, and bounds its length on a rune boundary.
func NormalizeUserID(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if len(s) > maxUserIDLen {
		cut := maxUserIDLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = strings.TrimSpace(s[:cut])
	}
	return s
}
