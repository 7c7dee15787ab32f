package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Snapshot persists the last catalog that loaded successfully.
type Snapshot interface {
	Save(ctx context.Context, c Catalog, loadedAt time.Time) error
	// Load returns ErrNoCatalog when nothing was saved.
	Load(ctx context.Context) (Catalog, time.Time, error)
}

const snapshotKey = "pricing:catalog:v1"

type snapshotValue struct {
	LoadedAt time.Time `json:"loaded_at"`
	Prices   Catalog   `json:"prices"`
}

func (v snapshotValue) MarshalBinary() ([]byte, error) {
	return json.Marshal(v)
}

func (v *snapshotValue) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, v)
}

type RedisSnapshot struct {
	client *redis.Client
}

func NewRedisSnapshot(client *redis.Client) *RedisSnapshot {
	return &RedisSnapshot{client: client}
}

func (s *RedisSnapshot) Save(ctx context.Context, c Catalog, loadedAt time.Time) error {
	v := snapshotValue{LoadedAt: loadedAt.UTC(), Prices: c}
	if err := s.client.Set(ctx, snapshotKey, v, 0).Err(); err != nil {
		return fmt.Errorf("failed to save price snapshot: %w", err)
	}
	return nil
}

func (s *RedisSnapshot) Load(ctx context.Context) (Catalog, time.Time, error) {
	var v snapshotValue
	err := s.client.Get(ctx, snapshotKey).Scan(&v)
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, ErrNoCatalog
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load price snapshot: %w", err)
	}
	if len(v.Prices) == 0 {
		return nil, time.Time{}, ErrNoCatalog
	}
	return v.Prices, v.LoadedAt, nil
}
