package linkstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/CCI-MOC/ulsr/internal/fabric"
)

// RedisStore keeps link state in Redis under <prefix>:<reservation>. A
// reservation's records are written once and never replaced.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "ulsr:ibstate"
	}
	return &RedisStore{client: client, prefix: normalized}
}

func (s *RedisStore) Load(ctx context.Context, reservation string) ([]fabric.Record, error) {
	data, err := s.client.Get(ctx, s.key(reservation)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fabric.ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("link state get: %w", err)
	}
	var records []fabric.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode link state of %s: %w", reservation, err)
	}
	return records, nil
}

func (s *RedisStore) Save(ctx context.Context, reservation string, records []fabric.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	stored, err := s.client.SetNX(ctx, s.key(reservation), data, 0).Result()
	if err != nil {
		return fmt.Errorf("link state setnx: %w", err)
	}
	if !stored {
		klog.InfoS("Link state already recorded, keeping it", "reservation", reservation)
	}
	return nil
}

func (s *RedisStore) key(reservation string) string {
	return s.prefix + ":" + reservation
}
