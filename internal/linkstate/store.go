package linkstate

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	configv1 "github.com/CCI-MOC/ulsr/api/config/v1"
	"github.com/CCI-MOC/ulsr/internal/fabric"
)

// New returns the store selected by cfg.Backend.
func New(cfg configv1.LinkStateConfig) (fabric.StateStore, error) {
	switch cfg.Backend {
	case configv1.LinkStateHTTP:
		return NewHTTPStore(cfg.URL, cfg.APIKey, cfg.Timeout.Duration), nil
	case configv1.LinkStateRedis:
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.RedisAddr,
			DialTimeout: cfg.Timeout.Duration,
			ReadTimeout: cfg.Timeout.Duration,
		})
		return NewRedisStore(client, cfg.RedisPrefix), nil
	case configv1.LinkStateFile:
		return NewFileStore(cfg.Dir)
	case configv1.LinkStateMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown link state backend %q", cfg.Backend)
}
