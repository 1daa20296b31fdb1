package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultBusyTTL  = 2 * time.Minute
	busyKeyPrefix   = "clubhouse:busy:"
	invalidateBatch = 100
)

// BusyCache memoizes busy-period lookups in Redis. Cache failures fall through
// to the upstream source and never fail the lookup on their own.
type BusyCache struct {
	upstream BusySource
	client   redis.UniversalClient
	ttl      time.Duration
	logger   *zap.Logger
}

var _ BusySource = (*BusyCache)(nil)

// BusyCacheConfig configures a BusyCache.
type BusyCacheConfig struct {
	Upstream BusySource
	Client   redis.UniversalClient
	TTL      time.Duration
	Logger   *zap.Logger
}

// NewBusyCache wraps upstream with a Redis cache.
func NewBusyCache(cfg BusyCacheConfig) (*BusyCache, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("calendar: busy cache upstream is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("calendar: busy cache redis client is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultBusyTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusyCache{upstream: cfg.Upstream, client: cfg.Client, ttl: ttl, logger: logger}, nil
}

type cachedPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (c *BusyCache) GetBusyPeriods(ctx context.Context, calendarID string, from, to time.Time) ([]BusyPeriod, error) {
	key := busyKey(calendarID, from, to)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []cachedPeriod
		if decodeErr := json.Unmarshal(raw, &cached); decodeErr == nil {
			periods := make([]BusyPeriod, 0, len(cached))
			for _, period := range cached {
				periods = append(periods, BusyPeriod{Start: period.Start, End: period.End})
			}
			return periods, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("busy cache read failed", zap.String("calendar_id", calendarID), zap.Error(err))
	}

	periods, err := c.upstream.GetBusyPeriods(ctx, calendarID, from, to)
	if err != nil {
		return nil, err
	}

	encoded := make([]cachedPeriod, 0, len(periods))
	for _, period := range periods {
		encoded = append(encoded, cachedPeriod{Start: period.Start.UTC(), End: period.End.UTC()})
	}
	payload, err := json.Marshal(encoded)
	if err == nil {
		if setErr := c.client.Set(ctx, key, payload, c.ttl).Err(); setErr != nil {
			c.logger.Warn("busy cache write failed", zap.String("calendar_id", calendarID), zap.Error(setErr))
		}
	}
	return periods, nil
}

// Invalidate removes every cached window of the calendar.
func (c *BusyCache) Invalidate(ctx context.Context, calendarID string) error {
	pattern := busyKeyPrefix + calendarID + ":*"
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, invalidateBatch).Result()
		if err != nil {
			return fmt.Errorf("calendar: scan busy cache: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("calendar: delete busy cache keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func busyKey(calendarID string, from, to time.Time) string {
	return fmt.Sprintf("%s%s:%d:%d", busyKeyPrefix, calendarID, from.Unix(), to.Unix())
}
