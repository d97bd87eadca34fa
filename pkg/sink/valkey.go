package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/nimdanitro/greensens-scraper-go/pkg/config"
	"github.com/nimdanitro/greensens-scraper-go/pkg/greensens"
)

const keyPrefix = "greensens:sensor:last:"

type setter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Valkey keeps the latest reading of every sensor under
// greensens:sensor:last:<sensorID>. Keys expire so that removed sensors
// disappear.
type Valkey struct {
	rdb   setter
	ttl   time.Duration
	close func() error
}

func NewValkey(ctx context.Context, cfg config.ValkeyConfig) (*Valkey, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("valkey unavailable: %w", err)
	}
	return &Valkey{rdb: rdb, ttl: cfg.TTL, close: rdb.Close}, nil
}

func (v *Valkey) Write(ctx context.Context, snap greensens.Snapshot) (err error) {
	if snap.Taken.IsZero() {
		return nil
	}
	for _, hub := range snap.Hubs {
		for _, s := range hub.Sensors(false) {
			payload, merr := newReading(hub, s, snap.Taken).marshal()
			if merr != nil {
				err = multierr.Append(err, merr)
				continue
			}
			if serr := v.rdb.Set(ctx, keyPrefix+s.ID(), payload, v.ttl).Err(); serr != nil {
				err = multierr.Append(err, fmt.Errorf("failed to update %s: %w", s.ID(), serr))
			}
		}
	}
	return err
}

func (v *Valkey) Close() error {
	if v.close != nil {
		return v.close()
	}
	return nil
}
