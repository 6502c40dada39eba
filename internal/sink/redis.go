package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigbag/sds011/internal/config"
)

// Redis appends measurements to a stream and publishes them on a channel.
type Redis struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	channel string
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	if !cfg.Enabled {
		return nil, errors.New("redis sink is not enabled")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newRedis(rdb, cfg), nil
}

func newRedis(rdb *redis.Client, cfg config.RedisConfig) *Redis {
	return &Redis{
		client:  rdb,
		stream:  cfg.Stream,
		maxLen:  cfg.MaxLen,
		channel: cfg.Channel,
	}
}

// Push writes m to the stream (if configured) and publishes it (if configured).
func (r *Redis) Push(ctx context.Context, m Measurement) error {
	if r.stream != "" {
		args := &redis.XAddArgs{
			Stream: r.stream,
			Values: streamValues(m),
		}
		if r.maxLen > 0 {
			args.MaxLen = r.maxLen
			args.Approx = true
		}
		if err := r.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("xadd %s: %w", r.stream, err)
		}
	}

	if r.channel != "" {
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", r.channel, err)
		}
	}
	return nil
}

// Close closes the redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func streamValues(m Measurement) map[string]any {
	return map[string]any{
		"id":        m.ID.String(),
		"device_id": fmt.Sprintf("%04X", m.DeviceID),
		"pm25":      strconv.FormatFloat(m.PM25, 'f', 1, 64),
		"pm10":      strconv.FormatFloat(m.PM10, 'f', 1, 64),
		"unit":      m.Unit,
		"ts":        m.Time.Format(time.RFC3339Nano),
	}
}
