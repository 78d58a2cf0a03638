package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/chainbill/pkg/config"
	"github.com/angelmondragon/chainbill/pkg/logger"
)

// Nil is returned by reads against missing keys or empty lists.
var Nil = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client is the narrow Redis surface used for subscription locks, the cycle
// lock and the reconciliation queue.
type Client struct {
	conn *redis.Client
}

// Pinger exposes the health-check surface.
type Pinger interface {
	Ping(context.Context) error
}

// New dials Redis from cfg and pings it before returning.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	conn := redis.NewClient(opts)
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"addr": opts.Addr, "db": opts.DB}), "redis connection established")
	}
	return &Client{conn: conn}, nil
}

// NewFromRaw wraps an existing go-redis client.
func NewFromRaw(conn *redis.Client) *Client {
	return &Client{conn: conn}
}

// optionsFromConfig prefers the URL form; pool and timeout settings from cfg
// fill whatever the URL left unset.
func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	case cfg.Address != "":
		opts = &redis.Options{Addr: cfg.Address, Password: cfg.Password}
	default:
		return nil, errors.New("redis url or address is required")
	}

	fillInt(&opts.DB, cfg.DB)
	fillInt(&opts.PoolSize, cfg.PoolSize)
	fillInt(&opts.MinIdleConns, cfg.MinIdleConns)
	fillDuration(&opts.DialTimeout, cfg.DialTimeout)
	fillDuration(&opts.ReadTimeout, cfg.ReadTimeout)
	fillDuration(&opts.WriteTimeout, cfg.WriteTimeout)
	return opts, nil
}

func fillInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func fillDuration(dst *time.Duration, v time.Duration) {
	if *dst == 0 {
		*dst = v
	}
}

func (c *Client) ready() (*redis.Client, error) {
	if c == nil || c.conn == nil {
		return nil, errNotInitialized
	}
	return c.conn, nil
}

// Set stores value at key; a zero ttl keeps it forever.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	conn, err := c.ready()
	if err != nil {
		return err
	}
	return conn.Set(ctx, key, value, ttl).Err()
}

// SetNX claims key for value unless it is already held.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	conn, err := c.ready()
	if err != nil {
		return false, err
	}
	return conn.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	conn, err := c.ready()
	if err != nil {
		return false, err
	}
	n, err := conn.Exists(ctx, key).Result()
	return n > 0, err
}

// CompareAndDelete deletes key only when it still holds value and reports
// whether it did.
func (c *Client) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	conn, err := c.ready()
	if err != nil {
		return false, err
	}
	n, err := compareAndDelete.Run(ctx, conn, []string{key}, value).Int64()
	return n > 0, err
}

func (c *Client) RPush(ctx context.Context, key string, values ...any) error {
	conn, err := c.ready()
	if err != nil {
		return err
	}
	return conn.RPush(ctx, key, values...).Err()
}

// LPop returns Nil when the list is empty.
func (c *Client) LPop(ctx context.Context, key string) (string, error) {
	conn, err := c.ready()
	if err != nil {
		return "", err
	}
	return conn.LPop(ctx, key).Result()
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	conn, err := c.ready()
	if err != nil {
		return 0, err
	}
	return conn.LLen(ctx, key).Result()
}

// PushWithMarker sets markerKey and appends value to listKey inside one
// MULTI/EXEC so the marker never exists without its list entry.
func (c *Client) PushWithMarker(ctx context.Context, markerKey, listKey string, value any) error {
	conn, err := c.ready()
	if err != nil {
		return err
	}
	_, err = conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, markerKey, "1", 0)
		pipe.RPush(ctx, listKey, value)
		return nil
	})
	return err
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	conn, err := c.ready()
	if err != nil {
		return err
	}
	return conn.Del(ctx, keys...).Err()
}

func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.ready()
	if err != nil {
		return err
	}
	return conn.Ping(ctx).Err()
}

// Close is a no-op on an uninitialized client.
func (c *Client) Close() error {
	conn, err := c.ready()
	if err != nil {
		return nil
	}
	return conn.Close()
}
