// Package redisbackend implements storage.Backend over Redis, the default
// durable backend, fronted by a circuit breaker: open after a run of
// consecutive failures, refuse calls for a cool-off window, then probe
// with a single half-open request before closing again.
package redisbackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yelp/casper/internal/model"
	"github.com/yelp/casper/internal/storage"
)

// Config configures the Redis connection.
type Config struct {
	Addrs        []string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	CircuitMaxFailures int
	CircuitCoolOff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
	if c.CircuitMaxFailures == 0 {
		c.CircuitMaxFailures = 5
	}
	if c.CircuitCoolOff == 0 {
		c.CircuitCoolOff = 10 * time.Second
	}
	return c
}

// surrogateSetPrefix namespaces the Redis sets used as the surrogate-key
// index, separate from the primary record keyspace.
const surrogateSetPrefix = "casper:surrogate:"

// Backend is a storage.Backend backed by Redis, fronted by a circuit
// breaker.
type Backend struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	breaker *circuitBreaker
}

// New dials Redis per cfg and returns a ready Backend.
func New(cfg Config, logger *zap.Logger) *Backend {
	cfg = cfg.withDefaults()
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Backend{
		client:  client,
		logger:  logger,
		breaker: newCircuitBreaker(cfg.CircuitMaxFailures, cfg.CircuitCoolOff),
	}
}

// Get fetches the record stored under key. A Redis error or an open
// circuit both surface as storage.ErrTransport-wrapping errors.
func (b *Backend) Get(ctx context.Context, key string) (*model.Response, error) {
	if !b.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit open", storage.ErrTransport)
	}
	raw, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		b.breaker.RecordSuccess()
		return nil, nil
	}
	if err != nil {
		b.breaker.RecordFailure()
		return nil, fmt.Errorf("%w: %v", storage.ErrTransport, err)
	}
	b.breaker.RecordSuccess()
	resp, err := decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrTransport, err)
	}
	return resp, nil
}

// Store writes resp under key with ttl, and adds key to each surrogate
// key's Redis set so a purge can enumerate every record the surrogate
// indexes.
func (b *Backend) Store(ctx context.Context, key string, surrogateKeys []string, resp *model.Response, ttl time.Duration) error {
	if !b.breaker.Allow() {
		return fmt.Errorf("%w: circuit open", storage.ErrTransport)
	}
	raw := encodeRecord(resp)

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, key, raw, ttl)
	for _, sk := range surrogateKeys {
		setKey := surrogateSetPrefix + sk
		pipe.SAdd(ctx, setKey, key)
		pipe.Expire(ctx, setKey, ttl+time.Hour) // outlive the record it indexes
	}
	if _, err := pipe.Exec(ctx); err != nil {
		b.breaker.RecordFailure()
		return fmt.Errorf("%w: %v", storage.ErrTransport, err)
	}
	b.breaker.RecordSuccess()
	return nil
}

// DeleteBySurrogates removes every primary key indexed under any of
// keys: a record is reachable for deletion by any surrogate it was
// stored under.
func (b *Backend) DeleteBySurrogates(ctx context.Context, keys []string) (int, error) {
	if !b.breaker.Allow() {
		return 0, fmt.Errorf("%w: circuit open", storage.ErrTransport)
	}

	primaryKeys := make(map[string]struct{})
	for _, sk := range keys {
		setKey := surrogateSetPrefix + sk
		members, err := b.client.SMembers(ctx, setKey).Result()
		if err != nil {
			b.breaker.RecordFailure()
			return 0, fmt.Errorf("%w: %v", storage.ErrTransport, err)
		}
		for _, m := range members {
			primaryKeys[m] = struct{}{}
		}
	}
	if len(primaryKeys) == 0 {
		b.breaker.RecordSuccess()
		return 0, nil
	}

	toDelete := make([]string, 0, len(primaryKeys))
	for pk := range primaryKeys {
		toDelete = append(toDelete, pk)
	}
	n, err := b.client.Del(ctx, toDelete...).Result()
	if err != nil {
		b.breaker.RecordFailure()
		return 0, fmt.Errorf("%w: %v", storage.ErrTransport, err)
	}
	for _, sk := range keys {
		b.client.Del(ctx, surrogateSetPrefix+sk)
	}
	b.breaker.RecordSuccess()
	return int(n), nil
}

// Close closes the underlying Redis client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// circuitState enumerates the breaker's three states.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

type circuitBreaker struct {
	mu              sync.Mutex
	state           circuitState
	maxFailures     int
	coolOff         time.Duration
	failures        int
	lastFailureTime time.Time
}

func newCircuitBreaker(maxFailures int, coolOff time.Duration) *circuitBreaker {
	return &circuitBreaker{maxFailures: maxFailures, coolOff: coolOff}
}

// Allow reports whether a call should proceed, transitioning Open->HalfOpen
// once the cool-off window has elapsed.
func (c *circuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case circuitOpen:
		if time.Since(c.lastFailureTime) >= c.coolOff {
			c.state = circuitHalfOpen
			return true
		}
		return false
	case circuitHalfOpen:
		// The single probe is in flight; refuse until it records a result.
		return false
	default:
		return true
	}
}

func (c *circuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.state = circuitClosed
}

func (c *circuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastFailureTime = time.Now()
	if c.failures >= c.maxFailures {
		c.state = circuitOpen
	}
}
