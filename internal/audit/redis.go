package audit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/btcwrap/pkg/errors"
)

// streamMaxLen caps the audit stream; trimming is approximate.
const streamMaxLen = 100000

// streamAdder is the part of *redis.Client the sink uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisSink appends records to a Redis stream.
type RedisSink struct {
	client streamAdder
	stream string
}

// NewRedisSink creates a sink from a redis:// or rediss:// URL.
func NewRedisSink(url, stream string, timeout time.Duration) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "redis_setup",
			"invalid AUDIT_REDIS_URL").
			WithRetryable(false)
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	opts.PoolSize = 1
	opts.MaxRetries = 0

	return newRedisSink(redis.NewClient(opts), stream), nil
}

func newRedisSink(client streamAdder, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

// Name implements Sink
func (r *RedisSink) Name() string { return "redis" }

// Write implements Sink
func (r *RedisSink) Write(ctx context.Context, rec Record) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: rec.FlatFields(),
	}).Err()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeAudit, "redis_xadd",
			"failed to append audit record to Redis stream").
			WithContext("stream", r.stream)
	}
	return nil
}

// Close implements Sink
func (r *RedisSink) Close() error {
	return r.client.Close()
}
