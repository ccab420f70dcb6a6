// Package throttle bounds per-campaign send rates with a Redis counter so
// the cap holds across every worker process, not per process.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is a fixed-window rate counter keyed per campaign and minute.
type Counter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCounter builds a counter. The TTL only needs to outlive the minute
// window; two minutes keeps clock skew between workers harmless.
func NewCounter(client *redis.Client) *Counter {
	return &Counter{
		client: client,
		prefix: "throttle:",
		ttl:    2 * time.Minute,
	}
}

// Allow consumes one send slot for the campaign in the current minute
// window if fewer than limit have been consumed. Returns the allowed flag
// and the count after this call. A limit < 1 means unthrottled.
func (c *Counter) Allow(ctx context.Context, campaignID string, limit int, now time.Time) (bool, int64, error) {
	if limit < 1 {
		return true, 0, nil
	}
	key := fmt.Sprintf("%s%s:%d", c.prefix, campaignID, now.Unix()/60)
	res, err := windowScript.Run(ctx, c.client, []string{key}, limit, c.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected reply from throttle script: %T", res)
	}
	allowed := arr[0].(int64) == 1
	count, _ := arr[1].(int64)
	return allowed, count, nil
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local count = tonumber(redis.call('GET', key) or '0')
if count >= limit then
  return {0, count}
end

count = redis.call('INCR', key)
if count == 1 and ttl > 0 then
  redis.call('PEXPIRE', key, ttl)
end
return {1, count}
`)
