package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/polisai/polis-mta/internal/redisconn"
	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

// Redis delegates lookups to a redis server. With UseHash the key holds a
// hash whose fields are the attributes; otherwise it holds a JSON object.
type Redis struct {
	client      redis.Cmdable
	keyTemplate string
	useHash     bool
}

// NewRedis builds a redis-backed table from sec.
func NewRedis(_ context.Context, sec *config.Section) (*Redis, error) {
	client, err := redisconn.New(sec)
	if err != nil {
		return nil, err
	}
	useHash, err := sec.Bool("use_hash", false)
	if err != nil {
		return nil, err
	}
	return NewRedisWithClient(client, sec.String("key_template", "{address}"), useHash), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.Cmdable, keyTemplate string, useHash bool) *Redis {
	return &Redis{client: client, keyTemplate: keyTemplate, useHash: useHash}
}

// LookupAddress fetches the key derived from address and params. A missing
// key is no match; transport failures wrap ErrLookupUnavailable.
func (r *Redis) LookupAddress(ctx context.Context, address string, params map[string]string) (Attributes, bool, error) {
	key := expandKey(r.keyTemplate, address, params)

	if r.useHash {
		fields, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, false, fmt.Errorf("%w: hgetall %s: %v", domain.ErrLookupUnavailable, key, err)
		}
		if len(fields) == 0 {
			return nil, false, nil
		}
		attrs := make(Attributes, len(fields))
		for k, v := range fields {
			attrs[k] = v
		}
		return attrs, true, nil
	}

	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", domain.ErrLookupUnavailable, key, err)
	}
	attrs := Attributes{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return nil, false, fmt.Errorf("%w: decode %s: %v", domain.ErrLookupUnavailable, key, err)
		}
	}
	return attrs, true, nil
}

// Close releases the client when it owns one.
func (r *Redis) Close() error {
	if c, ok := r.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
