package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Key derives a stable cache key "{prefix}:{fnName}:{hexdigest}" from the
// call arguments. Arguments are canonicalized through JSON (maps are
// serialized with sorted keys by encoding/json) and hashed with MD5.
func Key(prefix, fnName string, args ...any) string {
	payload, err := json.Marshal(args)
	if err != nil {
		// Non-serializable args fall back to their formatted form so
		// the call still caches, just with a weaker key.
		payload = []byte(fmt.Sprintf("%v", args))
	}
	sum := md5.Sum(payload)
	return prefix + ":" + fnName + ":" + hex.EncodeToString(sum[:])
}

// Cached wraps fn so repeated calls with equal arguments are served from c.
// A hit bypasses fn entirely; errors are never cached.
func Cached[A any, R any](c *Cache, prefix, fnName string, ttl time.Duration, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		key := Key(prefix, fnName, arg)
		if val, ok := c.Get(key); ok {
			if typed, ok := val.(R); ok {
				return typed, nil
			}
		}

		result, err := fn(ctx, arg)
		if err != nil {
			var zero R
			return zero, err
		}
		c.Set(key, result, ttl)
		return result, nil
	}
}
