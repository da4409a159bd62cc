package cache

import (
	"context"
	"time"
)

// Get returns the value under key when it is present and of type T.
func Get[T any](s *Store, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Fetch is a read-through lookup. On a miss fn is called once per key no
// matter how many goroutines miss concurrently, and its result is stored
// with ttl. Errors from fn are returned as is and nothing is cached.
//
// fn runs detached from the caller that started it. Each caller stops
// waiting when its own ctx ends, without affecting the others.
func Fetch[T any](ctx context.Context, s *Store, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := Get[T](s, key); ok {
		return v, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (any, error) {
		v, err := fn(detached)
		if err != nil {
			return nil, err
		}
		s.Set(key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}
