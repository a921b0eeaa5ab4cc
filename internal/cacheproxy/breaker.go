package cacheproxy

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned while the backend is considered unavailable.
var ErrBreakerOpen = errors.New("cache backend circuit open")

type BreakerSettings struct {
	Name     string
	Failures int
	Timeout  time.Duration
}

type breakerBackend struct {
	backend Backend
	cb      *gobreaker.CircuitBreaker
}

// WithBreaker stops calling a failing backend after the configured number of
// consecutive failures and retries it after the timeout. A tripped breaker
// turns reads into misses and writes into rejections.
func WithBreaker(b Backend, s BreakerSettings, logger *logrus.Logger) Backend {
	if s.Failures <= 0 {
		return b
	}

	log := logger.WithField("component", "cache_breaker")
	return &breakerBackend{
		backend: b,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        s.Name,
			MaxRequests: 1,
			Timeout:     s.Timeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return int(c.ConsecutiveFailures) >= s.Failures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.WithFields(logrus.Fields{
					"backend": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Cache backend circuit changed state")
			},
		}),
	}
}

func (b *breakerBackend) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrBreakerOpen
	}
	return v, err
}

type getResult struct {
	value []byte
	ok    bool
}

func (b *breakerBackend) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	v, err := b.execute(func() (interface{}, error) {
		value, ok, err := b.backend.Get(ctx, key)
		return getResult{value: value, ok: ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(getResult)
	return r.value, r.ok, nil
}

func (b *breakerBackend) Set(ctx context.Context, key Key, value []byte) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.backend.Set(ctx, key, value)
	})
	return err
}

func (b *breakerBackend) Delete(ctx context.Context, key Key) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.backend.Delete(ctx, key)
	})
	return err
}

func (b *breakerBackend) DeleteAll(ctx context.Context, resource string, kind Kind) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.backend.DeleteAll(ctx, resource, kind)
	})
	return err
}
