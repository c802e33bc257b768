package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-station/internal/models"
)

// requestCoalescer runs at most one fetch per key. The fetch runs on a context
// detached from any single caller and bounded by timeout, so a caller that
// gives up does not abort the fetch other callers (and the cache) are waiting on.
type requestCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{timeout: timeout}
}

// GetOrDo joins the in-flight fetch for key or starts one. shared reports
// whether the result was delivered to more than one caller.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(context.Context) (models.WeatherSnapshot, error)) (snap models.WeatherSnapshot, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := rc.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(detached, rc.timeout)
		defer cancel()
		return fn(fctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.WeatherSnapshot{}, res.Shared, res.Err
		}
		return res.Val.(models.WeatherSnapshot), res.Shared, nil
	case <-ctx.Done():
		return models.WeatherSnapshot{}, false, ctx.Err()
	}
}

// Forget drops the in-flight record for key so the next caller starts a fresh fetch.
func (rc *requestCoalescer) Forget(key string) {
	rc.group.Forget(key)
}
