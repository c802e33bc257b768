package service

import (
	"context"
	"time"
)

// Gate enforces a minimum interval between upstream dispatches across all
// goroutines. Dispatch times returned by Wait are at least minInterval apart.
type Gate struct {
	slot        chan struct{}
	minInterval time.Duration
	last        time.Time // guarded by slot
}

func NewGate(minInterval time.Duration) *Gate {
	return &Gate{
		slot:        make(chan struct{}, 1),
		minInterval: minInterval,
	}
}

// Wait blocks until the caller may dispatch and returns the dispatch time.
// Both acquiring the slot and the spacing sleep stop when ctx is done.
func (g *Gate) Wait(ctx context.Context) (time.Time, error) {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
	defer func() { <-g.slot }()

	if !g.last.IsZero() {
		if wait := g.minInterval - time.Since(g.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return time.Time{}, ctx.Err()
			}
		}
	}
	now := time.Now()
	g.last = now
	return now, nil
}
