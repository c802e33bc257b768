package service

import (
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/weather-station/internal/models"
)

// fetchTracker records the upstream fetches currently running, one per location.
type fetchTracker struct {
	mu       sync.Mutex
	inFlight map[string]models.FetchState
}

func newFetchTracker() *fetchTracker {
	return &fetchTracker{inFlight: make(map[string]models.FetchState)}
}

// Start registers a fetch for location. Call Done when it completes.
func (ft *fetchTracker) Start(location string, at time.Time) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.inFlight[location] = models.FetchState{Location: location, StartedAt: at}
}

func (ft *fetchTracker) Done(location string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	delete(ft.inFlight, location)
}

func (ft *fetchTracker) Count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.inFlight)
}

// States returns in-flight fetches, oldest first.
func (ft *fetchTracker) States() []models.FetchState {
	ft.mu.Lock()
	out := make([]models.FetchState, 0, len(ft.inFlight))
	for _, s := range ft.inFlight {
		out = append(out, s)
	}
	ft.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
