// Package status classifies the freshness of cached weather data for the API
// and the dashboard indicator.
package status

import (
	"fmt"
	"time"

	"github.com/kjstillabower/weather-station/internal/models"
)

type State string

const (
	Fresh    State = "fresh"
	Stale    State = "stale"
	Updating State = "updating"
	NoData   State = "no_data"
)

// Thresholds configure classification. StaleAfter of zero disables the
// oldest-entry check.
type Thresholds struct {
	FreshWithin time.Duration
	StaleAfter  time.Duration
}

type Report struct {
	Status             State  `json:"status"`
	Reason             string `json:"reason,omitempty"`
	Message            string `json:"message"`
	UpstreamAccessible bool   `json:"upstreamAccessible"`
}

// Classify derives a freshness state. Precedence: updating, no_data, stale, fresh.
func Classify(s models.StatusSnapshot, th Thresholds) Report {
	r := Report{UpstreamAccessible: s.UpstreamAccessible}
	switch {
	case s.BatchInProgress:
		r.Status = Updating
		r.Reason = "batch_in_progress"
		r.Message = "Weather data is being refreshed"
	case s.CacheSize == 0:
		r.Status = NoData
		r.Reason = "cache_empty"
		r.Message = "No weather data loaded yet"
	case s.NewestEntryAge >= th.FreshWithin:
		r.Status = Stale
		r.Reason = "newest_entry_old"
		r.Message = fmt.Sprintf("Latest data is %s old", humanize(s.NewestEntryAge))
	case th.StaleAfter > 0 && s.OldestEntryAge >= th.StaleAfter:
		r.Status = Stale
		r.Reason = "oldest_entry_old"
		r.Message = fmt.Sprintf("Some data is %s old", humanize(s.OldestEntryAge))
	default:
		r.Status = Fresh
		r.Message = fmt.Sprintf("Data is up to date (%d locations, newest %s old)", s.CacheSize, humanize(s.NewestEntryAge))
	}
	if !s.UpstreamAccessible && r.Status != Fresh {
		r.Message += "; weather service unreachable"
	}
	return r
}

func humanize(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
