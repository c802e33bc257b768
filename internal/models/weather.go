package models

import "time"

// LocationRecord is one entry of the location registry. Immutable after load.
type LocationRecord struct {
	Name      string  `json:"city" yaml:"name" validate:"required"`
	Latitude  float64 `json:"latitude" yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" yaml:"longitude" validate:"gte=-180,lte=180"`
	Timezone  string  `json:"timezone,omitempty" yaml:"timezone"`
	Region    string  `json:"state,omitempty" yaml:"state"`
	Country   string  `json:"country,omitempty" yaml:"country"`
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// CurrentConditions holds the subset of current upstream variables the dashboard consumes.
// Humidity and Pressure are optional upstream and stay nil when absent.
type CurrentConditions struct {
	Temperature   float64  `json:"temperature"`
	Humidity      *float64 `json:"humidity,omitempty"`
	Pressure      *float64 `json:"pressure,omitempty"`
	WindSpeed     float64  `json:"windSpeed"`
	WindDirection float64  `json:"windDirection"`
	Precipitation float64  `json:"precipitation"`
	WeatherCode   int      `json:"weatherCode"`
	ObservedAt    string   `json:"observedAt,omitempty"`
}

type DailyForecast struct {
	Dates            []string  `json:"dates"`
	TemperatureMax   []float64 `json:"temperatureMax"`
	TemperatureMin   []float64 `json:"temperatureMin"`
	PrecipitationSum []float64 `json:"precipitationSum"`
}

type HourlyForecast struct {
	Times         []string  `json:"times"`
	Temperature   []float64 `json:"temperature"`
	Humidity      []float64 `json:"humidity,omitempty"`
	Precipitation []float64 `json:"precipitation,omitempty"`
	WindSpeed     []float64 `json:"windSpeed,omitempty"`
	WindDirection []float64 `json:"windDirection,omitempty"`
	PressureMSL   []float64 `json:"pressureMsl,omitempty"`
}

type Forecast struct {
	Daily  *DailyForecast  `json:"daily,omitempty"`
	Hourly *HourlyForecast `json:"hourly,omitempty"`
}

// WeatherSnapshot is one fetched payload for one location. A newer fetch replaces
// the snapshot in the cache; snapshots are never mutated in place.
type WeatherSnapshot struct {
	Location    string            `json:"location"`
	Region      string            `json:"region,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Coordinates Coordinates       `json:"coordinates"`
	Current     CurrentConditions `json:"current"`
	Forecast    *Forecast         `json:"forecast,omitempty"`
	FetchedAt   time.Time         `json:"fetchedAt"`
	Stale       bool              `json:"stale,omitempty"` // served from an expired entry after a failed refresh
}

// CacheEntry wraps a snapshot with the TTL in force when it was inserted.
type CacheEntry struct {
	Snapshot   WeatherSnapshot `json:"snapshot"`
	TTL        time.Duration   `json:"ttl"`
	InsertedAt time.Time       `json:"insertedAt"`
}

// IsStale reports whether more than TTL has elapsed since insertion.
func (e CacheEntry) IsStale(now time.Time) bool {
	return now.Sub(e.InsertedAt) > e.TTL
}

// Age returns how long ago the entry was inserted.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}

// FetchState describes one in-flight upstream fetch.
type FetchState struct {
	Location  string    `json:"location"`
	StartedAt time.Time `json:"startedAt"`
}

// StatusSnapshot is a point-in-time projection of the live data manager. Recomputed on demand.
type StatusSnapshot struct {
	CacheSize            int           `json:"cacheSize"`
	OldestEntryAge       time.Duration `json:"-"`
	NewestEntryAge       time.Duration `json:"-"`
	UpstreamAccessible   bool          `json:"upstreamAccessible"`
	UpstreamError        string        `json:"upstreamError,omitempty"`
	LastCheckTime        time.Time     `json:"lastCheckTime"`
	LastSuccessfulFetch  time.Time     `json:"lastSuccessfulFetch,omitempty"`
	InFlight             int           `json:"inFlight"`
	BatchInProgress      bool          `json:"batchInProgress"`
	RecentUpstreamCalls  int           `json:"recentUpstreamCalls"`
	RecentUpstreamErrors int           `json:"recentUpstreamErrors"`
}

// BatchResult aggregates one multi-location request. Failed keeps request order.
type BatchResult struct {
	Results        map[string]WeatherSnapshot
	Order          []string // successful locations in request order
	Failed         []string
	TotalRequested int
	TotalFetched   int
	Elapsed        time.Duration
	Canceled       bool
}
