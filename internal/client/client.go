package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-station/internal/models"
	"github.com/kjstillabower/weather-station/internal/observability"
)

// WeatherClient fetches one location's forecast and checks upstream reachability.
type WeatherClient interface {
	Fetch(ctx context.Context, loc models.LocationRecord) (models.WeatherSnapshot, error)
	Probe(ctx context.Context) error
}

var (
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamBadResponse = errors.New("upstream bad response")
	ErrUpstreamRateLimited = errors.New("upstream rate limited")
)

const (
	DefaultBaseURL = "https://api.open-meteo.com"
	forecastPath   = "/v1/forecast"
	maxBodyBytes   = 4 << 20

	currentVars = "temperature_2m,relative_humidity_2m,pressure_msl,wind_speed_10m,wind_direction_10m,precipitation,weather_code"
	dailyVars   = "temperature_2m_max,temperature_2m_min,precipitation_sum"
	hourlyVars  = "temperature_2m,relative_humidity_2m,precipitation,wind_speed_10m,wind_direction_10m,pressure_msl"
)

// BreakerSettings configures the upstream circuit breaker. Zero ConsecutiveFailures disables tripping.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
	Interval            time.Duration
}

// Options configures an OpenMeteoClient.
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	IncludeHourly bool
	ForecastDays  int
	Breaker       BreakerSettings
	Logger        *zap.Logger
}

// OpenMeteoClient calls the Open-Meteo forecast endpoint. Each call is bounded
// by the HTTP client timeout; no retries are made here.
type OpenMeteoClient struct {
	baseURL      *url.URL
	client       *http.Client
	breaker      *gobreaker.CircuitBreaker
	hourly       bool
	forecastDays int
	logger       *zap.Logger
}

func NewOpenMeteoClient(opts Options) (*OpenMeteoClient, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("upstream timeout must be positive, got %v", opts.Timeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &OpenMeteoClient{
		baseURL:      base,
		client:       &http.Client{Timeout: opts.Timeout},
		hourly:       opts.IncludeHourly,
		forecastDays: opts.ForecastDays,
		logger:       logger,
	}
	c.breaker = newBreaker(opts.Breaker, logger)
	return c, nil
}

func newBreaker(s BreakerSettings, logger *zap.Logger) *gobreaker.CircuitBreaker {
	threshold := s.ConsecutiveFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "open-meteo",
		MaxRequests: s.HalfOpenRequests,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.UpstreamCircuitState.Set(breakerStateValue(to))
			logger.Warn("upstream circuit state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

type forecastResponse struct {
	Timezone string `json:"timezone"`
	Current  *struct {
		Time          *string  `json:"time"`
		Temperature   *float64 `json:"temperature_2m"`
		Humidity      *float64 `json:"relative_humidity_2m"`
		Pressure      *float64 `json:"pressure_msl"`
		WindSpeed     *float64 `json:"wind_speed_10m"`
		WindDirection *float64 `json:"wind_direction_10m"`
		Precipitation *float64 `json:"precipitation"`
		WeatherCode   *int     `json:"weather_code"`
	} `json:"current"`
	Daily *struct {
		Time             []string   `json:"time"`
		TemperatureMax   []*float64 `json:"temperature_2m_max"`
		TemperatureMin   []*float64 `json:"temperature_2m_min"`
		PrecipitationSum []*float64 `json:"precipitation_sum"`
	} `json:"daily"`
	Hourly *struct {
		Time          []string   `json:"time"`
		Temperature   []*float64 `json:"temperature_2m"`
		Humidity      []*float64 `json:"relative_humidity_2m"`
		Precipitation []*float64 `json:"precipitation"`
		WindSpeed     []*float64 `json:"wind_speed_10m"`
		WindDirection []*float64 `json:"wind_direction_10m"`
		PressureMSL   []*float64 `json:"pressure_msl"`
	} `json:"hourly"`
}

// Fetch retrieves current conditions and the daily forecast for loc. The
// returned snapshot has no FetchedAt; the caller stamps it.
func (c *OpenMeteoClient) Fetch(ctx context.Context, loc models.LocationRecord) (models.WeatherSnapshot, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callAPI(ctx, loc)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: circuit %v", ErrUpstreamUnreachable, err)
		}
		observability.UpstreamErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return models.WeatherSnapshot{}, err
	}
	return result.(models.WeatherSnapshot), nil
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, loc models.LocationRecord) (models.WeatherSnapshot, error) {
	start := time.Now()

	req, err := c.buildRequest(ctx, c.forecastQuery(loc))
	if err != nil {
		return models.WeatherSnapshot{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		observability.UpstreamDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return models.WeatherSnapshot{}, transportError(err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(status).Inc()
	observability.UpstreamDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return models.WeatherSnapshot{}, err
	}

	var payload forecastResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		if isTimeout(err) {
			return models.WeatherSnapshot{}, fmt.Errorf("%w: reading body: %v", ErrUpstreamTimeout, err)
		}
		return models.WeatherSnapshot{}, fmt.Errorf("%w: parse response: %v", ErrUpstreamBadResponse, err)
	}
	return mapResponse(payload, loc)
}

// Probe issues a minimal forecast request to check that upstream answers. It
// bypasses the circuit breaker so a recovered upstream is seen while the circuit is open.
func (c *OpenMeteoClient) Probe(ctx context.Context) error {
	q := url.Values{}
	q.Set("latitude", "0")
	q.Set("longitude", "0")
	q.Set("current", "temperature_2m")
	req, err := c.buildRequest(ctx, q)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return handleErrorResponse(resp)
}

func (c *OpenMeteoClient) forecastQuery(loc models.LocationRecord) url.Values {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	q.Set("current", currentVars)
	q.Set("daily", dailyVars)
	if c.hourly {
		q.Set("hourly", hourlyVars)
	}
	if c.forecastDays > 0 {
		q.Set("forecast_days", strconv.Itoa(c.forecastDays))
	}
	tz := loc.Timezone
	if tz == "" {
		tz = "auto"
	}
	q.Set("timezone", tz)
	return q
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, q url.Values) (*http.Request, error) {
	u := *c.baseURL
	u.Path = forecastPath
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamRateLimited, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamBadResponse, resp.StatusCode)
	}
	return nil
}

func transportError(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("request canceled: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// mapResponse converts the upstream payload. Missing current time or
// temperature is a bad response rather than a zero reading.
func mapResponse(p forecastResponse, loc models.LocationRecord) (models.WeatherSnapshot, error) {
	cur := p.Current
	if cur == nil || cur.Time == nil || cur.Temperature == nil {
		return models.WeatherSnapshot{}, fmt.Errorf("%w: missing current temperature or time", ErrUpstreamBadResponse)
	}

	tz := loc.Timezone
	if tz == "" {
		tz = p.Timezone
	}
	snap := models.WeatherSnapshot{
		Location: loc.Name,
		Region:   loc.Region,
		Timezone: tz,
		Coordinates: models.Coordinates{
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
		},
		Current: models.CurrentConditions{
			Temperature:   *cur.Temperature,
			Humidity:      cur.Humidity,
			Pressure:      cur.Pressure,
			WindSpeed:     deref(cur.WindSpeed),
			WindDirection: deref(cur.WindDirection),
			Precipitation: deref(cur.Precipitation),
			ObservedAt:    *cur.Time,
		},
	}
	if cur.WeatherCode != nil {
		snap.Current.WeatherCode = *cur.WeatherCode
	}

	var fc models.Forecast
	if d := p.Daily; d != nil && len(d.Time) > 0 {
		fc.Daily = &models.DailyForecast{
			Dates:            d.Time,
			TemperatureMax:   series(d.TemperatureMax),
			TemperatureMin:   series(d.TemperatureMin),
			PrecipitationSum: series(d.PrecipitationSum),
		}
	}
	if h := p.Hourly; h != nil && len(h.Time) > 0 {
		fc.Hourly = &models.HourlyForecast{
			Times:         h.Time,
			Temperature:   series(h.Temperature),
			Humidity:      series(h.Humidity),
			Precipitation: series(h.Precipitation),
			WindSpeed:     series(h.WindSpeed),
			WindDirection: series(h.WindDirection),
			PressureMSL:   series(h.PressureMSL),
		}
	}
	if fc.Daily != nil || fc.Hourly != nil {
		snap.Forecast = &fc
	}
	return snap, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// series flattens nullable upstream values; gaps become 0.
func series(in []*float64) []float64 {
	if len(in) == 0 {
		return nil
	}
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = deref(v)
	}
	return out
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
