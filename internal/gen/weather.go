package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/haywire-radio/haywire/internal/config"
)

// fetchTimeout bounds each upstream input fetch.
const fetchTimeout = 10 * time.Second

// Weather is the current-conditions summary handed to the script prompt.
type Weather struct {
	Place       string
	TempC       float64
	FeelsLikeC  float64
	WindKmh     float64
	Description string
}

// String renders the spoken-prompt form.
func (w Weather) String() string {
	return fmt.Sprintf("%s: %s, %.0f°C (feels like %.0f°C), wind %.0f km/h",
		w.Place, w.Description, w.TempC, w.FeelsLikeC, w.WindKmh)
}

// WeatherClient fetches current conditions from an Open-Meteo-compatible
// endpoint through a bounded HTTP client.
type WeatherClient struct {
	cfg    config.WeatherConfig
	client *http.Client
}

// NewWeatherClient creates a client for cfg.
func NewWeatherClient(cfg config.WeatherConfig) *WeatherClient {
	return &WeatherClient{cfg: cfg, client: &http.Client{Timeout: fetchTimeout}}
}

// openMeteoResponse is the subset of the forecast payload we consume.
type openMeteoResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		Apparent    float64 `json:"apparent_temperature"`
		WindSpeed   float64 `json:"wind_speed_10m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
}

// Fetch returns current conditions for the configured coordinates.
func (c *WeatherClient) Fetch(ctx context.Context) (*Weather, error) {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", c.cfg.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", c.cfg.Longitude))
	q.Set("current", "temperature_2m,apparent_temperature,wind_speed_10m,weather_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("weather: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather: upstream status %d", resp.StatusCode)
	}

	var om openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&om); err != nil {
		return nil, fmt.Errorf("weather: decode: %w", err)
	}

	return &Weather{
		Place:       c.cfg.Place,
		TempC:       om.Current.Temperature,
		FeelsLikeC:  om.Current.Apparent,
		WindKmh:     om.Current.WindSpeed,
		Description: describeWMO(om.Current.WeatherCode),
	}, nil
}

// describeWMO maps WMO weather interpretation codes to spoken phrases.
func describeWMO(code int) string {
	switch {
	case code == 0:
		return "clear skies"
	case code <= 2:
		return "partly cloudy"
	case code == 3:
		return "overcast"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67:
		return "rain"
	case code >= 71 && code <= 77:
		return "snow"
	case code >= 80 && code <= 82:
		return "rain showers"
	case code >= 85 && code <= 86:
		return "snow showers"
	case code >= 95:
		return "thunderstorms"
	default:
		return "changeable weather"
	}
}
