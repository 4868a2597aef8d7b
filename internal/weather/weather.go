// Package weather looks up the caller's approximate location by IP and
// fetches National Weather Service forecasts for a coordinate.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/chatty/internal/httpkit"
)

// Location is an IP geolocation answer.
type Location struct {
	City      string  `json:"city"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Timezone  string  `json:"timezone,omitempty"`
}

func (l *Location) String() string {
	place := l.City
	if l.Region != "" {
		place += ", " + l.Region
	}
	return fmt.Sprintf("%s (lat %.4f, lon %.4f)", place, l.Latitude, l.Longitude)
}

// Period is one forecast period such as "Tonight".
type Period struct {
	Name             string `json:"name"`
	Temperature      int    `json:"temperature"`
	TemperatureUnit  string `json:"temperatureUnit"`
	ShortForecast    string `json:"shortForecast"`
	DetailedForecast string `json:"detailedForecast"`
}

// Forecast is the ordered list of upcoming periods.
type Forecast struct {
	Periods []Period `json:"periods"`
}

func (f *Forecast) String() string {
	if len(f.Periods) == 0 {
		return "No forecast available."
	}
	var b strings.Builder
	b.WriteString("Weather forecast:")
	for _, p := range f.Periods {
		fmt.Fprintf(&b, "\n%s: %s", p.Name, p.DetailedForecast)
	}
	return b.String()
}

// ErrLocationUnknown is returned when the geolocation service cannot
// place the caller.
var ErrLocationUnknown = errors.New("location unknown")

// Client talks to the geolocation and forecast services.
type Client struct {
	apiURL      string
	locationURL string
	http        *http.Client
}

// New creates a client. perMinute throttles both services together.
func New(apiURL, locationURL string, perMinute int) *Client {
	return &Client{
		apiURL:      strings.TrimRight(apiURL, "/"),
		locationURL: locationURL,
		http: httpkit.NewClient(
			httpkit.WithTimeout(20*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithRateLimit(perMinute),
		),
	}
}

type ipAPIResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	City       string  `json:"city"`
	RegionName string  `json:"regionName"`
	Country    string  `json:"country"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Timezone   string  `json:"timezone"`
}

// Locate returns the approximate location of this host's public IP.
func (c *Client) Locate(ctx context.Context) (*Location, error) {
	var r ipAPIResponse
	if err := c.getJSON(ctx, c.locationURL, &r); err != nil {
		return nil, fmt.Errorf("locate: %w", err)
	}
	if r.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrLocationUnknown, r.Message)
	}
	return &Location{
		City:      r.City,
		Region:    r.RegionName,
		Country:   r.Country,
		Latitude:  r.Lat,
		Longitude: r.Lon,
		Timezone:  r.Timezone,
	}, nil
}

type pointsResponse struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type forecastResponse struct {
	Properties struct {
		Periods []Period `json:"periods"`
	} `json:"properties"`
}

// Forecast resolves the forecast office for a coordinate and returns
// its forecast. Only US coordinates are covered by the service.
func (c *Client) Forecast(ctx context.Context, lat, lon float64) (*Forecast, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("coordinate out of range: %f,%f", lat, lon)
	}

	var points pointsResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/points/%.4f,%.4f", c.apiURL, lat, lon), &points); err != nil {
		return nil, fmt.Errorf("forecast point: %w", err)
	}
	if points.Properties.Forecast == "" {
		return nil, errors.New("forecast point: no forecast for this location")
	}

	var fr forecastResponse
	if err := c.getJSON(ctx, points.Properties.Forecast, &fr); err != nil {
		return nil, fmt.Errorf("forecast: %w", err)
	}
	return &Forecast{Periods: fr.Properties.Periods}, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
