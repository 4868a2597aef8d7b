package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/chatty/internal/weather"
)

// WeatherService locates the host and fetches forecasts.
type WeatherService interface {
	Locate(ctx context.Context) (*weather.Location, error)
	Forecast(ctx context.Context, lat, lon float64) (*weather.Forecast, error)
}

type weatherArgs struct {
	Latitude  *float64 `json:"latitude,omitempty" jsonschema:"Latitude in decimal degrees. Omit both coordinates to use the current location."`
	Longitude *float64 `json:"longitude,omitempty" jsonschema:"Longitude in decimal degrees."`
}

// RegisterWeatherTools adds get_location and get_weather.
func RegisterWeatherTools(r *Registry, w WeatherService) error {
	if err := Add(r, "get_location", "Get the approximate current location (city and coordinates) of this assistant.",
		func(ctx context.Context, _ Env, _ noArgs) (string, error) {
			loc, err := w.Locate(ctx)
			if errors.Is(err, weather.ErrLocationUnknown) {
				return "", Errorf(NotFound, "%v", err)
			}
			if err != nil {
				return "", err
			}
			return "Current location: " + loc.String(), nil
		}); err != nil {
		return err
	}

	return Add(r, "get_weather", "Get the weather forecast for a coordinate in the United States. Without coordinates the current location is used.",
		func(ctx context.Context, _ Env, a weatherArgs) (string, error) {
			if (a.Latitude == nil) != (a.Longitude == nil) {
				return "", Errorf(InvalidArguments, "latitude and longitude must be given together")
			}
			var lat, lon float64
			if a.Latitude != nil {
				lat, lon = *a.Latitude, *a.Longitude
				if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
					return "", Errorf(InvalidArguments, "coordinate %.4f,%.4f out of range", lat, lon)
				}
			} else {
				loc, err := w.Locate(ctx)
				if errors.Is(err, weather.ErrLocationUnknown) {
					return "", Errorf(NotFound, "no coordinates given and %v", err)
				}
				if err != nil {
					return "", fmt.Errorf("locate: %w", err)
				}
				lat, lon = loc.Latitude, loc.Longitude
			}
			fc, err := w.Forecast(ctx, lat, lon)
			if err != nil {
				return "", err
			}
			return fc.String(), nil
		})
}
