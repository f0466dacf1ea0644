package weather

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured means the provider lacks a credential or the city lacks
	// the identifier the provider needs. It is never retried.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrUnavailable means the provider could not deliver a usable forecast.
	ErrUnavailable = errors.New("forecast unavailable")
)

// Provider abstracts a daily forecast source (QWeather, Open-Meteo, ...).
type Provider interface {
	Name() string
	Forecast(ctx context.Context, city City, days int) (Forecast, error)
}
