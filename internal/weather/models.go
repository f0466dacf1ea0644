package weather

import (
	"time"
)

// Condition represents a normalized high-level weather condition.
type Condition string

const (
	ConditionUnknown Condition = "unknown"
	ConditionClear   Condition = "clear"
	ConditionCloudy  Condition = "cloudy"
	ConditionRain    Condition = "rain"
	ConditionSnow    Condition = "snow"
	ConditionStorm   Condition = "storm"
	ConditionMist    Condition = "mist"
)

// City is a monitored place. Code is the QWeather location id; Lat/Lon are
// needed by coordinate-based providers.
type City struct {
	ID       string   `json:"id"`
	Name     string   `json:"name" validate:"required"`
	Province string   `json:"province,omitempty"`
	Code     string   `json:"code" validate:"required"`
	Lat      *float64 `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lon      *float64 `json:"lon,omitempty" validate:"omitempty,longitude"`
}

// Key returns a canonical string key for this city.
func (c City) Key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Code
}

// HasCoordinates reports whether both Lat and Lon are set.
func (c City) HasCoordinates() bool {
	return c.Lat != nil && c.Lon != nil
}

// DataSource is a weather provider taking part in the composite score.
type DataSource struct {
	ID      string  `json:"id" validate:"required"`
	Name    string  `json:"name"`
	Weight  float64 `json:"weight" validate:"gte=0,lte=1"`
	Enabled bool    `json:"enabled"`
}

// Day is one daily record of a provider forecast.
type Day struct {
	Date        string    `json:"date"` // YYYY-MM-DD, provider local date
	TempMin     float64   `json:"tempMin"`
	TempMax     float64   `json:"tempMax"`
	Text        string    `json:"text"`
	Condition   Condition `json:"condition"`
	Probability int       `json:"probability"` // rain probability, 0-100
}

// Forecast is one provider's daily forecast for a city, Days[0] being today.
type Forecast struct {
	Source     string    `json:"source"`
	UpdateTime string    `json:"updateTime"`
	FetchedAt  time.Time `json:"fetchedAt"`
	Days       []Day     `json:"days"`
}

// Sample is one source's rain probability for one city and day.
type Sample struct {
	Source      string    `json:"source"`
	CityID      string    `json:"cityId"`
	Date        string    `json:"date"`
	Probability int       `json:"probability"`
	TempMin     float64   `json:"tempMin"`
	TempMax     float64   `json:"tempMax"`
	Text        string    `json:"text"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// Emoji returns the icon shown next to a condition in messages.
func (c Condition) Emoji() string {
	switch c {
	case ConditionClear:
		return "☀️"
	case ConditionCloudy:
		return "☁️"
	case ConditionRain:
		return "🌧️"
	case ConditionSnow:
		return "❄️"
	case ConditionStorm:
		return "⛈️"
	case ConditionMist:
		return "🌫️"
	default:
		return "🌡️"
	}
}

// ClampProbability bounds p to [0, 100].
func ClampProbability(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
