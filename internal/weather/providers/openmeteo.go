package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/i474232898/rain-forecast/internal/httpx"
	"github.com/i474232898/rain-forecast/internal/weather"
)

// OpenMeteoProvider implements the weather.Provider interface for Open-Meteo.
// It needs no key but requires coordinates.
type OpenMeteoProvider struct {
	name     string
	baseURL  string
	timezone string
	exec     *httpx.Executor
}

func NewOpenMeteoProvider(client *http.Client, timezone string) *OpenMeteoProvider {
	if timezone == "" {
		timezone = "auto"
	}
	return &OpenMeteoProvider{
		name:     "openmeteo",
		baseURL:  "https://api.open-meteo.com/v1/forecast",
		timezone: timezone,
		exec:     httpx.New(client, httpx.WeatherPolicy, httpx.NewBreaker("openmeteo")),
	}
}

// WithBaseURL overrides the endpoint, e.g. for tests.
func (p *OpenMeteoProvider) WithBaseURL(u string) *OpenMeteoProvider {
	p.baseURL = u
	return p
}

// WithExecutor replaces the retrying executor.
func (p *OpenMeteoProvider) WithExecutor(exec *httpx.Executor) *OpenMeteoProvider {
	p.exec = exec
	return p
}

func (p *OpenMeteoProvider) Name() string {
	return p.name
}

type openMeteoResponse struct {
	Daily struct {
		Time        []string  `json:"time"`
		WeatherCode []int     `json:"weather_code"`
		TempMax     []float64 `json:"temperature_2m_max"`
		TempMin     []float64 `json:"temperature_2m_min"`
		PrecipProb  []*int    `json:"precipitation_probability_max"`
	} `json:"daily"`
}

func (p *OpenMeteoProvider) Forecast(ctx context.Context, city weather.City, days int) (weather.Forecast, error) {
	if !city.HasCoordinates() {
		return weather.Forecast{}, fmt.Errorf("%w: openmeteo requires latitude and longitude for %s", weather.ErrNotConfigured, city.Name)
	}
	n := clampDays(days, 16)

	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(*city.Lat, 'f', 4, 64))
	values.Set("longitude", strconv.FormatFloat(*city.Lon, 'f', 4, 64))
	values.Set("daily", "weather_code,temperature_2m_max,temperature_2m_min,precipitation_probability_max")
	values.Set("timezone", p.timezone)
	values.Set("forecast_days", strconv.Itoa(n))
	u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())

	var payload openMeteoResponse
	if err := getJSON(ctx, p.exec, u, nil, &payload); err != nil {
		return weather.Forecast{}, err
	}

	now := time.Now().UTC()
	out := weather.Forecast{
		Source:     p.name,
		UpdateTime: now.Format(time.RFC3339),
		FetchedAt:  now,
		Days:       make([]weather.Day, 0, n),
	}
	d := payload.Daily
	for i, date := range d.Time {
		if i >= n {
			break
		}
		day := weather.Day{Date: date}
		if i < len(d.TempMin) {
			day.TempMin = d.TempMin[i]
		}
		if i < len(d.TempMax) {
			day.TempMax = d.TempMax[i]
		}
		if i < len(d.WeatherCode) {
			day.Text = openMeteoText(d.WeatherCode[i])
			day.Condition = mapOpenMeteoCondition(d.WeatherCode[i])
		}
		if i < len(d.PrecipProb) && d.PrecipProb[i] != nil {
			day.Probability = weather.ClampProbability(*d.PrecipProb[i])
		}
		out.Days = append(out.Days, day)
	}
	return out, nil
}

// openMeteoText maps a WMO weather code to the short Chinese description used
// in messages.
func openMeteoText(code int) string {
	switch {
	case code == 3:
		return "阴"
	case code >= 80 && code <= 82:
		return "阵雨"
	case code >= 63 && code <= 67:
		return "中雨"
	}
	return conditionText(mapOpenMeteoCondition(code))
}

func mapOpenMeteoCondition(code int) weather.Condition {
	// Mapping based on Open-Meteo weather codes (simplified).
	switch {
	case code == 0:
		return weather.ConditionClear
	case code >= 1 && code <= 3:
		return weather.ConditionCloudy
	case code == 45 || code == 48:
		return weather.ConditionMist
	case (code >= 51 && code <= 67) || (code >= 80 && code <= 82):
		return weather.ConditionRain
	case (code >= 71 && code <= 77) || code == 85 || code == 86:
		return weather.ConditionSnow
	case code >= 95:
		return weather.ConditionStorm
	default:
		return weather.ConditionUnknown
	}
}
