package providers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/i474232898/rain-forecast/internal/httpx"
	"github.com/i474232898/rain-forecast/internal/weather"
)

// OpenWeatherProvider implements the weather.Provider interface for
// OpenWeatherMap's 5 day / 3 hour forecast. Three-hour steps are folded into
// local calendar days.
type OpenWeatherProvider struct {
	name    string
	apiKey  string
	baseURL string
	exec    *httpx.Executor
}

func NewOpenWeatherProvider(client *http.Client, apiKey string) *OpenWeatherProvider {
	return &OpenWeatherProvider{
		name:    "openweather",
		apiKey:  apiKey,
		baseURL: "https://api.openweathermap.org/data/2.5/forecast",
		exec:    httpx.New(client, httpx.WeatherPolicy, httpx.NewBreaker("openweather")),
	}
}

// WithBaseURL overrides the endpoint, e.g. for tests.
func (p *OpenWeatherProvider) WithBaseURL(u string) *OpenWeatherProvider {
	p.baseURL = u
	return p
}

// WithExecutor replaces the retrying executor.
func (p *OpenWeatherProvider) WithExecutor(exec *httpx.Executor) *OpenWeatherProvider {
	p.exec = exec
	return p
}

func (p *OpenWeatherProvider) Name() string {
	return p.name
}

type openWeatherStep struct {
	Dt   int64 `json:"dt"`
	Main struct {
		TempMin float64 `json:"temp_min"`
		TempMax float64 `json:"temp_max"`
	} `json:"main"`
	Pop     float64 `json:"pop"`
	Weather []struct {
		Main string `json:"main"`
	} `json:"weather"`
}

type openWeatherResponse struct {
	List []openWeatherStep `json:"list"`
	City struct {
		Timezone int `json:"timezone"` // seconds east of UTC
	} `json:"city"`
}

func (p *OpenWeatherProvider) Forecast(ctx context.Context, city weather.City, days int) (weather.Forecast, error) {
	if p.apiKey == "" {
		return weather.Forecast{}, fmt.Errorf("%w: openweather api key is not set", weather.ErrNotConfigured)
	}
	n := clampDays(days, 5)

	values := url.Values{}
	values.Set("appid", p.apiKey)
	values.Set("units", "metric")
	if city.HasCoordinates() {
		values.Set("lat", fmt.Sprintf("%f", *city.Lat))
		values.Set("lon", fmt.Sprintf("%f", *city.Lon))
	} else {
		values.Set("q", city.Name)
	}
	u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())

	var payload openWeatherResponse
	if err := getJSON(ctx, p.exec, u, nil, &payload); err != nil {
		return weather.Forecast{}, err
	}

	now := time.Now().UTC()
	out := weather.Forecast{
		Source:     p.name,
		UpdateTime: now.Format(time.RFC3339),
		FetchedAt:  now,
		Days:       foldOpenWeatherDays(payload.List, time.FixedZone("", payload.City.Timezone), n),
	}
	return out, nil
}

// foldOpenWeatherDays groups steps by local date in order of appearance. The
// day's probability is its highest pop and its condition is taken from that
// same step.
func foldOpenWeatherDays(steps []openWeatherStep, loc *time.Location, max int) []weather.Day {
	out := make([]weather.Day, 0, max)
	bestPop := make([]float64, 0, max)
	for _, st := range steps {
		date := time.Unix(st.Dt, 0).In(loc).Format("2006-01-02")
		i := len(out) - 1
		if i < 0 || out[i].Date != date {
			if len(out) == max {
				break
			}
			out = append(out, weather.Day{
				Date:    date,
				TempMin: st.Main.TempMin,
				TempMax: st.Main.TempMax,
			})
			bestPop = append(bestPop, -1)
			i++
		}
		day := &out[i]
		day.TempMin = math.Min(day.TempMin, st.Main.TempMin)
		day.TempMax = math.Max(day.TempMax, st.Main.TempMax)
		if st.Pop > bestPop[i] {
			bestPop[i] = st.Pop
			day.Probability = weather.ClampProbability(int(math.Round(st.Pop * 100)))
			day.Condition = mapOpenWeatherCondition(st.Weather)
			day.Text = conditionText(day.Condition)
		}
	}
	return out
}

func mapOpenWeatherCondition(items []struct {
	Main string `json:"main"`
}) weather.Condition {
	if len(items) == 0 {
		return weather.ConditionUnknown
	}
	switch items[0].Main {
	case "Clear":
		return weather.ConditionClear
	case "Clouds":
		return weather.ConditionCloudy
	case "Rain", "Drizzle":
		return weather.ConditionRain
	case "Snow":
		return weather.ConditionSnow
	case "Thunderstorm":
		return weather.ConditionStorm
	case "Mist", "Fog", "Haze":
		return weather.ConditionMist
	default:
		return weather.ConditionUnknown
	}
}
