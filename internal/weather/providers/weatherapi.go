package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/rain-forecast/internal/common"
	"github.com/i474232898/rain-forecast/internal/httpx"
	"github.com/i474232898/rain-forecast/internal/weather"
)

// WeatherAPIProvider implements the weather.Provider interface for WeatherAPI.com.
type WeatherAPIProvider struct {
	name    string
	apiKey  string
	baseURL string
	exec    *httpx.Executor
}

func NewWeatherAPIProvider(client *http.Client, apiKey string) *WeatherAPIProvider {
	return &WeatherAPIProvider{
		name:    "weatherapi",
		apiKey:  apiKey,
		baseURL: "https://api.weatherapi.com/v1/forecast.json",
		exec:    httpx.New(client, httpx.WeatherPolicy, httpx.NewBreaker("weatherapi")),
	}
}

// WithBaseURL overrides the endpoint, e.g. for tests.
func (p *WeatherAPIProvider) WithBaseURL(u string) *WeatherAPIProvider {
	p.baseURL = u
	return p
}

// WithExecutor replaces the retrying executor.
func (p *WeatherAPIProvider) WithExecutor(exec *httpx.Executor) *WeatherAPIProvider {
	p.exec = exec
	return p
}

func (p *WeatherAPIProvider) Name() string {
	return p.name
}

type weatherAPIResponse struct {
	Current struct {
		LastUpdated string `json:"last_updated"`
	} `json:"current"`
	Forecast struct {
		ForecastDay []struct {
			Date string `json:"date"`
			Day  struct {
				MaxTempC          float64 `json:"maxtemp_c"`
				MinTempC          float64 `json:"mintemp_c"`
				DailyChanceOfRain int     `json:"daily_chance_of_rain"`
				Condition         struct {
					Text string `json:"text"`
				} `json:"condition"`
			} `json:"day"`
		} `json:"forecastday"`
	} `json:"forecast"`
}

func (p *WeatherAPIProvider) Forecast(ctx context.Context, city weather.City, days int) (weather.Forecast, error) {
	if p.apiKey == "" {
		return weather.Forecast{}, fmt.Errorf("%w: weatherapi api key is not set", weather.ErrNotConfigured)
	}
	n := clampDays(days, 3)

	values := url.Values{}
	values.Set("key", p.apiKey)
	values.Set("days", strconv.Itoa(n))
	// WeatherAPI uses "q" for location; it accepts a city name or "lat,lon".
	if city.HasCoordinates() {
		values.Set("q", fmt.Sprintf("%f,%f", *city.Lat, *city.Lon))
	} else {
		values.Set("q", city.Name)
	}
	u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())

	var payload weatherAPIResponse
	if err := getJSON(ctx, p.exec, u, nil, &payload); err != nil {
		return weather.Forecast{}, err
	}

	out := weather.Forecast{
		Source:     p.name,
		UpdateTime: payload.Current.LastUpdated,
		FetchedAt:  time.Now().UTC(),
		Days:       make([]weather.Day, 0, n),
	}
	for i, fd := range payload.Forecast.ForecastDay {
		if i >= n {
			break
		}
		cond := mapWeatherAPICondition(fd.Day.Condition.Text)
		out.Days = append(out.Days, weather.Day{
			Date:        fd.Date,
			TempMin:     fd.Day.MinTempC,
			TempMax:     fd.Day.MaxTempC,
			Text:        conditionText(cond),
			Condition:   cond,
			Probability: weather.ClampProbability(fd.Day.DailyChanceOfRain),
		})
	}
	return out, nil
}

// mapWeatherAPICondition normalizes WeatherAPI's English condition text.
func mapWeatherAPICondition(text string) weather.Condition {
	t := strings.ToLower(text)
	switch {
	case t == "":
		return weather.ConditionUnknown
	case common.HasAny(t, "thunder", "storm"):
		return weather.ConditionStorm
	case common.HasAny(t, "rain", "shower", "drizzle"):
		return weather.ConditionRain
	case common.HasAny(t, "snow", "sleet", "blizzard"):
		return weather.ConditionSnow
	case common.HasAny(t, "mist", "fog"):
		return weather.ConditionMist
	case common.HasAny(t, "cloud", "overcast"):
		return weather.ConditionCloudy
	case common.HasAny(t, "sunny", "clear"):
		return weather.ConditionClear
	default:
		return weather.ConditionUnknown
	}
}
