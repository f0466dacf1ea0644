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

// qweatherSuccess is the body-level status code QWeather uses for success.
const qweatherSuccess = "200"

// QWeatherProvider implements weather.Provider for QWeather's 3-day daily
// forecast, keyed by QWeather location id (City.Code).
type QWeatherProvider struct {
	name    string
	apiKey  string
	baseURL string
	exec    *httpx.Executor
}

// NewQWeatherProvider builds the provider. host defaults to devapi.qweather.com
// and version to v7.
func NewQWeatherProvider(client *http.Client, apiKey, host, version string) *QWeatherProvider {
	if host == "" {
		host = "devapi.qweather.com"
	}
	if version == "" {
		version = "v7"
	}
	return &QWeatherProvider{
		name:    "qweather",
		apiKey:  apiKey,
		baseURL: fmt.Sprintf("https://%s/%s", host, version),
		exec:    httpx.New(client, httpx.WeatherPolicy, httpx.NewBreaker("qweather")),
	}
}

// WithBaseURL overrides the API root, e.g. for tests.
func (p *QWeatherProvider) WithBaseURL(u string) *QWeatherProvider {
	p.baseURL = u
	return p
}

// WithExecutor replaces the retrying executor.
func (p *QWeatherProvider) WithExecutor(exec *httpx.Executor) *QWeatherProvider {
	p.exec = exec
	return p
}

func (p *QWeatherProvider) Name() string {
	return p.name
}

type qweatherDaily struct {
	FxDate  string `json:"fxDate"`
	TempMax string `json:"tempMax"`
	TempMin string `json:"tempMin"`
	TextDay string `json:"textDay"`
	IconDay string `json:"iconDay"`
	Precip  string `json:"precip"`
	Pop     string `json:"pop"`
}

type qweatherDailyResponse struct {
	Code       string          `json:"code"`
	UpdateTime string          `json:"updateTime"`
	FxLink     string          `json:"fxLink"`
	Daily      []qweatherDaily `json:"daily"`
}

// Forecast returns up to three days. A missing API key is a configuration
// condition and fails before any HTTP call.
func (p *QWeatherProvider) Forecast(ctx context.Context, city weather.City, days int) (weather.Forecast, error) {
	if p.apiKey == "" {
		return weather.Forecast{}, fmt.Errorf("%w: qweather api key is not set", weather.ErrNotConfigured)
	}
	if city.Code == "" {
		return weather.Forecast{}, fmt.Errorf("%w: city %s has no qweather code", weather.ErrNotConfigured, city.Name)
	}

	u := fmt.Sprintf("%s/weather/3d?location=%s", p.baseURL, url.QueryEscape(city.Code))
	header := http.Header{}
	header.Set("X-QW-Api-Key", p.apiKey)

	var payload qweatherDailyResponse
	if err := getJSON(ctx, p.exec, u, header, &payload); err != nil {
		return weather.Forecast{}, err
	}
	if payload.Code != qweatherSuccess {
		return weather.Forecast{}, fmt.Errorf("%w: qweather code %q", weather.ErrUnavailable, payload.Code)
	}

	n := clampDays(days, 3)
	out := weather.Forecast{
		Source:     p.name,
		UpdateTime: payload.UpdateTime,
		FetchedAt:  time.Now().UTC(),
		Days:       make([]weather.Day, 0, n),
	}
	for i, d := range payload.Daily {
		if i >= n {
			break
		}
		out.Days = append(out.Days, weather.Day{
			Date:        d.FxDate,
			TempMin:     parseNumber(d.TempMin),
			TempMax:     parseNumber(d.TempMax),
			Text:        d.TextDay,
			Condition:   mapQWeatherIcon(d.IconDay),
			Probability: parsePercent(d.Pop),
		})
	}
	return out, nil
}

// mapQWeatherIcon classifies a QWeather icon code by its hundreds group.
func mapQWeatherIcon(icon string) weather.Condition {
	code, err := strconv.Atoi(icon)
	if err != nil {
		return weather.ConditionUnknown
	}
	switch {
	case code == 100 || code == 150:
		return weather.ConditionClear
	case code >= 101 && code <= 153:
		return weather.ConditionCloudy
	case code >= 302 && code <= 304:
		return weather.ConditionStorm
	case code >= 300 && code < 400:
		return weather.ConditionRain
	case code >= 400 && code < 500:
		return weather.ConditionSnow
	case code >= 500 && code < 600:
		return weather.ConditionMist
	default:
		return weather.ConditionUnknown
	}
}
