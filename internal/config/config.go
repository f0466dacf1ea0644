package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/i474232898/rain-forecast/internal/common"
	"github.com/i474232898/rain-forecast/internal/dispatch"
	"github.com/i474232898/rain-forecast/internal/schedule"
	"github.com/i474232898/rain-forecast/internal/slots"
	"github.com/i474232898/rain-forecast/internal/store"
	"github.com/i474232898/rain-forecast/internal/weather"
)

var validate = validator.New()

// AppConfig is built once at start and passed explicitly to every component.
type AppConfig struct {
	QWeatherAPIKey    string
	QWeatherHost      string
	QWeatherVersion   string
	OpenWeatherAPIKey string
	WeatherAPIKey     string

	// Sources fixes the weight and priority of each weather provider.
	Sources []weather.DataSource
	Cities  []weather.City

	PushProvider      string // serverchan or telegram
	PushChannel       string // ServerChan send key or Telegram chat id
	TelegramBotToken  string
	PushRatePerSecond float64

	CronSecret  string
	AdminSecret string

	Slots slots.ProcessSettings

	// Interval mode.
	IntervalEnabled bool
	SlotTimes       []schedule.Schedule
	AlertEnabled    bool
	AlertThreshold  int
	AlertSchedules  []schedule.Schedule

	CronDedupe          schedule.DedupePolicy
	IntervalDedupe      schedule.DedupePolicy
	DedupeScope         dispatch.MarkScope
	DispatchConcurrency int

	Store store.Options

	Location    *time.Location
	HTTPTimeout time.Duration
	Port        string
	LogDir      string
	LogLevel    string
}

// Load reads configuration from .env and the environment with sensible
// defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Infof("No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{}

	cfg.QWeatherAPIKey = os.Getenv("QWEATHER_API_KEY")
	cfg.QWeatherHost = getenvDefault("QWEATHER_API_HOST", "devapi.qweather.com")
	cfg.QWeatherVersion = getenvDefault("QWEATHER_API_VERSION", "v7")
	cfg.OpenWeatherAPIKey = os.Getenv("OPENWEATHER_API_KEY")
	cfg.WeatherAPIKey = os.Getenv("WEATHERAPI_API_KEY")

	sources, err := parseSources(getenvDefault("WEATHER_SOURCES", "qweather:0.6,openmeteo:0.4"))
	if err != nil {
		return nil, err
	}
	cfg.Sources = sources

	cities, err := parseCities(os.Getenv("FORECAST_CITIES"))
	if err != nil {
		return nil, err
	}
	cfg.Cities = cities
	cfg.Sources = disableUnservable(cfg.Sources, cfg.Cities, map[string]string{
		"weatherapi":  cfg.WeatherAPIKey,
		"openweather": cfg.OpenWeatherAPIKey,
	})

	cfg.PushProvider = strings.ToLower(getenvDefault("PUSH_PROVIDER", "serverchan"))
	switch cfg.PushProvider {
	case "serverchan":
		cfg.PushChannel = firstEnv("WECHAT_PUSH_TOKEN", "SERVERCHAN_TOKEN")
	case "telegram":
		cfg.PushChannel = os.Getenv("TELEGRAM_CHAT_ID")
		cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	default:
		return nil, fmt.Errorf("invalid PUSH_PROVIDER %q", cfg.PushProvider)
	}
	cfg.PushRatePerSecond = getenvFloat("PUSH_RATE_PER_SECOND", 5)

	cfg.CronSecret = os.Getenv("CRON_SECRET")
	cfg.AdminSecret = os.Getenv("ADMIN_SECRET")

	days := slots.ClampDays(getenvInt("FORECAST_DAYS", 3), 3)
	cfg.Slots = slots.SettingsFromEnv(os.Environ(), days, common.SplitList(os.Getenv("SLOTS")))

	cfg.IntervalEnabled = slots.ParseEnabled(os.Getenv("INTERVAL_ENABLED"), false)
	cfg.SlotTimes, err = parseSlotTimes(getenvDefault("SLOT_TIMES", "morning=07:00,evening=18:00,night=21:00"))
	if err != nil {
		return nil, err
	}
	cfg.AlertEnabled = slots.ParseEnabled(os.Getenv("ALERT_ENABLED"), false)
	cfg.AlertThreshold = getenvInt("ALERT_THRESHOLD", 50)
	if cfg.AlertThreshold < 0 || cfg.AlertThreshold > 100 {
		return nil, fmt.Errorf("invalid ALERT_THRESHOLD %d", cfg.AlertThreshold)
	}
	cfg.AlertSchedules, err = parseAlertSchedules(getenvDefault("ALERT_SCHEDULES",
		"evening-6=18:00@tomorrow,evening-9=21:00@tomorrow,morning-8=08:00@today"))
	if err != nil {
		return nil, err
	}

	if cfg.CronDedupe, err = schedule.PolicyByName(getenvDefault("CRON_DEDUPE", "day")); err != nil {
		return nil, fmt.Errorf("invalid CRON_DEDUPE: %w", err)
	}
	if cfg.IntervalDedupe, err = schedule.PolicyByName(getenvDefault("INTERVAL_DEDUPE", "rolling")); err != nil {
		return nil, fmt.Errorf("invalid INTERVAL_DEDUPE: %w", err)
	}
	cfg.DedupeScope = dispatch.MarkScope(strings.ToLower(getenvDefault("DEDUPE_SCOPE", "slot")))
	if cfg.DedupeScope != dispatch.MarkSlot && cfg.DedupeScope != dispatch.MarkCity {
		return nil, fmt.Errorf("invalid DEDUPE_SCOPE %q", cfg.DedupeScope)
	}
	cfg.DispatchConcurrency = getenvInt("DISPATCH_CONCURRENCY", 4)

	cfg.Store = store.Options{
		Backend:    strings.ToLower(os.Getenv("STORE_BACKEND")),
		RESTURL:    os.Getenv("KV_REST_API_URL"),
		RESTToken:  os.Getenv("KV_REST_API_TOKEN"),
		RedisURL:   os.Getenv("REDIS_URL"),
		SQLitePath: getenvDefault("SQLITE_PATH", "rain-forecast.db"),
		MaxEntries: getenvInt("STORE_MAX_ENTRIES", 10000),
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = inferBackend(cfg.Store)
	}

	loc, err := time.LoadLocation(getenvDefault("TIMEZONE", "Asia/Shanghai"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

	timeout, err := time.ParseDuration(getenvDefault("HTTP_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}
	cfg.HTTPTimeout = timeout

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.LogDir = getenvDefault("LOG_DIR", "logs")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")

	return cfg, nil
}

func ptr(f float64) *float64 { return &f }

// PresetCities are monitored when FORECAST_CITIES is unset or unreadable.
var PresetCities = []weather.City{
	{ID: "beijing", Name: "北京", Code: "101010100", Province: "北京市", Lat: ptr(39.9042), Lon: ptr(116.4074)},
	{ID: "shanghai", Name: "上海", Code: "101020100", Province: "上海市", Lat: ptr(31.2304), Lon: ptr(121.4737)},
	{ID: "guangzhou", Name: "广州", Code: "101280101", Province: "广东省", Lat: ptr(23.1291), Lon: ptr(113.2644)},
	{ID: "shenzhen", Name: "深圳", Code: "101280601", Province: "广东省", Lat: ptr(22.5431), Lon: ptr(114.0579)},
	{ID: "hangzhou", Name: "杭州", Code: "101210101", Province: "浙江省", Lat: ptr(30.2741), Lon: ptr(120.1551)},
	{ID: "chengdu", Name: "成都", Code: "101270101", Province: "四川省", Lat: ptr(30.5728), Lon: ptr(104.0668)},
	{ID: "wuhan", Name: "武汉", Code: "101200101", Province: "湖北省", Lat: ptr(30.5928), Lon: ptr(114.3055)},
	{ID: "nanjing", Name: "南京", Code: "101190101", Province: "江苏省", Lat: ptr(32.0603), Lon: ptr(118.7969)},
	{ID: "xian", Name: "西安", Code: "101110101", Province: "陕西省", Lat: ptr(34.3416), Lon: ptr(108.9398)},
	{ID: "chongqing", Name: "重庆", Code: "101040100", Province: "重庆市", Lat: ptr(29.5630), Lon: ptr(106.5516)},
}

func presetCities() []weather.City {
	out := make([]weather.City, len(PresetCities))
	copy(out, PresetCities)
	return out
}

// parseCities accepts a JSON array of cities or a "name:code[:lat:lon]" list.
// Entries without a name or code are dropped. Unreadable JSON falls back to
// the preset list; coordinates out of range are an error.
func parseCities(raw string) ([]weather.City, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return presetCities(), nil
	}

	var cities []weather.City
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &cities); err != nil {
			logrus.Warnf("FORECAST_CITIES is not valid JSON, using preset cities: %v", err)
			return presetCities(), nil
		}
	} else {
		for _, item := range common.SplitList(raw) {
			parts := strings.Split(item, ":")
			c := weather.City{Name: strings.TrimSpace(parts[0])}
			if len(parts) > 1 {
				c.Code = strings.TrimSpace(parts[1])
			}
			if len(parts) == 4 {
				lat, errLat := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
				lon, errLon := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
				if errLat == nil && errLon == nil {
					c.Lat, c.Lon = &lat, &lon
				}
			}
			cities = append(cities, c)
		}
	}

	out := make([]weather.City, 0, len(cities))
	for _, c := range cities {
		c.Name = strings.TrimSpace(c.Name)
		c.Code = strings.TrimSpace(c.Code)
		if c.Name == "" || c.Code == "" {
			continue
		}
		if err := validate.Struct(c); err != nil {
			return nil, fmt.Errorf("invalid city %q in FORECAST_CITIES: %w", c.Name, err)
		}
		if c.ID == "" {
			c.ID = c.Code
		}
		out = append(out, c)
	}
	return out, nil
}

var sourceNames = map[string]string{
	"qweather":    "和风天气",
	"openmeteo":   "Open-Meteo",
	"weatherapi":  "WeatherAPI",
	"openweather": "OpenWeather",
}

// parseSources reads "id:weight[:enabled]" entries in priority order.
func parseSources(raw string) ([]weather.DataSource, error) {
	var out []weather.DataSource
	for _, item := range common.SplitList(raw) {
		parts := strings.Split(item, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid WEATHER_SOURCES entry %q", item)
		}
		weight, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight in WEATHER_SOURCES entry %q: %w", item, err)
		}
		src := weather.DataSource{
			ID:      strings.ToLower(strings.TrimSpace(parts[0])),
			Weight:  weight,
			Enabled: true,
		}
		if len(parts) > 2 {
			src.Enabled = slots.ParseEnabled(parts[2], true)
		}
		name, ok := sourceNames[src.ID]
		if !ok {
			return nil, fmt.Errorf("unknown weather source %q", src.ID)
		}
		src.Name = name
		if err := validate.Struct(src); err != nil {
			return nil, fmt.Errorf("invalid WEATHER_SOURCES entry %q: %w", item, err)
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("WEATHER_SOURCES lists no source")
	}
	return out, nil
}

// disableUnservable turns off sources that cannot answer for every city: a
// source that never yields a sample still counts in the weight total and
// would dilute the composite. Open-Meteo needs coordinates; the keyed
// sources need their key. QWeather stays on as the primary source.
func disableUnservable(sources []weather.DataSource, cities []weather.City, keys map[string]string) []weather.DataSource {
	out := make([]weather.DataSource, len(sources))
	copy(out, sources)
	for i, src := range out {
		if !src.Enabled {
			continue
		}
		reason := ""
		switch src.ID {
		case "openmeteo":
			for _, c := range cities {
				if !c.HasCoordinates() {
					reason = "city " + c.Name + " has no coordinates"
					break
				}
			}
		case "weatherapi", "openweather":
			if keys[src.ID] == "" {
				reason = "no API key"
			}
		}
		if reason != "" {
			logrus.Warnf("weather source %s disabled: %s", src.ID, reason)
			out[i].Enabled = false
		}
	}
	return out
}

// parseSlotTimes reads "slot=HH:MM" entries.
func parseSlotTimes(raw string) ([]schedule.Schedule, error) {
	var out []schedule.Schedule
	for _, item := range common.SplitList(raw) {
		id, at, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid SLOT_TIMES entry %q", item)
		}
		s := schedule.Schedule{ID: strings.TrimSpace(id), Time: strings.TrimSpace(at), Enabled: true}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// parseAlertSchedules reads "id=HH:MM@today|tomorrow" entries.
func parseAlertSchedules(raw string) ([]schedule.Schedule, error) {
	var out []schedule.Schedule
	for _, item := range common.SplitList(raw) {
		id, rest, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid ALERT_SCHEDULES entry %q", item)
		}
		at, target, _ := strings.Cut(rest, "@")
		if target == "" {
			target = "tomorrow"
		}
		s := schedule.Schedule{
			ID:      strings.TrimSpace(id),
			Time:    strings.TrimSpace(at),
			Target:  strings.TrimSpace(target),
			Enabled: true,
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// inferBackend picks the REST store when its credentials are present and
// Redis when only REDIS_URL is set.
func inferBackend(opts store.Options) string {
	switch {
	case opts.RESTURL != "" && opts.RESTToken != "":
		return store.BackendREST
	case opts.RedisURL != "":
		return store.BackendRedis
	default:
		return store.BackendNone
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}
