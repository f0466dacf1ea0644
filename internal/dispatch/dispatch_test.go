package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/rain-forecast/internal/push"
	"github.com/i474232898/rain-forecast/internal/schedule"
	"github.com/i474232898/rain-forecast/internal/slots"
	"github.com/i474232898/rain-forecast/internal/store"
	"github.com/i474232898/rain-forecast/internal/weather"
)

var cst = time.FixedZone("CST", 8*3600)

type stubProvider struct {
	name     string
	forecast map[string]weather.Forecast // by city code
}

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) Forecast(_ context.Context, city weather.City, _ int) (weather.Forecast, error) {
	f, ok := s.forecast[city.Code]
	if !ok {
		return weather.Forecast{}, weather.ErrUnavailable
	}
	return f, nil
}

type sentMessage struct {
	channel, title, body string
}

type recordingPusher struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (r *recordingPusher) Name() string { return "recording" }

func (r *recordingPusher) Send(_ context.Context, channel, title, body string) push.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{channel, title, body})
	if r.fail {
		return push.Result{Message: "bad pushkey"}
	}
	return push.Result{Success: true, Message: "发送成功"}
}

func (r *recordingPusher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func day(date, text string, min, max float64, pop int) weather.Day {
	return weather.Day{Date: date, Text: text, TempMin: min, TempMax: max, Probability: pop}
}

type fixture struct {
	engine *Engine
	pusher *recordingPusher
	store  *store.MemoryStore
	log    *test.Hook
}

func newFixture(t *testing.T, cities []weather.City, providers []weather.Provider, sources []weather.DataSource, opts Options) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	st := store.NewMemoryStore(0)
	resolver := slots.NewResolver(st, slots.ProcessSettings{Days: 3}, "admin", logger)
	svc := weather.NewService(providers, sources, logger)
	pusher := &recordingPusher{}

	opts.Cities = cities
	if opts.Channel == "" {
		opts.Channel = "SCT123"
	}
	opts.Location = cst

	eng := NewEngine(resolver, svc, pusher, schedule.NewMatcher(st, nil, logger), NewHistory(st, logger), opts, logger)
	eng.WithClock(func() time.Time { return time.Date(2024, 5, 1, 8, 0, 30, 0, cst) })
	return &fixture{engine: eng, pusher: pusher, store: st, log: hook}
}

var beijing = weather.City{ID: "beijing", Name: "北京", Code: "101010100"}

func qweatherOnly() []weather.DataSource {
	return []weather.DataSource{{ID: "qweather", Name: "和风天气", Weight: 1, Enabled: true}}
}

func TestDispatchSlotEndToEnd(t *testing.T) {
	prov := stubProvider{name: "qweather", forecast: map[string]weather.Forecast{
		beijing.Code: {UpdateTime: "2024-05-01T07:35+08:00", Days: []weather.Day{
			day("2024-05-01", "小雨", 18, 26, 70),
			day("2024-05-02", "多云", 17, 24, 20),
		}},
	}}
	f := newFixture(t, []weather.City{beijing}, []weather.Provider{prov}, qweatherOnly(), Options{})
	ctx := context.Background()

	res, err := f.engine.DispatchSlot(ctx, Request{Slot: "morning", Trigger: TriggerCron})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.False(t, res.Skipped)
	assert.Equal(t, "2024-05-01", res.Date)
	assert.Equal(t, slots.TargetToday, res.Target)
	assert.True(t, res.Dedupe)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Success)
	require.NotNil(t, res.Results[0].Probability)
	assert.Equal(t, 70, *res.Results[0].Probability)

	require.Equal(t, 1, f.pusher.count())
	msg := f.pusher.sent[0]
	assert.Equal(t, "SCT123", msg.channel)
	assert.Equal(t, "【每日天气预报】北京", msg.title)
	assert.Contains(t, msg.body, "今天：小雨，18°~26°，降雨概率 70%")
	assert.Contains(t, msg.body, "📍 城市：北京")
	assert.Contains(t, msg.body, "数据更新时间：2024-05-01T07:35+08:00")
	assert.Contains(t, msg.body, "推送时间：2024/5/1 08:00:30")
	assert.NotContains(t, msg.body, "明天")

	_, err = f.store.Get(ctx, "rain-forecast:2024-05-01:morning")
	require.NoError(t, err, "marker must be written")

	records, err := f.engine.History().List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "morning", records[0].ScheduleID)
	assert.Equal(t, "beijing", records[0].CityID)
	assert.True(t, records[0].Sent)
	assert.Equal(t, KindForecast, records[0].Kind)
	assert.NotEmpty(t, records[0].ID)

	// same day, same slot: skipped without sending
	res, err = f.engine.DispatchSlot(ctx, Request{Slot: "morning", Trigger: TriggerCron})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, schedule.ReasonAlreadySent, res.Reason)
	assert.Equal(t, 1, f.pusher.count())
}

func TestDispatchSlotPartialFailure(t *testing.T) {
	a := weather.City{ID: "a", Name: "A", Code: "1"}
	b := weather.City{ID: "b", Name: "B", Code: "2"}
	c := weather.City{ID: "c", Name: "C", Code: "3"}
	fc := weather.Forecast{UpdateTime: "t", Days: []weather.Day{day("d0", "晴", 10, 20, 5), day("d1", "雨", 11, 19, 90)}}
	prov := stubProvider{name: "qweather", forecast: map[string]weather.Forecast{"1": fc, "3": fc}}

	f := newFixture(t, []weather.City{a, b, c}, []weather.Provider{prov}, qweatherOnly(), Options{Concurrency: 2})
	res, err := f.engine.DispatchSlot(context.Background(), Request{Slot: "evening", Trigger: TriggerCron})
	require.NoError(t, err)

	require.Len(t, res.Results, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{res.Results[0].City, res.Results[1].City, res.Results[2].City})
	assert.True(t, res.Results[0].Success)
	assert.False(t, res.Results[1].Success)
	assert.Equal(t, "获取天气失败", res.Results[1].Message)
	assert.True(t, res.Results[2].Success)
	assert.Equal(t, 2, f.pusher.count())
	for _, m := range f.pusher.sent {
		assert.Contains(t, m.body, "明天：雨，11°~19°，降雨概率 90%")
	}

	records, err := f.engine.History().List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2, "only attempted pushes are recorded")
}

func TestDispatchSlotMissingDay(t *testing.T) {
	prov := stubProvider{name: "qweather", forecast: map[string]weather.Forecast{
		beijing.Code: {Days: []weather.Day{day("d0", "晴", 10, 20, 5)}},
	}}
	f := newFixture(t, []weather.City{beijing}, []weather.Provider{prov}, qweatherOnly(), Options{})

	res, err := f.engine.DispatchSlot(context.Background(), Request{Slot: "night", Trigger: TriggerCron})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].Success)
	assert.Equal(t, "缺少明天天气数据", res.Results[0].Message)
	assert.Zero(t, f.pusher.count())

	_, err = f.store.Get(context.Background(), "rain-forecast:2024-05-01:night")
	assert.ErrorIs(t, err, store.ErrNotFound, "no success, no marker")
}

func TestDispatchSlotRangeAggregatesSources(t *testing.T) {
	qw := stubProvider{name: "qweather", forecast: map[string]weather.Forecast{beijing.Code: {UpdateTime: "u", Days: []weather.Day{
		day("d0", "小雨", 18, 26, 80), day("d1", "多云", 17, 24, 20), day("d2", "晴", 16, 25, 0),
	}}}}
	om := stubProvider{name: "openmeteo", forecast: map[string]weather.Forecast{beijing.Code: {Days: []weather.Day{
		day("d0", "rain", 18, 26, 20), day("d1", "cloudy", 17, 24, 40),
	}}}}
	sources := []weather.DataSource{
		{ID: "qweather", Weight: 0.6, Enabled: true},
		{ID: "openmeteo", Weight: 0.4, Enabled: true},
	}
	f := newFixture(t, []weather.City{beijing}, []weather.Provider{qw, om}, sources, Options{})

	res, err := f.engine.DispatchSlot(context.Background(), Request{Slot: "default", Trigger: TriggerCron})
	require.NoError(t, err)
	assert.Equal(t, slots.TargetRange, res.Target)
	assert.Equal(t, 3, res.Days)

	require.Equal(t, 1, f.pusher.count())
	body := f.pusher.sent[0].body
	assert.Contains(t, body, "今天：小雨，18°~26°，降雨概率 56%")
	assert.Contains(t, body, "明天：多云，17°~24°，降雨概率 28%")
	assert.Contains(t, body, "后天：晴，16°~25°，降雨概率 0%")
}

func TestDispatchSlotDisabled(t *testing.T) {
	f := newFixture(t, []weather.City{beijing}, nil, qweatherOnly(), Options{})
	require.NoError(t, f.store.Set(context.Background(), slots.ConfigKey, `{"enabled":false}`, 0))

	res, err := f.engine.DispatchSlot(context.Background(), Request{Slot: "morning"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonSlotDisabled, res.Reason)
}

func TestDispatchSlotConfigErrors(t *testing.T) {
	f := newFixture(t, []weather.City{beijing}, nil, qweatherOnly(), Options{})
	f.engine.opts.Channel = ""
	_, err := f.engine.DispatchSlot(context.Background(), Request{Slot: "morning"})
	assert.True(t, errors.Is(err, ErrMissingPushToken))

	f = newFixture(t, nil, nil, qweatherOnly(), Options{})
	_, err = f.engine.DispatchSlot(context.Background(), Request{Slot: "morning"})
	assert.ErrorIs(t, err, ErrNoCities)
}

func TestDispatchSlotIntervalDueCheckAndRollingPolicy(t *testing.T) {
	prov := stubProvider{name: "qweather", forecast: map[string]weather.Forecast{
		beijing.Code: {Days: []weather.Day{day("d0", "晴", 10, 20, 5)}},
	}}
	f := newFixture(t, []weather.City{beijing}, []weather.Provider{prov}, qweatherOnly(), Options{})
	ctx := context.Background()

	res, err := f.engine.DispatchSlot(ctx, Request{Slot: "morning", Trigger: TriggerInterval, Time: "09:00"})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotDue, res.Reason)

	res, err = f.engine.DispatchSlot(ctx, Request{Slot: "morning", Trigger: TriggerInterval, Time: "08:01"})
	require.NoError(t, err)
	require.False(t, res.Skipped)

	_, err = f.store.Get(ctx, "rain-forecast:last:morning")
	require.NoError(t, err, "interval passes use the rolling marker")
}

func TestDispatchSlotInProgress(t *testing.T) {
	f := newFixture(t, []weather.City{beijing}, nil, qweatherOnly(), Options{})
	ok, err := f.store.SetNX(context.Background(), "rain-forecast:lock:morning", "1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.engine.DispatchSlot(context.Background(), Request{Slot: "morning"})
	require.NoError(t, err)
	assert.Equal(t, schedule.ReasonInProgress, res.Reason)
}

func TestDispatchSlotCityScope(t *testing.T) {
	shanghai := weather.City{ID: "shanghai", Name: "上海", Code: "101020100"}
	fc := weather.Forecast{Days: []weather.Day{day("d0", "晴", 10, 20, 5)}}
	prov := stubProvider{name: "qweather", forecast: map[string]weather.Forecast{beijing.Code: fc, shanghai.Code: fc}}
	f := newFixture(t, []weather.City{beijing, shanghai}, []weather.Provider{prov}, qweatherOnly(), Options{MarkScope: MarkCity})
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, "rain-forecast:2024-05-01:morning:beijing", "1", 0))

	res, err := f.engine.DispatchSlot(ctx, Request{Slot: "morning"})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Skipped)
	assert.True(t, res.Results[1].Success)
	assert.Equal(t, 1, f.pusher.count())

	_, err = f.store.Get(ctx, "rain-forecast:2024-05-01:morning:shanghai")
	require.NoError(t, err)
}

func TestDispatchAlertThreshold(t *testing.T) {
	wet := weather.City{ID: "wet", Name: "湿城", Code: "1"}
	dry := weather.City{ID: "dry", Name: "干城", Code: "2"}
	prov := stubProvider{name: "qweather", forecast: map[string]weather.Forecast{
		"1": {Days: []weather.Day{day("d0", "晴", 10, 20, 5), {Date: "d1", Text: "大雨", Condition: weather.ConditionRain, Probability: 85}}},
		"2": {Days: []weather.Day{day("d0", "晴", 10, 20, 5), day("d1", "晴", 10, 20, 10)}},
	}}
	f := newFixture(t, []weather.City{wet, dry}, []weather.Provider{prov}, qweatherOnly(), Options{Threshold: 50})
	ctx := context.Background()
	s := schedule.Schedule{ID: "evening-6", Time: "18:00", Enabled: true, Target: "tomorrow"}

	res, err := f.engine.DispatchAlert(ctx, AlertRequest{Schedule: s})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Success)
	assert.True(t, res.Results[1].Skipped)
	assert.Equal(t, 10, *res.Results[1].Probability)

	require.Equal(t, 1, f.pusher.count())
	msg := f.pusher.sent[0]
	assert.Equal(t, "【降雨预警】湿城 - 🔴 高预警", msg.title)
	assert.Contains(t, msg.body, "🌧️ 降雨概率：85%")
	assert.Contains(t, msg.body, "⚠️ 预警阈值：50%")
	assert.Contains(t, msg.body, "天气状况：大雨")
	assert.True(t, strings.HasSuffix(msg.body, "请及时做好防雨准备！"))

	records, err := f.engine.History().List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, KindAlert, records[0].Kind)

	// rolling marker blocks a second run
	res, err = f.engine.DispatchAlert(ctx, AlertRequest{Schedule: s})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, f.pusher.count())
}

func TestDispatchAlertCheckDue(t *testing.T) {
	f := newFixture(t, []weather.City{beijing}, nil, qweatherOnly(), Options{})
	res, err := f.engine.DispatchAlert(context.Background(), AlertRequest{
		Schedule: schedule.Schedule{ID: "evening-6", Time: "18:00", Enabled: true, Target: "tomorrow"},
		CheckDue: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotDue, res.Reason)
}

func TestPushFailureDoesNotMark(t *testing.T) {
	prov := stubProvider{name: "qweather", forecast: map[string]weather.Forecast{
		beijing.Code: {Days: []weather.Day{day("d0", "晴", 10, 20, 5)}},
	}}
	f := newFixture(t, []weather.City{beijing}, []weather.Provider{prov}, qweatherOnly(), Options{})
	f.pusher.fail = true

	res, err := f.engine.DispatchSlot(context.Background(), Request{Slot: "morning"})
	require.NoError(t, err)
	assert.False(t, res.Results[0].Success)
	assert.Equal(t, "bad pushkey", res.Results[0].Message)

	_, err = f.store.Get(context.Background(), "rain-forecast:2024-05-01:morning")
	assert.ErrorIs(t, err, store.ErrNotFound)

	records, err := f.engine.History().List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Sent)
}

func TestHistoryKeepsNewestHundred(t *testing.T) {
	logger, _ := test.NewNullLogger()
	for name, st := range map[string]store.Store{"memory": store.NewMemoryStore(0), "unconfigured": nil} {
		t.Run(name, func(t *testing.T) {
			h := NewHistory(st, logger)
			ctx := context.Background()
			for i := 0; i < 105; i++ {
				require.NoError(t, h.Append(ctx, Record{ID: string(rune('a' + i%26)), Timestamp: int64(i)}))
			}
			records, err := h.List(ctx)
			require.NoError(t, err)
			require.Len(t, records, HistoryLimit)
			assert.Equal(t, int64(104), records[0].Timestamp)
			assert.Equal(t, int64(5), records[HistoryLimit-1].Timestamp)
		})
	}
}

func TestAlertLevelAndSuggestion(t *testing.T) {
	assert.Equal(t, "🔴 高", AlertLevel(80))
	assert.Equal(t, "🟠 中", AlertLevel(60))
	assert.Equal(t, "🟡 低", AlertLevel(59))
	assert.Contains(t, Suggestion(45), "可能有雨")
	assert.Contains(t, Suggestion(10), "可正常出行")
}

func TestIntervalPassesDedupeWithoutSharedStore(t *testing.T) {
	logger, _ := test.NewNullLogger()
	prov := stubProvider{name: "qweather", forecast: map[string]weather.Forecast{
		beijing.Code: {Days: []weather.Day{day("d0", "小雨", 10, 20, 70)}},
	}}
	var st store.Store = store.Unconfigured{}
	pusher := &recordingPusher{}
	eng := NewEngine(
		slots.NewResolver(st, slots.ProcessSettings{Days: 3}, "", logger),
		weather.NewService([]weather.Provider{prov}, qweatherOnly(), logger),
		pusher,
		schedule.NewMatcher(st, nil, logger),
		NewHistory(st, logger),
		Options{Channel: "SCT123", Cities: []weather.City{beijing}, Location: cst},
		logger,
	)

	// The minute tick sees the slot as due from 06:58 through 07:02.
	for minute := 58; minute <= 62; minute++ {
		at := time.Date(2024, 5, 1, 6, minute, 0, 0, cst)
		eng.WithClock(func() time.Time { return at })
		_, err := eng.DispatchSlot(context.Background(), Request{Slot: "morning", Trigger: TriggerInterval, Time: "07:00"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, pusher.count())

	// Cron passes keep running without dedupe when nothing is shared.
	eng.WithClock(func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, cst) })
	for i := 0; i < 2; i++ {
		res, err := eng.DispatchSlot(context.Background(), Request{Slot: "morning", Trigger: TriggerCron})
		require.NoError(t, err)
		assert.False(t, res.Dedupe)
	}
	assert.Equal(t, 3, pusher.count())
}

// flakyStore fails the next failGets reads.
type flakyStore struct {
	*store.MemoryStore
	failGets int
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, error) {
	if f.failGets > 0 {
		f.failGets--
		return "", store.ErrUnavailable
	}
	return f.MemoryStore.Get(ctx, key)
}

func TestHistoryAppendKeepsLogOnReadFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	st := &flakyStore{MemoryStore: store.NewMemoryStore(0)}
	h := NewHistory(st, logger)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, h.Append(ctx, Record{ID: "r", Timestamp: int64(i)}))
	}

	st.failGets = 1
	err := h.Append(ctx, Record{ID: "lost", Timestamp: 50})
	require.ErrorIs(t, err, store.ErrUnavailable)

	records, err := h.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 50)
	assert.Equal(t, int64(49), records[0].Timestamp)
}

func TestHistoryReplacesCorruptLog(t *testing.T) {
	logger, hook := test.NewNullLogger()
	st := store.NewMemoryStore(0)
	require.NoError(t, st.Set(context.Background(), HistoryKey, "{not json", 0))
	h := NewHistory(st, logger)

	require.NoError(t, h.Append(context.Background(), Record{ID: "fresh"}))
	records, err := h.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fresh", records[0].ID)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "history unreadable, starting a new log", hook.LastEntry().Message)
}
