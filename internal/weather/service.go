package weather

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Service fans out forecast requests to every enabled source.
type Service struct {
	providers map[string]Provider
	sources   []DataSource
	log       logrus.FieldLogger
}

// NewService creates a Service. sources fixes both the weights and the
// priority order used to pick the primary forecast; a source without a
// registered provider never yields data.
func NewService(providers []Provider, sources []DataSource, log logrus.FieldLogger) *Service {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Service{
		providers: byName,
		sources:   sources,
		log:       log,
	}
}

// Collection is the outcome of fetching one city from every enabled source.
type Collection struct {
	City      City
	Forecasts []Forecast // in source priority order, successful sources only
	Errors    map[string]error
}

// Empty reports whether no source succeeded.
func (c Collection) Empty() bool {
	return len(c.Forecasts) == 0
}

// Primary returns the forecast of the highest-priority source that answered.
func (c Collection) Primary() (Forecast, bool) {
	if len(c.Forecasts) == 0 {
		return Forecast{}, false
	}
	return c.Forecasts[0], true
}

// SamplesForDay converts day index i of every forecast into samples. Sources
// whose forecast is shorter than i+1 days contribute nothing.
func (c Collection) SamplesForDay(i int) []Sample {
	var samples []Sample
	for _, f := range c.Forecasts {
		if i < 0 || i >= len(f.Days) {
			continue
		}
		d := f.Days[i]
		samples = append(samples, Sample{
			Source:      f.Source,
			CityID:      c.City.Key(),
			Date:        d.Date,
			Probability: ClampProbability(d.Probability),
			TempMin:     d.TempMin,
			TempMax:     d.TempMax,
			Text:        d.Text,
			FetchedAt:   f.FetchedAt,
		})
	}
	return samples
}

// Composite aggregates day i across the collection's sources.
func (s *Service) Composite(c Collection, i int) Composite {
	return Aggregate(c.SamplesForDay(i), s.sources)
}

// Collect fetches city from all enabled sources concurrently. Failed sources
// are logged and recorded in Errors; they never produce zero-filled data.
func (s *Service) Collect(ctx context.Context, city City, days int) Collection {
	type outcome struct {
		forecast Forecast
		err      error
	}

	enabled := make([]DataSource, 0, len(s.sources))
	for _, src := range s.sources {
		if src.Enabled {
			enabled = append(enabled, src)
		}
	}

	results := make([]outcome, len(enabled))
	var wg sync.WaitGroup
	for i, src := range enabled {
		p, ok := s.providers[src.ID]
		if !ok {
			results[i] = outcome{err: ErrNotConfigured}
			continue
		}

		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			f, err := p.Forecast(ctx, city, days)
			results[i] = outcome{forecast: f, err: err}
		}(i, p)
	}
	wg.Wait()

	col := Collection{City: city, Errors: make(map[string]error)}
	for i, src := range enabled {
		r := results[i]
		if r.err != nil {
			s.log.WithFields(logrus.Fields{
				"source": src.ID,
				"city":   city.Name,
			}).WithError(r.err).Warn("forecast fetch failed")
			col.Errors[src.ID] = r.err
			continue
		}
		if r.forecast.Source == "" {
			r.forecast.Source = src.ID
		}
		col.Forecasts = append(col.Forecasts, r.forecast)
	}
	return col
}
