package weather

import "math"

// Composite is the weighted rain probability of one city and day.
type Composite struct {
	Percent int `json:"percent"`
	// Samples counts the samples that matched an enabled source.
	Samples int `json:"samples"`
	// HasData is false when no enabled source produced a sample; Percent is
	// then 0 and must not be read as "no rain".
	HasData bool `json:"hasData"`
}

// Aggregate combines samples into a composite percentage. Only enabled
// sources take part and weights are normalised by their sum.
func Aggregate(samples []Sample, sources []DataSource) Composite {
	weights := make(map[string]float64, len(sources))
	var total float64
	for _, s := range sources {
		if !s.Enabled {
			continue
		}
		weights[s.ID] = s.Weight
		total += s.Weight
	}
	if total <= 0 || len(samples) == 0 {
		return Composite{}
	}

	var (
		sum     float64
		matched int
	)
	for _, sample := range samples {
		w, ok := weights[sample.Source]
		if !ok {
			continue
		}
		sum += float64(ClampProbability(sample.Probability)) * (w / total)
		matched++
	}
	if matched == 0 {
		return Composite{}
	}

	return Composite{
		Percent: ClampProbability(int(math.Round(sum))),
		Samples: matched,
		HasData: true,
	}
}
