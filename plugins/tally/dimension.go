package tally

import (
	"strconv"

	"github.com/inference-sim/nucleus/sim/experiment"
)

func IncrementDimension(values ...float64) experiment.Dimension {
	return floatDimension("increment", (*Builder).SetIncrement, values)
}

func LimitDimension(values ...float64) experiment.Dimension {
	return floatDimension("limit", (*Builder).SetLimit, values)
}

func PeriodDimension(values ...float64) experiment.Dimension {
	return floatDimension("period", (*Builder).SetPeriod, values)
}

func JitterDimension(values ...float64) experiment.Dimension {
	return floatDimension("jitter", (*Builder).SetJitter, values)
}

// floatDimension varies one Data field. Metadata is the shortest decimal
// form of each value.
func floatDimension(header string, set func(*Builder, float64) *Builder, values []float64) experiment.Dimension {
	d := experiment.Dimension{Headers: []string{header}}
	for _, v := range values {
		v := v // per-iteration copy (Go 1.22 loop semantics)
		d.Levels = append(d.Levels, func(dc *experiment.DimensionContext) ([]string, error) {
			b, err := experiment.DataBuilder[*Builder](dc)
			if err != nil {
				return nil, err
			}
			set(b, v)
			return []string{strconv.FormatFloat(v, 'g', -1, 64)}, nil
		})
	}
	return d
}
