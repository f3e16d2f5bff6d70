// Package features derives per-day SIR rate estimates from a daily series.
//
// Every ratio goes through SafeDivide, so a zero denominator yields 0 rather
// than NaN or Inf. That keeps the rows finite but also reports 0 for values
// that are really undefined, such as the reproduction number before any
// recovery has been recorded.
package features

import (
	"fmt"

	"github.com/TobiSchelling/rtestimate/internal/aggregate"
	"github.com/TobiSchelling/rtestimate/internal/apperr"
)

// Row is a series day extended with the derived rates.
type Row struct {
	aggregate.Day
	Population         int64
	Susceptible        float64
	TransmissionRate   float64
	RecoveryRate       float64
	ReproductionNumber float64
}

// SafeDivide returns num/den, or 0 when den is exactly zero.
func SafeDivide(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Compute derives transmission rate, recovery rate and reproduction number
// for every day of the series.
func Compute(series *aggregate.Series, population int64) ([]Row, error) {
	if population <= 0 {
		return nil, apperr.DataQuality("features", fmt.Sprintf("population must be positive, got %d", population), nil)
	}
	if series == nil || series.Len() == 0 {
		return nil, apperr.DataQuality("features", "empty daily series", nil)
	}

	pop := float64(population)
	rows := make([]Row, series.Len())
	for i, d := range series.Days {
		if d.CumulativePositive > population {
			return nil, apperr.DataQuality("features",
				fmt.Sprintf("cumulative positives %d on %s exceed population %d",
					d.CumulativePositive, d.Date.Format(aggregate.DateLayout), population), nil)
		}

		susceptible := pop - float64(d.CumulativePositive)
		beta := SafeDivide(float64(d.NewPositive)*pop, float64(d.CumulativePositive)*susceptible)
		gamma := SafeDivide(float64(d.NewRecovered), float64(d.LaggedPositive7d))
		r0 := SafeDivide(beta*susceptible, gamma*pop)

		rows[i] = Row{
			Day:                d,
			Population:         population,
			Susceptible:        susceptible,
			TransmissionRate:   beta,
			RecoveryRate:       gamma,
			ReproductionNumber: r0,
		}
	}
	return rows, nil
}
