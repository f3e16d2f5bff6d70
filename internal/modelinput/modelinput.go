// Package modelinput packages a daily series into the data block of the SIR
// Stan model.
package modelinput

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/TobiSchelling/rtestimate/internal/aggregate"
	"github.com/TobiSchelling/rtestimate/internal/apperr"
)

// DefaultRecoveryLagDays is the assumed delay from confirmation to recovery.
const DefaultRecoveryLagDays = 21

const op = "build"

// Input is the sampler data contract. JSON names match the Stan data block.
type Input struct {
	SampleCount         int     `json:"n_sample"`
	CumulativePositive  []int64 `json:"I_obs"`
	CumulativeRecovered []int64 `json:"R_obs"`
	InitialSusceptible  int64   `json:"S0"`
	RecoveryLagDays     int     `json:"R_lag"`
	WeekdayCode         []int   `json:"Wd"`
}

// Build converts series into the model input.
func Build(series *aggregate.Series, population int64, recoveryLagDays int) (*Input, error) {
	if series == nil || series.Len() == 0 {
		return nil, apperr.ModelInput(op, "empty daily series", nil)
	}
	if population <= 0 {
		return nil, apperr.ModelInput(op, fmt.Sprintf("population must be positive, got %d", population), nil)
	}
	if recoveryLagDays <= 0 {
		return nil, apperr.ModelInput(op, fmt.Sprintf("recovery lag must be a positive number of days, got %d", recoveryLagDays), nil)
	}

	n := series.Len()
	in := &Input{
		SampleCount:         n,
		CumulativePositive:  make([]int64, n),
		CumulativeRecovered: make([]int64, n),
		InitialSusceptible:  population,
		RecoveryLagDays:     recoveryLagDays,
		WeekdayCode:         make([]int, n),
	}
	for i, d := range series.Days {
		if d.CumulativePositive < 0 || d.CumulativeRecovered < 0 {
			return nil, apperr.ModelInput(op,
				fmt.Sprintf("negative cumulative count on %s", d.Date.Format(aggregate.DateLayout)), nil)
		}
		in.CumulativePositive[i] = d.CumulativePositive
		in.CumulativeRecovered[i] = d.CumulativeRecovered
		in.WeekdayCode[i] = d.WeekdayCode
	}

	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}

// Validate checks array shapes and signs against the contract.
func (in *Input) Validate() error {
	if in.SampleCount <= 0 {
		return apperr.ModelInput(op, "sample count must be positive", nil)
	}
	for name, l := range map[string]int{
		"I_obs": len(in.CumulativePositive),
		"R_obs": len(in.CumulativeRecovered),
		"Wd":    len(in.WeekdayCode),
	} {
		if l != in.SampleCount {
			return apperr.ModelInput(op, fmt.Sprintf("%s has %d elements, want %d", name, l, in.SampleCount), nil)
		}
	}
	for i := 0; i < in.SampleCount; i++ {
		if in.CumulativePositive[i] < 0 || in.CumulativeRecovered[i] < 0 {
			return apperr.ModelInput(op, fmt.Sprintf("negative cumulative count at index %d", i), nil)
		}
		if in.WeekdayCode[i] < 1 || in.WeekdayCode[i] > 7 {
			return apperr.ModelInput(op, fmt.Sprintf("weekday code %d at index %d outside 1..7", in.WeekdayCode[i], i), nil)
		}
	}
	if in.InitialSusceptible <= 0 {
		return apperr.ModelInput(op, "initial susceptible must be positive", nil)
	}
	if in.RecoveryLagDays <= 0 {
		return apperr.ModelInput(op, "recovery lag must be positive", nil)
	}
	return nil
}

// WriteJSON writes the input as a CmdStan JSON data file.
func (in *Input) WriteJSON(path string) error {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding model input: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing model input: %w", err)
	}
	return nil
}
