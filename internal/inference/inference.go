// Package inference runs the Bayesian sampler over a model input and
// extracts the posterior of the reproduction-number parameter family.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/TobiSchelling/rtestimate/internal/apperr"
	"github.com/TobiSchelling/rtestimate/internal/modelinput"
)

// DefaultParameterPrefix names the per-day reproduction-number parameters
// of the SIR model (R_param[1], R_param[2], ...).
const DefaultParameterPrefix = "R_param"

// ErrNoMatchingParameters means the sampler summary holds no parameter of
// the expected family, i.e. the model and the runner disagree on naming.
var ErrNoMatchingParameters = errors.New("no matching parameters")

// Settings fixes the sampler run so identical inputs reproduce identical
// draws.
type Settings struct {
	Chains  int
	Seed    int64
	Warmup  int
	Samples int
	Thin    int
}

// DefaultSettings returns 2 chains, seed 123, 200 warmup and 200 sampling
// iterations thinned by 2.
func DefaultSettings() Settings {
	return Settings{Chains: 2, Seed: 123, Warmup: 200, Samples: 200, Thin: 2}
}

// Estimate summarizes the draws of one parameter.
type Estimate struct {
	Name  string
	Mean  float64
	Lower float64 // 5th percentile
	Upper float64 // 95th percentile
}

// Summary is the sampler's per-parameter posterior summary, in model order.
type Summary struct {
	Entries []Estimate
}

// Sampler runs the inference engine on one model input.
type Sampler interface {
	Sample(ctx context.Context, in *modelinput.Input, settings Settings) (*Summary, error)
}

// DayEstimate is the family entry of one observation day (1-based).
type DayEstimate struct {
	Day int
	Estimate
}

// Posterior holds the reproduction-number family ordered by day.
type Posterior struct {
	Prefix string
	Days   []DayEstimate
}

// Head returns at most the first n entries.
func (p *Posterior) Head(n int) []DayEstimate {
	if n > len(p.Days) {
		n = len(p.Days)
	}
	return p.Days[:n]
}

// Runner invokes a Sampler with fixed settings.
type Runner struct {
	sampler  Sampler
	settings Settings
	prefix   string
	logger   *zap.Logger
}

// NewRunner creates a runner selecting parameters named prefix[i].
func NewRunner(sampler Sampler, settings Settings, prefix string, logger *zap.Logger) *Runner {
	if prefix == "" {
		prefix = DefaultParameterPrefix
	}
	if settings.Chains <= 0 {
		settings.Chains = DefaultSettings().Chains
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{sampler: sampler, settings: settings, prefix: prefix, logger: logger}
}

// Settings returns the sampler settings in effect.
func (r *Runner) Settings() Settings {
	return r.settings
}

// Run samples the model and returns the reproduction-number posterior.
func (r *Runner) Run(ctx context.Context, in *modelinput.Input) (*Posterior, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	r.logger.Info("sampling",
		zap.Int("days", in.SampleCount),
		zap.Int("chains", r.settings.Chains),
		zap.Int64("seed", r.settings.Seed),
		zap.Int("warmup", r.settings.Warmup),
		zap.Int("samples", r.settings.Samples),
		zap.Int("thin", r.settings.Thin))

	summary, err := r.sampler.Sample(ctx, in, r.settings)
	if err != nil {
		if apperr.IsKind(err, apperr.KindSampler) {
			return nil, err
		}
		return nil, apperr.Sampler("run", "sampler failed", err)
	}

	post := Select(summary, r.prefix)
	if len(post.Days) == 0 {
		return nil, apperr.Sampler("run",
			fmt.Sprintf("summary of %d parameters has no %s[i] entries", len(summary.Entries), r.prefix),
			ErrNoMatchingParameters)
	}
	if len(post.Days) != in.SampleCount {
		r.logger.Warn("family size differs from observation days",
			zap.String("prefix", r.prefix),
			zap.Int("entries", len(post.Days)),
			zap.Int("days", in.SampleCount))
	}

	r.logger.Info("posterior extracted", zap.String("prefix", r.prefix), zap.Int("entries", len(post.Days)))
	return post, nil
}

// Select keeps the entries named prefix[i] (or exactly prefix, as day 1)
// ordered by index.
func Select(summary *Summary, prefix string) *Posterior {
	post := &Posterior{Prefix: prefix}
	if summary == nil {
		return post
	}
	for _, e := range summary.Entries {
		day, ok := familyIndex(e.Name, prefix)
		if !ok {
			continue
		}
		post.Days = append(post.Days, DayEstimate{Day: day, Estimate: e})
	}
	sort.SliceStable(post.Days, func(i, j int) bool { return post.Days[i].Day < post.Days[j].Day })
	return post
}

func familyIndex(name, prefix string) (int, bool) {
	if name == prefix {
		return 1, true
	}
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	rest := name[len(prefix):]
	var idx string
	switch {
	case strings.HasPrefix(rest, "[") && strings.HasSuffix(rest, "]"):
		idx = rest[1 : len(rest)-1]
	case strings.HasPrefix(rest, "."):
		idx = rest[1:]
	default:
		return 0, false
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
