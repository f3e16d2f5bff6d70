// Package pipeline runs the estimation stages in order: fetch, aggregate,
// features, model input, sampling and the optional save of the run.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TobiSchelling/rtestimate/internal/aggregate"
	"github.com/TobiSchelling/rtestimate/internal/apperr"
	"github.com/TobiSchelling/rtestimate/internal/database"
	"github.com/TobiSchelling/rtestimate/internal/features"
	"github.com/TobiSchelling/rtestimate/internal/fetch"
	"github.com/TobiSchelling/rtestimate/internal/inference"
	"github.com/TobiSchelling/rtestimate/internal/modelinput"
	"github.com/TobiSchelling/rtestimate/internal/report"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a pipeline run. Stage outputs stay nil from
// the first failed step on.
type Result struct {
	Steps     []StepResult
	Series    *aggregate.Series
	Features  []features.Row
	Input     *modelinput.Input
	Posterior *inference.Posterior
	Estimates []database.Estimate
	RunID     string
}

// Err returns the error of the failed step, if any.
func (r *Result) Err() error {
	for _, s := range r.Steps {
		if s.Err != nil {
			return s.Err
		}
	}
	return nil
}

// Store persists finished runs.
type Store interface {
	SaveRun(run *database.Run, estimates []database.Estimate) (string, error)
}

// Options describes the estimation target.
type Options struct {
	Region          string
	SourceName      string
	Population      int64
	RecoveryLagDays int
}

// Pipeline orchestrates the estimation stages.
type Pipeline struct {
	source fetch.Source
	runner *inference.Runner
	store  Store
	opts   Options
	logger *zap.Logger
}

// New creates a new pipeline. runner may be nil for Prepare only; a nil
// store skips saving.
func New(source fetch.Source, runner *inference.Runner, store Store, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RecoveryLagDays == 0 {
		opts.RecoveryLagDays = modelinput.DefaultRecoveryLagDays
	}
	return &Pipeline{source: source, runner: runner, store: store, opts: opts, logger: logger}
}

// Run executes every stage, stopping at the first failure.
func (p *Pipeline) Run(ctx context.Context) *Result {
	r := p.Prepare(ctx)
	if r.Err() != nil {
		return r
	}
	return p.Finish(ctx, r)
}

// Prepare runs the stages up to the model input without sampling.
func (p *Pipeline) Prepare(ctx context.Context) *Result {
	r := &Result{}
	total := p.totalSteps()

	obs, step := p.runFetch(ctx, total)
	if !p.step(r, step) {
		return r
	}
	if !p.step(r, p.runAggregate(r, obs, total)) {
		return r
	}
	if !p.step(r, p.runFeatures(r, total)) {
		return r
	}
	p.step(r, p.runBuild(r, total))
	return r
}

// Finish samples a prepared result and saves the run when a store is set.
func (p *Pipeline) Finish(ctx context.Context, r *Result) *Result {
	if r.Input == nil {
		r.Steps = append(r.Steps, StepResult{Name: "Sample", Err: apperr.ModelInput("sample", "no prepared model input", nil)})
		return r
	}
	total := p.totalSteps()
	if !p.step(r, p.runSample(ctx, r, total)) {
		return r
	}
	if p.store != nil {
		p.step(r, p.runSave(r, total))
	}
	return r
}

func (p *Pipeline) totalSteps() int {
	switch {
	case p.runner == nil:
		return 4
	case p.store == nil:
		return 5
	default:
		return 6
	}
}

func (p *Pipeline) step(r *Result, s StepResult) bool {
	r.Steps = append(r.Steps, s)
	if s.Err != nil {
		p.logger.Error("step failed", zap.String("step", s.Name), zap.Error(s.Err))
		return false
	}
	return true
}

func (p *Pipeline) runFetch(ctx context.Context, total int) ([]fetch.Observation, StepResult) {
	p.logger.Info(fmt.Sprintf("Step 1/%d: Fetching case records...", total))
	obs, err := p.source.Fetch(ctx, p.opts.Region)
	if err != nil {
		return nil, StepResult{Name: "Fetch", Err: err}
	}
	return obs, StepResult{
		Name:    "Fetch",
		Summary: fmt.Sprintf("Found %d records for %s", len(obs), p.opts.Region),
	}
}

func (p *Pipeline) runAggregate(r *Result, obs []fetch.Observation, total int) StepResult {
	p.logger.Info(fmt.Sprintf("Step 2/%d: Aggregating daily series...", total))
	series, err := aggregate.Aggregate(obs)
	if err != nil {
		return StepResult{Name: "Aggregate", Err: err}
	}
	r.Series = series
	return StepResult{
		Name: "Aggregate",
		Summary: fmt.Sprintf("%d days from %s to %s", series.Len(),
			series.First().Format(aggregate.DateLayout), series.Last().Format(aggregate.DateLayout)),
	}
}

func (p *Pipeline) runFeatures(r *Result, total int) StepResult {
	p.logger.Info(fmt.Sprintf("Step 3/%d: Computing SIR features...", total))
	rows, err := features.Compute(r.Series, p.opts.Population)
	if err != nil {
		return StepResult{Name: "Features", Err: err}
	}
	r.Features = rows
	last := rows[len(rows)-1]
	return StepResult{
		Name:    "Features",
		Summary: fmt.Sprintf("Latest naive R %.4f (beta %.4f, gamma %.4f)", last.ReproductionNumber, last.TransmissionRate, last.RecoveryRate),
	}
}

func (p *Pipeline) runBuild(r *Result, total int) StepResult {
	p.logger.Info(fmt.Sprintf("Step 4/%d: Building model input...", total))
	in, err := modelinput.Build(r.Series, p.opts.Population, p.opts.RecoveryLagDays)
	if err != nil {
		return StepResult{Name: "Build", Err: err}
	}
	r.Input = in
	return StepResult{
		Name:    "Build",
		Summary: fmt.Sprintf("Prepared data with %d days of observations", in.SampleCount),
	}
}

func (p *Pipeline) runSample(ctx context.Context, r *Result, total int) StepResult {
	p.logger.Info(fmt.Sprintf("Step 5/%d: Sampling posterior...", total))
	if p.runner == nil {
		return StepResult{Name: "Sample", Err: apperr.Config("sample", "no sampler configured", nil)}
	}
	post, err := p.runner.Run(ctx, r.Input)
	if err != nil {
		return StepResult{Name: "Sample", Err: err}
	}
	r.Posterior = post
	r.Estimates = Estimates(r.Series, post)
	return StepResult{
		Name:    "Sample",
		Summary: fmt.Sprintf("%d %s entries summarized", len(post.Days), post.Prefix),
	}
}

func (p *Pipeline) runSave(r *Result, total int) StepResult {
	p.logger.Info(fmt.Sprintf("Step 6/%d: Saving run...", total))
	settings := p.runner.Settings()
	run := &database.Run{
		ID:              uuid.NewString(),
		Region:          p.opts.Region,
		Source:          p.opts.SourceName,
		Population:      p.opts.Population,
		RecoveryLagDays: p.opts.RecoveryLagDays,
		Chains:          settings.Chains,
		Seed:            settings.Seed,
		FirstDate:       r.Series.First().Format(aggregate.DateLayout),
		LastDate:        r.Series.Last().Format(aggregate.DateLayout),
		Days:            r.Series.Len(),
	}
	run.ReportMarkdown = report.Markdown(run, r.Estimates)

	id, err := p.store.SaveRun(run, r.Estimates)
	if err != nil {
		return StepResult{Name: "Save", Err: err}
	}
	r.RunID = id
	return StepResult{
		Name:    "Save",
		Summary: fmt.Sprintf("Stored run %s with %d estimates", id, len(r.Estimates)),
	}
}

// Estimates pairs each posterior entry with the calendar date of its day.
// Entries beyond the series keep an empty date.
func Estimates(series *aggregate.Series, post *inference.Posterior) []database.Estimate {
	out := make([]database.Estimate, 0, len(post.Days))
	for _, d := range post.Days {
		e := database.Estimate{
			Parameter: d.Name,
			Day:       d.Day,
			Mean:      d.Mean,
			Lower:     d.Lower,
			Upper:     d.Upper,
		}
		if series != nil && d.Day >= 1 && d.Day <= series.Len() {
			e.Date = series.Days[d.Day-1].Date.Format(aggregate.DateLayout)
		}
		out = append(out, e)
	}
	return out
}
