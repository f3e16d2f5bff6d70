// Package report renders stored estimation runs as Markdown and plain-text
// tables.
package report

import (
	"fmt"
	"math"
	"strings"

	"github.com/TobiSchelling/rtestimate/internal/database"
)

const missing = "n/a"

// Markdown composes the report stored with a run: a headline with the most
// recent estimate, the run parameters and the per-day table.
func Markdown(run *database.Run, estimates []database.Estimate) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Rt estimate: %s\n\n", run.Region)
	b.WriteString(headline(estimates))
	b.WriteString("\n\n")

	b.WriteString("## Run\n\n")
	if run.ID != "" {
		fmt.Fprintf(&b, "- **Run ID:** `%s`\n", run.ID)
	}
	fmt.Fprintf(&b, "- **Source:** %s\n", run.Source)
	fmt.Fprintf(&b, "- **Period:** %s to %s (%d days)\n", run.FirstDate, run.LastDate, run.Days)
	fmt.Fprintf(&b, "- **Population:** %d\n", run.Population)
	fmt.Fprintf(&b, "- **Recovery lag:** %d days\n", run.RecoveryLagDays)
	fmt.Fprintf(&b, "- **Sampler:** %d chains, seed %d\n", run.Chains, run.Seed)

	b.WriteString("\n## Reproduction number\n\n")
	if len(estimates) == 0 {
		b.WriteString("No estimates available for this run.\n")
		return b.String()
	}
	b.WriteString("| Day | Date | Mean | 5% | 95% |\n")
	b.WriteString("|----:|------|-----:|---:|----:|\n")
	for _, e := range estimates {
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %s |\n",
			e.Day, dateOrMissing(e.Date), number(e.Mean), number(e.Lower), number(e.Upper))
	}
	return b.String()
}

func headline(estimates []database.Estimate) string {
	for i := len(estimates) - 1; i >= 0; i-- {
		e := estimates[i]
		if math.IsNaN(e.Mean) {
			continue
		}
		trend := "below"
		if e.Mean >= 1 {
			trend = "at or above"
		}
		return fmt.Sprintf("Latest estimate (%s): **Rt = %s**, 90%% interval %s to %s, %s the epidemic threshold of 1.",
			dateOrMissing(e.Date), number(e.Mean), number(e.Lower), number(e.Upper), trend)
	}
	return "No usable estimate in this run."
}

// Table renders the first n estimates in the column layout of a sampler
// summary: parameter name, Mean, 5% and 95%. A non-positive n renders all.
func Table(estimates []database.Estimate, n int) string {
	if n <= 0 || n > len(estimates) {
		n = len(estimates)
	}
	rows := estimates[:n]

	width := len("parameter")
	for _, e := range rows {
		if len(e.Parameter) > width {
			width = len(e.Parameter)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-*s  %10s  %10s  %10s\n", width, "", "Mean", "5%", "95%")
	for _, e := range rows {
		fmt.Fprintf(&b, "%-*s  %10s  %10s  %10s\n", width, e.Parameter, number(e.Mean), number(e.Lower), number(e.Upper))
	}
	return b.String()
}

func number(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return missing
	}
	return fmt.Sprintf("%.4f", v)
}

func dateOrMissing(d string) string {
	if d == "" {
		return missing
	}
	return d
}
