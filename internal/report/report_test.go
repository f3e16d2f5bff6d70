package report

import (
	"math"
	"strings"
	"testing"

	"github.com/TobiSchelling/rtestimate/internal/database"
)

func testRun() *database.Run {
	return &database.Run{
		ID:              "0b6c8f3e-1111-4222-8333-444455556666",
		Region:          "東京都",
		Source:          "https://example.com/COVID-19.csv",
		Population:      13942856,
		RecoveryLagDays: 21,
		Chains:          2,
		Seed:            123,
		FirstDate:       "2020-01-24",
		LastDate:        "2020-01-26",
		Days:            3,
	}
}

func testEstimates() []database.Estimate {
	return []database.Estimate{
		{Parameter: "R_param[1]", Day: 1, Date: "2020-01-24", Mean: 1.5, Lower: 1.0, Upper: 2.0},
		{Parameter: "R_param[2]", Day: 2, Date: "2020-01-25", Mean: 0.8123456, Lower: 0.5, Upper: 1.1},
		{Parameter: "R_param[3]", Day: 3, Date: "2020-01-26", Mean: math.NaN(), Lower: math.NaN(), Upper: math.NaN()},
	}
}

func TestMarkdown(t *testing.T) {
	md := Markdown(testRun(), testEstimates())

	for _, want := range []string{
		"# Rt estimate: 東京都",
		"`0b6c8f3e-1111-4222-8333-444455556666`",
		"2020-01-24 to 2020-01-26 (3 days)",
		"13942856",
		"2 chains, seed 123",
		"| 1 | 2020-01-24 | 1.5000 | 1.0000 | 2.0000 |",
		"| 3 | 2020-01-26 | n/a | n/a | n/a |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("expected markdown to contain %q\n%s", want, md)
		}
	}
}

func TestMarkdownHeadlineSkipsMissingDays(t *testing.T) {
	md := Markdown(testRun(), testEstimates())
	if !strings.Contains(md, "Latest estimate (2020-01-25): **Rt = 0.8123**") {
		t.Errorf("expected headline for last usable day, got:\n%s", md)
	}
	if !strings.Contains(md, "below the epidemic threshold") {
		t.Error("expected below-threshold wording")
	}
}

func TestMarkdownWithoutEstimates(t *testing.T) {
	md := Markdown(testRun(), nil)
	if !strings.Contains(md, "No estimates available") {
		t.Errorf("expected empty-state text, got:\n%s", md)
	}
	if !strings.Contains(md, "No usable estimate") {
		t.Error("expected empty headline")
	}
}

func TestTable(t *testing.T) {
	out := Table(testEstimates(), 2)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines:\n%s", len(lines), out)
	}
	for _, col := range []string{"Mean", "5%", "95%"} {
		if !strings.Contains(lines[0], col) {
			t.Errorf("header missing %q: %q", col, lines[0])
		}
	}
	if !strings.HasPrefix(lines[1], "R_param[1]") || !strings.Contains(lines[1], "1.5000") {
		t.Errorf("unexpected first row: %q", lines[1])
	}
	if len(lines[1]) != len(lines[2]) {
		t.Errorf("rows are not aligned:\n%s", out)
	}
}

func TestTableAllRows(t *testing.T) {
	out := Table(testEstimates(), 0)
	if strings.Count(out, "\n") != 4 {
		t.Errorf("expected header and 3 rows:\n%s", out)
	}
	if !strings.Contains(out, "n/a") {
		t.Error("expected NaN rendered as n/a")
	}
}
