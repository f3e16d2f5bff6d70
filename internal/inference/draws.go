package inference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Draws holds post-warmup draws, one row per iteration.
type Draws struct {
	Columns []string
	Rows    [][]float64
}

// ReadDraws parses a CmdStan output CSV. Lines starting with '#' carry
// configuration and adaptation info and are skipped.
func ReadDraws(r io.Reader) (*Draws, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("sampler output has no header")
		}
		return nil, fmt.Errorf("reading sampler output header: %w", err)
	}

	d := &Draws{Columns: make([]string, len(header))}
	for i, h := range header {
		d.Columns[i] = strings.TrimSpace(h)
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading sampler output: %w", err)
		}
		if len(record) != len(d.Columns) {
			return nil, fmt.Errorf("draw %d has %d values, want %d", len(d.Rows)+1, len(record), len(d.Columns))
		}
		row := make([]float64, len(record))
		for i, v := range record {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("draw %d column %s: %w", len(d.Rows)+1, d.Columns[i], err)
			}
			row[i] = f
		}
		d.Rows = append(d.Rows, row)
	}
	return d, nil
}

// ReadDrawsFile parses the CmdStan output CSV at path.
func ReadDrawsFile(path string) (*Draws, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadDraws(f)
}

// Merge appends the draws of other chains; all must share the same columns.
func Merge(chains ...*Draws) (*Draws, error) {
	if len(chains) == 0 {
		return nil, fmt.Errorf("no chains to merge")
	}
	merged := &Draws{Columns: chains[0].Columns}
	for i, c := range chains {
		if len(c.Columns) != len(merged.Columns) {
			return nil, fmt.Errorf("chain %d has %d columns, want %d", i+1, len(c.Columns), len(merged.Columns))
		}
		for j := range c.Columns {
			if c.Columns[j] != merged.Columns[j] {
				return nil, fmt.Errorf("chain %d column %d is %q, want %q", i+1, j, c.Columns[j], merged.Columns[j])
			}
		}
		merged.Rows = append(merged.Rows, c.Rows...)
	}
	return merged, nil
}

// Summarize computes mean and 5th/95th percentiles of every model column.
// Sampler diagnostics (names ending in "__") are left out and names are
// reported in bracket form (R_param.3 -> R_param[3]).
func Summarize(d *Draws) *Summary {
	s := &Summary{}
	values := make([]float64, 0, len(d.Rows))
	for j, col := range d.Columns {
		if strings.HasSuffix(col, "__") {
			continue
		}
		values = values[:0]
		for _, row := range d.Rows {
			if v := row[j]; !math.IsNaN(v) {
				values = append(values, v)
			}
		}
		s.Entries = append(s.Entries, summarizeColumn(ParameterName(col), values))
	}
	return s
}

func summarizeColumn(name string, values []float64) Estimate {
	if len(values) == 0 {
		nan := math.NaN()
		return Estimate{Name: name, Mean: nan, Lower: nan, Upper: nan}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return Estimate{
		Name:  name,
		Mean:  stat.Mean(sorted, nil),
		Lower: stat.Quantile(0.05, stat.LinInterp, sorted, nil),
		Upper: stat.Quantile(0.95, stat.LinInterp, sorted, nil),
	}
}

// ParameterName converts a CmdStan CSV column (R_param.3, theta.1.2) to
// bracket form (R_param[3], theta[1,2]).
func ParameterName(column string) string {
	parts := strings.Split(column, ".")
	if len(parts) == 1 {
		return column
	}
	for _, p := range parts[1:] {
		if _, err := strconv.Atoi(p); err != nil {
			return column
		}
	}
	return parts[0] + "[" + strings.Join(parts[1:], ",") + "]"
}
