package fetch

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/rtestimate/internal/apperr"
)

const op = "fetch"

// Observation is one source row of the target region.
type Observation struct {
	Date         time.Time
	Region       string
	NewPositive  int64
	NewRecovered int64
}

// Source retrieves the raw observations of one region.
type Source interface {
	Fetch(ctx context.Context, region string) ([]Observation, error)
}

// Columns names the CSV headers holding each observation field.
type Columns struct {
	Region    string
	Date      string
	Positive  string
	Recovered string
}

// CSVSource reads case records from a CSV resource: an http(s) URL or a
// local file path.
type CSVSource struct {
	location   string
	columns    Columns
	dateLayout string
	client     *http.Client
	logger     *zap.Logger
}

// NewCSVSource creates a new CSV source. A zero timeout waits indefinitely.
func NewCSVSource(location string, columns Columns, dateLayout string, timeout time.Duration, logger *zap.Logger) *CSVSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVSource{
		location:   location,
		columns:    columns,
		dateLayout: dateLayout,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		logger: logger,
	}
}

// Location returns the configured URL or path.
func (s *CSVSource) Location() string {
	return s.location
}

// Fetch downloads or opens the resource and returns the rows of region.
// Zero matching rows yields an empty slice, not an error.
func (s *CSVSource) Fetch(ctx context.Context, region string) ([]Observation, error) {
	body, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	obs, total, err := Parse(body, region, s.columns, s.dateLayout)
	if err != nil {
		return nil, err
	}

	s.logger.Info("fetched case records",
		zap.String("source", s.location),
		zap.String("region", region),
		zap.Int("rows", total),
		zap.Int("matched", len(obs)))
	return obs, nil
}

func (s *CSVSource) open(ctx context.Context) (io.ReadCloser, error) {
	if !isHTTP(s.location) {
		f, err := os.Open(s.location)
		if err != nil {
			return nil, apperr.DataSource(op, "opening "+s.location, err)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.location, nil)
	if err != nil {
		return nil, apperr.DataSource(op, "building request", err)
	}
	req.Header.Set("User-Agent", "rtestimate/1.0")
	req.Header.Set("Accept", "text/csv, */*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperr.DataSource(op, "requesting "+s.location, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, apperr.DataSource(op, "unexpected status code: "+resp.Status, &httpError{code: resp.StatusCode})
	}
	return resp.Body, nil
}

// Parse reads CSV records, keeps the rows whose region column equals region
// and returns them with the total number of data rows read.
func Parse(r io.Reader, region string, columns Columns, dateLayout string) ([]Observation, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, apperr.DataSource(op, "empty CSV resource", err)
		}
		return nil, 0, apperr.DataSource(op, "reading CSV header", err)
	}

	idx, err := locate(header, columns)
	if err != nil {
		return nil, 0, err
	}

	var obs []Observation
	total := 0
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, total, apperr.DataSource(op, fmt.Sprintf("reading CSV line %d", line), err)
		}
		total++

		if field(record, idx.region) != region {
			continue
		}

		rawDate := field(record, idx.date)
		date, err := time.Parse(dateLayout, rawDate)
		if err != nil {
			return nil, total, apperr.DataQuality(op, fmt.Sprintf("line %d: unparseable date %q", line, rawDate), err)
		}
		positive, err := parseCount(field(record, idx.positive))
		if err != nil {
			return nil, total, apperr.DataQuality(op, fmt.Sprintf("line %d: bad %s value", line, columns.Positive), err)
		}
		recovered, err := parseCount(field(record, idx.recovered))
		if err != nil {
			return nil, total, apperr.DataQuality(op, fmt.Sprintf("line %d: bad %s value", line, columns.Recovered), err)
		}

		obs = append(obs, Observation{
			Date:         time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC),
			Region:       region,
			NewPositive:  positive,
			NewRecovered: recovered,
		})
	}

	return obs, total, nil
}

type columnIndex struct {
	region, date, positive, recovered int
}

func locate(header []string, columns Columns) (columnIndex, error) {
	pos := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := pos[name]; !dup {
			pos[name] = i
		}
	}

	var missing []string
	find := func(name string) int {
		i, ok := pos[name]
		if !ok {
			missing = append(missing, name)
			return -1
		}
		return i
	}

	idx := columnIndex{
		region:    find(columns.Region),
		date:      find(columns.Date),
		positive:  find(columns.Positive),
		recovered: find(columns.Recovered),
	}
	if len(missing) > 0 {
		return idx, apperr.DataSource(op, "missing columns: "+strings.Join(missing, ", "), nil)
	}
	return idx, nil
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// parseCount accepts integers and whole floats ("3", "3.0"); blank is 0.
func parseCount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("not a whole count: %q", s)
	}
	return int64(f), nil
}

func isHTTP(location string) bool {
	l := strings.ToLower(location)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return http.StatusText(e.code)
}
