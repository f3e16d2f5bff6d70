package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/rtestimate/internal/apperr"
)

var tokyoColumns = Columns{
	Region:    "居住都道府県",
	Date:      "確定日",
	Positive:  "人数",
	Recovered: "退院数",
}

const fixtureCSV = "\ufeff通し,確定日,居住都道府県,人数,退院数\n" +
	"1,1/24/2020,東京都,1,0\n" +
	"2,1/25/2020,東京都,1,\n" +
	"3,01/25/2020,大阪府,4,1\n" +
	"4,1/30/2020,東京都,2,1\n"

func TestParseFiltersRegion(t *testing.T) {
	obs, total, err := Parse(strings.NewReader(fixtureCSV), "東京都", tokyoColumns, "1/2/2006")
	require.NoError(t, err)

	assert.Equal(t, 4, total)
	require.Len(t, obs, 3)
	assert.Equal(t, time.Date(2020, 1, 24, 0, 0, 0, 0, time.UTC), obs[0].Date)
	assert.Equal(t, int64(1), obs[0].NewPositive)
	assert.Equal(t, int64(0), obs[1].NewRecovered, "blank discharge cell counts as zero")
	assert.Equal(t, int64(2), obs[2].NewPositive)
	assert.Equal(t, int64(1), obs[2].NewRecovered)
	for _, o := range obs {
		assert.Equal(t, "東京都", o.Region)
	}
}

func TestParseNoMatchingRegionIsEmpty(t *testing.T) {
	obs, total, err := Parse(strings.NewReader(fixtureCSV), "北海道", tokyoColumns, "1/2/2006")
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Empty(t, obs)
}

func TestParseMissingColumns(t *testing.T) {
	data := "確定日,居住都道府県,人数\n1/24/2020,東京都,1\n"
	_, _, err := Parse(strings.NewReader(data), "東京都", tokyoColumns, "1/2/2006")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDataSource))
	assert.Contains(t, err.Error(), "退院数")
}

func TestParseEmptyResource(t *testing.T) {
	_, _, err := Parse(strings.NewReader(""), "東京都", tokyoColumns, "1/2/2006")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDataSource))
}

func TestParseBadDateIsDataQuality(t *testing.T) {
	data := "確定日,居住都道府県,人数,退院数\n2020-01-24,東京都,1,0\n"
	_, _, err := Parse(strings.NewReader(data), "東京都", tokyoColumns, "1/2/2006")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDataQuality))
}

func TestParseBadDateOutsideRegionIgnored(t *testing.T) {
	data := "確定日,居住都道府県,人数,退院数\nnot-a-date,大阪府,1,0\n1/24/2020,東京都,2,0\n"
	obs, _, err := Parse(strings.NewReader(data), "東京都", tokyoColumns, "1/2/2006")
	require.NoError(t, err)
	require.Len(t, obs, 1)
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"7", 7, false},
		{"3.0", 3, false},
		{"-2", -2, false},
		{"2.5", 0, true},
		{"many", 0, true},
	}
	for _, tt := range tests {
		got, err := parseCount(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestCSVSourceHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/COVID-19.csv", r.URL.Path)
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(fixtureCSV))
	}))
	defer srv.Close()

	src := NewCSVSource(srv.URL+"/COVID-19.csv", tokyoColumns, "1/2/2006", 0, nil)
	obs, err := src.Fetch(context.Background(), "東京都")
	require.NoError(t, err)
	assert.Len(t, obs, 3)
}

func TestCSVSourceHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewCSVSource(srv.URL, tokyoColumns, "1/2/2006", 0, nil)
	_, err := src.Fetch(context.Background(), "東京都")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDataSource))
	assert.Contains(t, err.Error(), "404")
}

func TestCSVSourceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	src := NewCSVSource(url, tokyoColumns, "1/2/2006", time.Second, nil)
	_, err := src.Fetch(context.Background(), "東京都")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDataSource))
}

func TestCSVSourceNonTabularContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>Moved</body></html>\n"))
	}))
	defer srv.Close()

	src := NewCSVSource(srv.URL, tokyoColumns, "1/2/2006", 0, nil)
	_, err := src.Fetch(context.Background(), "東京都")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDataSource))
}

func TestCSVSourceLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.csv")
	require.NoError(t, os.WriteFile(path, []byte(fixtureCSV), 0o644))

	src := NewCSVSource(path, tokyoColumns, "1/2/2006", 0, nil)
	obs, err := src.Fetch(context.Background(), "大阪府")
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, int64(4), obs[0].NewPositive)
}

func TestCSVSourceMissingFile(t *testing.T) {
	src := NewCSVSource(filepath.Join(t.TempDir(), "absent.csv"), tokyoColumns, "1/2/2006", 0, nil)
	_, err := src.Fetch(context.Background(), "東京都")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDataSource))
}
