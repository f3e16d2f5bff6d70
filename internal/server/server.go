package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"math"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/gorilla/mux"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/TobiSchelling/rtestimate/internal/database"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// Server is the HTTP server for browsing stored runs.
type Server struct {
	db     *database.DB
	pages  map[string]*template.Template
	router *mux.Router
	logger *zap.Logger
}

// New creates a new Server.
func New(db *database.DB, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page clones the base so its "title" and "content" blocks stay
	// separate from the other pages.
	pageNames := []string{"index.html", "run.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, pages: pages, router: mux.NewRouter(), logger: logger}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet)
	s.router.HandleFunc("/runs/{id}/chart", s.handleChart).Methods(http.MethodGet)
	s.router.HandleFunc("/runs/{id}/estimates.json", s.handleEstimates).Methods(http.MethodGet)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListRuns(0)
	if err != nil {
		s.logger.Error("listing runs", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Runs": runs,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.render(w, "run.html", map[string]any{
		"Run": run,
	})
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	estimates, err := s.db.GetEstimates(run.ID)
	if err != nil {
		s.logger.Error("loading estimates", zap.String("run", run.ID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := rtChart(run, estimates).Render(w); err != nil {
		s.logger.Error("rendering chart", zap.String("run", run.ID), zap.Error(err))
	}
}

// estimateJSON is the wire form of one day; missing values are null.
type estimateJSON struct {
	Parameter string   `json:"parameter"`
	Day       int      `json:"day"`
	Date      string   `json:"date,omitempty"`
	Mean      *float64 `json:"mean"`
	Lower     *float64 `json:"p5"`
	Upper     *float64 `json:"p95"`
}

func (s *Server) handleEstimates(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	estimates, err := s.db.GetEstimates(run.ID)
	if err != nil {
		s.logger.Error("loading estimates", zap.String("run", run.ID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	out := make([]estimateJSON, 0, len(estimates))
	for _, e := range estimates {
		out = append(out, estimateJSON{
			Parameter: e.Parameter,
			Day:       e.Day,
			Date:      e.Date,
			Mean:      finite(e.Mean),
			Lower:     finite(e.Lower),
			Upper:     finite(e.Upper),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"run_id":    run.ID,
		"region":    run.Region,
		"estimates": out,
	}); err != nil {
		s.logger.Error("encoding estimates", zap.Error(err))
	}
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*database.Run, bool) {
	id := mux.Vars(r)["id"]
	run, err := s.db.GetRun(id)
	if err != nil {
		s.logger.Error("loading run", zap.String("run", id), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	if run == nil {
		http.NotFound(w, r)
		return nil, false
	}
	return run, true
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", zap.String("template", name))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		s.logger.Error("rendering template", zap.String("template", name), zap.Error(err))
	}
}

func rtChart(run *database.Run, estimates []database.Estimate) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: fmt.Sprintf("Rt %s", run.Region),
			Width:     "960px",
			Height:    "480px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Effective reproduction number, %s", run.Region),
			Subtitle: fmt.Sprintf("%s to %s, posterior mean with 90%% interval", run.FirstDate, run.LastDate),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Rt"}),
	)

	dates := make([]string, len(estimates))
	mean := make([]opts.LineData, len(estimates))
	lower := make([]opts.LineData, len(estimates))
	upper := make([]opts.LineData, len(estimates))
	for i, e := range estimates {
		dates[i] = e.Date
		if dates[i] == "" {
			dates[i] = fmt.Sprintf("day %d", e.Day)
		}
		mean[i] = lineValue(e.Mean)
		lower[i] = lineValue(e.Lower)
		upper[i] = lineValue(e.Upper)
	}

	line.SetXAxis(dates).
		AddSeries("Mean", mean).
		AddSeries("5%", lower).
		AddSeries("95%", upper)
	return line
}

// lineValue maps missing values to "-", which the chart draws as a gap.
func lineValue(v float64) opts.LineData {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return opts.LineData{Value: "-"}
	}
	return opts.LineData{Value: v}
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port and shuts it down when ctx
// is cancelled.
func Serve(ctx context.Context, db *database.DB, port int, logger *zap.Logger) error {
	srv, err := New(db, logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info("server listening", zap.String("url", "http://"+addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
