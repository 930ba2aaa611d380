package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lucasnoah/testfactory/internal/candidate"
	"github.com/lucasnoah/testfactory/internal/db"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + strings.ReplaceAll(status, "_", "-")
	},
	"relTime": relTime,
	"pct": func(p *float64) string {
		if p == nil {
			return ""
		}
		return formatPercent(*p)
	},
}

// Server is the read-only dashboard over the unit journals and the event
// mirror.
type Server struct {
	store       *candidate.Store
	db          *db.DB
	coverageDir string
	addr        string
	logger      *zap.Logger

	dashboardTmpl *template.Template
	unitTmpl      *template.Template
	runTmpl       *template.Template
}

// NewServer creates a Server with parsed templates. database may be nil, in
// which case run and event views report the mirror as disabled.
func NewServer(store *candidate.Store, database *db.DB, coverageDir, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:         store,
		db:            database,
		coverageDir:   coverageDir,
		addr:          addr,
		logger:        logger,
		dashboardTmpl: mustParseTmpl("base.html", "dashboard.html"),
		unitTmpl:      mustParseTmpl("base.html", "unit.html"),
		runTmpl:       mustParseTmpl("base.html", "run.html"),
	}
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			s.handleDashboard(w, r)
		case strings.HasPrefix(r.URL.Path, "/unit/"):
			s.handleUnitDetail(w, r, strings.TrimPrefix(r.URL.Path, "/unit/"))
		case strings.HasPrefix(r.URL.Path, "/run/"):
			s.handleRunDetail(w, r, strings.Trim(strings.TrimPrefix(r.URL.Path, "/run/"), "/"))
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/api/units", s.handleAPIUnits)
	mux.HandleFunc("/api/units/", s.routeAPIUnit)
	mux.HandleFunc("/api/outcomes", s.handleAPIOutcomes)
	mux.HandleFunc("/api/runs", s.handleAPIRuns)
	mux.HandleFunc("/api/runs/", s.routeAPIRun)
	mux.Handle("/metrics", promhttp.Handler())
	if s.coverageDir != "" {
		if info, err := os.Stat(s.coverageDir); err == nil && info.IsDir() {
			mux.Handle("/coverage/", http.StripPrefix("/coverage/", http.FileServer(http.Dir(s.coverageDir))))
		}
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// routeAPIUnit handles /api/units/{id}/history and /api/units/{id}/outcomes.
// Unit IDs are relative paths and may contain slashes.
func (s *Server) routeAPIUnit(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/units/")
	if unit, ok := strings.CutSuffix(rest, "/history"); ok && unit != "" {
		s.handleAPIUnitHistory(w, r, unit)
		return
	}
	if unit, ok := strings.CutSuffix(rest, "/outcomes"); ok && unit != "" {
		s.handleAPIUnitOutcomes(w, r, unit)
		return
	}
	http.NotFound(w, r)
}

// routeAPIRun handles /api/runs/{id}/events and /api/runs/{id}/stream.
func (s *Server) routeAPIRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "events":
		s.handleAPIRunEvents(w, r, parts[0])
	case "stream":
		s.handleRunStream(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}
