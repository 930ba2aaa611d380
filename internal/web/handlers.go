package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/testfactory/internal/candidate"
	"github.com/lucasnoah/testfactory/internal/db"
)

// ---- view models ----

type DashboardData struct {
	Units          []unitSummary
	Counts         map[string]int
	Runs           []db.Run
	RecentActivity []ActivityRow
	MirrorEnabled  bool
	HasCoverage    bool
}

type ActivityRow struct {
	RunID   string
	Unit    string
	Event   string
	Detail  string
	TimeAgo string
}

type UnitDetailData struct {
	Unit     string
	History  []AttemptView
	Outcomes []candidate.Outcome
	Events   []db.PipelineEvent
}

// AttemptView is an attempt with its line count for display.
type AttemptView struct {
	candidate.Attempt
	Lines int
}

type RunDetailData struct {
	Run      *db.Run
	Outcomes []db.OutcomeRow
	Events   []db.PipelineEvent
}

// ---- helpers ----

func relTime(ts string) string {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	var t time.Time
	for _, f := range formats {
		if parsed, err := time.Parse(f, ts); err == nil {
			t = parsed
			break
		}
	}
	if t.IsZero() {
		return ts
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func formatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', 1, 64) + "%"
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 1
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ---- Dashboard ----

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	units, err := s.unitSummaries()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := DashboardData{
		Units:         units,
		Counts:        outcomeCounts(units),
		MirrorEnabled: s.db != nil,
		HasCoverage:   s.coverageDir != "",
	}
	if s.db != nil {
		data.Runs, _ = s.db.ListRuns(r.Context(), 10)
		events, _ := s.db.RecentEvents(r.Context(), 20)
		for _, e := range events {
			data.RecentActivity = append(data.RecentActivity, ActivityRow{
				RunID:   e.RunID,
				Unit:    e.Unit,
				Event:   e.Event,
				Detail:  e.Detail,
				TimeAgo: relTime(e.Timestamp),
			})
		}
	}

	if err := s.dashboardTmpl.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ---- Unit Detail ----

func (s *Server) handleUnitDetail(w http.ResponseWriter, r *http.Request, unit string) {
	history, err := s.store.History(unit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(history) == 0 {
		http.NotFound(w, r)
		return
	}
	outcomes, err := s.store.Outcomes(unit)
	if err != nil && !errors.Is(err, candidate.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := UnitDetailData{Unit: unit, Outcomes: outcomes}
	for _, a := range history {
		data.History = append(data.History, AttemptView{Attempt: a, Lines: countLines(a.Text)})
	}
	if s.db != nil {
		data.Events, _ = s.db.GetUnitEvents(r.Context(), unit)
	}
	if err := s.unitTmpl.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ---- Run Detail ----

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	if s.db == nil {
		http.Error(w, "event mirror disabled", http.StatusServiceUnavailable)
		return
	}
	run, err := s.db.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.NotFound(w, r)
		return
	}
	outcomes, _ := s.db.GetRunOutcomes(r.Context(), runID)
	events, _ := s.db.GetRunEvents(r.Context(), runID)

	data := RunDetailData{Run: run, Outcomes: outcomes, Events: events}
	if err := s.runTmpl.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ---- JSON API ----

func (s *Server) handleAPIUnits(w http.ResponseWriter, r *http.Request) {
	units, err := s.unitSummaries()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, units)
}

func (s *Server) handleAPIUnitHistory(w http.ResponseWriter, r *http.Request, unit string) {
	history, err := s.store.History(unit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(history) == 0 {
		http.NotFound(w, r)
		return
	}
	outcomes, err := s.store.Outcomes(unit)
	if err != nil && !errors.Is(err, candidate.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, struct {
		Unit     string              `json:"unit"`
		History  []candidate.Attempt `json:"history"`
		Outcomes []candidate.Outcome `json:"outcomes"`
	}{unit, history, outcomes})
}

// handleAPIUnitOutcomes returns the mirrored outcomes for one unit across
// runs, including reused ones.
func (s *Server) handleAPIUnitOutcomes(w http.ResponseWriter, r *http.Request, unit string) {
	if s.db == nil {
		http.Error(w, "event mirror disabled", http.StatusServiceUnavailable)
		return
	}
	rows, err := s.db.GetUnitOutcomes(r.Context(), unit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, rows)
}

func (s *Server) handleAPIOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "event mirror disabled", http.StatusServiceUnavailable)
		return
	}
	var (
		rows []db.OutcomeRow
		err  error
	)
	if run := r.URL.Query().Get("run"); run != "" {
		rows, err = s.db.GetRunOutcomes(r.Context(), run)
	} else {
		rows, err = s.db.LatestOutcomes(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, rows)
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "event mirror disabled", http.StatusServiceUnavailable)
		return
	}
	runs, err := s.db.ListRuns(r.Context(), queryLimit(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, runs)
}

func (s *Server) handleAPIRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if s.db == nil {
		http.Error(w, "event mirror disabled", http.StatusServiceUnavailable)
		return
	}
	events, err := s.db.GetRunEvents(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, events)
}
