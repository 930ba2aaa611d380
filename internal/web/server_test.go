package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/testfactory/internal/candidate"
	"github.com/lucasnoah/testfactory/internal/controller"
	"github.com/lucasnoah/testfactory/internal/db"
)

func testStore(t *testing.T) *candidate.Store {
	t.Helper()
	store := candidate.NewStore(t.TempDir(), candidate.JSONLCodec{})

	steps := []candidate.Attempt{
		{Stage: candidate.StageGenerated, Text: "TEST(A, B) {}"},
		{Stage: candidate.StageRefined, Text: "TEST(A, B) {}\n"},
		{Stage: candidate.StageBuildSucceeded, Text: "TEST(A, B) {}\n"},
	}
	for _, a := range steps {
		a.Unit = "src/a.cc"
		a.RunID = "run-1"
		a.Digest = "d1"
		if _, err := store.Append("src/a.cc", a); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.RecordOutcome("src/a.cc", candidate.Outcome{
		Unit:     "src/a.cc",
		RunID:    "run-1",
		Digest:   "d1",
		Kind:     candidate.OutcomeSucceeded,
		Coverage: &candidate.CoverageSummary{LinesFound: 10, LinesHit: 8, Percent: 80},
	}); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	if _, err := store.Append("src/b.cc", candidate.Attempt{
		Unit: "src/b.cc", RunID: "run-1", Digest: "d2",
		Stage: candidate.StageGenerated, Text: "TEST(B, C) {}",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	return store
}

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func recordRun(t *testing.T, d *db.DB, finished bool) {
	t.Helper()
	sink := db.NewSink(d)
	ctx := context.Background()
	now := time.Now()
	events := []controller.Event{
		{RunID: "run-1", Type: controller.EventRunStarted, Units: 1, Time: now},
		{RunID: "run-1", Unit: "src/a.cc", Type: controller.EventTransition, From: controller.StateDiscovered, To: controller.StateGenerating, Time: now},
		{RunID: "run-1", Unit: "src/a.cc", Type: controller.EventOutcome, Time: now, Outcome: &candidate.Outcome{
			Unit: "src/a.cc", RunID: "run-1", Kind: candidate.OutcomeSucceeded, RecordedAt: now,
		}},
	}
	if finished {
		events = append(events, controller.Event{RunID: "run-1", Type: controller.EventRunFinished, Time: now})
	}
	for _, e := range events {
		if err := sink.Record(ctx, e); err != nil {
			t.Fatalf("record %s: %v", e.Type, err)
		}
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---- dashboard ----

func TestDashboard_ListsUnits(t *testing.T) {
	s := NewServer(testStore(t), nil, "", "", nil)
	rec := get(t, s.Handler(), "/")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{"src/a.cc", "src/b.cc", "80.0%", "pending"} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
	if strings.Contains(body, "Recent activity") {
		t.Error("activity section should be hidden without a mirror")
	}
}

func TestDashboard_WithMirror(t *testing.T) {
	d := testDB(t)
	recordRun(t, d, true)
	s := NewServer(testStore(t), d, "", "", nil)

	body := get(t, s.Handler(), "/").Body.String()
	if !strings.Contains(body, "/run/run-1") {
		t.Error("dashboard should link the run")
	}
	if !strings.Contains(body, "Recent activity") {
		t.Error("dashboard should show activity")
	}
}

func TestDashboard_UnknownPath(t *testing.T) {
	s := NewServer(testStore(t), nil, "", "", nil)
	if rec := get(t, s.Handler(), "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// ---- unit detail ----

func TestUnitDetail(t *testing.T) {
	s := NewServer(testStore(t), nil, "", "", nil)
	rec := get(t, s.Handler(), "/unit/src/a.cc")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "build_succeeded") {
		t.Error("unit page should list attempts")
	}
	if !strings.Contains(body, "TEST(A, B)") {
		t.Error("unit page should show test text")
	}
}

func TestUnitDetail_NotFound(t *testing.T) {
	s := NewServer(testStore(t), nil, "", "", nil)
	if rec := get(t, s.Handler(), "/unit/src/missing.cc"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestUnitDetail_WithMirror(t *testing.T) {
	d := testDB(t)
	recordRun(t, d, true)
	s := NewServer(testStore(t), d, "", "", nil)

	body := get(t, s.Handler(), "/unit/src/a.cc").Body.String()
	if !strings.Contains(body, "Timeline") || !strings.Contains(body, "generating") {
		t.Error("unit page should show the mirrored timeline")
	}

	plain := NewServer(testStore(t), nil, "", "", nil)
	if strings.Contains(get(t, plain.Handler(), "/unit/src/a.cc").Body.String(), "Timeline") {
		t.Error("timeline should be hidden without a mirror")
	}
}

// ---- run detail ----

func TestRunDetail(t *testing.T) {
	d := testDB(t)
	recordRun(t, d, true)
	s := NewServer(testStore(t), d, "", "", nil)

	rec := get(t, s.Handler(), "/run/run-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "finished") {
		t.Error("run page should show status")
	}
	if rec := get(t, s.Handler(), "/run/other"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", rec.Code)
	}
}

func TestRunDetail_MirrorDisabled(t *testing.T) {
	s := NewServer(testStore(t), nil, "", "", nil)
	if rec := get(t, s.Handler(), "/run/run-1"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

// ---- API ----

func TestAPIUnits(t *testing.T) {
	s := NewServer(testStore(t), nil, "", "", nil)
	rec := get(t, s.Handler(), "/api/units")
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var units []unitSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &units); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	byUnit := map[string]unitSummary{}
	for _, u := range units {
		byUnit[u.Unit] = u
	}
	a := byUnit["src/a.cc"]
	if a.Outcome != "succeeded" || a.Attempts != 3 || a.LastStage != "build_succeeded" {
		t.Errorf("a = %+v", a)
	}
	if a.Coverage == nil || *a.Coverage != 80 {
		t.Errorf("a coverage = %v", a.Coverage)
	}
	if b := byUnit["src/b.cc"]; b.Outcome != "" || b.Attempts != 1 {
		t.Errorf("b = %+v", b)
	}
}

func TestAPIUnitHistory(t *testing.T) {
	s := NewServer(testStore(t), nil, "", "", nil)
	rec := get(t, s.Handler(), "/api/units/src/a.cc/history")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Unit     string              `json:"unit"`
		History  []candidate.Attempt `json:"history"`
		Outcomes []candidate.Outcome `json:"outcomes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Unit != "src/a.cc" || len(body.History) != 3 || len(body.Outcomes) != 1 {
		t.Errorf("history body = %+v", body)
	}
	for i, a := range body.History {
		if a.Seq != i {
			t.Errorf("history[%d].Seq = %d", i, a.Seq)
		}
	}

	if rec := get(t, s.Handler(), "/api/units/src/a.cc"); rec.Code != http.StatusNotFound {
		t.Errorf("missing /history suffix status = %d, want 404", rec.Code)
	}
	if rec := get(t, s.Handler(), "/api/units/nope.cc/history"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown unit status = %d, want 404", rec.Code)
	}
}

func TestAPIUnitOutcomes(t *testing.T) {
	d := testDB(t)
	recordRun(t, d, true)
	s := NewServer(testStore(t), d, "", "", nil)

	rec := get(t, s.Handler(), "/api/units/src/a.cc/outcomes")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rows []db.OutcomeRow
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].RunID != "run-1" {
		t.Errorf("outcomes = %+v", rows)
	}
}

func TestAPIRunsAndEvents(t *testing.T) {
	d := testDB(t)
	recordRun(t, d, true)
	s := NewServer(testStore(t), d, "", "", nil)
	h := s.Handler()

	var runs []db.Run
	if err := json.Unmarshal(get(t, h, "/api/runs").Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" || runs[0].Status != "finished" {
		t.Errorf("runs = %+v", runs)
	}

	var events []db.PipelineEvent
	if err := json.Unmarshal(get(t, h, "/api/runs/run-1/events").Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 4 {
		t.Errorf("got %d events, want 4", len(events))
	}

	var outcomes []db.OutcomeRow
	if err := json.Unmarshal(get(t, h, "/api/outcomes?run=run-1").Body.Bytes(), &outcomes); err != nil {
		t.Fatalf("decode outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Kind != "succeeded" {
		t.Errorf("outcomes = %+v", outcomes)
	}

	if rec := get(t, h, "/api/runs/run-1/bogus"); rec.Code != http.StatusNotFound {
		t.Errorf("bogus route status = %d, want 404", rec.Code)
	}
}

func TestAPI_MirrorDisabled(t *testing.T) {
	s := NewServer(testStore(t), nil, "", "", nil)
	for _, path := range []string{"/api/runs", "/api/outcomes", "/api/runs/x/events", "/api/runs/x/stream", "/api/units/src/a.cc/outcomes"} {
		if rec := get(t, s.Handler(), path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}

// ---- metrics and coverage ----

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(testStore(t), nil, "", "", nil)
	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output should include runtime collectors")
	}
}

func TestCoverageFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>lcov</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewServer(testStore(t), nil, dir, "", nil)

	rec := get(t, s.Handler(), "/coverage/index.html")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "lcov") {
		t.Errorf("coverage status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestCoverageMissingDir(t *testing.T) {
	s := NewServer(testStore(t), nil, filepath.Join(t.TempDir(), "absent"), "", nil)
	if rec := get(t, s.Handler(), "/coverage/index.html"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// ---- stream ----

func TestRunStream_FinishedRun(t *testing.T) {
	d := testDB(t)
	recordRun(t, d, true)
	s := NewServer(testStore(t), d, "", "", nil)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs/run-1/stream")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var dataLines int
	var done string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: done") {
			if sc.Scan() {
				done = strings.TrimPrefix(sc.Text(), "data: ")
			}
			break
		}
		if strings.HasPrefix(line, "data: ") {
			dataLines++
		}
	}
	if dataLines != 4 {
		t.Errorf("streamed %d events, want 4", dataLines)
	}
	if done != "finished" {
		t.Errorf("done reason = %q, want finished", done)
	}
}

func TestRunStream_UnknownRun(t *testing.T) {
	d := testDB(t)
	s := NewServer(testStore(t), d, "", "", nil)
	rec := get(t, s.Handler(), "/api/runs/missing/stream")
	if !strings.Contains(rec.Body.String(), "event: done\ndata: run not found") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	s := NewServer(testStore(t), nil, "", "127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRelTime(t *testing.T) {
	if got := relTime("garbage"); got != "garbage" {
		t.Errorf("relTime(garbage) = %q", got)
	}
	ts := time.Now().Add(-2 * time.Hour).UTC().Format("2006-01-02 15:04:05")
	if got := relTime(ts); got != "2h ago" {
		t.Errorf("relTime(2h) = %q", got)
	}
}
