package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
	Rebind(query string) string
}

// StateDuration holds time-in-state stats for a controller state.
type StateDuration struct {
	State string  `json:"state"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

func sinceClause(query, column, since string, args []any) (string, []any) {
	if since == "" {
		return query, args
	}
	return query + ` AND ` + column + ` >= ?`, append(args, since)
}

// QueryStateDurations returns time spent per controller state. Each
// transition is paired with the previous transition of the same unit in the
// same run; the gap is attributed to the state being left.
func QueryStateDurations(database DB, since string) ([]StateDuration, error) {
	query := `
		SELECT pe1.from_state, pe1.timestamp as end_ts,
			(SELECT pe2.timestamp FROM pipeline_events pe2
			 WHERE pe2.run_id = pe1.run_id
			 AND pe2.unit = pe1.unit
			 AND pe2.event = 'transition'
			 AND pe2.id < pe1.id
			 ORDER BY pe2.id DESC LIMIT 1) as start_ts
		FROM pipeline_events pe1
		WHERE pe1.event = 'transition'
		AND pe1.from_state IS NOT NULL AND pe1.from_state != 'discovered'`
	query, args := sinceClause(query, "pe1.timestamp", since, nil)

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query state durations: %w", err)
	}
	defer rows.Close()

	durations := make(map[string][]float64)
	for rows.Next() {
		var state, endTS string
		var startTS sql.NullString
		if err := rows.Scan(&state, &endTS, &startTS); err != nil {
			return nil, fmt.Errorf("scan state duration: %w", err)
		}
		if !startTS.Valid {
			continue
		}
		start, err := parseTimestamp(startTS.String)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(endTS)
		if err != nil {
			continue
		}
		if secs := end.Sub(start).Seconds(); secs >= 0 {
			durations[state] = append(durations[state], secs)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StateDuration
	for state, d := range durations {
		sort.Float64s(d)
		results = append(results, StateDuration{
			State: state,
			Count: len(d),
			Avg:   avg(d),
			P50:   percentile(d, 50),
			P95:   percentile(d, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].State < results[j].State
	})
	return results, nil
}

// OutcomeRates summarises recorded outcomes.
type OutcomeRates struct {
	Total           int     `json:"total"`
	Succeeded       int     `json:"succeeded"`
	Exhausted       int     `json:"exhausted"`
	Aborted         int     `json:"aborted"`
	Resumed         int     `json:"resumed"`
	SuccessRate     float64 `json:"success_pct"`
	FirstBuildRate  float64 `json:"first_build_pct"`
	MeanRepairs     float64 `json:"mean_repair_cycles"`
	GuardFirings    int     `json:"guard_firings"`
	MeanCoverage    float64 `json:"mean_coverage_pct"`
	CoverageSamples int     `json:"coverage_samples"`
}

// QueryOutcomeRates returns success, exhaustion and abort rates over outcomes
// that were not reused from earlier runs (resumed outcomes are only counted).
func QueryOutcomeRates(database DB, since string) (*OutcomeRates, error) {
	query := `
		SELECT kind, repair_cycles, guard_firings, coverage_percent, resumed
		FROM outcomes WHERE 1 = 1`
	query, args := sinceClause(query, "recorded_at", since, nil)

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query outcome rates: %w", err)
	}
	defer rows.Close()

	var r OutcomeRates
	var repairs []float64
	var coverage []float64
	firstBuild := 0
	for rows.Next() {
		var kind string
		var cycles, firings int
		var cov sql.NullFloat64
		var resumed bool
		if err := rows.Scan(&kind, &cycles, &firings, &cov, &resumed); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if resumed {
			r.Resumed++
			continue
		}
		r.Total++
		switch kind {
		case "succeeded":
			r.Succeeded++
			if cycles == 0 {
				firstBuild++
			}
			if cov.Valid {
				coverage = append(coverage, cov.Float64)
			}
		case "exhausted":
			r.Exhausted++
		case "aborted":
			r.Aborted++
		}
		r.GuardFirings += firings
		repairs = append(repairs, float64(cycles))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.SuccessRate = pct(r.Succeeded, r.Total)
	r.FirstBuildRate = pct(firstBuild, r.Total)
	r.MeanRepairs = round1(avg(repairs))
	r.MeanCoverage = round1(avg(coverage))
	r.CoverageSamples = len(coverage)
	return &r, nil
}

// FailureKindCount counts build failures of one kind.
type FailureKindCount struct {
	Kind     string  `json:"kind"`
	Count    int     `json:"count"`
	Share    float64 `json:"share_pct"`
	Repaired float64 `json:"repaired_pct"`
}

// QueryFailureKinds returns the distribution of classified build failures
// and, per kind, how often the next build of the same unit passed.
func QueryFailureKinds(database DB, since string) ([]FailureKindCount, error) {
	query := `
		SELECT a1.failure_kind,
			(SELECT a2.stage FROM attempts a2
			 WHERE a2.unit = a1.unit
			 AND a2.seq > a1.seq
			 AND a2.stage IN ('build_failed', 'build_succeeded')
			 ORDER BY a2.seq LIMIT 1) as next_build
		FROM attempts a1
		WHERE a1.stage = 'build_failed' AND a1.failure_kind IS NOT NULL`
	query, args := sinceClause(query, "a1.created_at", since, nil)

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query failure kinds: %w", err)
	}
	defer rows.Close()

	type counts struct{ total, repaired int }
	byKind := make(map[string]*counts)
	total := 0
	for rows.Next() {
		var kind string
		var next sql.NullString
		if err := rows.Scan(&kind, &next); err != nil {
			return nil, fmt.Errorf("scan failure kind: %w", err)
		}
		c := byKind[kind]
		if c == nil {
			c = &counts{}
			byKind[kind] = c
		}
		c.total++
		total++
		if next.Valid && next.String == "build_succeeded" {
			c.repaired++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []FailureKindCount
	for kind, c := range byKind {
		results = append(results, FailureKindCount{
			Kind:     kind,
			Count:    c.total,
			Share:    pct(c.total, total),
			Repaired: pct(c.repaired, c.total),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Kind < results[j].Kind
	})
	return results, nil
}

// RepairCycleDist holds the distribution of repair cycles per outcome kind.
type RepairCycleDist struct {
	Cycles    int `json:"cycles"`
	Succeeded int `json:"succeeded"`
	Exhausted int `json:"exhausted"`
}

// QueryRepairCycles returns how many units needed N repair cycles, split by
// whether they eventually built.
func QueryRepairCycles(database DB, since string) ([]RepairCycleDist, error) {
	query := `
		SELECT repair_cycles,
			SUM(CASE WHEN kind = 'succeeded' THEN 1 ELSE 0 END) as succeeded,
			SUM(CASE WHEN kind = 'exhausted' THEN 1 ELSE 0 END) as exhausted
		FROM outcomes
		WHERE resumed = FALSE AND kind IN ('succeeded', 'exhausted')`
	query, args := sinceClause(query, "recorded_at", since, nil)
	query += ` GROUP BY repair_cycles ORDER BY repair_cycles`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query repair cycles: %w", err)
	}
	defer rows.Close()

	var results []RepairCycleDist
	for rows.Next() {
		var d RepairCycleDist
		if err := rows.Scan(&d.Cycles, &d.Succeeded, &d.Exhausted); err != nil {
			return nil, fmt.Errorf("scan repair cycles: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// RunThroughput summarises one run.
type RunThroughput struct {
	RunID       string  `json:"run_id"`
	StartedAt   string  `json:"started_at"`
	Units       int     `json:"units"`
	Succeeded   int     `json:"succeeded"`
	SuccessRate float64 `json:"success_pct"`
	Minutes     float64 `json:"minutes"`
	Status      string  `json:"status"`
}

// QueryRunThroughput returns the most recent runs with their success rate
// and wall time, newest first.
func QueryRunThroughput(database DB, since string, limit int) ([]RunThroughput, error) {
	query := `
		SELECT r.id, r.started_at, r.finished_at, r.units, r.status,
			(SELECT COUNT(*) FROM outcomes o WHERE o.run_id = r.id AND o.kind = 'succeeded') as succeeded
		FROM runs r WHERE 1 = 1`
	query, args := sinceClause(query, "r.started_at", since, nil)
	query += ` ORDER BY r.started_at DESC, r.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query run throughput: %w", err)
	}
	defer rows.Close()

	var results []RunThroughput
	for rows.Next() {
		var r RunThroughput
		var finished sql.NullString
		if err := rows.Scan(&r.RunID, &r.StartedAt, &finished, &r.Units, &r.Status, &r.Succeeded); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.SuccessRate = pct(r.Succeeded, r.Units)
		if finished.Valid {
			start, err1 := parseTimestamp(r.StartedAt)
			end, err2 := parseTimestamp(finished.String)
			if err1 == nil && err2 == nil {
				r.Minutes = round1(end.Sub(start).Minutes())
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// UnitEvent is one row of a unit's timeline.
type UnitEvent struct {
	RunID     string `json:"run_id"`
	Event     string `json:"event"`
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Seq       int    `json:"seq"`
	Budget    int    `json:"budget"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
	Elapsed   string `json:"elapsed,omitempty"`
}

// QueryUnitTimeline returns every event for a unit with the time elapsed
// since the previous event of the same run.
func QueryUnitTimeline(database DB, unit string) ([]UnitEvent, error) {
	rows, err := database.Conn().Query(database.Rebind(`
		SELECT run_id, event, from_state, to_state, seq, budget, detail, timestamp
		FROM pipeline_events WHERE unit = ? ORDER BY id`), unit)
	if err != nil {
		return nil, fmt.Errorf("query unit timeline: %w", err)
	}
	defer rows.Close()

	var events []UnitEvent
	var prevRun string
	var prevTS time.Time
	for rows.Next() {
		var e UnitEvent
		var from, to, detail sql.NullString
		var seq, budget sql.NullInt64
		if err := rows.Scan(&e.RunID, &e.Event, &from, &to, &seq, &budget, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan unit event: %w", err)
		}
		e.FromState = from.String
		e.ToState = to.String
		e.Seq = int(seq.Int64)
		e.Budget = int(budget.Int64)
		e.Detail = detail.String

		ts, err := parseTimestamp(e.Timestamp)
		if err == nil {
			if e.RunID == prevRun && !prevTS.IsZero() {
				e.Elapsed = ts.Sub(prevTS).String()
			}
			prevTS = ts
		}
		prevRun = e.RunID
		events = append(events, e)
	}
	return events, rows.Err()
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile returns the p-th percentile of sorted values using
// nearest-rank.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(p)/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(n) / float64(total) * 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
