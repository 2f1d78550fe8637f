package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatescan/route.timer/internal/signal"
	"github.com/gatescan/route.timer/internal/timing"
)

// ErrRunNotFound is returned by Run for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is one stored run. TotalMs is only meaningful for completed
// runs; FinishedAt is set once the run finalizes either way.
type RunRecord struct {
	RunID      string     `json:"run_id"`
	Route      string     `json:"route"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	TotalMs    *int64     `json:"total_ms,omitempty"`
}

// PassageRecord is one stored gate crossing.
type PassageRecord struct {
	RunID     string    `json:"run_id"`
	GateIndex int       `json:"gate_index"`
	GateName  string    `json:"gate_name"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	RSSI      float64   `json:"rssi_dbm"`
}

// TransitionRecord is one row of the rolling transition diagnostic log.
// GateIndex is -1 for sensors that were not part of the configured route.
type TransitionRecord struct {
	SensorID  string    `json:"sensor_id"`
	GateIndex int       `json:"gate_index"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	RSSI      float64   `json:"rssi_dbm"`
}

// RecordRunStart inserts an active run row at its first passage.
func (db *DB) RecordRunStart(runID uuid.UUID, route string, startedAt time.Time) error {
	_, err := db.Exec(
		`INSERT INTO runs (run_id, route, state, started_at_ns) VALUES (?, ?, 'active', ?)`,
		runID.String(), route, startedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordPassage appends one accepted gate crossing to its run.
func (db *DB) RecordPassage(p timing.Passage) error {
	_, err := db.Exec(
		`INSERT INTO passages (run_id, gate_idx, gate_name, role, ts_ns, rssi_dbm)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.RunID.String(), p.GateIndex, p.Gate, p.Role.String(), p.Timestamp.UnixNano(), p.RSSI,
	)
	if err != nil {
		return fmt.Errorf("record passage: %w", err)
	}
	return nil
}

// FinalizeRun marks a run completed or abandoned and books its total.
func (db *DB) FinalizeRun(res timing.Result) error {
	var totalMs *int64
	if res.State == timing.RunCompleted {
		ms := res.Total.Milliseconds()
		totalMs = &ms
	}
	_, err := db.Exec(
		`UPDATE runs SET state = ?, finished_at_ns = ?, total_ms = ? WHERE run_id = ?`,
		res.State.String(), res.EndedAt.UnixNano(), totalMs, res.RunID.String(),
	)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

// RecordTransition appends one debounced presence transition to the
// rolling diagnostic log.
func (db *DB) RecordTransition(tr signal.Transition) error {
	_, err := db.Exec(
		`INSERT INTO transitions (sensor_id, gate_idx, kind, ts_ns, rssi_dbm) VALUES (?, ?, ?, ?, ?)`,
		tr.Address, tr.GateIndex, tr.Kind.String(), tr.Timestamp.UnixNano(), tr.RSSI,
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// Runs returns the most recent runs, newest first, optionally filtered by
// state (empty means all).
func (db *DB) Runs(limit int, state string) ([]RunRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT run_id, route, state, started_at_ns, finished_at_ns, total_ms
		FROM runs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY started_at_ns DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Run returns one run with its passages in gate order.
func (db *DB) Run(runID string) (RunRecord, []PassageRecord, error) {
	row := db.QueryRow(
		`SELECT run_id, route, state, started_at_ns, finished_at_ns, total_ms
		 FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, nil, ErrRunNotFound
	}
	if err != nil {
		return RunRecord{}, nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	rows, err := db.Query(
		`SELECT run_id, gate_idx, gate_name, role, ts_ns, rssi_dbm
		 FROM passages WHERE run_id = ? ORDER BY gate_idx`, runID)
	if err != nil {
		return RunRecord{}, nil, fmt.Errorf("load passages for %s: %w", runID, err)
	}
	defer rows.Close()

	var passages []PassageRecord
	for rows.Next() {
		var p PassageRecord
		var tsNs int64
		if err := rows.Scan(&p.RunID, &p.GateIndex, &p.GateName, &p.Role, &tsNs, &p.RSSI); err != nil {
			return RunRecord{}, nil, err
		}
		p.Timestamp = time.Unix(0, tsNs)
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return RunRecord{}, nil, err
	}
	return run, passages, nil
}

// BestRun returns the fastest completed run for a route.
func (db *DB) BestRun(route string) (RunRecord, error) {
	row := db.QueryRow(
		`SELECT run_id, route, state, started_at_ns, finished_at_ns, total_ms
		 FROM runs WHERE route = ? AND state = 'completed' AND total_ms IS NOT NULL
		 ORDER BY total_ms ASC LIMIT 1`, route)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("best run for %s: %w", route, err)
	}
	return run, nil
}

// TransitionLog returns recent transitions, newest first, optionally
// filtered by sensor and bounded below by since (zero means no bound).
func (db *DB) TransitionLog(sensor string, since time.Time, limit int) ([]TransitionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `SELECT sensor_id, gate_idx, kind, ts_ns, rssi_dbm FROM transitions WHERE 1=1`
	args := []any{}
	if sensor != "" {
		query += ` AND sensor_id = ?`
		args = append(args, sensor)
	}
	if !since.IsZero() {
		query += ` AND ts_ns >= ?`
		args = append(args, since.UnixNano())
	}
	query += ` ORDER BY ts_ns DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition log: %w", err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var tr TransitionRecord
		var tsNs int64
		if err := rows.Scan(&tr.SensorID, &tr.GateIndex, &tr.Kind, &tsNs, &tr.RSSI); err != nil {
			return nil, err
		}
		tr.Timestamp = time.Unix(0, tsNs)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// PruneTransitions deletes transition rows older than the cutoff and
// reports how many were removed.
func (db *DB) PruneTransitions(olderThan time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM transitions WHERE ts_ns < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var r RunRecord
	var startedNs int64
	var finishedNs sql.NullInt64
	var totalMs sql.NullInt64
	if err := row.Scan(&r.RunID, &r.Route, &r.State, &startedNs, &finishedNs, &totalMs); err != nil {
		return RunRecord{}, err
	}
	r.StartedAt = time.Unix(0, startedNs)
	if finishedNs.Valid {
		t := time.Unix(0, finishedNs.Int64)
		r.FinishedAt = &t
	}
	if totalMs.Valid {
		v := totalMs.Int64
		r.TotalMs = &v
	}
	return r, nil
}

func scanRuns(rows *sql.Rows) ([]RunRecord, error) {
	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
