package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tunehub/tunehub/internal/hpo"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS studies (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	directions    TEXT NOT NULL,
	system_attrs  TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trials (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	study_id         INTEGER NOT NULL REFERENCES studies(id),
	number           INTEGER NOT NULL,
	state            TEXT NOT NULL,
	objective_values TEXT NOT NULL DEFAULT 'null',
	params           TEXT NOT NULL DEFAULT '{}',
	distributions    TEXT NOT NULL DEFAULT '{}',
	user_attrs       TEXT NOT NULL DEFAULT '{}',
	system_attrs     TEXT NOT NULL DEFAULT '{}',
	started_at       INTEGER NOT NULL DEFAULT 0,
	completed_at     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_trials_study_number ON trials(study_id, number);
CREATE INDEX IF NOT EXISTS idx_trials_study_state  ON trials(study_id, state);
`

// SQLite is a Storage backend on a local SQLite database. Structured
// fields are stored as JSON columns; timestamps as unix nanoseconds.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (creating if needed) the database at dsn and ensures the
// schema exists. A bare file path gets WAL mode and a busy timeout
// appended; a dsn that already carries query parameters is used verbatim.
func NewSQLite(dsn string, opts ...Option) (*SQLite, error) {
	o := buildOptions(opts)
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, hpo.WrapError(err, "opening sqlite database").WithComponent("storage")
	}
	// SQLite handles one writer at a time; a single pooled connection
	// keeps the driver from tripping over itself under concurrent asks.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, hpo.WrapError(err, "pinging sqlite database").WithComponent("storage")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, hpo.WrapError(err, "initializing sqlite schema").WithComponent("storage")
	}
	return &SQLite{db: db, now: o.now}, nil
}

// CreateStudy implements hpo.Storage.
func (s *SQLite) CreateStudy(name string, directions []hpo.Direction) (int64, error) {
	dirs := make([]string, len(directions))
	for i, d := range directions {
		dirs[i] = d.String()
	}
	dirsJSON, err := json.Marshal(dirs)
	if err != nil {
		return 0, hpo.WrapError(err, "encoding directions").WithComponent("storage")
	}
	res, err := s.db.Exec(
		`INSERT INTO studies (name, directions, system_attrs, created_at) VALUES (?, ?, '{}', ?)`,
		name, string(dirsJSON), s.now().UnixNano(),
	)
	if err != nil {
		return 0, hpo.WrapError(err, "inserting study").WithComponent("storage")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, hpo.WrapError(err, "reading study id").WithComponent("storage")
	}
	return id, nil
}

// CreateTrial implements hpo.Storage.
func (s *SQLite) CreateTrial(studyID int64, state hpo.TrialState, systemAttrs map[string]any) (*hpo.FrozenTrial, error) {
	attrs := systemAttrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, hpo.WrapError(err, "encoding system attrs").WithComponent("storage")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, hpo.WrapError(err, "beginning transaction").WithComponent("storage")
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM studies WHERE id = ?`, studyID).Scan(&exists); err != nil {
		return nil, hpo.WrapError(err, "checking study").WithComponent("storage")
	}
	if exists == 0 {
		return nil, hpo.WrapErrorf(hpo.ErrUnknownStudy, "study %d", studyID)
	}

	var number int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM trials WHERE study_id = ?`, studyID).Scan(&number); err != nil {
		return nil, hpo.WrapError(err, "counting trials").WithComponent("storage")
	}

	var startedAt int64
	if state == hpo.StateRunning {
		startedAt = s.now().UnixNano()
	}
	res, err := tx.Exec(
		`INSERT INTO trials (study_id, number, state, system_attrs, started_at) VALUES (?, ?, ?, ?, ?)`,
		studyID, number, state.String(), string(attrsJSON), startedAt,
	)
	if err != nil {
		return nil, hpo.WrapError(err, "inserting trial").WithComponent("storage")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, hpo.WrapError(err, "reading trial id").WithComponent("storage")
	}
	if err := tx.Commit(); err != nil {
		return nil, hpo.WrapError(err, "committing trial").WithComponent("storage")
	}
	return s.GetTrial(id)
}

// GetTrial implements hpo.Storage.
func (s *SQLite) GetTrial(trialID int64) (*hpo.FrozenTrial, error) {
	row := s.db.QueryRow(
		`SELECT id, study_id, number, state, objective_values, params, distributions, user_attrs, system_attrs, started_at, completed_at
		 FROM trials WHERE id = ?`, trialID)
	t, err := scanTrial(row)
	if err == sql.ErrNoRows {
		return nil, hpo.WrapErrorf(hpo.ErrUnknownTrial, "trial %d", trialID)
	}
	return t, err
}

// Trials implements hpo.Storage.
func (s *SQLite) Trials(studyID int64, states ...hpo.TrialState) ([]*hpo.FrozenTrial, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM studies WHERE id = ?`, studyID).Scan(&exists); err != nil {
		return nil, hpo.WrapError(err, "checking study").WithComponent("storage")
	}
	if exists == 0 {
		return nil, hpo.WrapErrorf(hpo.ErrUnknownStudy, "study %d", studyID)
	}

	query := `SELECT id, study_id, number, state, objective_values, params, distributions, user_attrs, system_attrs, started_at, completed_at
		 FROM trials WHERE study_id = ?`
	args := []any{studyID}
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, st.String())
		}
		query += fmt.Sprintf(" AND state IN (%s)", strings.Join(placeholders, ", "))
	}
	query += " ORDER BY number"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, hpo.WrapError(err, "listing trials").WithComponent("storage")
	}
	defer rows.Close()

	var out []*hpo.FrozenTrial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, hpo.WrapError(err, "iterating trials").WithComponent("storage")
	}
	return out, nil
}

// PopWaitingTrial implements hpo.Storage.
func (s *SQLite) PopWaitingTrial(studyID int64) (*hpo.FrozenTrial, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, hpo.WrapError(err, "beginning transaction").WithComponent("storage")
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(
		`SELECT id FROM trials WHERE study_id = ? AND state = ? ORDER BY number LIMIT 1`,
		studyID, hpo.StateWaiting.String(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, hpo.WrapError(err, "selecting waiting trial").WithComponent("storage")
	}
	_, err = tx.Exec(
		`UPDATE trials SET state = ?, started_at = ? WHERE id = ?`,
		hpo.StateRunning.String(), s.now().UnixNano(), id,
	)
	if err != nil {
		return nil, hpo.WrapError(err, "promoting waiting trial").WithComponent("storage")
	}
	if err := tx.Commit(); err != nil {
		return nil, hpo.WrapError(err, "committing waiting trial").WithComponent("storage")
	}
	return s.GetTrial(id)
}

// SetTrialParam implements hpo.Storage.
func (s *SQLite) SetTrialParam(trialID int64, name string, internal float64, dist hpo.Distribution) error {
	distJSON, err := hpo.MarshalDistribution(dist)
	if err != nil {
		return hpo.WrapError(err, "encoding distribution").WithComponent("storage")
	}
	return s.updateTrialJSON(trialID, true, func(t *trialRow) error {
		var params map[string]float64
		if err := json.Unmarshal([]byte(t.params), &params); err != nil {
			return hpo.WrapError(err, "decoding params").WithComponent("storage")
		}
		var dists map[string]json.RawMessage
		if err := json.Unmarshal([]byte(t.distributions), &dists); err != nil {
			return hpo.WrapError(err, "decoding distributions").WithComponent("storage")
		}
		if params == nil {
			params = map[string]float64{}
		}
		if dists == nil {
			dists = map[string]json.RawMessage{}
		}
		params[name] = internal
		dists[name] = distJSON
		p, err := json.Marshal(params)
		if err != nil {
			return hpo.WrapError(err, "encoding params").WithComponent("storage")
		}
		d, err := json.Marshal(dists)
		if err != nil {
			return hpo.WrapError(err, "encoding distributions").WithComponent("storage")
		}
		t.params = string(p)
		t.distributions = string(d)
		return nil
	})
}

// SetTrialUserAttr implements hpo.Storage.
func (s *SQLite) SetTrialUserAttr(trialID int64, key string, value any) error {
	return s.setTrialAttr(trialID, key, value, false)
}

// SetTrialSystemAttr implements hpo.Storage.
func (s *SQLite) SetTrialSystemAttr(trialID int64, key string, value any) error {
	return s.setTrialAttr(trialID, key, value, true)
}

func (s *SQLite) setTrialAttr(trialID int64, key string, value any, system bool) error {
	return s.updateTrialJSON(trialID, false, func(t *trialRow) error {
		state, err := parseState(t.state)
		if err != nil {
			return err
		}
		if state.IsFinished() {
			return hpo.WrapErrorf(hpo.ErrTrialNotRunning, "trial %d is %s", trialID, state)
		}
		col := &t.userAttrs
		if system {
			col = &t.systemAttrs
		}
		var attrs map[string]any
		if err := json.Unmarshal([]byte(*col), &attrs); err != nil {
			return hpo.WrapError(err, "decoding attrs").WithComponent("storage")
		}
		if attrs == nil {
			attrs = map[string]any{}
		}
		attrs[key] = value
		encoded, err := json.Marshal(attrs)
		if err != nil {
			return hpo.WrapError(err, "encoding attrs").WithComponent("storage")
		}
		*col = string(encoded)
		return nil
	})
}

// SetStudySystemAttr implements hpo.Storage.
func (s *SQLite) SetStudySystemAttr(studyID int64, key string, value any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return hpo.WrapError(err, "beginning transaction").WithComponent("storage")
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT system_attrs FROM studies WHERE id = ?`, studyID).Scan(&raw)
	if err == sql.ErrNoRows {
		return hpo.WrapErrorf(hpo.ErrUnknownStudy, "study %d", studyID)
	}
	if err != nil {
		return hpo.WrapError(err, "reading study attrs").WithComponent("storage")
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return hpo.WrapError(err, "decoding study attrs").WithComponent("storage")
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs[key] = value
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return hpo.WrapError(err, "encoding study attrs").WithComponent("storage")
	}
	if _, err := tx.Exec(`UPDATE studies SET system_attrs = ? WHERE id = ?`, string(encoded), studyID); err != nil {
		return hpo.WrapError(err, "writing study attrs").WithComponent("storage")
	}
	if err := tx.Commit(); err != nil {
		return hpo.WrapError(err, "committing study attrs").WithComponent("storage")
	}
	return nil
}

// StudySystemAttrs implements hpo.Storage.
func (s *SQLite) StudySystemAttrs(studyID int64) (map[string]any, error) {
	var raw string
	err := s.db.QueryRow(`SELECT system_attrs FROM studies WHERE id = ?`, studyID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, hpo.WrapErrorf(hpo.ErrUnknownStudy, "study %d", studyID)
	}
	if err != nil {
		return nil, hpo.WrapError(err, "reading study attrs").WithComponent("storage")
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, hpo.WrapError(err, "decoding study attrs").WithComponent("storage")
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	return attrs, nil
}

// FinalizeTrial implements hpo.Storage.
func (s *SQLite) FinalizeTrial(trialID int64, state hpo.TrialState, values []float64) error {
	if !state.IsFinished() {
		return hpo.WrapErrorf(hpo.ErrInvalidState, "finalize with %s", state)
	}
	valuesJSON, err := json.Marshal(values)
	if err != nil {
		return hpo.WrapError(err, "encoding values").WithComponent("storage")
	}
	return s.updateTrialJSON(trialID, true, func(t *trialRow) error {
		t.state = state.String()
		t.objectiveValues = string(valuesJSON)
		t.completedAt = s.now().UnixNano()
		return nil
	})
}

// Close implements hpo.Storage.
func (s *SQLite) Close() error { return s.db.Close() }

// trialRow mirrors the trials table for read-modify-write updates.
type trialRow struct {
	state           string
	objectiveValues string
	params          string
	distributions   string
	userAttrs       string
	systemAttrs     string
	completedAt     int64
}

// updateTrialJSON loads a trial row inside a transaction, applies mutate,
// and writes the row back. With requireRunning set the trial must be in
// RUNNING state before mutation.
func (s *SQLite) updateTrialJSON(trialID int64, requireRunning bool, mutate func(*trialRow) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return hpo.WrapError(err, "beginning transaction").WithComponent("storage")
	}
	defer tx.Rollback()

	var t trialRow
	err = tx.QueryRow(
		`SELECT state, objective_values, params, distributions, user_attrs, system_attrs, completed_at
		 FROM trials WHERE id = ?`, trialID,
	).Scan(&t.state, &t.objectiveValues, &t.params, &t.distributions, &t.userAttrs, &t.systemAttrs, &t.completedAt)
	if err == sql.ErrNoRows {
		return hpo.WrapErrorf(hpo.ErrUnknownTrial, "trial %d", trialID)
	}
	if err != nil {
		return hpo.WrapError(err, "reading trial").WithComponent("storage")
	}
	if requireRunning && t.state != hpo.StateRunning.String() {
		return hpo.WrapErrorf(hpo.ErrTrialNotRunning, "trial %d is %s", trialID, t.state)
	}
	if err := mutate(&t); err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE trials SET state = ?, objective_values = ?, params = ?, distributions = ?, user_attrs = ?, system_attrs = ?, completed_at = ?
		 WHERE id = ?`,
		t.state, t.objectiveValues, t.params, t.distributions, t.userAttrs, t.systemAttrs, t.completedAt, trialID,
	)
	if err != nil {
		return hpo.WrapError(err, "writing trial").WithComponent("storage")
	}
	if err := tx.Commit(); err != nil {
		return hpo.WrapError(err, "committing trial").WithComponent("storage")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrial(row rowScanner) (*hpo.FrozenTrial, error) {
	var (
		t                      hpo.FrozenTrial
		state                  string
		valuesJSON, paramsJSON string
		distsJSON, userJSON    string
		sysJSON                string
		startedAt, completedAt int64
	)
	err := row.Scan(&t.ID, &t.StudyID, &t.Number, &state, &valuesJSON, &paramsJSON, &distsJSON, &userJSON, &sysJSON, &startedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, hpo.WrapError(err, "scanning trial").WithComponent("storage")
	}
	t.State, err = parseState(state)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(valuesJSON), &t.Values); err != nil {
		return nil, hpo.WrapError(err, "decoding values").WithComponent("storage")
	}
	if err := json.Unmarshal([]byte(paramsJSON), &t.Params); err != nil {
		return nil, hpo.WrapError(err, "decoding params").WithComponent("storage")
	}
	var rawDists map[string]json.RawMessage
	if err := json.Unmarshal([]byte(distsJSON), &rawDists); err != nil {
		return nil, hpo.WrapError(err, "decoding distributions").WithComponent("storage")
	}
	t.Distributions = make(map[string]hpo.Distribution, len(rawDists))
	for name, raw := range rawDists {
		d, err := hpo.UnmarshalDistribution(raw)
		if err != nil {
			return nil, hpo.WrapError(err, "decoding distribution").WithComponent("storage")
		}
		t.Distributions[name] = d
	}
	if err := json.Unmarshal([]byte(userJSON), &t.UserAttrs); err != nil {
		return nil, hpo.WrapError(err, "decoding user attrs").WithComponent("storage")
	}
	if err := json.Unmarshal([]byte(sysJSON), &t.SystemAttrs); err != nil {
		return nil, hpo.WrapError(err, "decoding system attrs").WithComponent("storage")
	}
	if t.Params == nil {
		t.Params = map[string]float64{}
	}
	if t.UserAttrs == nil {
		t.UserAttrs = map[string]any{}
	}
	if t.SystemAttrs == nil {
		t.SystemAttrs = map[string]any{}
	}
	if startedAt != 0 {
		t.StartedAt = time.Unix(0, startedAt)
	}
	if completedAt != 0 {
		t.CompletedAt = time.Unix(0, completedAt)
	}
	return &t, nil
}

func parseState(s string) (hpo.TrialState, error) {
	switch s {
	case "RUNNING":
		return hpo.StateRunning, nil
	case "COMPLETE":
		return hpo.StateComplete, nil
	case "PRUNED":
		return hpo.StatePruned, nil
	case "FAIL":
		return hpo.StateFail, nil
	case "WAITING":
		return hpo.StateWaiting, nil
	default:
		return 0, hpo.WrapErrorf(hpo.ErrInvalidState, "state %q", s)
	}
}
