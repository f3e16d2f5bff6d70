package database

import (
	"database/sql"
	"errors"
	"math"

	"github.com/google/uuid"

	"github.com/TobiSchelling/rtestimate/internal/apperr"
)

// SaveRun stores a run with its estimates in one transaction. A run without
// an ID gets a fresh UUID. It returns the run ID.
func (db *DB) SaveRun(run *Run, estimates []Estimate) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return "", apperr.Storage("save run", "begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs
		(id, region, source, population, recovery_lag_days, chains, seed, first_date, last_date, days, report_markdown)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Region, run.Source, run.Population, run.RecoveryLagDays, run.Chains, run.Seed,
		run.FirstDate, run.LastDate, run.Days, run.ReportMarkdown,
	)
	if err != nil {
		return "", apperr.Storage("save run", "inserting run", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO estimates (run_id, parameter, day, date, mean, lower, upper)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return "", apperr.Storage("save run", "preparing estimate insert", err)
	}
	defer stmt.Close()

	for _, e := range estimates {
		if _, err := stmt.Exec(run.ID, e.Parameter, e.Day, e.Date,
			nullable(e.Mean), nullable(e.Lower), nullable(e.Upper)); err != nil {
			return "", apperr.Storage("save run", "inserting estimate "+e.Parameter, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", apperr.Storage("save run", "commit", err)
	}
	return run.ID, nil
}

// GetRun returns the run with the given ID, or nil if none exists.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.conn.QueryRow(
		`SELECT id, region, source, population, recovery_lag_days, chains, seed,
		first_date, last_date, days, report_markdown, created_at
		FROM runs WHERE id = ?`, id,
	)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("get run", id, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	query := `SELECT id, region, source, population, recovery_lag_days, chains, seed,
		first_date, last_date, days, report_markdown, created_at
		FROM runs ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, apperr.Storage("list runs", "query", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, apperr.Storage("list runs", "scan", err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list runs", "iterate", err)
	}
	return runs, nil
}

// GetEstimates returns the estimates of a run ordered by day.
func (db *DB) GetEstimates(runID string) ([]Estimate, error) {
	rows, err := db.conn.Query(
		`SELECT run_id, parameter, day, date, mean, lower, upper
		FROM estimates WHERE run_id = ? ORDER BY day`, runID,
	)
	if err != nil {
		return nil, apperr.Storage("get estimates", "query", err)
	}
	defer rows.Close()

	var estimates []Estimate
	for rows.Next() {
		var (
			e                  Estimate
			date               sql.NullString
			mean, lower, upper sql.NullFloat64
		)
		if err := rows.Scan(&e.RunID, &e.Parameter, &e.Day, &date, &mean, &lower, &upper); err != nil {
			return nil, apperr.Storage("get estimates", "scan", err)
		}
		e.Date = date.String
		e.Mean = fromNullable(mean)
		e.Lower = fromNullable(lower)
		e.Upper = fromNullable(upper)
		estimates = append(estimates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("get estimates", "iterate", err)
	}
	return estimates, nil
}

// DeleteRun removes a run and its estimates. It reports whether a run was
// deleted.
func (db *DB) DeleteRun(id string) (bool, error) {
	result, err := db.conn.Exec("DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return false, apperr.Storage("delete run", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, apperr.Storage("delete run", id, err)
	}
	return n > 0, nil
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM runs", &s.Runs},
		{"SELECT COUNT(DISTINCT region) FROM runs", &s.Regions},
		{"SELECT COUNT(*) FROM estimates", &s.Estimates},
	}

	for _, q := range queries {
		if err := db.conn.QueryRow(q.sql).Scan(q.dest); err != nil {
			return nil, apperr.Storage("stats", q.sql, err)
		}
	}

	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	if err := s.Scan(&r.ID, &r.Region, &r.Source, &r.Population, &r.RecoveryLagDays,
		&r.Chains, &r.Seed, &r.FirstDate, &r.LastDate, &r.Days, &r.ReportMarkdown, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func fromNullable(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
