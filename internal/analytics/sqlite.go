package analytics

import (
	"context"
	"database/sql"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/kilocode/backplane/internal/foundation/errors"
)

// SQLiteStore is the default analytics backend for single-node deployments
// and tests. Schema mirrors the analytics engine's column names.
type SQLiteStore struct {
	db    *sql.DB
	clock clockwork.Clock
}

// NewSQLiteStore opens (or creates) the analytics database at dbPath.
// ":memory:" gives an ephemeral store. A nil clock uses the real clock.
func NewSQLiteStore(dbPath string, clock clockwork.Clock) (*SQLiteStore, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryAnalytics, "open analytics database").Build()
	}
	s := &SQLiteStore{db: db, clock: clock}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, errors.WrapError(err, errors.CategoryAnalytics, "initialize analytics schema").Build()
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_metrics (
		ts INTEGER NOT NULL,
		blob1 TEXT NOT NULL,
		blob2 TEXT NOT NULL,
		blob3 TEXT NOT NULL,
		blob4 TEXT NOT NULL,
		blob5 TEXT NOT NULL,
		double1 REAL NOT NULL,
		double2 REAL NOT NULL,
		double3 REAL NOT NULL,
		sample_interval REAL NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_api_metrics_ts ON api_metrics(ts);
	CREATE TABLE IF NOT EXISTS session_metrics (
		ts INTEGER NOT NULL,
		index1 TEXT NOT NULL,
		blob1 TEXT NOT NULL,
		blob2 TEXT NOT NULL,
		blob3 TEXT NOT NULL,
		blob4 TEXT NOT NULL,
		blob5 TEXT NOT NULL,
		double1 REAL NOT NULL,
		double2 REAL NOT NULL,
		double3 REAL NOT NULL,
		double4 REAL NOT NULL,
		double5 REAL NOT NULL,
		double6 REAL NOT NULL,
		double7 REAL NOT NULL,
		double8 REAL NOT NULL,
		double9 REAL NOT NULL,
		double10 REAL NOT NULL,
		double11 REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_metrics_ts ON session_metrics(ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) WriteAPIPoint(ctx context.Context, p APIPoint) error {
	errFlag := "0"
	if p.IsError() {
		errFlag = "1"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_metrics (ts, blob1, blob2, blob3, blob4, blob5, double1, double2, double3, sample_interval)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.clock.Now().UnixMilli(),
		p.Provider, p.ResolvedModel, p.ClientName, errFlag, p.InferenceProvider,
		p.TTFBMs, p.CompleteRequestMs, p.StatusCode, p.Weight(),
	)
	if err != nil {
		return errors.WrapError(err, errors.CategoryAnalytics, "write api point").Build()
	}
	return nil
}

func (s *SQLiteStore) WriteSessionPoint(ctx context.Context, p SessionPoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_metrics (ts, index1, blob1, blob2, blob3, blob4, blob5,
			double1, double2, double3, double4, double5, double6, double7, double8, double9, double10, double11)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.clock.Now().UnixMilli(),
		p.Platform,
		p.TerminationReason, p.Platform, p.OrganizationID, p.KiloUserID, p.Model,
		p.SessionDurationMs, p.TimeToFirstResponseMs, p.TotalTurns, p.TotalSteps,
		p.TotalErrors, p.TotalTokens, p.TotalCost, p.CompactionCount,
		p.StuckToolCallCount, p.AutoCompactionCount, p.IngestVersion,
	)
	if err != nil {
		return errors.WrapError(err, errors.CategoryAnalytics, "write session point").Build()
	}
	return nil
}

func (s *SQLiteStore) ErrorRateByDimension(ctx context.Context, window time.Duration) ([]DimensionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blob1, blob2, blob3,
			SUM(sample_interval),
			SUM(CASE WHEN blob4 = '1' THEN sample_interval ELSE 0 END)
		FROM api_metrics
		WHERE ts >= ?
		GROUP BY blob1, blob2, blob3`,
		s.cutoff(window),
	)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryAnalytics, "query error rates").Build()
	}
	return scanDimensionRows(rows)
}

func (s *SQLiteStore) TTFBExceedanceByDimension(ctx context.Context, thresholdMs float64, window time.Duration) ([]DimensionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blob1, blob2, blob3,
			SUM(sample_interval),
			SUM(CASE WHEN double1 > ? THEN sample_interval ELSE 0 END)
		FROM api_metrics
		WHERE ts >= ? AND blob4 = '0'
		GROUP BY blob1, blob2, blob3`,
		thresholdMs, s.cutoff(window),
	)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryAnalytics, "query ttfb exceedance").Build()
	}
	return scanDimensionRows(rows)
}

func (s *SQLiteStore) cutoff(window time.Duration) int64 {
	return s.clock.Now().Add(-window).UnixMilli()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanDimensionRows(rows *sql.Rows) ([]DimensionRow, error) {
	defer rows.Close()
	var out []DimensionRow
	for rows.Next() {
		var r DimensionRow
		if err := rows.Scan(&r.Provider, &r.Model, &r.Client, &r.TotalWeight, &r.BadWeight); err != nil {
			return nil, errors.WrapError(err, errors.CategoryAnalytics, "scan dimension row").Build()
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, errors.CategoryAnalytics, "iterate dimension rows").Build()
	}
	return out, nil
}
