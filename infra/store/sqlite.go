// Package store provides persistent station.Store implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/ocppgw/core/station"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stations (
        external_id TEXT PRIMARY KEY,
        tenant_id TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        last_heartbeat INTEGER,
        configuration TEXT,
        configuration_updated_at INTEGER
    );`,
	`CREATE TABLE IF NOT EXISTS diagnostics_requests (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        station_id TEXT NOT NULL REFERENCES stations(external_id),
        location TEXT NOT NULL DEFAULT '',
        file_name TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        requested_at INTEGER NOT NULL,
        completed_at INTEGER
    );`,
	`CREATE INDEX IF NOT EXISTS diagnostics_by_station ON diagnostics_requests(station_id, id);`,
}

// SQLiteStore persists stations in a SQLite database. Times are stored as
// unix milliseconds in UTC.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ station.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// FindByExternalID loads a station with its latest diagnostics request.
func (s *SQLiteStore) FindByExternalID(ctx context.Context, id string) (station.Station, error) {
	var (
		st     station.Station
		status string
		hb     sql.NullInt64
		cfg    sql.NullString
		cfgAt  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT external_id, tenant_id, status, last_heartbeat, configuration, configuration_updated_at
        FROM stations WHERE external_id = ?`, id).Scan(&st.ExternalID, &st.TenantID, &status, &hb, &cfg, &cfgAt)
	if errors.Is(err, sql.ErrNoRows) {
		return station.Station{}, station.ErrNotFound
	}
	if err != nil {
		return station.Station{}, err
	}
	st.Status = station.Status(status)
	st.LastHeartbeat = fromMillis(hb)
	if cfg.Valid {
		st.Configuration = json.RawMessage(cfg.String)
	}
	st.ConfigurationUpdatedAt = fromMillis(cfgAt)

	d, err := s.latestDiagnostics(ctx, id)
	if err != nil {
		return station.Station{}, err
	}
	st.Diagnostics = d
	return st, nil
}

func (s *SQLiteStore) latestDiagnostics(ctx context.Context, id string) (*station.Diagnostics, error) {
	var (
		d           station.Diagnostics
		status      string
		requestedAt int64
		completedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT location, file_name, status, requested_at, completed_at
        FROM diagnostics_requests WHERE station_id = ? ORDER BY id DESC LIMIT 1`, id).
		Scan(&d.Location, &d.FileName, &status, &requestedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Status = station.DiagnosticsStatus(status)
	d.RequestedAt = time.UnixMilli(requestedAt).UTC()
	d.CompletedAt = fromMillis(completedAt)
	return &d, nil
}

// Save inserts or replaces the station row. The diagnostics history is kept.
func (s *SQLiteStore) Save(ctx context.Context, st station.Station) error {
	var cfg sql.NullString
	if st.Configuration != nil {
		cfg = sql.NullString{String: string(st.Configuration), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO stations (external_id, tenant_id, status, last_heartbeat, configuration, configuration_updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(external_id) DO UPDATE SET
            tenant_id = excluded.tenant_id,
            status = excluded.status,
            last_heartbeat = excluded.last_heartbeat,
            configuration = excluded.configuration,
            configuration_updated_at = excluded.configuration_updated_at`,
		st.ExternalID, st.TenantID, string(st.Status), toMillis(st.LastHeartbeat), cfg, toMillis(st.ConfigurationUpdatedAt))
	return err
}

// exec runs an update that must touch exactly one station.
func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return station.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status station.Status, heartbeat *time.Time) error {
	return s.exec(ctx, `UPDATE stations SET status = ?, last_heartbeat = ? WHERE external_id = ?`,
		string(status), toMillis(heartbeat), id)
}

func (s *SQLiteStore) UpdateConfiguration(ctx context.Context, id string, cfg json.RawMessage, at time.Time) error {
	return s.exec(ctx, `UPDATE stations SET configuration = ?, configuration_updated_at = ? WHERE external_id = ?`,
		string(cfg), toMillis(&at), id)
}

func (s *SQLiteStore) CreateDiagnosticsRequest(ctx context.Context, id, location string, at time.Time) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO diagnostics_requests (station_id, location, status, requested_at)
        VALUES (?, ?, ?, ?)`, id, location, string(station.DiagnosticsPending), at.UTC().UnixMilli())
	return err
}

// UpdateLatestDiagnostics transitions the newest request of the station. A
// request is created when the station has none.
func (s *SQLiteStore) UpdateLatestDiagnostics(ctx context.Context, id string, fileName *string, status station.DiagnosticsStatus, completedAt *time.Time) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var reqID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM diagnostics_requests WHERE station_id = ? ORDER BY id DESC LIMIT 1`, id).Scan(&reqID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `INSERT INTO diagnostics_requests (station_id, status, requested_at) VALUES (?, ?, ?)`,
			id, string(status), s.now().UTC().UnixMilli())
		if err != nil {
			return err
		}
		if reqID, err = res.LastInsertId(); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	if fileName != nil {
		_, err = tx.ExecContext(ctx, `UPDATE diagnostics_requests SET status = ?, completed_at = ?, file_name = ? WHERE id = ?`,
			string(status), toMillis(completedAt), *fileName, reqID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE diagnostics_requests SET status = ?, completed_at = ? WHERE id = ?`,
			string(status), toMillis(completedAt), reqID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM stations WHERE external_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return station.ErrNotFound
	}
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
