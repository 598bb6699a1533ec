package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orbita/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const tsLayout = time.RFC3339Nano

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const missionColumns = `id,name,satellite_type,altitude_km,inclination_deg,status,is_active,start_time,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMission(row scanner) (domain.Mission, error) {
	var (
		m                 domain.Mission
		active            int
		start, createdAt  string
		satType, severity string
	)
	err := row.Scan(&m.ID, &m.Name, &satType, &m.AltitudeKm, &m.InclinationDeg, &severity, &active, &start, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.SatelliteType = domain.SatelliteType(satType)
	m.Status = domain.Severity(severity)
	m.Active = active != 0
	if m.StartTime, err = parseTS(start); err != nil {
		return m, fmt.Errorf("mission %s start_time: %w", m.ID, err)
	}
	if m.CreatedAt, err = parseTS(createdAt); err != nil {
		return m, fmt.Errorf("mission %s created_at: %w", m.ID, err)
	}
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	if m.Status == "" {
		m.Status = domain.SeverityNominal
	}
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Name, string(m.SatelliteType), m.AltitudeKm, m.InclinationDeg, string(m.Status), boolInt(m.Active),
		formatTS(m.StartTime), formatTS(m.CreatedAt))
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (r Repo) ListMissions(ctx context.Context) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+missionColumns+` FROM missions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Mission{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateMissionState stores the mission's live status and active flag.
func (r Repo) UpdateMissionState(ctx context.Context, tx *sql.Tx, id string, status domain.Severity, active bool) error {
	res, err := r.execer(tx).ExecContext(ctx, `UPDATE missions SET status=?, is_active=? WHERE id=?`, string(status), boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}
