package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"orbita/internal/domain"
)

func (r Repo) InsertTelemetry(ctx context.Context, tx *sql.Tx, s domain.TelemetrySample) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO telemetry_logs(mission_id,ts,battery_level,thermal_state,orientation_roll,orientation_pitch,orientation_yaw,signal_latency,is_stable) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.MissionID, formatTS(s.Timestamp), s.BatteryLevel, s.ThermalState,
		s.Orientation.Roll, s.Orientation.Pitch, s.Orientation.Yaw, s.SignalLatency, boolInt(s.IsStable))
	return err
}

// ListTelemetry returns up to limit of the newest samples for a mission, oldest first.
func (r Repo) ListTelemetry(ctx context.Context, missionID string, limit int) ([]domain.TelemetrySample, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT mission_id,ts,battery_level,thermal_state,orientation_roll,orientation_pitch,orientation_yaw,signal_latency,is_stable
FROM (SELECT * FROM telemetry_logs WHERE mission_id=? ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, missionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TelemetrySample{}
	for rows.Next() {
		var (
			s      domain.TelemetrySample
			ts     string
			stable int
		)
		if err := rows.Scan(&s.MissionID, &ts, &s.BatteryLevel, &s.ThermalState,
			&s.Orientation.Roll, &s.Orientation.Pitch, &s.Orientation.Yaw, &s.SignalLatency, &stable); err != nil {
			return nil, err
		}
		if s.Timestamp, err = parseTS(ts); err != nil {
			return nil, err
		}
		s.IsStable = stable != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

// LastTelemetryTime returns the newest persisted sample timestamp for a mission.
func (r Repo) LastTelemetryTime(ctx context.Context, missionID string) (time.Time, error) {
	var ts string
	err := r.DB.QueryRowContext(ctx, `SELECT ts FROM telemetry_logs WHERE mission_id=? ORDER BY id DESC LIMIT 1`, missionID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseTS(ts)
}

func (r Repo) CountTelemetry(ctx context.Context, missionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_logs WHERE mission_id=?`, missionID).Scan(&n)
	return n, err
}
