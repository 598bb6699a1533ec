package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"orbita/internal/domain"
)

// InsertDecision stores an immutable decision. Re-inserting the same id is a no-op.
func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	_, err = r.execer(tx).ExecContext(ctx, `INSERT INTO decision_logs(mission_id,decision_id,ts,anomaly_type,severity,selected_action,confidence,decision_json) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(mission_id,decision_id) DO NOTHING`,
		d.MissionID, int64(d.ID), formatTS(d.Timestamp), string(d.AnomalyType), string(d.Severity), d.SelectedAction, d.Confidence, string(payload))
	return err
}

// ListDecisions returns the full decision history of a mission, oldest first.
func (r Repo) ListDecisions(ctx context.Context, missionID string) ([]domain.Decision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT decision_json FROM decision_logs WHERE mission_id=? ORDER BY decision_id ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Decision{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var d domain.Decision
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// LastDecisionID returns the highest decision id recorded for a mission, 0 if none.
func (r Repo) LastDecisionID(ctx context.Context, missionID string) (uint64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(decision_id),0) FROM decision_logs WHERE mission_id=?`, missionID).Scan(&id); err != nil {
		return 0, err
	}
	return uint64(id), nil
}
