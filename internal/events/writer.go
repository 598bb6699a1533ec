package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entity kinds recorded on audit events.
const (
	EntityMission = "mission"
	EntityAPIKey  = "api_key"
)

// ActorSystem marks events raised by the engine itself.
const ActorSystem = "system"

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event, inside tx when it is non-nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, missionID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = ActorSystem
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,mission_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{ts, evtType, nullable(missionID), entityKind, nullable(entityID), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
