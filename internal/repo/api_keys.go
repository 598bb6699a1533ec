package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"orbita/internal/domain"
)

const apiKeyColumns = `id,actor_id,COALESCE(name,''),key_hash,permissions_json,missions_json,created_at,COALESCE(last_used_at,'')`

// HashAPIKey returns the SHA-256 hex digest stored in place of a raw key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(row scanner) (domain.APIKey, error) {
	var (
		k           domain.APIKey
		perms, miss string
	)
	err := row.Scan(&k.ID, &k.ActorID, &k.Name, &k.KeyHash, &perms, &miss, &k.CreatedAt, &k.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	if err := json.Unmarshal([]byte(perms), &k.Permissions); err != nil {
		return k, fmt.Errorf("api key %s permissions: %w", k.ID, err)
	}
	if err := json.Unmarshal([]byte(miss), &k.MissionIDs); err != nil {
		return k, fmt.Errorf("api key %s missions: %w", k.ID, err)
	}
	if len(k.MissionIDs) == 0 {
		k.MissionIDs = nil
	}
	return k, nil
}

// InsertAPIKey stores a key whose KeyHash is already hashed. An empty
// permission list is stored as an empty grant, not as full access.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.ActorID == "":
		return errors.New("actor_id required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	case key.CreatedAt == "":
		return errors.New("created_at required")
	}
	perms := key.Permissions
	if perms == nil {
		perms = []string{}
	}
	missions := key.MissionIDs
	if missions == nil {
		missions = []string{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	missionsJSON, err := json.Marshal(missions)
	if err != nil {
		return err
	}
	_, err = r.execer(tx).ExecContext(ctx,
		`INSERT INTO api_keys(id,actor_id,name,key_hash,permissions_json,missions_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, string(permsJSON), string(missionsJSON), key.CreatedAt)
	return err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	return scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
}

// ListAPIKeys returns keys newest first. actorID and missionID narrow the
// result when set; a mission filter keeps fleet-wide keys.
func (r Repo) ListAPIKeys(ctx context.Context, actorID, missionID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		if missionID != "" && !key.Covers(missionID) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// TouchAPIKey records when a key last authenticated.
func (r Repo) TouchAPIKey(ctx context.Context, id, at string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, at, id)
	return err
}

func (r Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.execer(tx).ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
