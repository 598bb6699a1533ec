package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"orbita/internal/domain"
	"orbita/internal/events"
	"orbita/internal/repo"
)

// Permissions carried by bearer tokens and API keys.
const (
	PermMissionControl = "mission.control"
	PermTelemetryWrite = "telemetry.write"
	PermKeysManage     = "keys.manage"
	PermAll            = "*"
)

// Audit event types for key management and scope refusals.
const (
	EventAPIKeyCreated = "api_key.created"
	EventAPIKeyDeleted = "api_key.deleted"
	EventAPIKeyDenied  = "api_key.denied"
)

var knownPermissions = map[string]bool{
	PermMissionControl: true,
	PermTelemetryWrite: true,
	PermKeysManage:     true,
	PermAll:            true,
}

const keyPrefix = "orb_"

// ErrInvalidKey marks a key request that cannot be issued.
var ErrInvalidKey = errors.New("invalid api key request")

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ScopeError indicates a credential used on a mission outside its scope.
type ScopeError struct {
	MissionID string
}

func (e ScopeError) Error() string {
	return fmt.Sprintf("mission %s is outside the credential scope", e.MissionID)
}

// InScope reports whether missions admits missionID. An empty scope admits
// every mission.
func InScope(missions []string, missionID string) bool {
	return domain.APIKey{MissionIDs: missions}.Covers(missionID)
}

// Allowed reports whether perms grant perm.
func Allowed(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == PermAll {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError when perms do not grant perm.
func Require(perms []string, perm string) error {
	if Allowed(perms, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// CanGrant refuses a key broader than the issuer holding perms and missions.
func CanGrant(perms, missions []string, opts KeyOptions) error {
	requested := normalize(opts.Permissions)
	if len(requested) == 0 {
		requested = []string{PermAll}
	}
	for _, p := range requested {
		if err := Require(perms, p); err != nil {
			return err
		}
	}
	if len(missions) == 0 {
		return nil
	}
	scope := normalize(opts.MissionIDs)
	if len(scope) == 0 {
		return ScopeError{MissionID: "*"}
	}
	for _, id := range scope {
		if !InScope(missions, id) {
			return ScopeError{MissionID: id}
		}
	}
	return nil
}

// Service manages operator API keys backed by SQL.
type Service struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// KeyOptions shapes a new key. No permissions means full access; no
// missions means every mission.
type KeyOptions struct {
	Name        string
	Permissions []string
	MissionIDs  []string
}

func normalize(values []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// CreateKey issues a new API key for actorID. The raw key is returned once;
// only its hash is stored.
func (s Service) CreateKey(ctx context.Context, actorID string, opts KeyOptions) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	perms := normalize(opts.Permissions)
	for _, p := range perms {
		if !knownPermissions[p] {
			return domain.APIKey{}, "", fmt.Errorf("%w: unknown permission %q", ErrInvalidKey, p)
		}
	}
	if len(perms) == 0 {
		perms = []string{PermAll}
	}
	missions := normalize(opts.MissionIDs)
	if len(missions) == 0 {
		missions = nil
	}
	raw, err := newRawKey()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	key := domain.APIKey{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Name:        strings.TrimSpace(opts.Name),
		KeyHash:     repo.HashAPIKey(raw),
		Permissions: perms,
		MissionIDs:  missions,
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	payload := events.EventPayload{"name": key.Name, "permissions": key.Permissions, "mission_ids": key.MissionIDs}
	if err := s.Events.Append(ctx, tx, EventAPIKeyCreated, "", events.EntityAPIKey, key.ID, actorID, payload); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// Authenticate resolves a raw API key and stamps its last use.
func (s Service) Authenticate(ctx context.Context, raw string) (domain.APIKey, error) {
	if strings.TrimSpace(raw) == "" {
		return domain.APIKey{}, errors.New("api key required")
	}
	key, err := s.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if err != nil {
		return domain.APIKey{}, err
	}
	if key.ActorID == "" {
		return domain.APIKey{}, errors.New("api key missing actor")
	}
	key.LastUsedAt = s.now().UTC().Format(time.RFC3339)
	// Best effort: a busy database must not turn into a 401.
	_ = s.Repo.TouchAPIKey(ctx, key.ID, key.LastUsedAt)
	return key, nil
}

// ListKeys returns keys filtered by owner and by the mission they can reach.
func (s Service) ListKeys(ctx context.Context, actorID, missionID string) ([]domain.APIKey, error) {
	return s.Repo.ListAPIKeys(ctx, actorID, missionID)
}

func (s Service) DeleteKey(ctx context.Context, id, actorID string) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, EventAPIKeyDeleted, "", events.EntityAPIKey, id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordDenied audits a key that was refused on missionID.
func (s Service) RecordDenied(ctx context.Context, keyID, actorID, missionID, perm string) error {
	return s.Events.Append(ctx, nil, EventAPIKeyDenied, missionID, events.EntityAPIKey, keyID, actorID, events.EventPayload{"permission": perm})
}

func newRawKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}
