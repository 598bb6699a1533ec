package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"orbita/internal/engine"
	"orbita/internal/engine/auth"
	"orbita/internal/forecast"
	"orbita/internal/platform/logger"
	"orbita/internal/repo"
	"orbita/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *logger.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"mission_not_found"`
	Message string         `json:"message" example:"mission not found: sat-1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"battery_level\"}"`
}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ORBITA API.
func New(cfg Config) (http.Handler, error) {
	basePath := strings.TrimRight(strings.TrimSpace(cfg.BasePath), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("component", "HTTP")

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the shared envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth, cfg.Engine.Auth))
	hcfg := huma.DefaultConfig("ORBITA API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	h := handlers{engine: cfg.Engine, auth: cfg.Auth, log: log}
	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerAnalyze(group, cfg.Engine)
	registerMissions(group, h)
	registerMissionControl(group, h)
	registerTelemetry(group, h)
	registerInsights(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerAPIKeys(group, h)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerStreams(router, basePath, h)
	router.Handle(joinPath(basePath, "metrics"), cfg.Engine.Metrics.Handler())
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	engine engine.Engine
	auth   AuthConfig
	log    *logger.Logger
}

func joinPath(basePath, p string) string {
	return path.Join("/", basePath, p)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var scope auth.ScopeError
	if errors.As(err, &scope) {
		return newAPIError(http.StatusForbidden, "out_of_scope", err.Error(), map[string]any{"mission_id": scope.MissionID})
	}
	var ve *session.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_sample", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	switch {
	case errors.Is(err, session.ErrInvalidSample):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_sample", err.Error(), nil)
	case errors.Is(err, session.ErrOutOfOrderSample):
		return newAPIError(http.StatusConflict, "out_of_order_sample", err.Error(), nil)
	case errors.Is(err, session.ErrMissionNotFound):
		return newAPIError(http.StatusNotFound, "mission_not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, session.ErrMissionStopped):
		return newAPIError(http.StatusConflict, "mission_stopped", err.Error(), nil)
	case errors.Is(err, session.ErrResourceExhausted):
		return newAPIError(http.StatusServiceUnavailable, "resource_exhausted", err.Error(), nil)
	case errors.Is(err, engine.ErrMissionExists):
		return newAPIError(http.StatusConflict, "mission_exists", err.Error(), nil)
	case errors.Is(err, forecast.ErrInvalidHorizon), errors.Is(err, auth.ErrInvalidKey):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_sample"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(joinPath(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(joinPath(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

// eachOperation calls fn for every operation in the document.
func eachOperation(oas *huma.OpenAPI, fn func(route string, op *huma.Operation)) {
	for route, item := range oas.Paths {
		ops := []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
		for _, op := range ops {
			if op != nil {
				fn(route, op)
			}
		}
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	errResp := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	eachOperation(oas, func(_ string, op *huma.Operation) {
		if op.Responses == nil {
			op.Responses = map[string]*huma.Response{}
		}
		op.Responses["default"] = errResp
	})
}

// publicRoutes never require credentials.
var publicRoutes = []string{"health", "ai/analyze", "auth/dev/login"}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	schemes := oas.Components.SecuritySchemes
	schemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	schemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}

	public := make(map[string]bool, len(publicRoutes))
	for _, p := range publicRoutes {
		public[joinPath(basePath, p)] = true
	}
	eachOperation(oas, func(route string, op *huma.Operation) {
		if public[route] {
			op.Security = []map[string][]string{}
			return
		}
		op.Security = []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	})
}

func swaggerHTML(basePath string) string {
	specURL := joinPath(basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>ORBITA API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <p style="margin: 1rem; font-family: sans-serif; color: #333;">
      Mission control, telemetry ingest and key management need a bearer token or X-Api-Key when auth is required.
      Live frames stream from <code>ws/{missionId}</code> and <code>mission/{missionId}/events</code>.
    </p>
    <div id="orbita-docs"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => SwaggerUIBundle({ url: '%s', dom_id: '#orbita-docs', deepLinking: true });
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"status":      "ok",
			"sessions":    len(e.Sessions.List()),
			"persistence": e.Persistent(),
		}}, nil
	})
}

func registerAnalyze(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze",
		Method:      http.MethodPost,
		Path:        "/ai/analyze",
		Summary:     "Classify one telemetry sample without a session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body TelemetryRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		res, err := e.Analyze(input.Body.sample())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(res.Decision)}, nil
	})
}

func registerMissions(api huma.API, h handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Register a mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if err := requireMissionPermission(ctx, h.auth, e.Auth, auth.PermMissionControl, input.Body.ID); err != nil {
			return nil, handleError(err)
		}
		view, err := e.CreateMission(ctx, engine.MissionCreateOptions{
			ID:             input.Body.ID,
			Name:           input.Body.Name,
			SatelliteType:  input.Body.SatelliteType,
			AltitudeKm:     input.Body.Altitude,
			InclinationDeg: input.Body.Inclination,
			StartTime:      input.Body.StartTime,
			ActorID:        actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []MissionResponse `json:"body"`
	}, error) {
		items, err := e.ListMissions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MissionResponse `json:"body"`
		}{Body: mapMissions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		view, err := e.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(view)}, nil
	})
}

func registerMissionControl(api huma.API, h handlers) {
	e := h.engine
	type missionPath struct {
		MissionID string `path:"mission_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "stop-mission",
		Method:      http.MethodPost,
		Path:        "/mission/{mission_id}/stop",
		Summary:     "Stop a mission; repeated calls succeed",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := requireMissionPermission(ctx, h.auth, e.Auth, auth.PermMissionControl, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		snap, err := e.Stop(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		h.log.Info("mission stopped", "mission_id", input.MissionID, "actor_id", actorIDFromContext(ctx))
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-mission",
		Method:      http.MethodPost,
		Path:        "/mission/{mission_id}/start",
		Summary:     "Reactivate a stopped mission",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := requireMissionPermission(ctx, h.auth, e.Auth, auth.PermMissionControl, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		snap, err := e.Start(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		h.log.Info("mission started", "mission_id", input.MissionID, "actor_id", actorIDFromContext(ctx))
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/mission/{mission_id}/session",
		Summary:     "Live session state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		snap, err := e.Snapshot(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(snap)}, nil
	})
}

func registerTelemetry(api huma.API, h handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "ingest-telemetry",
		Method:      http.MethodPost,
		Path:        "/mission/{mission_id}/telemetry",
		Summary:     "Ingest one telemetry sample",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string           `path:"mission_id"`
		Body      TelemetryRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		if err := requireMissionPermission(ctx, h.auth, e.Auth, auth.PermTelemetryWrite, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.Ingest(ctx, input.MissionID, input.Body.sample())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: IngestResponse{
			Accepted: res.Accepted,
			Status:   string(res.Status),
			Decision: decisionPtr(res.Decision),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-telemetry",
		Method:      http.MethodGet,
		Path:        "/mission/{mission_id}/telemetry",
		Summary:     "Recent telemetry, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body []TelemetryResponse `json:"body"`
	}, error) {
		items, err := e.Telemetry(ctx, input.MissionID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TelemetryResponse `json:"body"`
		}{Body: mapTelemetry(items)}, nil
	})
}

func registerInsights(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "forecast",
		Method:      http.MethodGet,
		Path:        "/mission/{mission_id}/forecast",
		Summary:     "Project battery level over the coming hours",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Hours     int    `query:"hours" doc:"Horizon in hours; defaults to the configured horizon"`
	}) (*struct {
		Body ForecastResponse `json:"body"`
	}, error) {
		series, err := e.Forecast(ctx, input.MissionID, input.Hours)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ForecastResponse `json:"body"`
		}{Body: forecastResponse(series)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report",
		Method:      http.MethodGet,
		Path:        "/mission/{mission_id}/report",
		Summary:     "Mission decision report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		rep, err := e.Report(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "mission-audit",
		Method:      http.MethodGet,
		Path:        "/mission/{mission_id}/audit",
		Summary:     "Lifecycle events for a mission, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Type      string `query:"type" enum:"mission.created,mission.stopped,mission.started,mission.expired,api_key.denied"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.AuditEvents(ctx, input.MissionID, input.Type, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAPIKeys(api huma.API, h handlers) {
	keys := h.engine.Auth
	requirePersistence := func() error {
		if keys.Repo.DB == nil {
			return newAPIError(http.StatusServiceUnavailable, "persistence_disabled", "api keys require persistence", nil)
		}
		return nil
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/auth/keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.auth, auth.PermKeysManage); err != nil {
			return nil, handleError(err)
		}
		if err := requirePersistence(); err != nil {
			return nil, err
		}
		actorID := strings.TrimSpace(input.Body.ActorID)
		if actorID == "" {
			actorID = actorIDFromContext(ctx)
		}
		opts := auth.KeyOptions{
			Name:        input.Body.Name,
			Permissions: input.Body.Permissions,
			MissionIDs:  input.Body.MissionIDs,
		}
		if p, ok := principalFromContext(ctx); ok && h.auth.RequireAuth {
			if err := auth.CanGrant(p.Permissions, p.Missions, opts); err != nil {
				return nil, handleError(err)
			}
		}
		key, raw, err := keys.CreateKey(ctx, actorID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = raw
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/auth/keys",
		Summary:     "List API keys",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ActorID   string `query:"actor_id"`
		MissionID string `query:"mission_id" doc:"Only keys that can reach this mission"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, h.auth, auth.PermKeysManage); err != nil {
			return nil, handleError(err)
		}
		if err := requirePersistence(); err != nil {
			return nil, err
		}
		items, err := keys.ListKeys(ctx, input.ActorID, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/auth/keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, h.auth, auth.PermKeysManage); err != nil {
			return nil, handleError(err)
		}
		if err := requirePersistence(); err != nil {
			return nil, err
		}
		if err := keys.DeleteKey(ctx, input.KeyID, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		perms := input.Body.Permissions
		if len(perms) == 0 {
			perms = []string{auth.PermMissionControl, auth.PermTelemetryWrite}
		}
		token, err := SignToken(authCfg.JWTSecret, actor, perms, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
