// Package server exposes a read-only HTTP API over the staging store: runs,
// their pipeline status, reconciled relationships, and the event log.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"codeweft/internal/domain"
	"codeweft/internal/engine"
	"codeweft/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	// APIKey, when set, is required as a Bearer token on every request.
	APIKey string
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"run not found"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Codeweft API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	router := chi.NewRouter()
	if cfg.APIKey != "" {
		router.Use(apiKeyMiddleware(cfg.APIKey))
	}
	hcfg := huma.DefaultConfig("Codeweft API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg.Engine)
	registerRelationships(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func apiKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != key {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"invalid api key"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleError(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return &apiError{status: http.StatusNotFound, Body: apiErrorBody{Code: "not_found", Message: err.Error()}}
	}
	return &apiError{status: http.StatusInternalServerError, Body: apiErrorBody{Code: "internal", Message: err.Error()}}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*runListResponse, error) {
		runs, err := e.Repo.ListRuns(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &runListResponse{Body: runListBody{Runs: runs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-status",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/status",
		Summary:     "Run pipeline status",
	}, func(ctx context.Context, input *runPath) (*runStatusResponse, error) {
		status, err := e.Status(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &runStatusResponse{Body: status}, nil
	})
}

func registerRelationships(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-relationships",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/relationships",
		Summary:     "Reconciled relationships of a run",
	}, func(ctx context.Context, input *struct {
		runPath
		Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"500"`
		Cursor string `query:"cursor"`
	}) (*relationshipListResponse, error) {
		if _, err := e.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		rels, err := e.Repo.ListRelationships(ctx, input.RunID, normalizeLimit(input.Limit), input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(rels) > 0 {
			next = rels[len(rels)-1].RelationshipID
		}
		return &relationshipListResponse{Body: relationshipListBody{Relationships: rels, NextCursor: next}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		RunID string `query:"run_id"`
		Type  string `query:"type"`
	}) (*eventListResponse, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.RunID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &eventListResponse{Body: eventListBody{Events: items}}, nil
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

type runPath struct {
	RunID string `path:"run_id"`
}

type runListBody struct {
	Runs []domain.Run `json:"runs"`
}

type runListResponse struct {
	Body runListBody
}

type runStatusResponse struct {
	Body engine.RunStatus
}

type relationshipListBody struct {
	Relationships []domain.Relationship `json:"relationships"`
	NextCursor    string                `json:"next_cursor,omitempty"`
}

type relationshipListResponse struct {
	Body relationshipListBody
}

type eventListBody struct {
	Events []domain.Event `json:"events"`
}

type eventListResponse struct {
	Body eventListBody
}
