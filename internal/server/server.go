// Package server exposes the CodeForge core over HTTP.
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"codeforge/internal/domain"
	"codeforge/internal/engine"
	"codeforge/internal/ingest"
	"codeforge/internal/repo"
	"codeforge/internal/secrets"
)

// Ingester is the part of the pipeline the API drives.
type Ingester interface {
	IngestRepository(ctx context.Context, repoID, actorID string, refresh bool) (domain.Repository, error)
	IngestCodebase(ctx context.Context, codebaseID, actorID string, refresh bool) ([]ingest.RepoResult, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Ingester Ingester
	Cleanup  func(repoID string) error
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_conflict"`
	Message string         `json:"message" example:"cannot approve transformation in status draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CodeForge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("CodeForge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCodebases(group, cfg)
	registerRepositories(group, cfg)
	registerTransformations(group, cfg.Engine)
	registerAnalyses(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
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

// handleError maps the engine's error taxonomy onto the wire: missing
// entities are 404, guard violations are 409 with the current status in
// details, validation failures are 400.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var sc *engine.StateConflictError
	if errors.As(err, &sc) {
		return newAPIError(http.StatusConflict, "state_conflict", err.Error(), map[string]any{"status": string(sc.Status)})
	}
	var ic *ingest.ConflictError
	if errors.As(err, &ic) {
		return newAPIError(http.StatusConflict, "state_conflict", err.Error(), map[string]any{"status": string(ic.Status)})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "out of range") || strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "state_conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	oas.Security = []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CodeForge API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

func registerCodebases(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-codebase",
		Method:        http.MethodPost,
		Path:          "/codebases",
		Summary:       "Create codebase",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateCodebaseRequest `json:"body"`
	}) (*struct {
		Body domain.Codebase `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tenantID := input.Body.TenantID
		if tenantID == "" {
			if p, ok := principalFromContext(ctx); ok {
				tenantID = p.TenantID
			}
		}
		opts := engine.CodebaseCreateOptions{
			TenantID:    tenantID,
			Name:        input.Body.Name,
			Description: stringOrEmpty(input.Body.Description),
			ActorID:     actorID,
		}
		if input.Body.Settings != nil {
			opts.Settings = *input.Body.Settings
		}
		c, err := e.CreateCodebase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Codebase `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-codebases",
		Method:      http.MethodGet,
		Path:        "/codebases",
		Summary:     "List codebases",
	}, func(ctx context.Context, input *struct {
		TenantID        string `query:"tenant_id"`
		Status          string `query:"status"`
		Limit           int    `query:"limit"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []domain.Codebase `json:"body"`
	}, error) {
		items, err := e.Repo.ListCodebases(ctx, repo.CodebaseFilters{
			TenantID:        input.TenantID,
			Status:          input.Status,
			Limit:           input.Limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Codebase `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-codebase",
		Method:      http.MethodGet,
		Path:        "/codebases/{codebase_id}",
		Summary:     "Get codebase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CodebaseID string `path:"codebase_id"`
	}) (*struct {
		Body domain.Codebase `json:"body"`
	}, error) {
		c, err := e.Repo.GetCodebase(ctx, input.CodebaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Codebase `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-codebase",
		Method:      http.MethodPatch,
		Path:        "/codebases/{codebase_id}",
		Summary:     "Update codebase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CodebaseID string                `path:"codebase_id"`
		Body       UpdateCodebaseRequest `json:"body"`
	}) (*struct {
		Body domain.Codebase `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateCodebase(ctx, engine.CodebaseUpdateOptions{
			ID:          input.CodebaseID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Settings:    input.Body.Settings,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Codebase `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-codebase",
		Method:      http.MethodDelete,
		Path:        "/codebases/{codebase_id}",
		Summary:     "Delete codebase and everything under it",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CodebaseID string `path:"codebase_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		removed, err := e.DeleteCodebase(ctx, input.CodebaseID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if cfg.Cleanup != nil {
			for _, repoID := range removed {
				_ = cfg.Cleanup(repoID)
			}
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-codebase",
		Method:        http.MethodPost,
		Path:          "/codebases/{codebase_id}/ingest",
		Summary:       "Ingest every repository of a codebase",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CodebaseID string `path:"codebase_id"`
		Refresh    bool   `query:"refresh"`
		Wait       bool   `query:"wait" doc:"Block until every repository finished"`
	}) (*struct {
		Body CodebaseIngestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetCodebase(ctx, input.CodebaseID); err != nil {
			return nil, handleError(err)
		}
		if !input.Wait {
			go func() {
				_, _ = cfg.Ingester.IngestCodebase(context.Background(), input.CodebaseID, actorID, input.Refresh)
			}()
			return &struct {
				Body CodebaseIngestResponse `json:"body"`
			}{}, nil
		}
		results, err := cfg.Ingester.IngestCodebase(ctx, input.CodebaseID, actorID, input.Refresh)
		if err != nil {
			return nil, handleError(err)
		}
		out := CodebaseIngestResponse{}
		for _, r := range results {
			item := RepoIngestResult{RepoID: r.RepoID}
			if r.Err != nil {
				item.Error = r.Err.Error()
			} else {
				rp := r.Repository
				item.Repository = &rp
			}
			out.Results = append(out.Results, item)
		}
		return &struct {
			Body CodebaseIngestResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-findings",
		Method:      http.MethodGet,
		Path:        "/codebases/{codebase_id}/findings",
		Summary:     "List findings",
	}, func(ctx context.Context, input *struct {
		CodebaseID string `path:"codebase_id"`
		AnalysisID string `query:"analysis_id"`
		Severity   string `query:"severity"`
		Category   string `query:"category"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Finding `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCodebase(ctx, input.CodebaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListFindings(ctx, repo.FindingFilters{
			CodebaseID: input.CodebaseID,
			AnalysisID: input.AnalysisID,
			Severity:   input.Severity,
			Category:   input.Category,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Finding `json:"body"`
		}{Body: items}, nil
	})
}

func registerRepositories(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "add-repository",
		Method:        http.MethodPost,
		Path:          "/codebases/{codebase_id}/repositories",
		Summary:       "Connect a repository",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CodebaseID string                  `path:"codebase_id"`
		Body       CreateRepositoryRequest `json:"body"`
	}) (*struct {
		Body domain.Repository `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RepositoryCreateOptions{
			CodebaseID: input.CodebaseID,
			Provider:   domain.Provider(input.Body.Provider),
			URL:        input.Body.URL,
			Branch:     stringOrEmpty(input.Body.Branch),
			ActorID:    actorID,
		}
		if input.Body.Credential != nil && *input.Body.Credential != "" {
			opts.CredentialRef = secrets.Encode(*input.Body.Credential)
		}
		rp, err := e.AddRepository(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Repository `json:"body"`
		}{Body: rp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-repositories",
		Method:      http.MethodGet,
		Path:        "/codebases/{codebase_id}/repositories",
		Summary:     "List repositories",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CodebaseID string `path:"codebase_id"`
	}) (*struct {
		Body []domain.Repository `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCodebase(ctx, input.CodebaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRepositories(ctx, input.CodebaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Repository `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-repository",
		Method:      http.MethodGet,
		Path:        "/repositories/{repo_id}",
		Summary:     "Get repository",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepoID string `path:"repo_id"`
	}) (*struct {
		Body domain.Repository `json:"body"`
	}, error) {
		rp, err := e.Repo.GetRepository(ctx, input.RepoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Repository `json:"body"`
		}{Body: rp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-repository",
		Method:      http.MethodDelete,
		Path:        "/repositories/{repo_id}",
		Summary:     "Disconnect repository",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepoID string `path:"repo_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveRepository(ctx, input.RepoID, actorID); err != nil {
			return nil, handleError(err)
		}
		if cfg.Cleanup != nil {
			_ = cfg.Cleanup(input.RepoID)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-repository",
		Method:        http.MethodPost,
		Path:          "/repositories/{repo_id}/ingest",
		Summary:       "Run one clone+scan cycle",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RepoID  string `path:"repo_id"`
		Refresh bool   `query:"refresh" doc:"Pull instead of re-cloning when a working copy exists"`
		Wait    bool   `query:"wait" doc:"Block until the cycle finished"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Wait {
			rp, err := cfg.Ingester.IngestRepository(ctx, input.RepoID, actorID, input.Refresh)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body IngestResponse `json:"body"`
			}{Body: IngestResponse{Repository: rp, Accepted: true}}, nil
		}
		rp, err := e.Repo.GetRepository(ctx, input.RepoID)
		if err != nil {
			return nil, handleError(err)
		}
		go func() {
			_, _ = cfg.Ingester.IngestRepository(context.Background(), input.RepoID, actorID, input.Refresh)
		}()
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: IngestResponse{Repository: rp, Accepted: true}}, nil
	})
}

func registerTransformations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-transformation",
		Method:        http.MethodPost,
		Path:          "/codebases/{codebase_id}/transformations",
		Summary:       "Create transformation draft",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CodebaseID string                      `path:"codebase_id"`
		Body       CreateTransformationRequest `json:"body"`
	}) (*struct {
		Body domain.Transformation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TransformationCreateOptions{
			CodebaseID:  input.CodebaseID,
			Name:        input.Body.Name,
			Description: stringOrEmpty(input.Body.Description),
			Type:        domain.TransformationType(input.Body.Type),
			Plan:        input.Body.Plan,
			ActorID:     actorID,
		}
		if input.Body.Oversight != nil {
			opts.Oversight = domain.OversightLevel(*input.Body.Oversight)
		}
		if input.Body.Scope != nil {
			opts.Scope = *input.Body.Scope
		}
		t, err := e.CreateTransformation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transformation `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transformations",
		Method:      http.MethodGet,
		Path:        "/codebases/{codebase_id}/transformations",
		Summary:     "List transformations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CodebaseID      string `path:"codebase_id"`
		Status          string `query:"status"`
		Type            string `query:"type"`
		Limit           int    `query:"limit"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []domain.Transformation `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCodebase(ctx, input.CodebaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTransformations(ctx, repo.TransformationFilters{
			CodebaseID:      input.CodebaseID,
			Status:          input.Status,
			Type:            input.Type,
			Limit:           input.Limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Transformation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transformation",
		Method:      http.MethodGet,
		Path:        "/transformations/{transformation_id}",
		Summary:     "Get transformation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransformationID string `path:"transformation_id"`
	}) (*struct {
		Body domain.Transformation `json:"body"`
	}, error) {
		t, err := e.GetTransformation(ctx, input.TransformationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transformation `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-transformation",
		Method:      http.MethodDelete,
		Path:        "/transformations/{transformation_id}",
		Summary:     "Delete transformation (administrative override)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransformationID string `path:"transformation_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTransformation(ctx, input.TransformationID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	type workflowOp struct {
		id      string
		path    string
		summary string
		run     func(ctx context.Context, id, actorID string) (domain.Transformation, error)
	}
	simpleOps := []workflowOp{
		{"submit-transformation", "submit", "Submit draft for approval", e.Submit},
		{"queue-transformation", "queue", "Queue approved (or autonomous) transformation", e.Queue},
		{"start-transformation", "start", "Start execution", e.Start},
		{"pause-transformation", "pause", "Pause execution", e.Pause},
		{"resume-transformation", "resume", "Resume paused execution", e.Resume},
		{"cancel-transformation", "cancel", "Cancel transformation", e.Cancel},
		{"rollback-transformation", "rollback", "Roll back a completed transformation", e.Rollback},
	}
	for _, op := range simpleOps {
		run := op.run
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/transformations/{transformation_id}/" + op.path,
			Summary:     op.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			TransformationID string `path:"transformation_id"`
		}) (*struct {
			Body domain.Transformation `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := run(ctx, input.TransformationID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Transformation `json:"body"`
			}{Body: t}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-transformation",
		Method:      http.MethodPost,
		Path:        "/transformations/{transformation_id}/approve",
		Summary:     "Approve transformation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TransformationID string          `path:"transformation_id"`
		Body             ApprovalRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Transformation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Approve(ctx, input.TransformationID, actorID, stringOrEmpty(input.Body.Comment))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transformation `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-transformation",
		Method:      http.MethodPost,
		Path:        "/transformations/{transformation_id}/reject",
		Summary:     "Reject transformation back to draft",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TransformationID string           `path:"transformation_id"`
		Body             RejectionRequest `json:"body"`
	}) (*struct {
		Body domain.Transformation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Reject(ctx, input.TransformationID, actorID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transformation `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-transformation-progress",
		Method:      http.MethodPost,
		Path:        "/transformations/{transformation_id}/progress",
		Summary:     "Report execution progress",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TransformationID string          `path:"transformation_id"`
		Body             ProgressRequest `json:"body"`
	}) (*struct {
		Body domain.Transformation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateProgress(ctx, input.TransformationID, actorID, input.Body.Progress, stringOrEmpty(input.Body.Step))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transformation `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-transformation",
		Method:      http.MethodPost,
		Path:        "/transformations/{transformation_id}/complete",
		Summary:     "Complete execution with its output",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TransformationID string          `path:"transformation_id"`
		Body             CompleteRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Transformation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CompleteOptions{
			BackupRef:    stringOrEmpty(input.Body.BackupRef),
			FilesChanged: input.Body.FilesChanged,
			LinesChanged: input.Body.LinesChanged,
			TestsRun:     input.Body.TestsRun,
			TestsPassed:  input.Body.TestsPassed,
		}
		if input.Body.Output != nil {
			opts.Output = *input.Body.Output
		}
		t, err := e.Complete(ctx, input.TransformationID, actorID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transformation `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-transformation",
		Method:      http.MethodPost,
		Path:        "/transformations/{transformation_id}/fail",
		Summary:     "Record a failed execution",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TransformationID string      `path:"transformation_id"`
		Body             FailRequest `json:"body"`
	}) (*struct {
		Body domain.Transformation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Fail(ctx, input.TransformationID, actorID, input.Body.Error)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transformation `json:"body"`
		}{Body: t}, nil
	})
}

func registerAnalyses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-analysis",
		Method:        http.MethodPost,
		Path:          "/codebases/{codebase_id}/analyses",
		Summary:       "Register an analysis run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CodebaseID string                `path:"codebase_id"`
		Body       CreateAnalysisRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Analysis `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAnalysis(ctx, engine.AnalysisCreateOptions{
			CodebaseID: input.CodebaseID,
			Depth:      stringOrEmpty(input.Body.Depth),
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Analysis `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-analyses",
		Method:      http.MethodGet,
		Path:        "/codebases/{codebase_id}/analyses",
		Summary:     "List analyses",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CodebaseID string `path:"codebase_id"`
	}) (*struct {
		Body []domain.Analysis `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCodebase(ctx, input.CodebaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAnalyses(ctx, input.CodebaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Analysis `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-finding",
		Method:        http.MethodPost,
		Path:          "/codebases/{codebase_id}/findings",
		Summary:       "Record a finding from the analysis collaborator",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CodebaseID string               `path:"codebase_id"`
		Body       CreateFindingRequest `json:"body"`
	}) (*struct {
		Body domain.Finding `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.RecordFinding(ctx, domain.Finding{
			AnalysisID:   input.Body.AnalysisID,
			CodebaseID:   input.CodebaseID,
			Severity:     input.Body.Severity,
			Category:     stringOrEmpty(input.Body.Category),
			FilePath:     input.Body.FilePath,
			StartLine:    input.Body.StartLine,
			EndLine:      input.Body.EndLine,
			Title:        input.Body.Title,
			SuggestedFix: stringOrEmpty(input.Body.SuggestedFix),
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Finding `json:"body"`
		}{Body: f}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List journal events, newest first",
	}, func(ctx context.Context, input *struct {
		CodebaseID string `query:"codebase_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor" doc:"Return events with IDs below this value"`
		After      int64  `query:"after" doc:"Return events with IDs above this value, oldest first (forward polling)"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, limit, input.After, input.CodebaseID)
		} else {
			items, err = e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.CodebaseID, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rawKey, key, err := repo.NewAPIKey(input.Body.ActorID, stringOrEmpty(input.Body.Name))
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: rawKey}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
