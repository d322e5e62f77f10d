package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"intentline/internal/apperr"
	"intentline/internal/artifacts"
	"intentline/internal/domain"
	"intentline/internal/engine"
	"intentline/internal/index"
	"intentline/internal/pending"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    *engine.Engine
	Artifacts *artifacts.Registry
	Pending   *pending.Registry
	Index     *index.Index
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code        string         `json:"code" example:"NOT_FOUND"`
	Message     string         `json:"message" example:"artifact 42 not found"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Retryable   bool           `json:"retryable"`
	Remediation string         `json:"remediation,omitempty"`
	Details     map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the intent runtime.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil || cfg.Artifacts == nil || cfg.Pending == nil || cfg.Index == nil {
		return nil, fmt.Errorf("server requires engine, artifacts, pending and index")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"violations": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Intentline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	api.OpenAPI().Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	group := huma.NewGroup(api, basePath)

	h := handlers{cfg: cfg}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerIntents(group)
	h.registerExecutions(group)
	h.registerArtifacts(group)
	h.registerPending(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	cfg Config
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

func statusForCode(code apperr.Code) int {
	switch code {
	case apperr.CodeUnknownIntent, apperr.CodeMissingContext, apperr.CodeInvalidParameters:
		return http.StatusBadRequest
	case apperr.CodeForbiddenIntent, apperr.CodeUnauthorizedMutation:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidTransition, apperr.CodeInvalidLineage, apperr.CodeAlreadyInProgress:
		return http.StatusConflict
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	ae, ok := apperr.AsError(err)
	if !ok {
		return newAPIError(http.StatusInternalServerError, string(apperr.CodeInternal), "internal error", map[string]any{"error": err.Error()})
	}
	return &apiError{
		status: statusForCode(ae.Code),
		Body: apiErrorBody{
			Code:        string(ae.Code),
			Message:     ae.Message,
			ExecutionID: ae.ExecutionID,
			Retryable:   ae.Retryable,
			Remediation: ae.Remediation,
			Details:     ae.Details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return string(apperr.CodeInvalidParameters)
	case http.StatusNotFound:
		return string(apperr.CodeNotFound)
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusTooManyRequests:
		return string(apperr.CodeRateLimited)
	case http.StatusInternalServerError:
		return string(apperr.CodeInternal)
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusInternalServerError,
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
		Name: apiKeyHeader,
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Intentline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or %s when tenant binding is enabled.
    </p>
  </body>
</html>`, specURL, apiKeyHeader)
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

func (h handlers) registerIntents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-intent",
		Method:        http.MethodPost,
		Path:          "/intents",
		Summary:       "Submit an intent for execution",
		DefaultStatus: http.StatusAccepted,
		Errors: append([]int{
			http.StatusForbidden,
			http.StatusTooManyRequests,
		}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		Body SubmitIntentRequest `json:"body"`
	}) (*struct {
		Body SubmitIntentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		tenantID, err := tenantFor(ctx, input.Body.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		intent := domain.Intent{
			IntentType: input.Body.IntentType,
			TenantID:   tenantID,
			SessionID:  input.Body.SessionID,
			Parameters: input.Body.Parameters,
			Metadata:   input.Body.Metadata,
		}
		if p, ok := principalFromContext(ctx); ok && p.Role != "" {
			meta := make(map[string]any, len(intent.Metadata)+1)
			for k, v := range intent.Metadata {
				meta[k] = v
			}
			meta["agent_role"] = p.Role
			intent.Metadata = meta
		}
		sub, err := h.cfg.Engine.Submit(ctx, intent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitIntentResponse `json:"body"`
		}{Body: SubmitIntentResponse{
			ExecutionID:  sub.ExecutionID,
			Status:       sub.Status,
			Deduplicated: sub.Deduplicated,
		}}, nil
	})
}

// ownedStatus loads an execution and hides it from other tenants.
func (h handlers) ownedStatus(ctx context.Context, id string) (engine.Status, error) {
	st, err := h.cfg.Engine.GetStatus(ctx, id)
	if err != nil {
		return engine.Status{}, err
	}
	if !tenantAllowed(ctx, st.TenantID) {
		return engine.Status{}, apperr.NotFound("execution", id).WithExecution(id)
	}
	return st, nil
}

func (h handlers) registerExecutions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Execution status",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body engine.Status `json:"body"`
	}, error) {
		st, err := h.ownedStatus(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Status `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions of a tenant",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
		Status   string `query:"status" doc:"pending, running, completed, failed or cancelled"`
		Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body ExecutionListResponse `json:"body"`
	}, error) {
		tenantID, err := tenantFor(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		status := domain.ExecutionStatus(input.Status)
		switch status {
		case "", domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionCompleted, domain.ExecutionFailed, domain.ExecutionCancelled:
		default:
			return nil, handleError(apperr.New(apperr.CodeInvalidParameters, "unknown execution status %q", input.Status))
		}
		items, err := h.cfg.Engine.List(ctx, tenantID, status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Execution{}
		}
		return &struct {
			Body ExecutionListResponse `json:"body"`
		}{Body: ExecutionListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/cancel",
		Summary:     "Cancel a pending or running execution",
		Errors:      append([]int{http.StatusConflict}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body engine.Status `json:"body"`
	}, error) {
		if _, err := h.ownedStatus(ctx, input.ExecutionID); err != nil {
			return nil, handleError(err)
		}
		if _, err := h.cfg.Engine.Cancel(ctx, input.ExecutionID); err != nil {
			return nil, handleError(err)
		}
		st, err := h.cfg.Engine.GetStatus(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Status `json:"body"`
		}{Body: st}, nil
	})
}

func (h handlers) registerArtifacts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodPost,
		Path:        "/artifacts/list",
		Summary:     "Discover artifacts through the index",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body ListArtifactsRequest `json:"body"`
	}) (*struct {
		Body ArtifactListResponse `json:"body"`
	}, error) {
		tenantID, err := tenantFor(ctx, input.Body.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		page, err := h.cfg.Index.List(ctx, index.Query{
			TenantID:       tenantID,
			ArtifactType:   input.Body.ArtifactType,
			LifecycleState: domain.LifecycleState(input.Body.LifecycleState),
			EligibleFor:    input.Body.EligibleFor,
			Limit:          input.Body.Limit,
			Offset:         input.Body.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactListResponse `json:"body"`
		}{Body: ArtifactListResponse{Artifacts: page.Items, Total: page.Total, Limit: page.Limit, Offset: page.Offset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-artifact",
		Method:      http.MethodPost,
		Path:        "/artifacts/resolve",
		Summary:     "Resolve an artifact by id",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body ArtifactRefRequest `json:"body"`
	}) (*struct {
		Body ResolveArtifactResponse `json:"body"`
	}, error) {
		tenantID, err := tenantFor(ctx, input.Body.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID == "" {
			return nil, handleError(apperr.New(apperr.CodeMissingContext, "tenant_id is required"))
		}
		a, err := h.cfg.Artifacts.Resolve(ctx, tenantID, input.Body.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.ArtifactType != "" && input.Body.ArtifactType != a.ArtifactType {
			return nil, handleError(apperr.NotFound("artifact", input.Body.ArtifactID))
		}
		return &struct {
			Body ResolveArtifactResponse `json:"body"`
		}{Body: ResolveArtifactResponse{Artifact: a}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "artifact-lineage",
		Method:      http.MethodPost,
		Path:        "/artifacts/lineage",
		Summary:     "Ancestors and lifecycle history of an artifact",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body ArtifactRefRequest `json:"body"`
	}) (*struct {
		Body LineageResponse `json:"body"`
	}, error) {
		tenantID, err := tenantFor(ctx, input.Body.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID == "" {
			return nil, handleError(apperr.New(apperr.CodeMissingContext, "tenant_id is required"))
		}
		ancestors, err := h.cfg.Artifacts.Ancestors(ctx, tenantID, input.Body.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		history, err := h.cfg.Artifacts.Transitions(ctx, tenantID, input.Body.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := LineageResponse{
			ArtifactID:  input.Body.ArtifactID,
			Ancestors:   ancestors,
			Transitions: history,
		}
		if resp.Ancestors == nil {
			resp.Ancestors = []domain.Artifact{}
		}
		if resp.Transitions == nil {
			resp.Transitions = []domain.LifecycleTransition{}
		}
		return &struct {
			Body LineageResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerPending(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pending-intent",
		Method:        http.MethodPost,
		Path:          "/pending-intents",
		Summary:       "Stage an intent against an artifact",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePendingIntentRequest `json:"body"`
	}) (*struct {
		Body domain.PendingIntent `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		tenantID, err := tenantFor(ctx, input.Body.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := h.cfg.Pending.Create(ctx, pending.CreateInput{
			IntentType:       input.Body.IntentType,
			TargetArtifactID: input.Body.TargetArtifactID,
			TenantID:         tenantID,
			SessionID:        input.Body.SessionID,
			UserID:           input.Body.UserID,
			Context:          input.Body.Context,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PendingIntent `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-intents",
		Method:      http.MethodPost,
		Path:        "/pending-intents/list",
		Summary:     "List staged intents",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body ListPendingIntentsRequest `json:"body"`
	}) (*struct {
		Body PendingIntentListResponse `json:"body"`
	}, error) {
		tenantID, err := tenantFor(ctx, input.Body.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		statuses := make([]domain.PendingStatus, 0, len(input.Body.Statuses))
		for _, s := range input.Body.Statuses {
			st, err := pending.ParseStatus(s)
			if err != nil {
				return nil, handleError(err)
			}
			statuses = append(statuses, st)
		}
		items, total, err := h.cfg.Pending.List(ctx, pending.Filter{
			TenantID:         tenantID,
			IntentType:       input.Body.IntentType,
			TargetArtifactID: input.Body.TargetArtifactID,
			Statuses:         statuses,
			Limit:            input.Body.Limit,
			Offset:           input.Body.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.PendingIntent{}
		}
		return &struct {
			Body PendingIntentListResponse `json:"body"`
		}{Body: PendingIntentListResponse{Intents: items, Total: total}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if v := ctx.Value(bodyBytesKey{}); v != nil {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}
