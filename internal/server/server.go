package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"

	"capline/internal/catalog"
	"capline/internal/domain"
	"capline/internal/engine"
	"capline/internal/executor"
	"capline/internal/logstore"
	"capline/internal/repo"
)

type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"preflight_failed"`
	Message string         `json:"message" example:"preflight failed for clear-user-caches"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"failures\":[\"required path ~/Library/Caches does not exist\"]}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// ApiError is the documented shape of every error response.
type ApiError struct {
	Error apiErrorBody `json:"error"`
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Catalog == nil || cfg.Engine.Logs == nil {
		return nil, errors.New("server requires an engine with a catalog and a log store")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("capline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerCapabilities(group, cfg.Engine)
	registerExecution(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
		})
	}
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
	var pe *engine.PreflightError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusUnprocessableEntity, "preflight_failed", err.Error(), map[string]any{
			"failures":    pe.Result.Failures,
			"remediation": pe.Result.Remediation,
			"permissions": pe.Result.Permissions,
		})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrNotAllowed):
		return newAPIError(http.StatusNotFound, "capability_not_allowed", msg, nil)
	case errors.Is(err, engine.ErrDryRunUnsupported):
		return newAPIError(http.StatusBadRequest, "dry_run_unsupported", msg, nil)
	case errors.Is(err, executor.ErrBusy):
		return newAPIError(http.StatusConflict, "executor_busy", msg, nil)
	case errors.Is(err, executor.ErrUnknownMode):
		return newAPIError(http.StatusUnprocessableEntity, "unsupported_mode", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, catalog.ErrNotLoaded):
		return newAPIError(http.StatusServiceUnavailable, "catalog_unavailable", msg, nil)
	case errors.Is(err, logstore.ErrSave):
		return newAPIError(http.StatusInternalServerError, "record_not_saved", msg, nil)
	case errors.Is(err, logstore.ErrExport):
		return newAPIError(http.StatusInternalServerError, "export_failed", msg, nil)
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
		return "conflict"
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
	var errSchema *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(ApiError{}), true, "")
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
					"application/json": {Schema: errSchema},
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
	security := []map[string][]string{{"bearerAuth": {}}}
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
    <title>capline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; when the server has a JWT secret.
    </p>
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
		Body map[string]string `json:"body"`
	}, error) {
		catalogState := "loaded"
		if !e.Catalog.Loaded() {
			catalogState = "unavailable"
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok", "catalog": catalogState}}, nil
	})
}

func registerCapabilities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-capabilities",
		Method:      http.MethodGet,
		Path:        "/capabilities",
		Summary:     "List catalog capabilities",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Category string `query:"category" enum:"diagnostics,cleanup,browser-control,system,maintenance,privacy"`
		Risk     string `query:"risk" enum:"safe,moderate,destructive"`
		Mode     string `query:"mode" enum:"process,privileged,automation"`
	}) (*struct {
		Body []domain.Capability `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionRead); err != nil {
			return nil, err
		}
		if !e.Catalog.Loaded() {
			return nil, catalogUnavailable(e)
		}
		items := e.Catalog.All()
		items = lo.Filter(items, func(c domain.Capability, _ int) bool {
			return (input.Category == "" || string(c.Category) == input.Category) &&
				(input.Risk == "" || string(c.RiskClass) == input.Risk) &&
				(input.Mode == "" || string(c.ExecutionMode) == input.Mode)
		})
		return &struct {
			Body []domain.Capability `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-capability",
		Method:      http.MethodGet,
		Path:        "/capabilities/{id}",
		Summary:     "Get one capability",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Capability `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionRead); err != nil {
			return nil, err
		}
		c, ok := e.Catalog.Capability(input.ID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "capability_not_allowed", "unknown capability "+input.ID, map[string]any{"id": input.ID})
		}
		return &struct {
			Body domain.Capability `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "catalog-issues",
		Method:      http.MethodGet,
		Path:        "/catalog/issues",
		Summary:     "Catalog load state and validation issues",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogIssuesResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionRead); err != nil {
			return nil, err
		}
		resp := CatalogIssuesResponse{Loaded: e.Catalog.Loaded(), Issues: e.Catalog.Issues()}
		if resp.Issues == nil {
			resp.Issues = []catalog.Issue{}
		}
		if err := e.Catalog.LoadError(); err != nil {
			resp.LoadError = err.Error()
		}
		if cat, err := e.Catalog.Catalog(); err == nil {
			resp.Version = cat.Version
		}
		return &struct {
			Body CatalogIssuesResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func catalogUnavailable(e engine.Engine) huma.StatusError {
	details := map[string]any{}
	if err := e.Catalog.LoadError(); err != nil {
		details["load_error"] = err.Error()
	}
	return newAPIError(http.StatusServiceUnavailable, "catalog_unavailable", "catalog is not loaded", details)
}

func registerExecution(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-capability",
		Method:      http.MethodPost,
		Path:        "/capabilities/{id}/check",
		Summary:     "Run preflight for a capability without executing it",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.PreflightResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionRead); err != nil {
			return nil, err
		}
		res, err := e.Check(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PreflightResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-capability",
		Method:      http.MethodPost,
		Path:        "/capabilities/{id}/run",
		Summary:     "Execute a capability and record the run",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body RunRequest `json:"body"`
	}) (*struct {
		Body domain.ExecutionResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionRun); err != nil {
			return nil, err
		}
		res, err := e.Run(ctx, engine.RunOptions{
			CapabilityID: input.ID,
			Arguments:    input.Body.Arguments,
			Timeout:      time.Duration(input.Body.TimeoutSeconds) * time.Second,
			DryRun:       input.Body.DryRun,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List run records, most recent first",
	}, func(ctx context.Context, input *struct {
		CapabilityID string `query:"capability_id"`
		Status       string `query:"status" doc:"comma-separated statuses"`
		Limit        int    `query:"limit" default:"50"`
		Offset       int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body RecordPage `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionRead); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		filters := repo.RunFilters{CapabilityID: input.CapabilityID, Limit: limit + 1, Offset: input.Offset}
		statuses, apiErr := parseStatuses(input.Status)
		if apiErr != nil {
			return nil, apiErr
		}
		filters.Statuses = statuses
		items, err := e.Logs.Query(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordPage `json:"body"`
		}{Body: recordPage(items, limit, input.Offset)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recent-records",
		Method:      http.MethodGet,
		Path:        "/records/recent",
		Summary:     "Run records from the last hours",
	}, func(ctx context.Context, input *struct {
		Hours int `query:"hours" default:"24" minimum:"1"`
	}) (*struct {
		Body []domain.RunRecord `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionRead); err != nil {
			return nil, err
		}
		items, err := e.Logs.FetchRecent(ctx, input.Hours)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.RunRecord{}
		}
		return &struct {
			Body []domain.RunRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "last-error-record",
		Method:      http.MethodGet,
		Path:        "/records/last-error",
		Summary:     "Most recent failed or timed-out run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.RunRecord `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionRead); err != nil {
			return nil, err
		}
		rec, err := e.Logs.LastError(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if rec == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no failed runs recorded", nil)
		}
		return &struct {
			Body domain.RunRecord `json:"body"`
		}{Body: *rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-records",
		Method:      http.MethodGet,
		Path:        "/records/verify",
		Summary:     "Verify the run record hash chain",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionRead); err != nil {
			return nil, err
		}
		report, err := e.Logs.Verify(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: verifyResponse(report)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-records",
		Method:      http.MethodPost,
		Path:        "/records/export",
		Summary:     "Export run records to a JSON file in the server's export directory",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ExportRequest `json:"body"`
	}) (*struct {
		Body ExportResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionExport); err != nil {
			return nil, err
		}
		from, err := parseBound("from", input.Body.From)
		if err != nil {
			return nil, err
		}
		to, err := parseBound("to", input.Body.To)
		if err != nil {
			return nil, err
		}
		dest, exportErr := e.Logs.Export(ctx, from, to, "")
		if exportErr != nil {
			return nil, handleError(exportErr)
		}
		return &struct {
			Body ExportResponse `json:"body"`
		}{Body: ExportResponse{Path: dest}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{id}",
		Summary:     "Get one run record with its full output",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RecordDetailResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionRead); err != nil {
			return nil, err
		}
		rec, err := e.Logs.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		stdout, stderr, err := e.Logs.ReadOutput(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordDetailResponse `json:"body"`
		}{Body: RecordDetailResponse{Record: rec, Stdout: stdout, Stderr: stderr}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseStatuses(raw string) ([]domain.RunStatus, huma.StatusError) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []domain.RunStatus
	for _, part := range strings.Split(raw, ",") {
		s := domain.RunStatus(strings.TrimSpace(part))
		switch s {
		case domain.StatusSuccess, domain.StatusPartialSuccess, domain.StatusFailed, domain.StatusCancelled, domain.StatusTimeout:
			out = append(out, s)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status "+string(s), map[string]any{"status": string(s)})
		}
	}
	return out, nil
}

func parseBound(name, raw string) (time.Time, huma.StatusError) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+name+" timestamp", map[string]any{name: raw})
	}
	return t, nil
}
