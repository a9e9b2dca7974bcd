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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"hellafresh/internal/domain"
	"hellafresh/internal/engine"
	"hellafresh/internal/repo"
)

const apiVersion = "1.0.0"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger

	// CORSOrigins are the browser origins allowed to call the API. Empty
	// disables CORS handling.
	CORSOrigins []string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_finalized"`
	Message string         `json:"message" example:"word is no longer under review"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"word_id\":\"3f0c...\"}"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the HellaFresh review API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimRight(basePath, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = engine.ResolveLogger(cfg.Engine.Logger)
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		router.Use(newCORSMiddleware(cfg.CORSOrigins))
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("HellaFresh API", apiVersion)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, logger: logger}
	registerDocs(router, basePath)
	h.registerRoot(api, basePath)
	h.registerHealth(group)
	h.registerStatus(group)
	h.registerWords(group)
	h.registerVotes(group)
	h.registerReview(group)
	h.registerMint(group)
	h.registerEvents(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	engine engine.Engine
	logger *slog.Logger
}

func newCORSMiddleware(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	})
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

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyFinalized):
		return newAPIError(http.StatusConflict, "already_finalized", err.Error(), nil)
	case errors.Is(err, engine.ErrNotApproved):
		return newAPIError(http.StatusConflict, "not_approved", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	h.logger.Error("api request failed",
		"event", "api_request_failed",
		"module", "api",
		"layer", "transport",
		"error", err.Error(),
	)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
		return "validation_failed"
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
			applyAuthSecurity(oas)
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

// applyAuthSecurity documents reviewer identity on the write operations; reads
// are public.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	oas.Components.SecuritySchemes["reviewerHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: ReviewerHeader,
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"reviewerHeader": {}},
	}
	for _, item := range oas.Paths {
		if item.Post != nil {
			item.Post.Security = security
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
    <title>HellaFresh API Docs</title>
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
      Vote with Authorization: Bearer &lt;token&gt;, or X-Reviewer-Id when running without a JWT secret.
    </p>
  </body>
</html>`, specURL)
}

// registerRoot serves the unversioned welcome document at "/".
func (h handlers) registerRoot(api huma.API, basePath string) {
	huma.Register(api, huma.Operation{
		OperationID: "root",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "API welcome",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RootResponse `json:"body"`
	}, error) {
		return &struct {
			Body RootResponse `json:"body"`
		}{Body: RootResponse{
			Message:  "Welcome to HellaFresh API",
			Version:  apiVersion,
			Status:   "active",
			BasePath: basePath,
		}}, nil
	})
}

func (h handlers) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "healthy", Service: "hellafresh-api"}}, nil
	})
}

func (h handlers) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Word and mint queue counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		report, err := h.engine.Status(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Words:     report.Words,
			MintJobs:  report.MintJobs,
			Quorum:    report.Quorum,
			TiePolicy: report.Tie,
		}}, nil
	})
}

type wordPath struct {
	WordID string `path:"word_id"`
}

type wordBody struct {
	Body WordResponse `json:"body"`
}

func (h handlers) registerWords(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-word",
		Method:        http.MethodPost,
		Path:          "/words",
		Summary:       "Submit a word for review",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SubmitWordRequest
	}) (*wordBody, error) {
		w, err := h.engine.Submit(ctx, engine.SubmitOptions{
			Text:         input.Body.Text,
			Definition:   input.Body.Definition,
			UsageExample: input.Body.UsageExample,
			Origin:       input.Body.Origin,
			Tags:         input.Body.Tags,
			ActorID:      optionalReviewer(ctx),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &wordBody{Body: wordResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-words",
		Method:      http.MethodGet,
		Path:        "/words",
		Summary:     "List words, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" doc:"Comma-separated statuses"`
		Tag         string `query:"tag"`
		SubmittedBy string `query:"submitted_by"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedWords `json:"body"`
	}, error) {
		statuses, err := parseStatuses(input.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"status": input.Status})
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := h.engine.ListWords(ctx, repo.WordFilter{
			Statuses:        statuses,
			Tag:             strings.ToLower(strings.TrimSpace(input.Tag)),
			SubmittedBy:     input.SubmittedBy,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedWords{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapWords(items)
		return &struct {
			Body paginatedWords `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-words",
		Method:      http.MethodGet,
		Path:        "/words/search",
		Summary:     "Search words by text, definition or tag",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Query string `query:"q" required:"true" minLength:"1"`
		Limit int    `query:"limit" default:"20"`
	}) (*struct {
		Body paginatedWords `json:"body"`
	}, error) {
		items, err := h.engine.SearchWords(ctx, input.Query, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body paginatedWords `json:"body"`
		}{Body: paginatedWords{Items: mapWords(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-word",
		Method:      http.MethodGet,
		Path:        "/words/{word_id}",
		Summary:     "Get a word",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *wordPath) (*wordBody, error) {
		w, err := h.engine.GetWord(ctx, input.WordID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &wordBody{Body: wordResponse(w)}, nil
	})
}

func (h handlers) registerVotes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-votes",
		Method:      http.MethodGet,
		Path:        "/words/{word_id}/votes",
		Summary:     "Current votes with the computed resolution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *wordPath) (*struct {
		Body VoteSummaryResponse `json:"body"`
	}, error) {
		summary, err := h.engine.VotesFor(ctx, input.WordID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body VoteSummaryResponse `json:"body"`
		}{Body: voteSummaryResponse(summary)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vote-history",
		Method:      http.MethodGet,
		Path:        "/words/{word_id}/votes/history",
		Summary:     "Every vote ever cast on a word",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *wordPath) (*struct {
		Body listVotes `json:"body"`
	}, error) {
		votes, err := h.engine.VoteHistory(ctx, input.WordID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body listVotes `json:"body"`
		}{Body: listVotes{Items: mapVotes(votes)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cast-vote",
		Method:      http.MethodPost,
		Path:        "/words/{word_id}/votes",
		Summary:     "Cast or replace the caller's vote",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WordID string `path:"word_id"`
		Body   CastVoteRequest
	}) (*struct {
		Body VoteResultResponse `json:"body"`
	}, error) {
		reviewer, authErr := reviewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		decision, err := domain.ParseDecision(input.Body.Decision)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := h.engine.Vote(ctx, engine.VoteOptions{
			WordID:     input.WordID,
			ReviewerID: reviewer,
			Decision:   decision,
			Rationale:  input.Body.Rationale,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body VoteResultResponse `json:"body"`
		}{Body: voteResultResponse(res)}, nil
	})
}

func (h handlers) registerReview(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "review-queue",
		Method:      http.MethodGet,
		Path:        "/review/queue",
		Summary:     "Words awaiting review, oldest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedWords `json:"body"`
	}, error) {
		items, err := h.engine.ReviewQueue(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body paginatedWords `json:"body"`
		}{Body: paginatedWords{Items: mapWords(items)}}, nil
	})
}

func (h handlers) registerMint(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "retry-mint",
		Method:      http.MethodPost,
		Path:        "/words/{word_id}/mint/retry",
		Summary:     "Requeue the mint hand-off of an approved word",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *wordPath) (*wordBody, error) {
		actor, authErr := reviewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := h.engine.RequeueMint(ctx, input.WordID, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &wordBody{Body: wordResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-mint-jobs",
		Method:      http.MethodGet,
		Path:        "/mint/jobs",
		Summary:     "Mint queue",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,processing,failed,exhausted,fatal"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body listMintJobs `json:"body"`
	}, error) {
		jobs, err := h.engine.MintJobs(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body listMintJobs `json:"body"`
		}{Body: listMintJobs{Items: mapMintJobs(jobs)}}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WordID string `query:"word_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.engine.EventLog(ctx, repo.EventFilter{
			WordID:   input.WordID,
			Type:     input.Type,
			Limit:    limit + 1,
			BeforeID: cursorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func parseStatuses(raw string) ([]domain.Status, error) {
	var out []domain.Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s, err := domain.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
