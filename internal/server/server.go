package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"agora/internal/domain"
	"agora/internal/engine"
	"agora/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"contract_closed"`
	Message string         `json:"message" example:"contract is closed and does not accept submissions"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Agora marketplace API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request; 422 is
			// reserved for premature evaluation.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Agora API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGoals(group, cfg.Engine)
	registerContracts(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrContractClosed):
		return newAPIError(http.StatusForbidden, "contract_closed", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrNotDue):
		return newAPIError(http.StatusUnprocessableEntity, "not_due", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyEvaluated):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusForbidden:
		return "contract_closed"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "not_due"
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Agora API Docs</title>
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

func registerGoals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-goal",
		Method:        http.MethodPost,
		Path:          "/goals",
		Summary:       "Submit a goal",
		Description:   "Accepts a high-level goal and publishes its contract set on the marketplace. Processing is asynchronous; poll the goal status.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string            `header:"X-Actor-ID"`
		Body    CreateGoalRequest `json:"body"`
	}) (*struct {
		Body GoalAcceptedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Description) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "description is required", nil)
		}
		g, contracts, err := e.CreateGoal(ctx, input.Body.Description, actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalAcceptedResponse `json:"body"`
		}{Body: GoalAcceptedResponse{Goal: goalResponse(g), Contracts: mapContracts(contracts)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/goals",
		Summary:     "List goals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []GoalStatusResponse `json:"body"`
	}, error) {
		goals, err := e.Repo.ListGoals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := []GoalStatusResponse{}
		for _, g := range goals {
			v, err := e.GoalStatus(ctx, g.ID, "api")
			if err != nil {
				return nil, handleError(err)
			}
			res = append(res, goalStatusResponse(v))
		}
		return &struct {
			Body []GoalStatusResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "goal-status",
		Method:      http.MethodGet,
		Path:        "/goals/{goal_id}",
		Summary:     "Goal status",
		Description: "Joined view of a goal, its contracts and published results. Contracts past their deadline are evaluated on this read.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GoalID  string `path:"goal_id"`
		ActorID string `header:"X-Actor-ID"`
	}) (*struct {
		Body GoalStatusResponse `json:"body"`
	}, error) {
		v, err := e.GoalStatus(ctx, input.GoalID, actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalStatusResponse `json:"body"`
		}{Body: goalStatusResponse(v)}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "Discover open contracts",
		Description: "Workers poll this to find contracts accepting submissions. The listing may lag a just-passed deadline; the submit path is authoritative.",
	}, func(ctx context.Context, input *struct {
		GoalID string `query:"goal_id"`
	}) (*struct {
		Body []ContractResponse `json:"body"`
	}, error) {
		if input.GoalID != "" {
			items, err := e.Repo.ListContractsByGoal(ctx, input.GoalID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body []ContractResponse `json:"body"`
			}{Body: mapContracts(items)}, nil
		}
		items, err := e.ListOpenContracts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ContractResponse `json:"body"`
		}{Body: mapContracts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetContract(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "marketplace",
		Method:      http.MethodGet,
		Path:        "/marketplace",
		Summary:     "Marketplace snapshot",
		Description: "Open contracts joined with their submissions so far.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []MarketplaceListing `json:"body"`
	}, error) {
		items, err := e.MarketplaceSnapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MarketplaceListing `json:"body"`
		}{Body: marketplaceListings(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/evaluate",
		Summary:     "Evaluate contract",
		Description: "Closes a past-deadline contract, selects at most one winner and publishes the result. Idempotent: re-evaluating returns the recorded result.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
		ActorID    string `header:"X-Actor-ID"`
	}) (*struct {
		Body ResultResponse `json:"body"`
	}, error) {
		res, err := e.EvaluateContract(ctx, input.ContractID, actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-submission",
		Method:        http.MethodPost,
		Path:          "/contracts/{contract_id}/submissions",
		Summary:       "Submit work for a contract",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ContractID string                  `path:"contract_id"`
		Body       CreateSubmissionRequest `json:"body"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		if input.Body.SubmissionData == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "submission_data is required", nil)
		}
		sub, err := e.Submit(ctx, input.ContractID, input.Body.AgentID, input.Body.SubmissionData, input.Body.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: submissionResponse(sub)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/submissions",
		Summary:     "List contract submissions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body []SubmissionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetContract(ctx, input.ContractID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListSubmissions(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SubmissionResponse `json:"body"`
		}{Body: mapSubmissions(items)}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.AgentID == "" || input.Body.AgentType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id and agent_type are required", nil)
		}
		a, err := e.RegisterAgent(ctx, input.Body.AgentID, input.Body.AgentType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "leaderboard",
		Method:      http.MethodGet,
		Path:        "/agents/leaderboard",
		Summary:     "Agent leaderboard",
		Description: "Agents ranked by reputation; ties rank the earliest-registered agent higher.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		items, err := e.Leaderboard(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: mapAgents(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		GoalID string `query:"goal_id"`
		Cursor int64  `query:"cursor"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		items, err := e.Repo.EventsAfter(ctx, input.Limit, input.Cursor, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: items}
		if resp.Items == nil {
			resp.Items = []domain.Event{}
		}
		if n := len(items); n > 0 {
			resp.NextCursor = items[n-1].ID
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func actorOrDefault(actorID string) string {
	if actorID == "" {
		return "api"
	}
	return actorID
}
