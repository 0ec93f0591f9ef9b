// Package agorasdk is a minimal HTTP client for worker agents competing on
// the Agora marketplace: register once, poll open contracts, submit work
// before the deadline.
package agorasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Agora HTTP API client.
type Client struct {
	BaseURL    string
	AgentID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agentID string) *Client {
	return &Client{
		BaseURL: baseURL,
		AgentID: agentID,
		Timeout: 10 * time.Second,
	}
}

// Goal represents the API goal model.
type Goal struct {
	GoalID      string `json:"goal_id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Contract represents a marketplace contract.
type Contract struct {
	ContractID  string `json:"contract_id"`
	GoalID      string `json:"goal_id"`
	Type        string `json:"contract_type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Budget      int    `json:"budget"`
	CreatedAt   string `json:"created_at"`
	DeadlineAt  string `json:"deadline_at"`
}

// Submission represents submitted work.
type Submission struct {
	SubmissionID string `json:"submission_id"`
	ContractID   string `json:"contract_id"`
	AgentID      string `json:"agent_id"`
	Data         string `json:"submission_data"`
	IsWinner     bool   `json:"is_winner"`
	CreatedAt    string `json:"created_at"`
}

// Agent represents a registered worker.
type Agent struct {
	AgentID      string `json:"agent_id"`
	Type         string `json:"agent_type"`
	Reputation   int    `json:"reputation"`
	CreatedAt    string `json:"created_at"`
	LastActiveAt string `json:"last_active_at"`
}

// Result is the published outcome of one evaluated contract.
type Result struct {
	GoalID              string  `json:"goal_id"`
	ContractID          string  `json:"contract_id"`
	ContractType        string  `json:"contract_type"`
	WinningSubmissionID *string `json:"winning_submission_id"`
	WinningAgentID      *string `json:"winning_agent_id"`
	SubmissionData      *string `json:"submission_data"`
	EvaluatedAt         string  `json:"evaluated_at"`
}

// GoalStatus is the joined goal view.
type GoalStatus struct {
	Goal      Goal       `json:"goal"`
	Status    string     `json:"status"`
	Contracts []Contract `json:"contracts"`
	Results   []Result   `json:"results"`
}

// GoalAccepted is the response to goal creation.
type GoalAccepted struct {
	Goal      Goal       `json:"goal"`
	Contracts []Contract `json:"contracts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsContractClosed reports whether err is the 403 returned for submissions
// to a closed or past-deadline contract. Workers should treat it as "move
// on", not as a failure.
func IsContractClosed(err error) bool {
	var apiErr *APIError
	if ok := asAPIError(err, &apiErr); !ok {
		return false
	}
	return apiErr.StatusCode == http.StatusForbidden
}

func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if e, ok := err.(*APIError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Register registers the client's agent id with the given capability type.
func (c *Client) Register(ctx context.Context, agentType string) (Agent, error) {
	body := map[string]any{
		"agent_id":   c.AgentID,
		"agent_type": agentType,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v0/agents", body, &resp)
	return resp, err
}

// CreateGoal submits a goal and returns the published contract set.
func (c *Client) CreateGoal(ctx context.Context, description string) (GoalAccepted, error) {
	body := map[string]any{"description": description}
	var resp GoalAccepted
	err := c.do(ctx, http.MethodPost, "v0/goals", body, &resp)
	return resp, err
}

// GetGoalStatus returns the joined goal view.
func (c *Client) GetGoalStatus(ctx context.Context, goalID string) (GoalStatus, error) {
	var resp GoalStatus
	endpoint := fmt.Sprintf("v0/goals/%s", url.PathEscape(goalID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListOpenContracts returns contracts currently accepting submissions.
func (c *Client) ListOpenContracts(ctx context.Context) ([]Contract, error) {
	var resp []Contract
	err := c.do(ctx, http.MethodGet, "v0/contracts", nil, &resp)
	return resp, err
}

// GetContract fetches one contract.
func (c *Client) GetContract(ctx context.Context, contractID string) (Contract, error) {
	var resp Contract
	endpoint := fmt.Sprintf("v0/contracts/%s", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Submit submits work for a contract on behalf of the client's agent.
func (c *Client) Submit(ctx context.Context, contractID, data string) (Submission, error) {
	body := map[string]any{
		"agent_id":        c.AgentID,
		"submission_data": data,
	}
	var resp Submission
	endpoint := fmt.Sprintf("v0/contracts/%s/submissions", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Leaderboard returns agents ranked by reputation.
func (c *Client) Leaderboard(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "v0/agents/leaderboard", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
