package server

import (
	"agora/internal/domain"
	"agora/internal/engine"
)

// Request payloads

type CreateGoalRequest struct {
	Description string `json:"description"`
}

type CreateSubmissionRequest struct {
	AgentID string `json:"agent_id"`
	// SubmissionData is opaque: inline text or an object-storage pointer.
	SubmissionData string `json:"submission_data"`
}

type RegisterAgentRequest struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type" enum:"ARTIST,COPYWRITER,ANALYST"`
}

// Response payloads

type GoalResponse struct {
	GoalID      string `json:"goal_id"`
	Description string `json:"description"`
	Status      string `json:"status" enum:"PROCESSING,COMPLETED,ERROR"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ContractResponse struct {
	ContractID  string `json:"contract_id"`
	GoalID      string `json:"goal_id"`
	Type        string `json:"contract_type" enum:"IMAGE,TEXT,RESEARCH"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status" enum:"OPEN,CLOSED"`
	Budget      int    `json:"budget"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	DeadlineAt  string `json:"deadline_at" format:"date-time"`
}

type SubmissionResponse struct {
	SubmissionID string `json:"submission_id"`
	ContractID   string `json:"contract_id"`
	AgentID      string `json:"agent_id"`
	Data         string `json:"submission_data"`
	IsWinner     bool   `json:"is_winner"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type AgentResponse struct {
	AgentID      string `json:"agent_id"`
	Type         string `json:"agent_type" enum:"ARTIST,COPYWRITER,ANALYST"`
	Reputation   int    `json:"reputation"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	LastActiveAt string `json:"last_active_at" format:"date-time"`
}

type ResultResponse struct {
	GoalID              string  `json:"goal_id"`
	ContractID          string  `json:"contract_id"`
	ContractType        string  `json:"contract_type" enum:"IMAGE,TEXT,RESEARCH"`
	WinningSubmissionID *string `json:"winning_submission_id"`
	WinningAgentID      *string `json:"winning_agent_id"`
	SubmissionData      *string `json:"submission_data"`
	EvaluatedAt         string  `json:"evaluated_at" format:"date-time"`
}

type GoalAcceptedResponse struct {
	Goal      GoalResponse       `json:"goal"`
	Contracts []ContractResponse `json:"contracts"`
}

type GoalStatusResponse struct {
	Goal      GoalResponse       `json:"goal"`
	Status    string             `json:"status" enum:"PROCESSING,COMPLETED,ERROR"`
	Contracts []ContractResponse `json:"contracts"`
	Results   []ResultResponse   `json:"results"`
}

type MarketplaceListing struct {
	Contract    ContractResponse     `json:"contract"`
	Submissions []SubmissionResponse `json:"submissions"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

// Mappers

func goalResponse(g domain.Goal) GoalResponse {
	return GoalResponse{
		GoalID:      g.ID,
		Description: g.Description,
		Status:      g.Status,
		CreatedAt:   g.CreatedAt,
	}
}

func contractResponse(c domain.Contract) ContractResponse {
	return ContractResponse{
		ContractID:  c.ID,
		GoalID:      c.GoalID,
		Type:        c.Type,
		Title:       c.Title,
		Description: c.Description,
		Status:      c.Status,
		Budget:      c.Budget,
		CreatedAt:   c.CreatedAt,
		DeadlineAt:  c.DeadlineAt,
	}
}

func mapContracts(items []domain.Contract) []ContractResponse {
	res := make([]ContractResponse, 0, len(items))
	for _, c := range items {
		res = append(res, contractResponse(c))
	}
	return res
}

func submissionResponse(s domain.Submission) SubmissionResponse {
	return SubmissionResponse{
		SubmissionID: s.ID,
		ContractID:   s.ContractID,
		AgentID:      s.AgentID,
		Data:         s.Data,
		IsWinner:     s.IsWinner,
		CreatedAt:    s.CreatedAt,
	}
}

func mapSubmissions(items []domain.Submission) []SubmissionResponse {
	res := make([]SubmissionResponse, 0, len(items))
	for _, s := range items {
		res = append(res, submissionResponse(s))
	}
	return res
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		AgentID:      a.ID,
		Type:         a.Type,
		Reputation:   a.Reputation,
		CreatedAt:    a.CreatedAt,
		LastActiveAt: a.LastActiveAt,
	}
}

func mapAgents(items []domain.Agent) []AgentResponse {
	res := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, agentResponse(a))
	}
	return res
}

func resultResponse(r domain.Result) ResultResponse {
	return ResultResponse{
		GoalID:              r.GoalID,
		ContractID:          r.ContractID,
		ContractType:        r.ContractType,
		WinningSubmissionID: r.WinningSubmissionID,
		WinningAgentID:      r.WinningAgentID,
		SubmissionData:      r.SubmissionData,
		EvaluatedAt:         r.EvaluatedAt,
	}
}

func mapResults(items []domain.Result) []ResultResponse {
	res := make([]ResultResponse, 0, len(items))
	for _, r := range items {
		res = append(res, resultResponse(r))
	}
	return res
}

func goalStatusResponse(v engine.GoalView) GoalStatusResponse {
	g := goalResponse(v.Goal)
	g.Status = v.Status()
	return GoalStatusResponse{
		Goal:      g,
		Status:    g.Status,
		Contracts: mapContracts(v.Contracts),
		Results:   mapResults(v.Results),
	}
}

func marketplaceListings(items []engine.ContractListing) []MarketplaceListing {
	res := make([]MarketplaceListing, 0, len(items))
	for _, it := range items {
		res = append(res, MarketplaceListing{
			Contract:    contractResponse(it.Contract),
			Submissions: mapSubmissions(it.Submissions),
		})
	}
	return res
}
