package domain

// Contract types offered on the marketplace. The set is closed but extensible:
// adding a type means adding it here and giving the goal planner a slot for it.
const (
	ContractTypeImage    = "IMAGE"
	ContractTypeText     = "TEXT"
	ContractTypeResearch = "RESEARCH"
)

// Contract statuses. Transitions are monotonic: OPEN -> CLOSED, never back.
const (
	ContractOpen   = "OPEN"
	ContractClosed = "CLOSED"
)

// Goal statuses.
const (
	GoalProcessing = "PROCESSING"
	GoalCompleted  = "COMPLETED"
	GoalError      = "ERROR"
)

// Agent capabilities.
const (
	AgentArtist     = "ARTIST"
	AgentCopywriter = "COPYWRITER"
	AgentAnalyst    = "ANALYST"
)

type Goal struct {
	ID          string `json:"goal_id"`
	Description string `json:"description"`
	Status      string `json:"status" enum:"PROCESSING,COMPLETED,ERROR"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Contract struct {
	ID          string `json:"contract_id"`
	GoalID      string `json:"goal_id"`
	Type        string `json:"contract_type" enum:"IMAGE,TEXT,RESEARCH"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status" enum:"OPEN,CLOSED"`
	Budget      int    `json:"budget"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	DeadlineAt  string `json:"deadline_at" format:"date-time"`
}

type Submission struct {
	ID         string `json:"submission_id"`
	ContractID string `json:"contract_id"`
	AgentID    string `json:"agent_id"`
	// Data is opaque to the core: inline text or an object-storage pointer.
	Data      string `json:"submission_data"`
	IsWinner  bool   `json:"is_winner"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID           string `json:"agent_id"`
	Type         string `json:"agent_type" enum:"ARTIST,COPYWRITER,ANALYST"`
	Reputation   int    `json:"reputation"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	LastActiveAt string `json:"last_active_at" format:"date-time"`
}

// Result is the published outcome of one evaluated contract. It is a
// denormalized read projection: always reconstructible from the contract, its
// winning submission and the winning agent. Winning fields are nil when the
// contract closed with zero submissions.
type Result struct {
	GoalID              string  `json:"goal_id"`
	ContractID          string  `json:"contract_id"`
	ContractType        string  `json:"contract_type" enum:"IMAGE,TEXT,RESEARCH"`
	WinningSubmissionID *string `json:"winning_submission_id"`
	WinningAgentID      *string `json:"winning_agent_id"`
	SubmissionData      *string `json:"submission_data"`
	EvaluatedAt         string  `json:"evaluated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GoalID     string `json:"goal_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
