package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agora/internal/config"
	"agora/internal/domain"
	"agora/internal/events"
	"agora/internal/judge"
	"agora/internal/repo"
)

// Marketplace error taxonomy. repo.ErrNotFound covers unknown ids.
var (
	ErrContractClosed   = errors.New("contract is closed and does not accept submissions")
	ErrConflict         = errors.New("agent id already registered")
	ErrAlreadyEvaluated = errors.New("contract already evaluated")
	ErrNotDue           = errors.New("contract deadline has not passed")
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Selector judge.Selector
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Selector: judge.Scorer{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// deadlinePassed reports whether a contract's deadline is at or before now.
func deadlinePassed(now time.Time, deadlineAt string) bool {
	t, err := time.Parse(time.RFC3339, deadlineAt)
	if err != nil {
		return false
	}
	return !now.Before(t)
}

// Eligible reports whether a contract is evaluation-eligible: deadline
// reached and still OPEN. Computed lazily on every read; there is no timer
// process.
func (e Engine) Eligible(c domain.Contract) bool {
	return c.Status == domain.ContractOpen && deadlinePassed(e.now(), c.DeadlineAt)
}

// --- goal orchestration ---

// GoalView joins a goal with its contracts and published results.
type GoalView struct {
	Goal      domain.Goal
	Contracts []domain.Contract
	Results   []domain.Result
}

// Status is COMPLETED exactly when every contract has a published result.
func (v GoalView) Status() string {
	if v.Goal.Status == domain.GoalError {
		return domain.GoalError
	}
	if len(v.Contracts) > 0 && len(v.Results) == len(v.Contracts) {
		return domain.GoalCompleted
	}
	return domain.GoalProcessing
}

// CreateGoal persists a goal and its fixed contract set atomically. The
// contract set is goal-type-independent: one slot per configured contract
// spec, deadlines offset from creation time by the configured window.
func (e Engine) CreateGoal(ctx context.Context, description, actorID string) (domain.Goal, []domain.Contract, error) {
	if e.Config == nil {
		return domain.Goal{}, nil, errors.New("config not loaded")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return domain.Goal{}, nil, errors.New("description is required")
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	deadline := now.Add(e.Config.Marketplace.DeadlineWindow).Format(time.RFC3339)

	g := domain.Goal{
		ID:          "goal-" + uuid.New().String(),
		Description: description,
		Status:      domain.GoalProcessing,
		CreatedAt:   nowStr,
	}
	contracts := make([]domain.Contract, 0, len(e.Config.Marketplace.Contracts))
	for _, spec := range e.Config.Marketplace.Contracts {
		contracts = append(contracts, domain.Contract{
			ID:          "contract-" + uuid.New().String(),
			GoalID:      g.ID,
			Type:        spec.Type,
			Title:       spec.Title,
			Description: description,
			Status:      domain.ContractOpen,
			Budget:      spec.Budget,
			CreatedAt:   nowStr,
			DeadlineAt:  deadline,
		})
	}

	err := e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.InsertGoalTx(ctx, tx, g); err != nil {
			return fmt.Errorf("insert goal: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "goal.created", g.ID, "goal", g.ID, actorID, events.EventPayload{"status": g.Status}); err != nil {
			return err
		}
		for _, c := range contracts {
			if err := e.Repo.InsertContractTx(ctx, tx, c); err != nil {
				return fmt.Errorf("insert contract: %w", err)
			}
			if err := e.Events.Append(ctx, tx, "contract.created", g.ID, "contract", c.ID, actorID, events.EventPayload{
				"contract_type": c.Type,
				"deadline_at":   c.DeadlineAt,
			}); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.Goal{}, nil, err
	}
	return g, contracts, nil
}

// GoalStatus joins goal, contracts and results. Contracts that became due
// since the last read are evaluated opportunistically first, so a polling
// status call is what drives a goal to completion.
func (e Engine) GoalStatus(ctx context.Context, goalID, actorID string) (GoalView, error) {
	g, err := e.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return GoalView{}, err
	}
	contracts, err := e.Repo.ListContractsByGoal(ctx, goalID)
	if err != nil {
		return GoalView{}, err
	}
	for _, c := range contracts {
		if !e.Eligible(c) {
			continue
		}
		// A failed evaluation leaves the contract for the next poll; the
		// goal stays PROCESSING rather than the status read erroring out.
		if _, err := e.EvaluateContract(ctx, c.ID, actorID); err != nil {
			continue
		}
	}
	// Re-read so the view includes contracts closed above.
	contracts, err = e.Repo.ListContractsByGoal(ctx, goalID)
	if err != nil {
		return GoalView{}, err
	}
	results, err := e.Repo.ListResultsByGoal(ctx, goalID)
	if err != nil {
		return GoalView{}, err
	}
	g, err = e.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return GoalView{}, err
	}
	return GoalView{Goal: g, Contracts: contracts, Results: results}, nil
}

// --- marketplace ---

// ListOpenContracts is the discovery read path: OPEN contracts whose deadline
// has not yet passed, creation time ascending. Eventually consistent by
// design; the submit path performs the authoritative check.
func (e Engine) ListOpenContracts(ctx context.Context) ([]domain.Contract, error) {
	open, err := e.Repo.ListOpenContracts(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var res []domain.Contract
	for _, c := range open {
		if !deadlinePassed(now, c.DeadlineAt) {
			res = append(res, c)
		}
	}
	return res, nil
}

// ContractListing pairs a contract with its submissions for the marketplace
// snapshot view.
type ContractListing struct {
	Contract    domain.Contract
	Submissions []domain.Submission
}

func (e Engine) MarketplaceSnapshot(ctx context.Context) ([]ContractListing, error) {
	open, err := e.ListOpenContracts(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]ContractListing, 0, len(open))
	for _, c := range open {
		subs, err := e.Repo.ListSubmissions(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		res = append(res, ContractListing{Contract: c, Submissions: subs})
	}
	return res, nil
}

// Submit appends a submission to an OPEN contract. The open-check and the
// insert run in one transaction: a submit racing a concurrent close either
// lands before it or fails with ErrContractClosed, never in between. A
// submit past the deadline is rejected the same way; the contract row itself
// stays OPEN until evaluation closes it together with its result, so a
// closed contract always has one.
func (e Engine) Submit(ctx context.Context, contractID, agentID, data, actorID string) (domain.Submission, error) {
	if agentID == "" || data == "" {
		return domain.Submission{}, errors.New("agent_id and submission_data are required")
	}
	var sub domain.Submission
	err := e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		c, err := e.Repo.GetContractTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.Status != domain.ContractOpen {
			return ErrContractClosed
		}
		nowStr := e.now().UTC().Format(time.RFC3339)
		if deadlinePassed(e.now(), c.DeadlineAt) {
			return ErrContractClosed
		}
		sub = domain.Submission{
			ID:         "sub-" + uuid.New().String(),
			ContractID: c.ID,
			AgentID:    agentID,
			Data:       data,
			CreatedAt:  nowStr,
		}
		if err := e.Repo.InsertSubmissionTx(ctx, tx, sub); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
		if err := e.Repo.TouchAgentTx(ctx, tx, agentID, nowStr); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "submission.received", c.GoalID, "submission", sub.ID, actorID, events.EventPayload{"contract_id": c.ID}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.Submission{}, err
	}
	return sub, nil
}

// --- agent registry ---

func (e Engine) RegisterAgent(ctx context.Context, agentID, agentType string) (domain.Agent, error) {
	if agentID == "" || agentType == "" {
		return domain.Agent{}, errors.New("agent_id and agent_type are required")
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	a := domain.Agent{
		ID:           agentID,
		Type:         agentType,
		Reputation:   0,
		CreatedAt:    nowStr,
		LastActiveAt: nowStr,
	}
	err := e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.InsertAgentTx(ctx, tx, a); err != nil {
			if repo.IsDuplicate(err) {
				return ErrConflict
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, "agent.registered", "", "agent", a.ID, a.ID, events.EventPayload{"agent_type": a.Type}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func (e Engine) Leaderboard(ctx context.Context) ([]domain.Agent, error) {
	return e.Repo.Leaderboard(ctx)
}

// --- evaluation ---

// EvaluateContract closes an eligible contract, selects exactly one winner
// and publishes the result. Idempotent: a contract that is already closed
// returns its recorded result unchanged. The close, winner flag, result row,
// reputation increment and goal-completion check commit as one transaction,
// so no reader ever observes a closed contract without a result or a second
// winner.
func (e Engine) EvaluateContract(ctx context.Context, contractID, actorID string) (domain.Result, error) {
	c, err := e.Repo.GetContract(ctx, contractID)
	if err != nil {
		return domain.Result{}, err
	}
	if c.Status == domain.ContractClosed {
		return e.recordedResult(ctx, c.ID)
	}
	if !deadlinePassed(e.now(), c.DeadlineAt) {
		return domain.Result{}, ErrNotDue
	}

	var res domain.Result
	lostRace := false
	for attempt := 0; ; attempt++ {
		subs, err := e.Repo.ListSubmissions(ctx, c.ID)
		if err != nil {
			return domain.Result{}, err
		}
		reps, err := e.reputations(ctx, subs)
		if err != nil {
			return domain.Result{}, err
		}
		// Selection runs before the transaction: the selector may call out
		// to a slow judge and must not hold the write lock while it does.
		winnerID, err := e.selectWinner(ctx, c, subs, reps)
		if err != nil {
			return domain.Result{}, err
		}

		res = domain.Result{
			GoalID:       c.GoalID,
			ContractID:   c.ID,
			ContractType: c.Type,
			EvaluatedAt:  e.now().UTC().Format(time.RFC3339),
		}
		var winner *domain.Submission
		if winnerID != "" {
			for i := range subs {
				if subs[i].ID == winnerID {
					winner = &subs[i]
					break
				}
			}
			if winner == nil {
				return domain.Result{}, fmt.Errorf("selector returned unknown submission %q", winnerID)
			}
			res.WinningSubmissionID = &winner.ID
			res.WinningAgentID = &winner.AgentID
			res.SubmissionData = &winner.Data
		}

		err = e.withRetry(func() error {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()

			closed, err := e.Repo.CloseContractTx(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if !closed {
				// A concurrent evaluation won the conditional close; its
				// result is the recorded one.
				lostRace = true
				return nil
			}
			// A submission committing between the listing above and the
			// close must still be considered. Re-count inside the
			// transaction and rerun the selection when the set changed.
			n, err := e.Repo.CountSubmissionsTx(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if n != len(subs) {
				return errStaleSubmissions
			}
			if winner != nil {
				marked, err := e.Repo.MarkWinnerTx(ctx, tx, winner.ID)
				if err != nil {
					return err
				}
				if !marked {
					return ErrAlreadyEvaluated
				}
				if err := e.Repo.IncrementReputationTx(ctx, tx, winner.AgentID); err != nil {
					return err
				}
				if err := e.Events.Append(ctx, tx, "reputation.incremented", c.GoalID, "agent", winner.AgentID, actorID, events.EventPayload{"delta": 1}); err != nil {
					return err
				}
			}
			if err := e.Repo.InsertResultTx(ctx, tx, res); err != nil {
				return fmt.Errorf("insert result: %w", err)
			}
			if err := e.Events.Append(ctx, tx, "contract.closed", c.GoalID, "contract", c.ID, actorID, events.EventPayload{"submissions": len(subs)}); err != nil {
				return err
			}
			payload := events.EventPayload{"contract_type": c.Type}
			if res.WinningAgentID != nil {
				payload["winning_agent_id"] = *res.WinningAgentID
			}
			if err := e.Events.Append(ctx, tx, "result.published", c.GoalID, "result", c.ID, actorID, payload); err != nil {
				return err
			}
			missing, err := e.Repo.CountMissingResultsTx(ctx, tx, c.GoalID)
			if err != nil {
				return err
			}
			if missing == 0 {
				completed, err := e.Repo.SetGoalStatusTx(ctx, tx, c.GoalID, domain.GoalCompleted)
				if err != nil {
					return err
				}
				if completed {
					if err := e.Events.Append(ctx, tx, "goal.completed", c.GoalID, "goal", c.GoalID, actorID, events.EventPayload{}); err != nil {
						return err
					}
				}
			}
			return tx.Commit()
		})
		if errors.Is(err, errStaleSubmissions) && attempt < retryAttempts {
			continue
		}
		if err != nil {
			return domain.Result{}, err
		}
		break
	}
	if lostRace {
		return e.recordedResult(ctx, c.ID)
	}
	return res, nil
}

// EvaluateDue evaluates every evaluation-eligible contract. Returned results
// include those recorded by concurrent evaluators.
func (e Engine) EvaluateDue(ctx context.Context, actorID string) ([]domain.Result, error) {
	due, err := e.Repo.ListDueContracts(ctx, e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	var res []domain.Result
	for _, c := range due {
		r, err := e.EvaluateContract(ctx, c.ID, actorID)
		if err != nil {
			return res, fmt.Errorf("evaluate %s: %w", c.ID, err)
		}
		res = append(res, r)
	}
	return res, nil
}

// errStaleSubmissions aborts an evaluation transaction whose selection ran
// over an outdated submission listing; the caller re-selects and retries.
var errStaleSubmissions = errors.New("submission set changed during selection")

// selectWinner asks the selector for a winner, retrying with backoff. Judge
// calls may cross the network; one hiccup must not surface as a permanent
// evaluation failure.
func (e Engine) selectWinner(ctx context.Context, c domain.Contract, subs []domain.Submission, reps map[string]int) (string, error) {
	var id string
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		id, err = e.Selector.Select(ctx, c, subs, reps)
		if err == nil {
			return id, nil
		}
		time.Sleep(delay)
		delay *= 2
	}
	return "", fmt.Errorf("select winner: %w", err)
}

// recordedResult loads the result of an already-evaluated contract. The
// atomicity of EvaluateContract means a closed contract always has one.
func (e Engine) recordedResult(ctx context.Context, contractID string) (domain.Result, error) {
	res, err := e.Repo.GetResult(ctx, contractID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Result{}, ErrAlreadyEvaluated
	}
	return res, err
}

func (e Engine) reputations(ctx context.Context, subs []domain.Submission) (map[string]int, error) {
	seen := map[string]bool{}
	var ids []string
	for _, s := range subs {
		if !seen[s.AgentID] {
			seen[s.AgentID] = true
			ids = append(ids, s.AgentID)
		}
	}
	return e.Repo.ReputationMap(ctx, ids)
}

// --- transient failure handling ---

const (
	retryAttempts = 4
	retryBase     = 25 * time.Millisecond
)

// withRetry retries conditional writes that hit SQLite contention. Busy
// errors are transient by definition and must not surface to callers.
func (e Engine) withRetry(fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
