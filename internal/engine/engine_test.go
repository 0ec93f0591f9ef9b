package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agora/internal/config"
	"agora/internal/db"
	"agora/internal/domain"
	"agora/internal/engine"
	"agora/internal/judge"
	"agora/internal/migrate"
	"agora/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		Now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return env.Now }
	env.Engine = eng
	return env
}

// advance moves the injected clock forward.
func (env *testEnv) advance(d time.Duration) {
	env.Now = env.Now.Add(d)
}

func (env *testEnv) mustGoal(t *testing.T, description string) (domain.Goal, []domain.Contract) {
	t.Helper()
	g, contracts, err := env.Engine.CreateGoal(env.Ctx, description, "tester")
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	return g, contracts
}

func (env *testEnv) mustAgent(t *testing.T, id, agentType string) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, id, agentType)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return a
}

func TestCreateGoalPublishesContractSet(t *testing.T) {
	env := newTestEnv(t)
	g, contracts := env.mustGoal(t, "Launch a coffee brand")

	if g.Status != domain.GoalProcessing {
		t.Fatalf("goal status = %s, want PROCESSING", g.Status)
	}
	if len(contracts) != 2 {
		t.Fatalf("got %d contracts, want 2", len(contracts))
	}
	wantTypes := map[string]int{domain.ContractTypeImage: 60, domain.ContractTypeText: 40}
	deadline := env.Now.Add(env.Engine.Config.Marketplace.DeadlineWindow).Format(time.RFC3339)
	for _, c := range contracts {
		budget, ok := wantTypes[c.Type]
		if !ok {
			t.Fatalf("unexpected contract type %s", c.Type)
		}
		if c.Budget != budget {
			t.Errorf("%s budget = %d, want %d", c.Type, c.Budget, budget)
		}
		if c.Status != domain.ContractOpen {
			t.Errorf("%s status = %s, want OPEN", c.Type, c.Status)
		}
		if c.DeadlineAt != deadline {
			t.Errorf("%s deadline = %s, want %s", c.Type, c.DeadlineAt, deadline)
		}
		if c.Description != g.Description {
			t.Errorf("%s description = %q, want goal description", c.Type, c.Description)
		}
		delete(wantTypes, c.Type)
	}
}

func TestListOpenContractsHidesPastDeadline(t *testing.T) {
	env := newTestEnv(t)
	_, contracts := env.mustGoal(t, "goal one")

	open, err := env.Engine.ListOpenContracts(env.Ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != len(contracts) {
		t.Fatalf("got %d open contracts, want %d", len(open), len(contracts))
	}

	// Past the deadline the listing hides them even though the rows are
	// still OPEN in the store.
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)
	open, err = env.Engine.ListOpenContracts(env.Ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("got %d open contracts after deadline, want 0", len(open))
	}
	c, err := env.Engine.Repo.GetContract(env.Ctx, contracts[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ContractOpen {
		t.Fatalf("listing must not mutate contract status, got %s", c.Status)
	}
}

func TestSubmitToOpenContract(t *testing.T) {
	env := newTestEnv(t)
	_, contracts := env.mustGoal(t, "goal")
	env.mustAgent(t, "agent-1", domain.AgentArtist)

	sub, err := env.Engine.Submit(env.Ctx, contracts[0].ID, "agent-1", "a logo sketch", "agent-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.ContractID != contracts[0].ID || sub.AgentID != "agent-1" {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if sub.IsWinner {
		t.Fatal("new submission must not be a winner")
	}
	items, err := env.Engine.Repo.ListSubmissions(env.Ctx, contracts[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d submissions, want 1", len(items))
	}
}

func TestSubmitUnknownContract(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, "contract-missing", "agent-1", "data", "agent-1")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmitAfterDeadlineIsRejected(t *testing.T) {
	env := newTestEnv(t)
	g, contracts := env.mustGoal(t, "goal")
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)

	_, err := env.Engine.Submit(env.Ctx, contracts[0].ID, "agent-1", "too late", "agent-1")
	if !errors.Is(err, engine.ErrContractClosed) {
		t.Fatalf("err = %v, want ErrContractClosed", err)
	}
	// no submission landed
	items, err := env.Engine.Repo.ListSubmissions(env.Ctx, contracts[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("got %d submissions past the deadline, want 0", len(items))
	}
	// the rejection must not close the contract: closing stays paired with
	// result publication in the evaluator
	c, err := env.Engine.Repo.GetContract(env.Ctx, contracts[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ContractOpen {
		t.Fatalf("contract status = %s after late submit, want OPEN", c.Status)
	}
	// and the goal still completes through the normal status poll
	v, err := env.Engine.GoalStatus(env.Ctx, g.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status() != domain.GoalCompleted {
		t.Fatalf("goal status after late submit = %s, want COMPLETED", v.Status())
	}
	if len(v.Results) != len(v.Contracts) {
		t.Fatalf("got %d results for %d contracts", len(v.Results), len(v.Contracts))
	}
}

func TestSubmitToClosedContract(t *testing.T) {
	env := newTestEnv(t)
	_, contracts := env.mustGoal(t, "goal")
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)
	if _, err := env.Engine.EvaluateContract(env.Ctx, contracts[0].ID, "tester"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	_, err := env.Engine.Submit(env.Ctx, contracts[0].ID, "agent-1", "data", "agent-1")
	if !errors.Is(err, engine.ErrContractClosed) {
		t.Fatalf("err = %v, want ErrContractClosed", err)
	}
}

func TestEvaluateBeforeDeadline(t *testing.T) {
	env := newTestEnv(t)
	_, contracts := env.mustGoal(t, "goal")
	_, err := env.Engine.EvaluateContract(env.Ctx, contracts[0].ID, "tester")
	if !errors.Is(err, engine.ErrNotDue) {
		t.Fatalf("err = %v, want ErrNotDue", err)
	}
}

func TestEvaluateSelectsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	_, contracts := env.mustGoal(t, "goal")
	env.mustAgent(t, "agent-a", domain.AgentArtist)
	env.mustAgent(t, "agent-b", domain.AgentArtist)

	target := contracts[0]
	if _, err := env.Engine.Submit(env.Ctx, target.ID, "agent-a", "first entry", "agent-a"); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Second)
	if _, err := env.Engine.Submit(env.Ctx, target.ID, "agent-b", "second entry", "agent-b"); err != nil {
		t.Fatal(err)
	}
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow)

	res, err := env.Engine.EvaluateContract(env.Ctx, target.ID, "tester")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// Equal reputation: the earlier submission wins.
	if res.WinningAgentID == nil || *res.WinningAgentID != "agent-a" {
		t.Fatalf("winner = %v, want agent-a", res.WinningAgentID)
	}
	if res.SubmissionData == nil || *res.SubmissionData != "first entry" {
		t.Fatalf("submission data = %v, want first entry", res.SubmissionData)
	}

	subs, err := env.Engine.Repo.ListSubmissions(env.Ctx, target.ID)
	if err != nil {
		t.Fatal(err)
	}
	winners := 0
	for _, s := range subs {
		if s.IsWinner {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("got %d winner flags, want exactly 1", winners)
	}

	a, err := env.Engine.Repo.GetAgent(env.Ctx, "agent-a")
	if err != nil {
		t.Fatal(err)
	}
	if a.Reputation != 1 {
		t.Fatalf("winner reputation = %d, want 1", a.Reputation)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	_, contracts := env.mustGoal(t, "goal")
	env.mustAgent(t, "agent-a", domain.AgentArtist)
	target := contracts[0]
	if _, err := env.Engine.Submit(env.Ctx, target.ID, "agent-a", "entry", "agent-a"); err != nil {
		t.Fatal(err)
	}
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)

	first, err := env.Engine.EvaluateContract(env.Ctx, target.ID, "tester")
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	second, err := env.Engine.EvaluateContract(env.Ctx, target.ID, "tester")
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if second.EvaluatedAt != first.EvaluatedAt {
		t.Fatalf("re-evaluation produced a new result: %s vs %s", second.EvaluatedAt, first.EvaluatedAt)
	}
	if second.WinningSubmissionID == nil || *second.WinningSubmissionID != *first.WinningSubmissionID {
		t.Fatal("re-evaluation changed the winner")
	}
	a, err := env.Engine.Repo.GetAgent(env.Ctx, "agent-a")
	if err != nil {
		t.Fatal(err)
	}
	if a.Reputation != 1 {
		t.Fatalf("reputation = %d after double evaluation, want 1", a.Reputation)
	}
}

func TestEvaluateZeroSubmissions(t *testing.T) {
	env := newTestEnv(t)
	g, contracts := env.mustGoal(t, "goal")
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)

	for _, c := range contracts {
		res, err := env.Engine.EvaluateContract(env.Ctx, c.ID, "tester")
		if err != nil {
			t.Fatalf("evaluate %s: %v", c.ID, err)
		}
		if res.WinningSubmissionID != nil || res.WinningAgentID != nil || res.SubmissionData != nil {
			t.Fatalf("zero-submission result must have null winner, got %+v", res)
		}
	}
	got, err := env.Engine.Repo.GetGoal(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.GoalCompleted {
		t.Fatalf("goal status = %s, want COMPLETED once every contract has a result", got.Status)
	}
}

func TestGoalStatusDrivesLazyEvaluation(t *testing.T) {
	env := newTestEnv(t)
	g, contracts := env.mustGoal(t, "goal")
	env.mustAgent(t, "agent-a", domain.AgentCopywriter)
	if _, err := env.Engine.Submit(env.Ctx, contracts[1].ID, "agent-a", "tagline", "agent-a"); err != nil {
		t.Fatal(err)
	}

	v, err := env.Engine.GoalStatus(env.Ctx, g.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status() != domain.GoalProcessing {
		t.Fatalf("status before deadline = %s, want PROCESSING", v.Status())
	}

	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)
	v, err = env.Engine.GoalStatus(env.Ctx, g.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status() != domain.GoalCompleted {
		t.Fatalf("status after deadline read = %s, want COMPLETED", v.Status())
	}
	if len(v.Results) != len(v.Contracts) {
		t.Fatalf("got %d results for %d contracts", len(v.Results), len(v.Contracts))
	}
	for _, c := range v.Contracts {
		if c.Status != domain.ContractClosed {
			t.Fatalf("contract %s still %s after status read", c.ID, c.Status)
		}
	}
}

func TestEvaluateDueSweep(t *testing.T) {
	env := newTestEnv(t)
	_, first := env.mustGoal(t, "first goal")
	env.advance(time.Minute)
	_, second := env.mustGoal(t, "second goal")

	// Only the first goal's contracts are due.
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow - 30*time.Second)
	results, err := env.Engine.EvaluateDue(env.Ctx, "sweeper")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != len(first) {
		t.Fatalf("got %d results, want %d", len(results), len(first))
	}
	c, err := env.Engine.Repo.GetContract(env.Ctx, second[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ContractOpen {
		t.Fatalf("undue contract closed by sweep")
	}
}

func TestRegisterAgentConflict(t *testing.T) {
	env := newTestEnv(t)
	env.mustAgent(t, "agent-1", domain.AgentAnalyst)
	_, err := env.Engine.RegisterAgent(env.Ctx, "agent-1", domain.AgentAnalyst)
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	env := newTestEnv(t)
	env.mustAgent(t, "agent-early", domain.AgentArtist)
	env.advance(time.Second)
	env.mustAgent(t, "agent-late", domain.AgentArtist)
	env.advance(time.Second)
	env.mustAgent(t, "agent-champ", domain.AgentCopywriter)

	_, contracts := env.mustGoal(t, "goal")
	if _, err := env.Engine.Submit(env.Ctx, contracts[0].ID, "agent-champ", "entry", "agent-champ"); err != nil {
		t.Fatal(err)
	}
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)
	if _, err := env.Engine.EvaluateContract(env.Ctx, contracts[0].ID, "tester"); err != nil {
		t.Fatal(err)
	}

	board, err := env.Engine.Leaderboard(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(board) != 3 {
		t.Fatalf("got %d agents, want 3", len(board))
	}
	if board[0].ID != "agent-champ" {
		t.Fatalf("rank 1 = %s, want agent-champ", board[0].ID)
	}
	// Tied at zero: earliest registration ranks higher.
	if board[1].ID != "agent-early" || board[2].ID != "agent-late" {
		t.Fatalf("tie order = %s, %s; want agent-early before agent-late", board[1].ID, board[2].ID)
	}
}

// flakySelector fails the first failures calls, then delegates to the
// default scorer.
type flakySelector struct {
	failures int
	calls    int
}

func (s *flakySelector) Select(ctx context.Context, c domain.Contract, subs []domain.Submission, reps map[string]int) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", errors.New("judge unavailable")
	}
	return judge.Scorer{}.Select(ctx, c, subs, reps)
}

func TestEvaluateRetriesSelectorFailures(t *testing.T) {
	env := newTestEnv(t)
	sel := &flakySelector{failures: 2}
	env.Engine.Selector = sel
	_, contracts := env.mustGoal(t, "goal")
	env.mustAgent(t, "agent-a", domain.AgentArtist)
	if _, err := env.Engine.Submit(env.Ctx, contracts[0].ID, "agent-a", "entry", "agent-a"); err != nil {
		t.Fatal(err)
	}
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)

	res, err := env.Engine.EvaluateContract(env.Ctx, contracts[0].ID, "tester")
	if err != nil {
		t.Fatalf("evaluate with flaky selector: %v", err)
	}
	if res.WinningAgentID == nil || *res.WinningAgentID != "agent-a" {
		t.Fatalf("winner = %v, want agent-a", res.WinningAgentID)
	}
	if sel.calls != 3 {
		t.Fatalf("selector called %d times, want 3", sel.calls)
	}
}

func TestGoalStatusToleratesSelectorOutage(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Selector = &flakySelector{failures: 1 << 30}
	g, contracts := env.mustGoal(t, "goal")
	env.mustAgent(t, "agent-a", domain.AgentArtist)
	if _, err := env.Engine.Submit(env.Ctx, contracts[0].ID, "agent-a", "entry", "agent-a"); err != nil {
		t.Fatal(err)
	}
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)

	// The outage must not error the status read; the goal just stays
	// PROCESSING until a later poll succeeds.
	v, err := env.Engine.GoalStatus(env.Ctx, g.ID, "tester")
	if err != nil {
		t.Fatalf("status during outage: %v", err)
	}
	if v.Status() != domain.GoalProcessing {
		t.Fatalf("status during outage = %s, want PROCESSING", v.Status())
	}

	env.Engine.Selector = judge.Scorer{}
	v, err = env.Engine.GoalStatus(env.Ctx, g.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status() != domain.GoalCompleted {
		t.Fatalf("status after recovery = %s, want COMPLETED", v.Status())
	}
}

// sneakingSelector inserts one extra submission while selection is running,
// mimicking a submit that commits between the listing and the close.
type sneakingSelector struct {
	repo     repo.Repo
	sub      domain.Submission
	calls    int
	injected bool
}

func (s *sneakingSelector) Select(ctx context.Context, c domain.Contract, subs []domain.Submission, reps map[string]int) (string, error) {
	s.calls++
	if !s.injected {
		s.injected = true
		tx, err := s.repo.DB.Begin()
		if err != nil {
			return "", err
		}
		if err := s.repo.InsertSubmissionTx(ctx, tx, s.sub); err != nil {
			tx.Rollback()
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
	}
	return judge.Scorer{}.Select(ctx, c, subs, reps)
}

func TestEvaluateReconsidersSubmissionLandingDuringSelection(t *testing.T) {
	env := newTestEnv(t)
	_, contracts := env.mustGoal(t, "goal")
	env.mustAgent(t, "agent-a", domain.AgentArtist)
	target := contracts[0]
	if _, err := env.Engine.Submit(env.Ctx, target.ID, "agent-a", "entry", "agent-a"); err != nil {
		t.Fatal(err)
	}

	// The sneaked submission carries an earlier timestamp, so a selection
	// over the full set must pick it on the reputation tie.
	sel := &sneakingSelector{
		repo: env.Engine.Repo,
		sub: domain.Submission{
			ID:         "sub-sneak",
			ContractID: target.ID,
			AgentID:    "agent-b",
			Data:       "in-flight entry",
			CreatedAt:  env.Now.Add(-time.Second).UTC().Format(time.RFC3339),
		},
	}
	env.Engine.Selector = sel
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)

	res, err := env.Engine.EvaluateContract(env.Ctx, target.ID, "tester")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sel.calls != 2 {
		t.Fatalf("selector called %d times, want 2 (re-selection over the fresh set)", sel.calls)
	}
	if res.WinningSubmissionID == nil || *res.WinningSubmissionID != "sub-sneak" {
		t.Fatalf("winner = %v, want sub-sneak", res.WinningSubmissionID)
	}
}

func TestConcurrentEvaluationSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	_, contracts := env.mustGoal(t, "goal")
	env.mustAgent(t, "agent-a", domain.AgentArtist)
	target := contracts[0]
	if _, err := env.Engine.Submit(env.Ctx, target.ID, "agent-a", "entry", "agent-a"); err != nil {
		t.Fatal(err)
	}
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)

	const n = 4
	var wg sync.WaitGroup
	results := make([]domain.Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.EvaluateContract(env.Ctx, target.ID, "tester")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("evaluator %d: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if *results[i].WinningSubmissionID != *results[0].WinningSubmissionID {
			t.Fatal("concurrent evaluations disagree on the winner")
		}
	}
	subs, err := env.Engine.Repo.ListSubmissions(env.Ctx, target.ID)
	if err != nil {
		t.Fatal(err)
	}
	winners := 0
	for _, s := range subs {
		if s.IsWinner {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("got %d winner flags, want exactly 1", winners)
	}
	a, err := env.Engine.Repo.GetAgent(env.Ctx, "agent-a")
	if err != nil {
		t.Fatal(err)
	}
	if a.Reputation != 1 {
		t.Fatalf("reputation = %d after concurrent evaluation, want 1", a.Reputation)
	}
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	g, contracts := env.mustGoal(t, "goal")
	env.mustAgent(t, "agent-a", domain.AgentArtist)
	if _, err := env.Engine.Submit(env.Ctx, contracts[0].ID, "agent-a", "entry", "agent-a"); err != nil {
		t.Fatal(err)
	}
	env.advance(env.Engine.Config.Marketplace.DeadlineWindow + time.Second)
	if _, err := env.Engine.GoalStatus(env.Ctx, g.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, want := range []string{"goal.created", "contract.created", "submission.received", "contract.closed", "result.published", "reputation.incremented", "goal.completed"} {
		if !seen[want] {
			t.Errorf("missing %s event", want)
		}
	}
}
