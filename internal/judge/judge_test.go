package judge

import (
	"context"
	"testing"

	"agora/internal/domain"
)

func sub(id, agentID, createdAt string) domain.Submission {
	return domain.Submission{ID: id, AgentID: agentID, CreatedAt: createdAt}
}

func TestScorerEmptySet(t *testing.T) {
	got, err := Scorer{}.Select(context.Background(), domain.Contract{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty winner for empty set", got)
	}
}

func TestScorerHighestReputationWins(t *testing.T) {
	subs := []domain.Submission{
		sub("sub-1", "novice", "2024-01-01T00:00:00Z"),
		sub("sub-2", "veteran", "2024-01-01T00:00:05Z"),
	}
	rep := map[string]int{"novice": 0, "veteran": 7}
	got, err := Scorer{}.Select(context.Background(), domain.Contract{}, subs, rep)
	if err != nil {
		t.Fatal(err)
	}
	if got != "sub-2" {
		t.Fatalf("got %s, want sub-2 (higher reputation)", got)
	}
}

func TestScorerTieBreaksOnSubmissionTime(t *testing.T) {
	subs := []domain.Submission{
		sub("sub-late", "a", "2024-01-01T00:00:10Z"),
		sub("sub-early", "b", "2024-01-01T00:00:01Z"),
	}
	got, err := Scorer{}.Select(context.Background(), domain.Contract{}, subs, map[string]int{"a": 3, "b": 3})
	if err != nil {
		t.Fatal(err)
	}
	if got != "sub-early" {
		t.Fatalf("got %s, want sub-early", got)
	}
}

func TestScorerTieBreaksOnID(t *testing.T) {
	subs := []domain.Submission{
		sub("sub-b", "a", "2024-01-01T00:00:00Z"),
		sub("sub-a", "b", "2024-01-01T00:00:00Z"),
	}
	got, err := Scorer{}.Select(context.Background(), domain.Contract{}, subs, map[string]int{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "sub-a" {
		t.Fatalf("got %s, want sub-a", got)
	}
}

func TestScorerDeterministicAcrossInputOrder(t *testing.T) {
	a := sub("sub-1", "x", "2024-01-01T00:00:00Z")
	b := sub("sub-2", "y", "2024-01-01T00:00:03Z")
	c := sub("sub-3", "z", "2024-01-01T00:00:06Z")
	rep := map[string]int{"x": 1, "y": 5, "z": 5}

	first, err := Scorer{}.Select(context.Background(), domain.Contract{}, []domain.Submission{a, b, c}, rep)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Scorer{}.Select(context.Background(), domain.Contract{}, []domain.Submission{c, a, b}, rep)
	if err != nil {
		t.Fatal(err)
	}
	if first != second || first != "sub-2" {
		t.Fatalf("got %s then %s, want sub-2 both times", first, second)
	}
}

func TestExtractJSONToleratesProse(t *testing.T) {
	raw := "Sure! Here is my verdict:\n{\"winning_submission_id\": \"sub-1\", \"justification\": \"best\"}"
	got := extractJSON(raw)
	if got[0] != '{' {
		t.Fatalf("extractJSON(%q) = %q", raw, got)
	}
}

func TestBuildPromptIsStable(t *testing.T) {
	contract := domain.Contract{Title: "Logo", Description: "Coffee brand"}
	subs := []domain.Submission{sub("sub-1", "a", "2024-01-01T00:00:00Z")}
	rep := map[string]int{"a": 2}
	first := buildPrompt(contract, subs, rep)
	second := buildPrompt(contract, subs, rep)
	if first != second {
		t.Fatal("prompt must be byte-stable for caching")
	}
}
