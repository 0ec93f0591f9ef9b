package judge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"agora/internal/domain"
)

// Env configures the LLM judge from the environment (AGORA_JUDGE_* vars).
type Env struct {
	APIKey  string `envconfig:"API_KEY" required:"true"`
	BaseURL string `envconfig:"BASE_URL" default:""`
}

// Cache stores judge responses keyed by prompt hash. Selections over an
// unchanged submission set are answered without a model call, which also
// keeps re-evaluation deterministic.
type Cache interface {
	GetJudgeCache(ctx context.Context, promptHash string) (string, error)
	PutJudgeCache(ctx context.Context, promptHash, response, now string) error
}

// LLM judges submissions with an OpenAI-compatible chat model, the way the
// contract brief would be judged by an art director: relevance and quality
// first, author reputation as the tie-breaker.
type LLM struct {
	client openai.Client
	model  string
	cache  Cache
	now    func() time.Time
}

type verdict struct {
	WinningSubmissionID string `json:"winning_submission_id"`
	Justification       string `json:"justification"`
}

func NewLLM(model string, cache Cache) (*LLM, error) {
	var env Env
	if err := envconfig.Process("agora_judge", &env); err != nil {
		return nil, fmt.Errorf("judge env: %w", err)
	}
	opts := []option.RequestOption{option.WithAPIKey(env.APIKey)}
	if env.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(env.BaseURL, "/")))
	}
	return &LLM{
		client: openai.NewClient(opts...),
		model:  model,
		cache:  cache,
		now:    time.Now,
	}, nil
}

func (l *LLM) Select(ctx context.Context, contract domain.Contract, submissions []domain.Submission, reputation map[string]int) (string, error) {
	if len(submissions) == 0 {
		return "", nil
	}
	prompt := buildPrompt(contract, submissions, reputation)
	hash := sha256.Sum256([]byte(prompt))
	key := hex.EncodeToString(hash[:])

	raw, err := l.cache.GetJudgeCache(ctx, key)
	if err != nil {
		raw, err = l.ask(ctx, prompt)
		if err != nil {
			return "", err
		}
		_ = l.cache.PutJudgeCache(ctx, key, raw, l.now().UTC().Format(time.RFC3339))
	}

	var v verdict
	if err := json.Unmarshal([]byte(extractJSON(raw)), &v); err != nil {
		return "", fmt.Errorf("judge verdict: %w", err)
	}
	for _, s := range submissions {
		if s.ID == v.WinningSubmissionID {
			return v.WinningSubmissionID, nil
		}
	}
	return "", fmt.Errorf("judge picked unknown submission %q", v.WinningSubmissionID)
}

func (l *LLM) ask(ctx context.Context, prompt string) (string, error) {
	resp, err := l.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(l.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("judge completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("judge completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildPrompt(contract domain.Contract, submissions []domain.Submission, reputation map[string]int) string {
	var b strings.Builder
	for _, s := range submissions {
		fmt.Fprintf(&b, "<submission>\n  <id>%s</id>\n  <content>%s</content>\n  <author_reputation>%d</author_reputation>\n</submission>\n",
			s.ID, s.Data, reputation[s.AgentID])
	}
	return fmt.Sprintf(`You are an expert judge for a creative competition. Select the single best submission for the brief below.

<brief>
<title>%s</title>
<description>%s</description>
</brief>

<submissions>
%s</submissions>

Judge primarily on relevance and quality. If two submissions are of similar quality, prefer the one with the higher author_reputation.

Respond with ONLY a single raw JSON object:
{"winning_submission_id": "<id>", "justification": "<one sentence>"}`,
		contract.Title, contract.Description, b.String())
}

// extractJSON tolerates models that wrap the JSON object in prose.
func extractJSON(raw string) string {
	if i := strings.Index(raw, "{"); i >= 0 {
		return raw[i:]
	}
	return raw
}
