package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/taxrag/taxrag/internal/llm"
)

// LLMScorer uses an LLM to score query-passage pairs for relevance. The
// model sees query and passage together, which approximates a cross-encoder
// without hosting a dedicated scoring model.
type LLMScorer struct {
	llmClient llm.LLM
	model     string
	timeout   time.Duration
}

// LLMScorerOption is a functional option for configuring LLMScorer.
type LLMScorerOption func(*LLMScorer)

// WithModel sets the model to use for scoring.
func WithModel(model string) LLMScorerOption {
	return func(s *LLMScorer) {
		s.model = model
	}
}

// WithTimeout bounds each scoring batch. A timed-out batch returns an error
// so the caller can degrade to recall ordering instead of hanging a request.
func WithTimeout(timeout time.Duration) LLMScorerOption {
	return func(s *LLMScorer) {
		s.timeout = timeout
	}
}

// NewLLMScorer creates a new LLM-based relevance scorer.
func NewLLMScorer(llmClient llm.LLM, opts ...LLMScorerOption) *LLMScorer {
	s := &LLMScorer{
		llmClient: llmClient,
		model:     "llama3.2", // Default model
		timeout:   30 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

type scoreResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// ScoreBatch scores each passage's relevance to the query in one model call.
func (s *LLMScorer) ScoreBatch(ctx context.Context, query string, passages []string) ([]CandidateScore, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	prompt := s.buildScoringPrompt(query, passages)

	opts := llm.GenerateOptions{
		Model:       s.model,
		Temperature: 0.0, // Deterministic scoring
		MaxTokens:   1024,
	}

	response, err := s.llmClient.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("LLM scoring failed: %w", err)
	}

	scores, err := s.parseScoreResponse(response, len(passages))
	if err != nil {
		return nil, fmt.Errorf("LLM scoring returned unusable output: %w", err)
	}

	return scores, nil
}

// ModelName returns the model identifier for logging.
func (s *LLMScorer) ModelName() string {
	return s.model
}

// buildScoringPrompt constructs the prompt for LLM-based relevance scoring.
func (s *LLMScorer) buildScoringPrompt(query string, passages []string) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, passage := range passages {
		// Truncate content to avoid token limits
		if len(passage) > 500 {
			passage = passage[:500] + "..."
		}
		sb.WriteString(fmt.Sprintf("[Doc %d]: %s\n\n", i, passage))
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseScoreResponse extracts per-passage scores from the LLM response.
// Passages the model skipped are simply absent from the result; the caller
// decides what a missing score means.
func (s *LLMScorer) parseScoreResponse(response string, numPassages int) ([]CandidateScore, error) {
	response = strings.TrimSpace(response)

	// Try to extract JSON from markdown code blocks if present
	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	response = strings.TrimSpace(response)

	var parsed scoreResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse score response: %w", err)
	}

	seen := make(map[int]bool, numPassages)
	scores := make([]CandidateScore, 0, numPassages)
	for _, entry := range parsed.Scores {
		if entry.DocIndex < 0 || entry.DocIndex >= numPassages || seen[entry.DocIndex] {
			continue
		}
		seen[entry.DocIndex] = true

		// Clamp score to the prompted range
		score := entry.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		scores = append(scores, CandidateScore{Index: entry.DocIndex, Score: score})
	}

	if len(scores) == 0 {
		return nil, fmt.Errorf("no valid scores in response")
	}

	return scores, nil
}

// Ensure LLMScorer implements Scorer interface.
var _ Scorer = (*LLMScorer)(nil)
