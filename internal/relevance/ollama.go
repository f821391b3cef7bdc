package relevance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/JakeFAU/scout/internal/crawler"
)

const snippetLimit = 100

// ErrEmptyBatch is returned when an oracle is asked to score nothing.
var ErrEmptyBatch = errors.New("empty batch")

// Ollama scores batches with a local model through /api/generate.
type Ollama struct {
	client *req.Client
	model  string
}

// NewOllama builds an oracle against host, e.g. http://localhost:11434.
func NewOllama(host, model string, timeout time.Duration) (*Ollama, error) {
	if host == "" || model == "" {
		return nil, errors.New("ollama host and model are required")
	}
	return &Ollama{
		client: req.C().SetBaseURL(strings.TrimRight(host, "/")).SetTimeout(timeout),
		model:  model,
	}, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Score implements crawler.RelevanceOracle.
func (o *Ollama) Score(ctx context.Context, query, text string) (int, error) {
	scores, err := o.ScoreBatch(ctx, query, []string{text})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// ScoreBatch implements crawler.RelevanceOracle. The model answers on a
// 0..1 scale which is mapped onto 0..100.
func (o *Ollama) ScoreBatch(ctx context.Context, query string, texts []string) ([]int, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}
	var out generateResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetBodyJsonMarshal(generateRequest{
			Model:  o.model,
			Prompt: buildPrompt(query, texts),
			Format: "json",
		}).
		SetSuccessResult(&out).
		Post("/api/generate")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrOracleUnavailable, err)
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("%w: status %d", crawler.ErrOracleUnavailable, resp.StatusCode)
	}
	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(out.Response), &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode scores: %w", crawler.ErrOracleUnavailable, err)
	}
	scores := make([]int, len(parsed.Scores))
	for i, s := range parsed.Scores {
		scores[i] = int(math.Round(s * 100))
	}
	return scores, nil
}

func buildPrompt(query string, texts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are scoring websites for relevance to a search query.\n\nQUERY: %q\n\nWEBSITES:\n", query)
	for i, text := range texts {
		lines := strings.SplitN(text, "\n", 3)
		fmt.Fprintf(&b, "%d. %s\n", i+1, lines[0])
		for _, extra := range lines[1:] {
			if r := []rune(extra); len(r) > snippetLimit {
				extra = string(r[:snippetLimit])
			}
			fmt.Fprintf(&b, "   %s\n", extra)
		}
	}
	b.WriteString(`
For each website, score its relevance from 0.0 to 1.0:
- 1.0 = exact match to the query intent
- 0.7 = highly relevant
- 0.5 = tangentially related
- 0.3 = barely related
- 0.0 = not relevant

Return ONLY a JSON object of the form {"scores": [0.9, 0.7, 0.3]} with one score per website, in order.`)
	return b.String()
}
