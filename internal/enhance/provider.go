// Package enhance is the optional post-retrieval stage: LLM reranking and
// answer synthesis over a pluggable provider set. Provider failure is never
// fatal to a search; callers always get the baseline result set back.
package enhance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"docsearch/internal/models"
)

// Provider kinds. Cloud providers need a caller-supplied key; the local
// provider needs none but is slower.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindOllama    = "ollama"
)

// ProviderSpec selects and configures one provider for a single query.
// Nothing in it is persisted anywhere.
type ProviderSpec struct {
	Kind    string
	APIKey  string
	BaseURL string

	// Model, when set, overrides the per-kind defaults for both rerank
	// and synthesis calls.
	Model string

	Timeout time.Duration
}

// Usage reports provider token consumption for one enhancement pipeline.
type Usage struct {
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Provider is the uniform rerank/synthesize contract. Rerank returns the new
// candidate ordering as indices into the candidate slice.
type Provider interface {
	Name() string
	Rerank(ctx context.Context, query string, candidates []models.SearchResult, topK int) ([]int, *Usage, error)
	Synthesize(ctx context.Context, query string, candidates []models.SearchResult) (string, *Usage, error)
}

// per-kind default models: a fast one for reranking, a quality one for
// synthesis (mirrors the interactive/latency split).
var defaultModels = map[string][2]string{
	KindOpenAI:    {"gpt-4o-mini", "gpt-4o"},
	KindAnthropic: {"claude-haiku-4-5-20251001", "claude-sonnet-4-5-20250929"},
	KindOllama:    {"llama3.1", "llama3.1"},
}

const (
	defaultCloudTimeout = 15 * time.Second
	defaultLocalTimeout = 120 * time.Second
	defaultOllamaURL    = "http://localhost:11434"
)

// NewProvider builds a provider from its spec. Unknown kinds and missing
// credentials are construction errors, reported per-provider, not fatal.
func NewProvider(spec ProviderSpec) (Provider, error) {
	fast, quality := spec.Model, spec.Model
	if spec.Model == "" {
		defaults, ok := defaultModels[spec.Kind]
		if !ok {
			return nil, fmt.Errorf("unknown provider kind: %s", spec.Kind)
		}
		fast, quality = defaults[0], defaults[1]
	}

	timeout := spec.Timeout
	var client llms.Model
	var err error
	switch spec.Kind {
	case KindOpenAI:
		if spec.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(spec.APIKey, "Bearer ")),
			openai.WithModel(fast),
		}
		if spec.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(spec.BaseURL))
		}
		client, err = openai.New(opts...)
		if timeout == 0 {
			timeout = defaultCloudTimeout
		}
	case KindAnthropic:
		if spec.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		client, err = anthropic.New(
			anthropic.WithToken(spec.APIKey),
			anthropic.WithModel(fast),
		)
		if timeout == 0 {
			timeout = defaultCloudTimeout
		}
	case KindOllama:
		baseURL := spec.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		client, err = ollama.New(
			ollama.WithServerURL(baseURL),
			ollama.WithModel(fast),
		)
		if timeout == 0 {
			timeout = defaultLocalTimeout
		}
	default:
		return nil, fmt.Errorf("unknown provider kind: %s", spec.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s provider: %w", spec.Kind, err)
	}

	return &llmProvider{
		name:         spec.Kind,
		client:       client,
		fastModel:    fast,
		qualityModel: quality,
		timeout:      timeout,
	}, nil
}

// llmProvider implements the contract over any langchaingo chat model.
type llmProvider struct {
	name         string
	client       llms.Model
	fastModel    string
	qualityModel string
	timeout      time.Duration
}

func (p *llmProvider) Name() string { return p.name }

func (p *llmProvider) Rerank(ctx context.Context, query string, candidates []models.SearchResult, topK int) ([]int, *Usage, error) {
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	var snippets []string
	for i, c := range candidates {
		snippets = append(snippets, fmt.Sprintf("[%d] (file: %s) %s", i, c.Filename, truncate(c.Text, 200)))
	}
	prompt := fmt.Sprintf(models.RerankPromptTemplate, topK, query, strings.Join(snippets, "\n\n"))

	text, usage, err := p.complete(ctx, prompt, p.fastModel, 300)
	if err != nil {
		return nil, usage, err
	}

	indices, err := parseRerankIndices(text, len(candidates), topK)
	if err != nil {
		return nil, usage, fmt.Errorf("parsing rerank response: %w", err)
	}
	return indices, usage, nil
}

func (p *llmProvider) Synthesize(ctx context.Context, query string, candidates []models.SearchResult) (string, *Usage, error) {
	if len(candidates) == 0 {
		return "", nil, nil
	}

	var sources []string
	for i, c := range candidates {
		sources = append(sources, fmt.Sprintf("[Source %d: %s, page %d]\n%s", i+1, c.Filename, c.PageNumber, c.Text))
	}
	prompt := fmt.Sprintf(models.SynthesisPromptTemplate, query, strings.Join(sources, "\n\n---\n\n"))

	return p.complete(ctx, prompt, p.qualityModel, 1024)
}

func (p *llmProvider) complete(ctx context.Context, prompt, model string, maxTokens int) (string, *Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: prompt}},
		},
	}
	resp, err := p.client.GenerateContent(ctx, messages,
		llms.WithModel(model),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return "", nil, err
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("provider returned no choices")
	}

	choice := resp.Choices[0]
	return strings.TrimSpace(choice.Content), usageFromInfo(choice.GenerationInfo, model), nil
}

// usageFromInfo reads token counts from langchaingo generation info; the key
// names differ per backend.
func usageFromInfo(info map[string]any, model string) *Usage {
	if info == nil {
		return nil
	}
	in := intFromInfo(info, "PromptTokens", "InputTokens", "prompt_tokens", "input_tokens")
	out := intFromInfo(info, "CompletionTokens", "OutputTokens", "completion_tokens", "output_tokens")
	if in == 0 && out == 0 {
		return nil
	}
	return &Usage{InputTokens: in, OutputTokens: out, Model: model}
}

func intFromInfo(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

// parseRerankIndices expects a JSON array of candidate indices, possibly
// wrapped in a markdown code fence. Out-of-range and duplicate indices are
// dropped; anything unparseable is an error and the caller keeps the
// original order.
func parseRerankIndices(raw string, numCandidates, topK int) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		if _, rest, ok := strings.Cut(raw, "\n"); ok {
			raw = rest
		}
		if idx := strings.LastIndex(raw, "```"); idx >= 0 {
			raw = raw[:idx]
		}
		raw = strings.TrimSpace(raw)
	}

	var indices []int
	if err := json.Unmarshal([]byte(raw), &indices); err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(indices))
	valid := make([]int, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= numCandidates || seen[i] {
			continue
		}
		seen[i] = true
		valid = append(valid, i)
		if len(valid) == topK {
			break
		}
	}
	return valid, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
