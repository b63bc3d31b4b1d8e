// Package embedding wraps a langchaingo embedder behind a process-wide
// service. The model is loaded once at startup and injected; if it cannot be
// loaded the service must not start, since search is meaningless without it.
package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"docsearch/internal/config"
)

// Service maps text to L2-normalized dense vectors of a fixed dimension.
type Service struct {
	embedder *embeddings.EmbedderImpl
	model    string
	dim      int
}

// NewService builds the embedder for the configured backend and probes the
// vector dimension with a one-off embed call. The dimension is fixed for the
// lifetime of the process.
func NewService(ctx context.Context, cfg *config.LLMConfig) (*Service, error) {
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	probe, err := embedder.EmbedQuery(ctx, "dimension probe")
	if err != nil {
		return nil, fmt.Errorf("probing embedding model %s: %w", cfg.Model, err)
	}
	if len(probe) == 0 {
		return nil, fmt.Errorf("embedding model %s returned an empty vector", cfg.Model)
	}

	log.Info().Str("model", cfg.Model).Int("dim", len(probe)).Msg("embedding model ready")
	return &Service{embedder: embedder, model: cfg.Model, dim: len(probe)}, nil
}

func newEmbedder(cfg *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	switch cfg.Provider {
	case "ollama":
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("initializing ollama embedder: %w", err)
		}
		return embeddings.NewEmbedder(llm)
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("initializing openai embedder: %w", err)
		}
		return embeddings.NewEmbedder(llm)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// Dim returns the vector dimension fixed at load time.
func (s *Service) Dim() int { return s.dim }

// Model returns the embedding model name.
func (s *Service) Model() string { return s.model }

// EmbedTexts batch-encodes texts. Vectors come back L2-normalized so the
// index's cosine-from-distance identity holds.
func (s *Service) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	for i, v := range vecs {
		if len(v) != s.dim {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), s.dim)
		}
		Normalize(v)
	}
	return vecs, nil
}

// EmbedQuery encodes a single query text, L2-normalized.
func (s *Service) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vec) != s.dim {
		return nil, fmt.Errorf("query embedding has dimension %d, want %d", len(vec), s.dim)
	}
	Normalize(vec)
	return vec, nil
}

// Normalize scales v to unit L2 norm in place. Zero vectors are left as-is.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}
