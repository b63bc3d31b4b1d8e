package enhance

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"docsearch/internal/models"
)

// Options selects which enhancements run for one search request.
type Options struct {
	Rerank     bool
	Synthesize bool
	Providers  []ProviderSpec
}

// Enhancement is one provider's output, surfaced separately per provider.
// Errors are metadata on the result, never a failed search.
type Enhancement struct {
	Provider     string                `json:"provider"`
	Results      []models.SearchResult `json:"results"`
	Synthesis    string                `json:"synthesis,omitempty"`
	Usage        *Usage                `json:"usage,omitempty"`
	RerankErr    string                `json:"rerank_error,omitempty"`
	SynthesisErr string                `json:"synthesis_error,omitempty"`
	Err          string                `json:"error,omitempty"`
}

// Run fans the candidate set out to the given providers. Each provider's
// pipeline runs in its own goroutine; one provider failing or stalling never
// affects another. Results come back in provider order.
func Run(ctx context.Context, query string, candidates []models.SearchResult, topK int, opts Options, providers []Provider) []Enhancement {
	enhancements := make([]Enhancement, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			enhancements[i] = runOne(ctx, query, candidates, topK, opts, p)
		}(i, p)
	}
	wg.Wait()
	return enhancements
}

func runOne(ctx context.Context, query string, candidates []models.SearchResult, topK int, opts Options, p Provider) Enhancement {
	e := Enhancement{Provider: p.Name()}
	results := candidates

	if opts.Rerank {
		indices, usage, err := p.Rerank(ctx, query, candidates, topK)
		mergeUsage(&e, usage)
		if err != nil {
			// keep the original ranking
			log.Warn().Err(err).Str("provider", p.Name()).Msg("rerank failed, keeping original order")
			e.RerankErr = err.Error()
		} else if len(indices) > 0 {
			reranked := make([]models.SearchResult, 0, len(indices))
			for _, idx := range indices {
				reranked = append(reranked, candidates[idx])
			}
			results = reranked
		}
	}

	if len(results) > topK {
		results = results[:topK]
	}
	e.Results = results

	if opts.Synthesize {
		synthesis, usage, err := p.Synthesize(ctx, query, results)
		mergeUsage(&e, usage)
		if err != nil {
			log.Warn().Err(err).Str("provider", p.Name()).Msg("synthesis failed, returning results without it")
			e.SynthesisErr = err.Error()
		} else {
			e.Synthesis = synthesis
		}
	}
	return e
}

func mergeUsage(e *Enhancement, usage *Usage) {
	if usage == nil {
		return
	}
	if e.Usage == nil {
		e.Usage = &Usage{Model: usage.Model}
	}
	e.Usage.InputTokens += usage.InputTokens
	e.Usage.OutputTokens += usage.OutputTokens
}
