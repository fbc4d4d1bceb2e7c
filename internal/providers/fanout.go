package providers

import (
	"context"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/rs/zerolog"
)

// Fanout queries several quote sources concurrently and merges their
// batches in source order. A failing source is dropped from the batch as
// long as another one answered.
type Fanout struct {
	sources []QuoteSource
	log     zerolog.Logger

	mu       sync.Mutex
	statuses []model.ProviderStatus
}

func NewFanout(log zerolog.Logger, sources ...QuoteSource) *Fanout {
	return &Fanout{sources: sources, log: log.With().Str("component", "fanout").Logger()}
}

func (f *Fanout) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "quotes",
		Type:         "quotes",
		RequiresKey:  false,
		Capabilities: []string{"bridge.quote"},
	}
}

type fetchResult struct {
	quotes  []model.QuoteResponse
	err     error
	latency time.Duration
}

func (f *Fanout) FetchQuotes(ctx context.Context, req model.QuoteRequest) ([]model.QuoteResponse, error) {
	if len(f.sources) == 0 {
		return nil, clierr.New(clierr.CodeUnsupported, "no quote sources configured")
	}

	results := make([]fetchResult, len(f.sources))
	var wg sync.WaitGroup
	for i, src := range f.sources {
		wg.Add(1)
		go func(i int, src QuoteSource) {
			defer wg.Done()
			start := time.Now()
			quotes, err := src.FetchQuotes(ctx, req)
			results[i] = fetchResult{quotes: quotes, err: err, latency: time.Since(start)}
		}(i, src)
	}
	wg.Wait()

	statuses := make([]model.ProviderStatus, 0, len(results))
	merged := make([]model.QuoteResponse, 0)
	var firstErr error
	succeeded := 0
	for i, res := range results {
		name := f.sources[i].Info().Name
		statuses = append(statuses, model.ProviderStatus{
			Name:      name,
			Status:    StatusFromError(res.err),
			LatencyMS: res.latency.Milliseconds(),
		})
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			f.log.Warn().Err(res.err).Str("source", name).Msg("quote source failed")
			continue
		}
		succeeded++
		merged = append(merged, res.quotes...)
	}

	f.mu.Lock()
	f.statuses = statuses
	f.mu.Unlock()

	if succeeded == 0 {
		return nil, firstErr
	}
	return merged, nil
}

// Statuses reports the outcome of each source in the last fetch.
func (f *Fanout) Statuses() []model.ProviderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ProviderStatus(nil), f.statuses...)
}

// StatusFromError maps a fetch error onto a provider status label.
func StatusFromError(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		case clierr.CodeSuperseded:
			return "superseded"
		}
	}
	return "error"
}
