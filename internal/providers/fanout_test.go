package providers

import (
	"context"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/rs/zerolog"
)

type stubSource struct {
	name   string
	quotes []model.QuoteResponse
	err    error
	delay  time.Duration
}

func (s stubSource) Info() model.ProviderInfo { return model.ProviderInfo{Name: s.name, Type: "quotes"} }

func (s stubSource) FetchQuotes(ctx context.Context, _ model.QuoteRequest) ([]model.QuoteResponse, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.quotes, s.err
}

func quoteFrom(bridgeID, hop string) model.QuoteResponse {
	return model.QuoteResponse{Quote: model.Quote{BridgeID: bridgeID, Bridges: []string{hop}}}
}

func TestFanoutMergesInSourceOrder(t *testing.T) {
	f := NewFanout(zerolog.Nop(),
		stubSource{name: "aggregator", quotes: []model.QuoteResponse{quoteFrom("socket", "hop")}, delay: 20 * time.Millisecond},
		stubSource{name: "lifi", quotes: []model.QuoteResponse{quoteFrom("lifi", "across")}},
	)
	batch, err := f.FetchQuotes(context.Background(), model.QuoteRequest{})
	if err != nil {
		t.Fatalf("FetchQuotes failed: %v", err)
	}
	if len(batch) != 2 || batch[0].Quote.BridgeID != "socket" || batch[1].Quote.BridgeID != "lifi" {
		t.Fatalf("unexpected merge order: %+v", batch)
	}
	statuses := f.Statuses()
	if len(statuses) != 2 || statuses[0].Status != "ok" || statuses[1].Name != "lifi" {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
}

func TestFanoutToleratesPartialFailure(t *testing.T) {
	f := NewFanout(zerolog.Nop(),
		stubSource{name: "aggregator", err: clierr.New(clierr.CodeUnavailable, "down")},
		stubSource{name: "lifi", quotes: []model.QuoteResponse{quoteFrom("lifi", "across")}},
	)
	batch, err := f.FetchQuotes(context.Background(), model.QuoteRequest{})
	if err != nil {
		t.Fatalf("expected partial success, got %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if got := f.Statuses()[0].Status; got != "unavailable" {
		t.Fatalf("unexpected failed status: %s", got)
	}
}

func TestFanoutFailsWhenEverySourceFails(t *testing.T) {
	f := NewFanout(zerolog.Nop(),
		stubSource{name: "aggregator", err: clierr.New(clierr.CodeRateLimited, "slow down")},
		stubSource{name: "lifi", err: clierr.New(clierr.CodeUnavailable, "down")},
	)
	_, err := f.FetchQuotes(context.Background(), model.QuoteRequest{})
	if !clierr.Is(err, clierr.CodeRateLimited) {
		t.Fatalf("expected first source error, got %v", err)
	}
}

func TestFanoutEmptyBatchIsSuccess(t *testing.T) {
	f := NewFanout(zerolog.Nop(), stubSource{name: "aggregator", quotes: []model.QuoteResponse{}})
	batch, err := f.FetchQuotes(context.Background(), model.QuoteRequest{})
	if err != nil || batch == nil || len(batch) != 0 {
		t.Fatalf("expected empty non-nil batch, got %v %v", batch, err)
	}
}

func TestFanoutWithoutSources(t *testing.T) {
	_, err := NewFanout(zerolog.Nop()).FetchQuotes(context.Background(), model.QuoteRequest{})
	if !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}
