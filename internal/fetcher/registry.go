package fetcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"spike-alerts/internal/market"
)

// Registry routes FetchBatch to the source registered for each exchange.
type Registry struct {
	sources map[string]Source
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register binds exchange to src, replacing any previous binding.
func (r *Registry) Register(exchange string, src Source) {
	r.sources[exchange] = src
}

// Exchanges lists registered exchange names in order.
func (r *Registry) Exchanges() []string {
	out := make([]string, 0, len(r.sources))
	for name := range r.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FetchBatch implements Source.
func (r *Registry) FetchBatch(ctx context.Context, exchange string) ([]market.Snapshot, error) {
	src, ok := r.sources[exchange]
	if !ok {
		return nil, fmt.Errorf("no source registered for exchange %q", exchange)
	}
	return src.FetchBatch(ctx, exchange)
}

// Static serves preloaded batches. Each FetchBatch pops the next batch for the exchange.
type Static struct {
	mu      sync.Mutex
	batches map[string][][]market.Snapshot
	errs    map[string]error
}

// NewStatic returns an empty static source.
func NewStatic() *Static {
	return &Static{
		batches: make(map[string][][]market.Snapshot),
		errs:    make(map[string]error),
	}
}

// Push queues a batch for exchange.
func (s *Static) Push(exchange string, batch []market.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[exchange] = append(s.batches[exchange], batch)
}

// Fail makes the next fetch for exchange return err. A nil err clears it.
func (s *Static) Fail(exchange string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, exchange)
		return
	}
	s.errs[exchange] = err
}

// FetchBatch implements Source. An exhausted queue yields an empty batch.
func (s *Static) FetchBatch(ctx context.Context, exchange string) ([]market.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[exchange]; ok {
		delete(s.errs, exchange)
		return nil, err
	}
	queue := s.batches[exchange]
	if len(queue) == 0 {
		return nil, nil
	}
	s.batches[exchange] = queue[1:]
	return queue[0], nil
}

var (
	_ Source = (*Registry)(nil)
	_ Source = (*Static)(nil)
)
