package resolver

import (
	"context"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// queryBatch dispatches req to each server in batch with concurrency
// bounded by opts.Concurrency; the first successful response wins and
// the remaining in-flight queries are cancelled, per spec.md §5.
func queryBatch(ctx context.Context, dispatcher Dispatcher, batch []NameServerAddress, req *dns.Msg, opts ResolveOptions, cb *circuitBreaker) (*dns.Msg, error) {
	if len(batch) == 0 {
		return nil, errNoReachableAuth
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	type result struct {
		resp *dns.Msg
		err  error
		kind DispatchFailureKind
	}
	results := make(chan result, len(batch))

	for _, server := range batch {
		server := server
		if cb != nil && !cb.canQuery(server.Addr) {
			continue
		}
		g.Go(func() error {
			outcome := dispatcher.Query(gctx, server, req, opts)
			if outcome.Err != nil {
				if cb != nil {
					cb.recordFailure(server.Addr)
				}
				select {
				case results <- result{err: outcome.Err, kind: outcome.Kind}:
				case <-gctx.Done():
				}
				return nil
			}
			if cb != nil {
				cb.recordSuccess(server.Addr)
			}
			select {
			case results <- result{resp: outcome.Response}:
			case <-gctx.Done():
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()

	var lastErr error
	var lastKind DispatchFailureKind
	for res := range results {
		if res.err != nil {
			lastErr = res.err
			lastKind = res.kind
			continue
		}
		if res.resp != nil {
			cancel()
			return res.resp, nil
		}
	}

	if lastErr != nil {
		return nil, newDispatchError(lastKind, lastErr)
	}
	return nil, errNoReachableAuth
}
