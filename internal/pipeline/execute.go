package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/avenir-labs/gantry/internal/cache"
	"github.com/avenir-labs/gantry/internal/observability"
	"github.com/avenir-labs/gantry/internal/util"
)

// execute runs the handler with the endpoint's policies applied: circuit
// breaker innermost, cache wrapping for reads, deadline race outermost.
func (p *Pipeline) execute(ctx context.Context, req *Request, ep *Endpoint, rc *Context) (any, error) {
	run := func(ctx context.Context) (any, error) {
		return p.runHandler(ctx, req, ep, rc)
	}

	if ep.Timeout <= 0 {
		return run(ctx)
	}

	// The handler races a deadline. The deadline firing cancels the
	// handler's context, but its result is discarded rather than awaited;
	// a handler that ignores cancellation may still complete afterwards.
	execCtx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		data, err := run(execCtx)
		done <- outcome{data: data, err: err}
	}()

	select {
	case o := <-done:
		return o.data, o.err
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			GetPipelineMetrics().stageErrorsTotal.WithLabelValues("execute", "REQUEST_TIMEOUT").Inc()
			p.logger.Warn("handler deadline exceeded",
				observability.String("endpoint", ep.Name),
				observability.Duration("timeout", ep.Timeout))
			return nil, util.NewTimeoutError("")
		}
		return nil, util.NewInternalError(execCtx.Err())
	}
}

// runHandler applies cache wrapping and the circuit breaker around the
// user handler.
func (p *Pipeline) runHandler(ctx context.Context, req *Request, ep *Endpoint, rc *Context) (any, error) {
	if ep.Cache != nil && isRead(strings.ToUpper(req.Method)) {
		return p.runCached(ctx, req, ep, rc)
	}
	return p.invoke(ctx, ep, rc)
}

// invoke calls the handler, through the circuit breaker when enabled.
func (p *Pipeline) invoke(ctx context.Context, ep *Endpoint, rc *Context) (any, error) {
	if !ep.Breaker {
		return ep.Handler(ctx, rc)
	}

	data, err := p.breaker(ep).Execute(func() (any, error) {
		return ep.Handler(ctx, rc)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			GetPipelineMetrics().breakerOpenTotal.WithLabelValues(ep.Name).Inc()
			return nil, util.NewServiceUnavailableError("")
		}
		return nil, err
	}
	return data, nil
}

// runCached checks the cache before the handler and stores the result on a
// miss. Concurrent misses on one key share a single computation.
func (p *Pipeline) runCached(ctx context.Context, req *Request, ep *Endpoint, rc *Context) (any, error) {
	store, err := p.caches.Resolve(ep.Cache.Adapter)
	if err != nil {
		return nil, err
	}

	var userID string
	if rc.User != nil {
		userID = rc.User.ID
	}

	key := newCacheKey(ep, req, userID)

	if raw, err := store.Get(ctx, key); err == nil {
		var data any
		if err := json.Unmarshal(raw, &data); err == nil {
			rc.Logger.Debug("cache hit", observability.String("key", key))
			return data, nil
		}
		// Undecodable entries are treated as misses and overwritten.
		p.logger.Warn("discarding undecodable cache entry",
			observability.String("key", key))
	}

	data, err, _ := p.flight.Do(key, func() (any, error) {
		data, err := p.invoke(ctx, ep, rc)
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(data)
		if err != nil {
			// The result still serves this request; it just cannot
			// be cached.
			p.logger.Warn("cache store skipped, value not serializable",
				observability.String("key", key),
				observability.Error(err))
			return data, nil
		}

		if err := store.Set(ctx, key, raw, ep.Cache.TTL, ep.Cache.Tags); err != nil {
			p.logger.Warn("cache store failed",
				observability.String("key", key),
				observability.Error(err))
		}
		return data, nil
	})

	return data, err
}

// newCacheKey derives the cache key from the endpoint's configured
// dimensions. HEAD shares GET's key so the fallback serves the same entry.
func newCacheKey(ep *Endpoint, req *Request, userID string) string {
	cfg := ep.Cache.Key
	if cfg.Prefix == "" {
		cfg.Prefix = ep.Name
	}

	method := strings.ToUpper(req.Method)
	if method == "HEAD" {
		method = "GET"
	}

	return cache.NewKeyBuilder(cfg).Build(method, req.Path, req.Query, req.Headers, userID)
}
