package llm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/medredact/deid/internal/cache"
	"github.com/medredact/deid/internal/phi"
)

// Options configures the identifier.
type Options struct {
	// Timeout bounds each provider call, retries included individually.
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after the first.
	// Capped at 2: the identifier sits inside a per-chunk hot path and more
	// attempts only stretch batch latency without improving recall.
	MaxRetries int

	// RetryBackoff is the base backoff, doubled per attempt.
	RetryBackoff time.Duration

	// RequestsPerSecond and Burst gate calls to the provider. Zero
	// RequestsPerSecond disables the limiter.
	RequestsPerSecond float64
	Burst             int

	// Model, Language and RegulationContext flow into prompts and the
	// cache key. A config change to any of them must never serve a stale
	// cached detection.
	Model             string
	Language          string
	RegulationContext string

	// AgeThreshold is the explicit age cutoff given to the model.
	AgeThreshold int
}

// Stats holds identifier counters since startup. Read with the Stats
// method; fields are updated atomically.
type Stats struct {
	Calls          int64
	CacheHits      int64
	ParseFallbacks int64
	Timeouts       int64
	Degradations   int64
}

// Identifier runs the semantic PHI identification step: prompt, call,
// parse, with caching, rate limiting and bounded retries. All failure
// modes degrade to an empty candidate list plus a returned error so the
// pipeline can record the degradation without losing the chunk.
type Identifier struct {
	provider Provider
	cache    *cache.ResultCache
	limiter  *rate.Limiter
	opts     Options
	logger   *zap.Logger
	stats    Stats
}

// NewIdentifier creates an identifier. cache may be nil (caching disabled).
func NewIdentifier(provider Provider, resultCache *cache.ResultCache, opts Options, logger *zap.Logger) (*Identifier, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: llm identifier requires a provider", phi.ErrConfiguration)
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("%w: llm timeout must be positive", phi.ErrConfiguration)
	}
	if opts.MaxRetries < 0 || opts.MaxRetries > 2 {
		return nil, fmt.Errorf("%w: llm max_retries %d out of range [0,2]", phi.ErrConfiguration, opts.MaxRetries)
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.AgeThreshold <= 0 {
		opts.AgeThreshold = 89
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Identifier{
		provider: provider,
		cache:    resultCache,
		limiter:  limiter,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Identify runs semantic identification over one chunk of text. hints are
// chunk-local candidates from the pattern tools, passed to the model for
// confirmation and extension. Returned offsets are chunk-local.
//
// On timeout or persistent parse failure it returns an empty slice together
// with the error; callers treat that as a degraded-but-processed chunk.
func (id *Identifier) Identify(ctx context.Context, chunkText string, hints []phi.Candidate) ([]phi.Candidate, error) {
	if chunkText == "" {
		return nil, nil
	}

	var key string
	if id.cache != nil {
		key = cache.Key(id.opts.Model, id.opts.Language, id.opts.RegulationContext, chunkText)
		if cached, ok := id.cache.Get(ctx, key); ok {
			atomic.AddInt64(&id.stats.CacheHits, 1)
			return cached, nil
		}
	}

	prompt := BuildPrompt(chunkText, id.opts.RegulationContext, hints, id.opts.Language, id.opts.AgeThreshold)
	req := Request{System: systemInstruction, Prompt: prompt, JSONOutput: true}

	var lastErr error
	for attempt := 0; attempt <= id.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := id.opts.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				atomic.AddInt64(&id.stats.Degradations, 1)
				return nil, fmt.Errorf("%w: %v", phi.ErrLLMTimeout, ctx.Err())
			case <-time.After(backoff):
			}
		}

		candidates, err := id.callOnce(ctx, req)
		if err == nil {
			if id.cache != nil {
				id.cache.Set(ctx, key, candidates)
			}
			return candidates, nil
		}
		lastErr = err
		id.logger.Warn("LLM identification attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", id.opts.MaxRetries+1),
			zap.Error(err))

		// A cancelled parent context means the whole run is shutting down;
		// retrying would only delay it.
		if ctx.Err() != nil {
			break
		}
	}

	atomic.AddInt64(&id.stats.Degradations, 1)
	return nil, lastErr
}

// callOnce performs one rate-limited, deadline-bounded provider call and
// parses the result.
func (id *Identifier) callOnce(ctx context.Context, req Request) ([]phi.Candidate, error) {
	if id.limiter != nil {
		if err := id.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", phi.ErrLLMTimeout, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, id.opts.Timeout)
	defer cancel()

	atomic.AddInt64(&id.stats.Calls, 1)
	resp, err := id.provider.Generate(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			atomic.AddInt64(&id.stats.Timeouts, 1)
			return nil, fmt.Errorf("%w: call exceeded %s", phi.ErrLLMTimeout, id.opts.Timeout)
		}
		return nil, fmt.Errorf("%w: %v", phi.ErrDetection, err)
	}

	candidates, fallbackIndex, err := ParseResponse(resp.Content)
	if err != nil {
		return nil, err
	}
	if fallbackIndex > 0 {
		atomic.AddInt64(&id.stats.ParseFallbacks, 1)
		id.logger.Debug("LLM response required parse fallback",
			zap.Int("fallback_index", fallbackIndex),
			zap.String("model", resp.Model))
	}
	return candidates, nil
}

// Stats returns a snapshot of the identifier counters.
func (id *Identifier) Stats() Stats {
	return Stats{
		Calls:          atomic.LoadInt64(&id.stats.Calls),
		CacheHits:      atomic.LoadInt64(&id.stats.CacheHits),
		ParseFallbacks: atomic.LoadInt64(&id.stats.ParseFallbacks),
		Timeouts:       atomic.LoadInt64(&id.stats.Timeouts),
		Degradations:   atomic.LoadInt64(&id.stats.Degradations),
	}
}
