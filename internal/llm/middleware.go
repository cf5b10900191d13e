package llm

import (
	"context"
	"iter"
	"time"

	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/deepresearch/internal/retry"
)

// Middleware decorates a Client.
type Middleware func(Client) Client

// Chain applies mws so that the first one is the outermost.
func Chain(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

type retryClient struct {
	next   Client
	policy retry.Policy
}

// WithRetry retries transient failures of Generate and CountTokens. Streams
// are retried only while nothing has been yielded to the caller.
func WithRetry(p retry.Policy) Middleware {
	return func(next Client) Client {
		return &retryClient{next: next, policy: p}
	}
}

func (c *retryClient) Generate(ctx context.Context, req Request) (*Result, error) {
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (*Result, error) {
		return c.next.Generate(ctx, req)
	})
}

func (c *retryClient) CountTokens(ctx context.Context, model string, contents []Content) (int, error) {
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (int, error) {
		return c.next.CountTokens(ctx, model, contents)
	})
}

func (c *retryClient) GenerateStream(ctx context.Context, req Request) iter.Seq2[*Result, error] {
	return func(yield func(*Result, error) bool) {
		attempts := c.policy.MaxAttempts
		if attempts < 1 {
			attempts = 1
		}
		for attempt := 0; ; attempt++ {
			started := false
			var failed error
			for res, err := range c.next.GenerateStream(ctx, req) {
				if err != nil {
					failed = err
					break
				}
				started = true
				if !yield(res, nil) {
					return
				}
			}
			if failed == nil {
				return
			}
			if started || !retry.IsTransient(failed) || attempt >= attempts-1 {
				yield(nil, failed)
				return
			}
			delay := c.policy.Backoff(attempt)
			if c.policy.OnRetry != nil {
				c.policy.OnRetry(attempt+1, delay, failed)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				yield(nil, failed)
				return
			case <-timer.C:
			}
		}
	}
}

type limitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// WithRateLimit allows at most rpm requests per minute across all methods.
// A non-positive rpm disables limiting.
func WithRateLimit(rpm int) Middleware {
	return func(next Client) Client {
		if rpm <= 0 {
			return next
		}
		burst := rpm / 10
		if burst < 1 {
			burst = 1
		}
		return &limitedClient{next: next, limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)}
	}
}

func (c *limitedClient) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.next.Generate(ctx, req)
}

func (c *limitedClient) CountTokens(ctx context.Context, model string, contents []Content) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.next.CountTokens(ctx, model, contents)
}

func (c *limitedClient) GenerateStream(ctx context.Context, req Request) iter.Seq2[*Result, error] {
	return func(yield func(*Result, error) bool) {
		if err := c.limiter.Wait(ctx); err != nil {
			yield(nil, err)
			return
		}
		for res, err := range c.next.GenerateStream(ctx, req) {
			if !yield(res, err) || err != nil {
				return
			}
		}
	}
}

// Observer receives one notification per completed call.
type Observer interface {
	ObserveLLMCall(model, method string, elapsed time.Duration, err error)
}

type observedClient struct {
	next Client
	obs  Observer
}

// WithObserver reports call latency and outcome to obs.
func WithObserver(obs Observer) Middleware {
	return func(next Client) Client {
		if obs == nil {
			return next
		}
		return &observedClient{next: next, obs: obs}
	}
}

func (c *observedClient) Generate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := c.next.Generate(ctx, req)
	c.obs.ObserveLLMCall(req.Model, "generate", time.Since(start), err)
	return res, err
}

func (c *observedClient) CountTokens(ctx context.Context, model string, contents []Content) (int, error) {
	start := time.Now()
	n, err := c.next.CountTokens(ctx, model, contents)
	c.obs.ObserveLLMCall(model, "count_tokens", time.Since(start), err)
	return n, err
}

func (c *observedClient) GenerateStream(ctx context.Context, req Request) iter.Seq2[*Result, error] {
	return func(yield func(*Result, error) bool) {
		start := time.Now()
		var failed error
		defer func() { c.obs.ObserveLLMCall(req.Model, "stream", time.Since(start), failed) }()
		for res, err := range c.next.GenerateStream(ctx, req) {
			if err != nil {
				failed = err
			}
			if !yield(res, err) || err != nil {
				return
			}
		}
	}
}
