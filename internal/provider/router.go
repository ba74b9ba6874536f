package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RouterConfig holds routing and resilience tunables.
type RouterConfig struct {
	MaxRetries       int           // transient retries per candidate
	BackoffBase      time.Duration // first retry delay, doubles each retry
	FailureThreshold int           // breaker trip threshold
	Cooldown         time.Duration // breaker open window
}

// DefaultRouterConfig returns the standard resilience settings.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxRetries:       2,
		BackoffBase:      500 * time.Millisecond,
		FailureThreshold: DefaultFailureThreshold,
		Cooldown:         DefaultCooldown,
	}
}

// InvokeRequest is a routed model invocation. Preferred names the provider
// to try first; RoleHint is informational and logged for tracing.
type InvokeRequest struct {
	Preferred   string
	RoleHint    string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Router dispatches model invocations across registered providers with
// per-provider circuit breakers, bounded retry, and ordered fallback.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string // registration order doubles as priority order
	breakers  map[string]*Breaker
	cfg       RouterConfig
	logger    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRouter creates a router with the given resilience settings.
func NewRouter(cfg RouterConfig, logger *zap.Logger) *Router {
	def := DefaultRouterConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Router{
		providers: make(map[string]Provider),
		breakers:  make(map[string]*Breaker),
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Register adds a provider. Registration order is fallback priority order.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID()]; ok {
		return
	}
	r.providers[p.ID()] = p
	r.order = append(r.order, p.ID())
	r.breakers[p.ID()] = NewBreaker(r.cfg.FailureThreshold, r.cfg.Cooldown)
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// Invoke routes the request: preferred provider first, then the remaining
// providers in priority order. Open circuits are skipped entirely.
// Transient failures retry the same provider with exponential backoff;
// permanent failures advance immediately. Exhaustion returns ErrNoProvider.
func (r *Router) Invoke(ctx context.Context, req InvokeRequest) (*ChatResponse, error) {
	candidates := r.candidates(req.Preferred)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("invoke role=%s: %w", req.RoleHint, ErrNoProvider)
	}

	var lastErr error
	for _, id := range candidates {
		p, br := r.lookup(id)
		if p == nil {
			continue
		}
		if !br.Allow() {
			r.logger.Debug("skipping provider, circuit not closed", zap.String("provider", id))
			continue
		}

		resp, err := r.attempt(ctx, p, br, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("provider exhausted, advancing",
			zap.String("provider", id),
			zap.String("role", req.RoleHint),
			zap.Error(err))
	}

	if lastErr != nil {
		return nil, fmt.Errorf("invoke role=%s: %w: last error: %v", req.RoleHint, ErrNoProvider, lastErr)
	}
	return nil, fmt.Errorf("invoke role=%s: %w", req.RoleHint, ErrNoProvider)
}

// attempt calls one provider with bounded transient retries.
func (r *Router) attempt(ctx context.Context, p Provider, br *Breaker, req InvokeRequest) (*ChatResponse, error) {
	chatReq := &ChatRequest{
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	var lastErr error
	for try := 0; ; try++ {
		resp, err := p.Chat(ctx, chatReq)
		if err == nil {
			br.RecordSuccess()
			resp.Provider = p.ID()
			return resp, nil
		}
		br.RecordFailure()
		lastErr = err

		var perr *Error
		if errors.As(err, &perr) && perr.Permanent() {
			return nil, err
		}
		if try >= r.cfg.MaxRetries {
			return nil, lastErr
		}
		delay := r.cfg.BackoffBase << uint(try)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
		// A tripped circuit mid-retry ends the attempt early.
		if !br.Allow() {
			return nil, lastErr
		}
	}
}

// candidates resolves the ordered provider list for this invocation.
func (r *Router) candidates(preferred string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.order))
	if preferred != "" {
		if _, ok := r.providers[preferred]; ok {
			out = append(out, preferred)
		}
	}
	for _, id := range r.order {
		if id != preferred {
			out = append(out, id)
		}
	}
	return out
}

// TargetModel reports the model and context budget of the provider an
// invocation with the given preference would reach first. Providers
// without a ModelCard report zero values; callers fall back to a
// family default.
func (r *Router) TargetModel(preferred string) (model string, contextTokens int) {
	ids := r.candidates(preferred)
	if len(ids) == 0 {
		return "", 0
	}
	p, _ := r.lookup(ids[0])
	if card, ok := p.(ModelCard); ok {
		return card.Model(), card.ContextTokens()
	}
	return "", 0
}

func (r *Router) lookup(id string) (Provider, *Breaker) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[id], r.breakers[id]
}

// Get returns a provider by ID.
func (r *Router) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Providers returns registered provider IDs in priority order.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Circuits returns a snapshot of every provider's breaker state.
func (r *Router) Circuits() map[string]BreakerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerStatus, len(r.breakers))
	for id, br := range r.breakers {
		out[id] = br.Status()
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
