package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"llmflow/internal/domain"
	"llmflow/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerClient wraps a ModelClient with circuit breaker protection.
// When the backend fails repeatedly, the circuit opens and generation calls
// fail fast with ErrBackendUnreachable, which the engine treats like any
// other unreachable backend and routes to the workflow fallback.
type CircuitBreakerClient struct {
	inner   domain.ModelClient
	breaker *gobreaker.CircuitBreaker[string]
	logger  *slog.Logger
}

// NewCircuitBreakerClient wraps inner with a circuit breaker.
// Zero-valued fields in cfg fall back to defaults.
func NewCircuitBreakerClient(inner domain.ModelClient, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerClient {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "llm:generate",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Only backend-availability failures count against the circuit.
		// A bad prompt or a cancelled run says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrBackendUnreachable) && !errors.Is(err, domain.ErrTimeout)
		},
	})

	return &CircuitBreakerClient{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Generate implements domain.ModelClient. Calls are routed through the breaker.
func (c *CircuitBreakerClient) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	text, err := c.breaker.Execute(func() (string, error) {
		return c.inner.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: circuit open: %v", domain.ErrBackendUnreachable, err)
		}
		return "", err
	}
	return text, nil
}

// Embed implements domain.ModelClient. Embedding runs at index time and is
// not guarded by the breaker.
func (c *CircuitBreakerClient) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return c.inner.Embed(ctx, model, texts)
}

// ListModels implements domain.ModelClient.
func (c *CircuitBreakerClient) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	return c.inner.ListModels(ctx)
}

// State returns the current circuit breaker state for monitoring.
func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (c *CircuitBreakerClient) Counts() gobreaker.Counts {
	return c.breaker.Counts()
}

// Compile-time interface check.
var _ domain.ModelClient = (*CircuitBreakerClient)(nil)
