package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zhouzirui/z-relay/internal/control"
)

// Generator performs one call against a generative backend and returns the
// first candidate's text.
type Generator interface {
	Generate(ctx context.Context, blocks []Block) (string, error)
}

// ClientConfig tunes the guard rails around a Generator.
type ClientConfig struct {
	Timeout          time.Duration
	MaxConcurrency   int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client wraps a Generator with a request timeout, a global concurrency cap and
// a circuit breaker. Every failure comes back as an error wrapping one of
// ErrInferenceTransport, ErrInferenceMalformed or ErrInferenceEmpty.
type Client struct {
	gen     Generator
	timeout time.Duration
	sem     *semaphore.Weighted
	breaker *control.CircuitBreaker
	logger  *zap.Logger
	now     func() time.Time
}

// NewClient creates an inference client.
func NewClient(gen Generator, cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		gen:     gen,
		timeout: cfg.Timeout,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		breaker: control.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  logger.Named("ai"),
		now:     time.Now,
	}
}

// Infer sends the prompt and returns the answer text.
func (c *Client) Infer(ctx context.Context, blocks []Block) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: waiting for inference slot: %w", ErrInferenceTransport, err)
	}
	defer c.sem.Release(1)

	// An admitted half-open probe must always reach RecordSuccess or RecordFailure.
	if !c.breaker.Allow(c.now()) {
		c.logger.Warn("inference skipped, circuit open",
			zap.String("error_class", c.breaker.OpenedClass()),
		)
		return "", fmt.Errorf("%w: circuit open", ErrInferenceTransport)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := c.now()
	text, err := c.generate(callCtx, blocks)
	elapsed := c.now().Sub(started)

	if err == nil && strings.TrimSpace(text) == "" {
		err = ErrInferenceEmpty
	}

	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrInferenceTransport) {
			c.breaker.RecordFailure(Kind(err), c.now())
		} else {
			// The backend answered, so it is reachable.
			c.breaker.RecordSuccess()
		}
		c.logger.Error("inference failed",
			zap.String("kind", Kind(err)),
			zap.Int("blocks", len(blocks)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return "", err
	}

	c.breaker.RecordSuccess()
	c.logger.Debug("inference succeeded",
		zap.Int("blocks", len(blocks)),
		zap.Int("answer_length", len(text)),
		zap.Duration("elapsed", elapsed),
	)
	return text, nil
}

// generate converts generator panics into malformed-response errors so a bad
// payload never takes down the calling worker.
func (c *Client) generate(ctx context.Context, blocks []Block) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("%w: generator panic: %v", ErrInferenceMalformed, r)
		}
	}()
	return c.gen.Generate(ctx, blocks)
}

func classify(err error) error {
	if errors.Is(err, ErrInferenceTransport) || errors.Is(err, ErrInferenceMalformed) || errors.Is(err, ErrInferenceEmpty) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInferenceTransport, err)
}
