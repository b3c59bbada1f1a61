package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	Name             string
	MaxFailures      int           // consecutive failures that open the circuit
	Timeout          time.Duration // how long the circuit stays open before probing
	SuccessThreshold int           // consecutive half-open successes that close it
	// IsFailure decides which errors count against the circuit. Nil counts
	// every non-nil error.
	IsFailure func(error) bool
}

type Breaker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Name == "" {
		cfg.Name = "breaker"
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{cfg: cfg, logger: logger, now: time.Now}
}

// Execute runs fn unless the circuit is open. Context cancellation by the
// caller is not counted as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.Timeout {
			return false
		}
		b.setState(StateHalfOpen)
		b.successes = 0
		return true
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.cfg.IsFailure(err) {
		b.failures++
		b.successes = 0
		b.lastFailure = b.now()
		switch b.state {
		case StateClosed:
			if b.failures >= b.cfg.MaxFailures {
				b.setState(StateOpen)
			}
		case StateHalfOpen:
			b.setState(StateOpen)
		}
		return
	}

	b.failures = 0
	b.successes++
	if b.state == StateHalfOpen && b.successes >= b.cfg.SuccessThreshold {
		b.setState(StateClosed)
	}
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	b.logger.Warn("circuit breaker state changed",
		"breaker", b.cfg.Name,
		"from", b.state.String(),
		"to", state.String(),
		"failures", b.failures,
	)
	b.state = state
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
