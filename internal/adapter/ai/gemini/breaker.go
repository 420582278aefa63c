package gemini

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
)

// BreakerState is the circuit state. The numeric values feed the breaker
// state gauge: 0 closed, 1 open, 2 half-open.
type BreakerState int

const (
	// BreakerClosed lets requests through.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks requests until the recovery timeout passes.
	BreakerOpen
	// BreakerHalfOpen lets a bounded number of probes through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker protects the upstream model from hammering while it is failing:
// consecutive failures open the circuit, a recovery timeout later a few
// probes may pass, and one success closes it again.
type Breaker struct {
	mu               sync.Mutex
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMax      int

	state    BreakerState
	failures int
	probes   int
	lastFail time.Time

	now func() time.Time
}

// NewBreaker constructs a closed Breaker named for the gauge label.
func NewBreaker(name string) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 3,
		recoveryTimeout:  30 * time.Second,
		halfOpenMax:      3,
		state:            BreakerClosed,
		now:              time.Now,
	}
	observability.RecordBreakerState(name, int(BreakerClosed))
	return b
}

// Allow reports whether a request may proceed, moving an expired open
// circuit to half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFail) < b.recoveryTimeout {
			return false
		}
		b.setState(BreakerHalfOpen)
		b.probes = 1
		return true
	case BreakerHalfOpen:
		if b.probes >= b.halfOpenMax {
			return false
		}
		b.probes++
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != BreakerClosed {
		b.setState(BreakerClosed)
	}
}

// RecordFailure counts a failure; enough of them (or any failure while
// half-open) opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFail = b.now()
	if b.state == BreakerHalfOpen || b.failures >= b.failureThreshold {
		b.setState(BreakerOpen)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	observability.RecordBreakerState(b.name, int(s))
	slog.Info("circuit breaker state change",
		slog.String("name", b.name),
		slog.String("from", prev.String()),
		slog.String("to", s.String()),
		slog.Int("failures", b.failures))
}
