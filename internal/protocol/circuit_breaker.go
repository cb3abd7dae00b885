package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/deflow/pkg/schema"
)

// CircuitState is the state of one endpoint's breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls rejected until cooldown elapses
	CircuitHalfOpen                     // limited probe calls allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures when a data endpoint is considered down.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // time spent open before probing
	HalfOpenMax      int           // probe calls allowed while half-open
}

// DefaultBreakerConfig trips after 5 consecutive failures and probes after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breakerState struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// Breakers tracks one circuit per protocol endpoint (price, yields, gas, ...).
// A tripped endpoint fails fast so domain executors fall back without
// waiting on a dead upstream.
type Breakers struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	now    func() time.Time
	states map[string]*breakerState
}

// NewBreakers creates a breaker set with cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breakers{cfg: cfg, now: time.Now, states: make(map[string]*breakerState)}
}

// Allow returns nil when a call to endpoint may proceed, or a CIRCUIT_OPEN error.
func (b *Breakers) Allow(endpoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.get(endpoint)
	b.advance(st)

	switch st.state {
	case CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"protocol endpoint %q unavailable after %d consecutive failures", endpoint, st.failures).
			WithDetails(map[string]any{
				"endpoint":           endpoint,
				"cooldown_remaining": (b.cfg.Cooldown - b.now().Sub(st.openedAt)).String(),
			})
	case CircuitHalfOpen:
		if st.probes >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"protocol endpoint %q is being probed, try again later", endpoint)
		}
		st.probes++
	}
	return nil
}

// Record reports the outcome of a call that Allow let through.
func (b *Breakers) Record(endpoint string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.get(endpoint)
	if err == nil {
		*st = breakerState{state: CircuitClosed}
		return
	}

	st.failures++
	if st.state == CircuitHalfOpen || st.failures >= b.cfg.FailureThreshold {
		st.state = CircuitOpen
		st.openedAt = b.now()
		st.probes = 0
	}
}

// State returns the current state of endpoint's circuit.
func (b *Breakers) State(endpoint string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(endpoint)
	b.advance(st)
	return st.state
}

// Do runs fn under endpoint's breaker.
func (b *Breakers) Do(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	if err := b.Allow(endpoint); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(endpoint, err)
	return err
}

func (b *Breakers) get(endpoint string) *breakerState {
	st, ok := b.states[endpoint]
	if !ok {
		st = &breakerState{state: CircuitClosed}
		b.states[endpoint] = st
	}
	return st
}

// advance moves an open circuit to half-open once the cooldown elapsed.
// Caller holds b.mu.
func (b *Breakers) advance(st *breakerState) {
	if st.state == CircuitOpen && b.now().Sub(st.openedAt) >= b.cfg.Cooldown {
		st.state = CircuitHalfOpen
		st.probes = 0
	}
}
