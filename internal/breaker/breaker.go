package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

// ErrOpen is returned by Call without invoking the wrapped function when
// the provider's circuit is open.
var ErrOpen = errors.New("breaker: circuit open")

const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// Snapshot is a point-in-time view of one provider circuit, exposed on the
// health endpoint.
type Snapshot struct {
	Key            string     `json:"key"`
	State          string     `json:"state"`
	RecentFailures int        `json:"recentFailures"`
	LastFailureAt  *time.Time `json:"lastFailureAt,omitempty"`
	OpenedAt       *time.Time `json:"openedAt,omitempty"`
	RetryAt        *time.Time `json:"retryAt,omitempty"`
}

type Registry interface {
	// Call runs fn under the circuit for key. While the circuit is open it
	// fails fast with ErrOpen. A call that outlives the per-call timeout
	// counts as a failure.
	Call(ctx context.Context, key string, fn func(ctx context.Context) error) error
	State(key string) string
	Snapshots() []Snapshot
	// ForceRecovery closes the circuit for key immediately, clearing its
	// failure window. Returns false if no circuit exists for key yet.
	ForceRecovery(key string) bool
}

type registry struct {
	cfg Config
	log *logger.Logger
	now func() time.Time

	onTransition func(key, state string)

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	state         string
	failures      []time.Time
	lastFailureAt *time.Time
	openedAt      *time.Time
	probing       bool
}

type Option func(*registry)

// WithClock overrides the time source. Tests use this to drive the rolling
// window and cooldown without sleeping.
func WithClock(now func() time.Time) Option {
	return func(r *registry) { r.now = now }
}

// WithTransitionHook registers a callback fired on every state change,
// outside the registry lock.
func WithTransitionHook(fn func(key, state string)) Option {
	return func(r *registry) { r.onTransition = fn }
}

func NewRegistry(cfg Config, baseLog *logger.Logger, opts ...Option) Registry {
	cfg = cfg.withDefaults()
	r := &registry{
		cfg:      cfg,
		log:      baseLog.With("component", "breaker"),
		now:      time.Now,
		circuits: map[string]*circuit{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *registry) Call(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	allowed, probe := r.admit(key)
	if !allowed {
		return ErrOpen
	}

	callCtx := ctx
	cancel := func() {}
	if r.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
	}
	err := fn(callCtx)
	cancel()

	if err != nil {
		r.recordFailure(key, probe)
		return err
	}
	r.recordSuccess(key, probe)
	return nil
}

// admit decides whether a call may proceed, and whether it is the single
// half-open probe.
func (r *registry) admit(key string) (allowed bool, probe bool) {
	r.mu.Lock()
	c := r.circuit(key)
	now := r.now()

	var transition string
	switch c.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if c.openedAt != nil && now.Sub(*c.openedAt) >= r.cfg.Cooldown {
			c.state = StateHalfOpen
			c.probing = true
			transition = StateHalfOpen
			allowed = true
			probe = true
		}
	case StateHalfOpen:
		// One probe in flight at a time.
		if !c.probing {
			c.probing = true
			allowed = true
			probe = true
		}
	}
	r.mu.Unlock()

	if transition != "" {
		r.log.Info("circuit half-open", "provider", key)
		r.notify(key, transition)
	}
	return allowed, probe
}

func (r *registry) recordFailure(key string, probe bool) {
	r.mu.Lock()
	c := r.circuit(key)
	now := r.now()
	c.lastFailureAt = &now
	if probe {
		c.probing = false
	}

	var transition string
	switch c.state {
	case StateHalfOpen:
		// Failed probe reopens and restarts the cooldown clock.
		c.state = StateOpen
		c.openedAt = &now
		transition = StateOpen
	case StateClosed:
		c.failures = append(c.failures, now)
		c.trimWindow(now, r.cfg.Window)
		if len(c.failures) >= r.cfg.FailureThreshold {
			c.state = StateOpen
			c.openedAt = &now
			transition = StateOpen
		}
	}
	r.mu.Unlock()

	if transition == StateOpen {
		r.log.Warn("circuit opened", "provider", key, "cooldown", r.cfg.Cooldown.String())
		r.notify(key, transition)
	}
}

func (r *registry) recordSuccess(key string, probe bool) {
	r.mu.Lock()
	c := r.circuit(key)
	var transition string
	if probe {
		c.probing = false
	}
	if c.state == StateHalfOpen {
		c.state = StateClosed
		c.failures = nil
		c.openedAt = nil
		transition = StateClosed
	} else {
		c.trimWindow(r.now(), r.cfg.Window)
	}
	r.mu.Unlock()

	if transition == StateClosed {
		r.log.Info("circuit closed", "provider", key)
		r.notify(key, transition)
	}
}

func (r *registry) State(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[key]
	if !ok {
		return StateClosed
	}
	// Report the post-cooldown state even if no call has touched it yet.
	if c.state == StateOpen && c.openedAt != nil && r.now().Sub(*c.openedAt) >= r.cfg.Cooldown {
		return StateHalfOpen
	}
	return c.state
}

func (r *registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.circuits))
	for key, c := range r.circuits {
		s := Snapshot{
			Key:            key,
			State:          c.state,
			RecentFailures: len(c.failures),
			LastFailureAt:  c.lastFailureAt,
			OpenedAt:       c.openedAt,
		}
		if c.state == StateOpen && c.openedAt != nil {
			retryAt := c.openedAt.Add(r.cfg.Cooldown)
			s.RetryAt = &retryAt
		}
		out = append(out, s)
	}
	return out
}

func (r *registry) ForceRecovery(key string) bool {
	r.mu.Lock()
	c, ok := r.circuits[key]
	if ok {
		c.state = StateClosed
		c.failures = nil
		c.openedAt = nil
		c.probing = false
	}
	r.mu.Unlock()
	if ok {
		r.log.Info("circuit force-closed", "provider", key)
		r.notify(key, StateClosed)
	}
	return ok
}

// circuit returns the entry for key, creating it closed. Caller holds mu.
func (r *registry) circuit(key string) *circuit {
	c, ok := r.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		r.circuits[key] = c
	}
	return c
}

func (c *circuit) trimWindow(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(c.failures) && c.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.failures = append([]time.Time(nil), c.failures[i:]...)
	}
}

func (r *registry) notify(key, state string) {
	if r.onTransition != nil {
		r.onTransition(key, state)
	}
}
