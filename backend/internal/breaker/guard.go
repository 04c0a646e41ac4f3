package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
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
		return "half-open"
	}
	return "unknown"
}

// Record is the observable state of one guarded endpoint.
type Record struct {
	EndpointID   string
	State        State
	FailureCount int
	SuccessCount int
	OpenedAt     time.Time
}

type Options struct {
	Threshold  int           // consecutive failures before opening
	Timeout    time.Duration // how long to stay open before a half-open trial
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     time.Duration // upper bound of the random delay added to each retry
}

func DefaultOptions() Options {
	return Options{
		Threshold:  5,
		Timeout:    60 * time.Second,
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
		Jitter:     250 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = d.Multiplier
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	return o
}

// Guard wraps calls to one endpoint with retry/backoff and a
// closed/open/half-open circuit. It only ever mutates its own Record.
type Guard struct {
	id       string
	mu       sync.Mutex
	rec      Record
	opts     Options
	trialOut bool // a half-open trial is in flight

	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	retryable func(error) bool
	randn     func(n int64) int64
}

type GuardOption func(*Guard)

// WithClock sets a custom clock (for tests).
func WithClock(fn func() time.Time) GuardOption {
	return func(g *Guard) { g.now = fn }
}

// WithSleep replaces the retry delay wait (for tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) GuardOption {
	return func(g *Guard) { g.sleep = fn }
}

// WithRetryable overrides the retryable-error classification.
func WithRetryable(fn func(error) bool) GuardOption {
	return func(g *Guard) { g.retryable = fn }
}

// WithRand sets the jitter source.
func WithRand(fn func(n int64) int64) GuardOption {
	return func(g *Guard) { g.randn = fn }
}

func NewGuard(endpointID string, opts Options, gopts ...GuardOption) *Guard {
	g := &Guard{
		id:        endpointID,
		rec:       Record{EndpointID: endpointID, State: StateClosed},
		opts:      opts.withDefaults(),
		now:       time.Now,
		sleep:     sleepCtx,
		retryable: IsRetryable,
	}
	for _, o := range gopts {
		o(g)
	}
	return g
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

func (g *Guard) Options() Options { return g.opts }

func (g *Guard) Record() Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rec
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rec.State
}

// Reset forces the breaker back to closed.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rec = Record{EndpointID: g.id, State: StateClosed}
	g.trialOut = false
}

// Execute runs op, retrying retryable failures with exponential backoff.
// While the circuit is open it returns *CircuitOpenError without calling op.
func (g *Guard) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	bo := NewBackoff(g.opts.BaseDelay, g.opts.MaxDelay, g.opts.Multiplier, g.opts.Jitter)
	if g.randn != nil {
		bo.randn = g.randn
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := g.allow(lastErr); err != nil {
			return err
		}
		err := g.run(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !g.retryable(err) || attempt >= g.opts.MaxRetries {
			return err
		}
		wait := bo.Next()
		glog.V(1).Infof("[breaker]%s retry %d/%d in %s: %v", g.id, attempt+1, g.opts.MaxRetries, wait, err)
		if serr := g.sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

// Try runs op once through the circuit, ignoring MaxRetries. It is for
// callers with their own retry loop.
func (g *Guard) Try(ctx context.Context, op func(ctx context.Context) error) error {
	if err := g.allow(nil); err != nil {
		return err
	}
	return g.run(ctx, op)
}

// run calls op and records the outcome. A panic counts as a failure, which
// also frees a half-open trial, and is then propagated.
func (g *Guard) run(ctx context.Context, op func(ctx context.Context) error) error {
	finished := false
	defer func() {
		if !finished {
			g.onFailure()
		}
	}()
	err := op(ctx)
	finished = true
	if err != nil {
		g.onFailure()
		return err
	}
	g.onSuccess()
	return nil
}

func (g *Guard) allow(lastErr error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.rec.State {
	case StateOpen:
		elapsed := g.now().Sub(g.rec.OpenedAt)
		if elapsed < g.opts.Timeout {
			return &CircuitOpenError{EndpointID: g.rec.EndpointID, RetryAfter: g.opts.Timeout - elapsed, LastErr: lastErr}
		}
		g.rec.State = StateHalfOpen
		g.rec.SuccessCount = 0
		g.trialOut = true
		glog.Infof("[breaker]%s half-open trial", g.rec.EndpointID)
	case StateHalfOpen:
		if g.trialOut {
			return &CircuitOpenError{EndpointID: g.rec.EndpointID, LastErr: lastErr}
		}
		g.trialOut = true
	}
	return nil
}

func (g *Guard) onSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rec.FailureCount = 0
	g.rec.SuccessCount++
	if g.rec.State == StateHalfOpen {
		g.rec.State = StateClosed
		g.trialOut = false
		glog.Infof("[breaker]%s closed", g.rec.EndpointID)
	}
}

func (g *Guard) onFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rec.FailureCount++
	g.rec.SuccessCount = 0
	switch g.rec.State {
	case StateHalfOpen:
		g.rec.State = StateOpen
		g.rec.OpenedAt = g.now()
		g.trialOut = false
		glog.Warningf("[breaker]%s half-open trial failed, reopening", g.rec.EndpointID)
	case StateClosed:
		if g.rec.FailureCount >= g.opts.Threshold {
			g.rec.State = StateOpen
			g.rec.OpenedAt = g.now()
			glog.Warningf("[breaker]%s open after %d failures", g.rec.EndpointID, g.rec.FailureCount)
		}
	}
}

// Registry holds one Guard per endpoint.
type Registry struct {
	mu     sync.Mutex
	guards map[string]*Guard
	opts   Options
	gopts  []GuardOption
}

func NewRegistry(opts Options, gopts ...GuardOption) *Registry {
	return &Registry{guards: make(map[string]*Guard), opts: opts, gopts: gopts}
}

func (r *Registry) Get(endpointID string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[endpointID]
	if !ok {
		g = NewGuard(endpointID, r.opts, r.gopts...)
		r.guards[endpointID] = g
	}
	return g
}

func (r *Registry) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.guards))
	for _, g := range r.guards {
		out = append(out, g.Record())
	}
	return out
}
