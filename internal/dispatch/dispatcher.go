package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/critterchat/critterchat/internal/llm"
	"github.com/critterchat/critterchat/internal/reliability"
)

// ErrExhausted is returned when every retry and model fallback failed.
var ErrExhausted = errors.New("all provider attempts exhausted")

// Config tunes a Dispatcher instance. Zero values pick safe defaults.
type Config struct {
	// Models is the preference order: primary first, then fallbacks.
	Models []string
	// RPMLimit caps calls per sliding 60-second window.
	RPMLimit int
	// MaxRetries bounds transient-error retries per Send.
	MaxRetries int
	// CallTimeout is the overall deadline for a buffered call.
	CallTimeout time.Duration
	// StreamIdleTimeout aborts a stream when no chunk arrives in time.
	StreamIdleTimeout time.Duration
	// BreakerThreshold is the consecutive hard failures before the circuit opens.
	BreakerThreshold int
	// BreakerCooldown is the OPEN period before a HALF_OPEN probe.
	BreakerCooldown time.Duration
	// PrimaryResetCooldown is how long the dispatcher sticks with a
	// fallback model before probing the primary again.
	PrimaryResetCooldown time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
}

func (c *Config) withDefaults() {
	if len(c.Models) == 0 {
		c.Models = []string{"critter-1"}
	}
	if c.RPMLimit <= 0 {
		c.RPMLimit = 60
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = 15 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.PrimaryResetCooldown <= 0 {
		c.PrimaryResetCooldown = 2 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
}

// Dispatcher owns all rate-limit and circuit state for one provider. It is
// an explicit instance, never a package-level singleton, so tests get
// isolated state and all mutation sits behind its locks.
type Dispatcher struct {
	provider llm.Provider
	cfg      Config
	window   *reliability.SlidingWindow
	breaker  *reliability.Breaker

	mu            sync.Mutex
	modelIdx      int
	fallbackSince time.Time

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	onError func(kind llm.ErrorKind)
}

func New(provider llm.Provider, cfg Config) *Dispatcher {
	cfg.withDefaults()
	return &Dispatcher{
		provider: provider,
		cfg:      cfg,
		window:   reliability.NewSlidingWindow(cfg.RPMLimit, time.Minute),
		breaker:  reliability.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Breaker exposes the circuit for metrics hooks.
func (d *Dispatcher) Breaker() *reliability.Breaker { return d.breaker }

// SetErrorHook registers a sink for classified provider errors.
func (d *Dispatcher) SetErrorHook(hook func(kind llm.ErrorKind)) { d.onError = hook }

// SetClock and SetSleep replace time sources. Test hooks.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }
func (d *Dispatcher) SetSleep(sleep func(ctx context.Context, t time.Duration) error) {
	d.sleep = sleep
}

// Chat issues a buffered call. Satisfies prompt.Caller so summarization
// shares the same rate and circuit budget as replies.
func (d *Dispatcher) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	return d.send(ctx, req, nil)
}

// StreamChat issues a streaming call with an inter-chunk inactivity watchdog.
func (d *Dispatcher) StreamChat(ctx context.Context, req llm.Request, onDelta llm.DeltaHandler) (llm.Response, error) {
	return d.send(ctx, req, onDelta)
}

func (d *Dispatcher) send(ctx context.Context, req llm.Request, onDelta llm.DeltaHandler) (llm.Response, error) {
	probe, err := d.breaker.Allow()
	if err != nil {
		return llm.Response{}, err
	}
	// Exits that never reach RecordSuccess/RecordFailure (cancellation, auth
	// errors, throttle exhaustion) must still hand the probe slot back, or
	// the circuit stays half-open with no way to close.
	recorded := false
	if probe {
		defer func() {
			if !recorded {
				d.breaker.ReleaseProbe()
			}
		}()
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if err := d.reserveSlot(ctx); err != nil {
			return llm.Response{}, err
		}

		callReq := req
		if callReq.Model == "" {
			callReq.Model = d.currentModel()
		}

		var delivered bool
		wrapped := onDelta
		if onDelta != nil {
			wrapped = func(delta string) error {
				delivered = true
				return onDelta(delta)
			}
		}

		resp, err := d.call(ctx, callReq, wrapped)
		if err == nil {
			recorded = true
			d.breaker.RecordSuccess()
			d.noteSuccess(callReq.Model)
			return resp, nil
		}
		if ctx.Err() != nil {
			// The caller itself went away. Only the parent context decides
			// this: a watchdog-cancelled stream also surfaces a canceled
			// error, and that one must fall through so delivered chunks
			// survive.
			return llm.Response{}, ctx.Err()
		}
		if d.onError != nil {
			d.onError(llm.KindOf(err))
		}
		if delivered {
			// Chunks already reached the caller; retrying would duplicate
			// output. Surface the partial content so the turn can be
			// persisted as incomplete.
			recorded = true
			d.breaker.RecordFailure()
			return resp, err
		}

		lastErr = err
		switch {
		case llm.Throttled(err):
			// Throttling is not provider ill health; do not trip the circuit.
			d.advanceFallback()
			delay := reliability.ExponentialBackoff(attempt, d.cfg.BackoffBase, d.cfg.BackoffCap)
			if hint, ok := llm.RetryAfterHint(err); ok && hint > delay {
				delay = hint
			}
			if err := d.sleep(ctx, delay); err != nil {
				return llm.Response{}, err
			}
		case llm.Retryable(err):
			recorded = true
			d.breaker.RecordFailure()
			if err := d.sleep(ctx, reliability.ExponentialBackoff(attempt, d.cfg.BackoffBase, d.cfg.BackoffCap)); err != nil {
				return llm.Response{}, err
			}
		default:
			// Auth and malformed-request errors are configuration problems;
			// retrying cannot fix them.
			return llm.Response{}, err
		}
	}

	return llm.Response{}, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

func (d *Dispatcher) call(ctx context.Context, req llm.Request, onDelta llm.DeltaHandler) (llm.Response, error) {
	if onDelta == nil {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
		return d.provider.Chat(callCtx, req)
	}

	// Streaming: no overall deadline, but abort when the provider goes
	// quiet between chunks.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchdog := time.AfterFunc(d.cfg.StreamIdleTimeout, cancel)
	defer watchdog.Stop()

	return d.provider.StreamChat(callCtx, req, func(delta string) error {
		watchdog.Reset(d.cfg.StreamIdleTimeout)
		return onDelta(delta)
	})
}

func (d *Dispatcher) reserveSlot(ctx context.Context) error {
	for {
		delay := d.window.Reserve(d.now())
		if delay <= 0 {
			return nil
		}
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) currentModel() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Probe the primary again once the fallback has been active long enough.
	if d.modelIdx > 0 && d.now().Sub(d.fallbackSince) >= d.cfg.PrimaryResetCooldown {
		d.modelIdx = 0
	}
	return d.cfg.Models[d.modelIdx]
}

func (d *Dispatcher) advanceFallback() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.modelIdx < len(d.cfg.Models)-1 {
		d.modelIdx++
		d.fallbackSince = d.now()
	}
}

// noteSuccess resets to the primary only when the success happened on the
// primary itself; a fallback success keeps the fallback sticky.
func (d *Dispatcher) noteSuccess(model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cfg.Models) > 0 && model == d.cfg.Models[0] {
		d.modelIdx = 0
	}
}

// ActiveModel reports which model the next call will use.
func (d *Dispatcher) ActiveModel() string {
	return d.currentModel()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
