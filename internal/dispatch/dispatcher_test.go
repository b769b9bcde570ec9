package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/critterchat/critterchat/internal/llm"
	"github.com/critterchat/critterchat/internal/reliability"
)

// scriptedProvider returns canned outcomes in order, then repeats the last.
type scriptedProvider struct {
	outcomes []outcome
	calls    []llm.Request
}

type outcome struct {
	text string
	err  error
}

func (p *scriptedProvider) next() outcome {
	i := len(p.calls) - 1
	if i >= len(p.outcomes) {
		i = len(p.outcomes) - 1
	}
	return p.outcomes[i]
}

func (p *scriptedProvider) Chat(_ context.Context, req llm.Request) (llm.Response, error) {
	p.calls = append(p.calls, req)
	o := p.next()
	if o.err != nil {
		return llm.Response{}, o.err
	}
	return llm.Response{Text: o.text}, nil
}

func (p *scriptedProvider) StreamChat(_ context.Context, req llm.Request, onDelta llm.DeltaHandler) (llm.Response, error) {
	p.calls = append(p.calls, req)
	o := p.next()
	if o.err != nil {
		if o.text != "" && onDelta != nil {
			_ = onDelta(o.text)
		}
		return llm.Response{Text: o.text}, o.err
	}
	if onDelta != nil {
		if err := onDelta(o.text); err != nil {
			return llm.Response{}, err
		}
	}
	return llm.Response{Text: o.text}, nil
}

func noSleep(d *Dispatcher) {
	d.SetSleep(func(context.Context, time.Duration) error { return nil })
}

func throttleErr() error {
	return &llm.ProviderError{Kind: llm.KindRateLimit, StatusCode: 429, Err: errors.New("slow down")}
}

func serverErr() error {
	return &llm.ProviderError{Kind: llm.KindServer, StatusCode: 500, Err: errors.New("boom")}
}

func TestChatSuccessUsesPrimary(t *testing.T) {
	p := &scriptedProvider{outcomes: []outcome{{text: "hi"}}}
	d := New(p, Config{Models: []string{"primary", "backup"}})
	noSleep(d)

	resp, err := d.Chat(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Text != "hi" {
		t.Fatalf("Text = %q, want hi", resp.Text)
	}
	if p.calls[0].Model != "primary" {
		t.Fatalf("model = %q, want primary", p.calls[0].Model)
	}
}

func TestThrottleFallsBackAndSticks(t *testing.T) {
	p := &scriptedProvider{outcomes: []outcome{
		{err: throttleErr()},
		{text: "from backup"},
	}}
	d := New(p, Config{Models: []string{"primary", "backup"}})
	noSleep(d)

	resp, err := d.Chat(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Text != "from backup" {
		t.Fatalf("Text = %q, want from backup", resp.Text)
	}
	if p.calls[1].Model != "backup" {
		t.Fatalf("second call model = %q, want backup", p.calls[1].Model)
	}

	// Fallback is sticky for subsequent calls until the reset cooldown.
	if got := d.ActiveModel(); got != "backup" {
		t.Fatalf("ActiveModel = %q, want backup", got)
	}
}

func TestPrimaryProbeAfterCooldown(t *testing.T) {
	p := &scriptedProvider{outcomes: []outcome{
		{err: throttleErr()},
		{text: "ok"},
	}}
	d := New(p, Config{Models: []string{"primary", "backup"}, PrimaryResetCooldown: time.Minute})
	noSleep(d)
	now := time.Now()
	d.SetClock(func() time.Time { return now })

	if _, err := d.Chat(context.Background(), llm.Request{}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := d.ActiveModel(); got != "backup" {
		t.Fatalf("ActiveModel = %q, want backup", got)
	}

	now = now.Add(2 * time.Minute)
	if got := d.ActiveModel(); got != "primary" {
		t.Fatalf("ActiveModel after cooldown = %q, want primary", got)
	}
}

func TestAuthErrorNotRetried(t *testing.T) {
	p := &scriptedProvider{outcomes: []outcome{
		{err: &llm.ProviderError{Kind: llm.KindAuth, StatusCode: 401, Err: errors.New("bad key")}},
	}}
	d := New(p, Config{Models: []string{"primary", "backup"}})
	noSleep(d)

	_, err := d.Chat(context.Background(), llm.Request{})
	var pe *llm.ProviderError
	if !errors.As(err, &pe) || pe.Kind != llm.KindAuth {
		t.Fatalf("error = %v, want auth", err)
	}
	if len(p.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(p.calls))
	}
}

func TestCircuitOpensAndShortCircuits(t *testing.T) {
	p := &scriptedProvider{outcomes: []outcome{{err: serverErr()}}}
	d := New(p, Config{
		Models:           []string{"only"},
		MaxRetries:       1,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	})
	noSleep(d)

	if _, err := d.Chat(context.Background(), llm.Request{}); !errors.Is(err, ErrExhausted) {
		t.Fatalf("first Chat() error = %v, want exhausted", err)
	}
	// Two failures tripped the breaker; next call never reaches the provider.
	callsBefore := len(p.calls)
	if _, err := d.Chat(context.Background(), llm.Request{}); !errors.Is(err, reliability.ErrCircuitOpen) {
		t.Fatalf("Chat() with open circuit error = %v, want ErrCircuitOpen", err)
	}
	if len(p.calls) != callsBefore {
		t.Fatalf("provider was contacted while circuit open")
	}
}

func TestHalfOpenProbeCloses(t *testing.T) {
	p := &scriptedProvider{outcomes: []outcome{
		{err: serverErr()},
		{err: serverErr()},
		{text: "recovered"},
	}}
	d := New(p, Config{
		Models:           []string{"only"},
		MaxRetries:       1,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Second,
	})
	noSleep(d)
	now := time.Now()
	d.Breaker().SetClock(func() time.Time { return now })

	if _, err := d.Chat(context.Background(), llm.Request{}); !errors.Is(err, ErrExhausted) {
		t.Fatalf("seed failure error = %v", err)
	}

	now = now.Add(2 * time.Second)
	resp, err := d.Chat(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("probe Chat() error = %v", err)
	}
	if resp.Text != "recovered" {
		t.Fatalf("Text = %q, want recovered", resp.Text)
	}
	if d.Breaker().State() != reliability.BreakerClosed {
		t.Fatalf("breaker state = %v, want closed", d.Breaker().State())
	}
}

func TestStreamPartialFailureNotRetried(t *testing.T) {
	p := &scriptedProvider{outcomes: []outcome{
		{text: "partial con", err: &llm.ProviderError{Kind: llm.KindConnectivity, Err: errors.New("conn reset")}},
		{text: "should never run"},
	}}
	d := New(p, Config{Models: []string{"only"}, MaxRetries: 3})
	noSleep(d)

	var streamed string
	resp, err := d.StreamChat(context.Background(), llm.Request{}, func(delta string) error {
		streamed += delta
		return nil
	})
	if err == nil {
		t.Fatalf("expected mid-stream error")
	}
	if len(p.calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no retry after delivered chunks)", len(p.calls))
	}
	if resp.Text != "partial con" || streamed != "partial con" {
		t.Fatalf("partial content = (%q, %q), want preserved", resp.Text, streamed)
	}
}

func TestStreamIdleAbortKeepsDeliveredText(t *testing.T) {
	// The inactivity watchdog cancels the stream's own context, so the
	// provider error wraps context.Canceled even though the caller is still
	// waiting. Delivered chunks must come back, not an empty response.
	p := &scriptedProvider{outcomes: []outcome{
		{text: "Once upon ", err: fmt.Errorf("stream read: %w", context.Canceled)},
		{text: "should never run"},
	}}
	d := New(p, Config{Models: []string{"only"}, MaxRetries: 3})
	noSleep(d)

	var streamed string
	resp, err := d.StreamChat(context.Background(), llm.Request{}, func(delta string) error {
		streamed += delta
		return nil
	})
	if err == nil {
		t.Fatalf("expected stream abort error")
	}
	if resp.Text != "Once upon " || streamed != "Once upon " {
		t.Fatalf("delivered text = (%q, %q), want preserved", resp.Text, streamed)
	}
	if len(p.calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no retry after delivered chunks)", len(p.calls))
	}
}

func TestCallerCancelNotRetried(t *testing.T) {
	p := &scriptedProvider{outcomes: []outcome{
		{err: fmt.Errorf("chat: %w", context.Canceled)},
		{text: "should never run"},
	}}
	d := New(p, Config{Models: []string{"only"}, MaxRetries: 3})
	noSleep(d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Chat(ctx, llm.Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(p.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(p.calls))
	}
}

func TestHalfOpenAuthErrorDoesNotWedgeCircuit(t *testing.T) {
	p := &scriptedProvider{outcomes: []outcome{
		{err: serverErr()},
		{err: serverErr()},
		{err: &llm.ProviderError{Kind: llm.KindAuth, StatusCode: 401, Err: errors.New("bad key")}},
		{text: "recovered"},
	}}
	d := New(p, Config{
		Models:           []string{"only"},
		MaxRetries:       1,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Second,
	})
	noSleep(d)
	now := time.Now()
	d.Breaker().SetClock(func() time.Time { return now })

	if _, err := d.Chat(context.Background(), llm.Request{}); !errors.Is(err, ErrExhausted) {
		t.Fatalf("seed failure error = %v", err)
	}

	// The half-open attempt hits an auth error, which says nothing about
	// provider health. It must not hold the circuit shut forever.
	now = now.Add(2 * time.Second)
	var pe *llm.ProviderError
	if _, err := d.Chat(context.Background(), llm.Request{}); !errors.As(err, &pe) || pe.Kind != llm.KindAuth {
		t.Fatalf("half-open attempt error = %v, want auth", err)
	}

	resp, err := d.Chat(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("follow-up Chat() error = %v", err)
	}
	if resp.Text != "recovered" {
		t.Fatalf("Text = %q, want recovered", resp.Text)
	}
	if d.Breaker().State() != reliability.BreakerClosed {
		t.Fatalf("breaker state = %v, want closed", d.Breaker().State())
	}
}

func TestRateLimitSleepsForSlot(t *testing.T) {
	p := &scriptedProvider{outcomes: []outcome{{text: "ok"}}}
	d := New(p, Config{Models: []string{"only"}, RPMLimit: 1})
	var slept []time.Duration
	d.SetSleep(func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	})
	now := time.Now()
	d.SetClock(func() time.Time {
		// Each sleep advances the clock past the window.
		return now.Add(time.Duration(len(slept)) * 61 * time.Second)
	})

	if _, err := d.Chat(context.Background(), llm.Request{}); err != nil {
		t.Fatalf("first Chat() error = %v", err)
	}
	if _, err := d.Chat(context.Background(), llm.Request{}); err != nil {
		t.Fatalf("second Chat() error = %v", err)
	}
	if len(slept) == 0 {
		t.Fatalf("second call should have waited for a slot")
	}
}
