package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/events"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/templating"
	"github.com/kursadbilgin/delivery-engine/internal/tracker"
	"github.com/shopspring/decimal"
)

var testStart = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type scriptedProvider struct {
	id      string
	channel domain.Channel
	script  func(call int, recipient string) (*provider.DispatchResult, error)

	mu         sync.Mutex
	calls      int
	recipients []string
	texts      []string
}

func (p *scriptedProvider) ID() string              { return p.id }
func (p *scriptedProvider) Channel() domain.Channel { return p.channel }

func (p *scriptedProvider) Dispatch(_ context.Context, recipient string, content provider.Content) (*provider.DispatchResult, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.recipients = append(p.recipients, recipient)
	p.texts = append(p.texts, content.Text)
	p.mu.Unlock()

	if p.script != nil {
		return p.script(call, recipient)
	}
	return &provider.DispatchResult{
		ProviderMessageID: fmt.Sprintf("%s-msg-%d", p.id, call),
		Cost:              decimal.RequireFromString("0.0075"),
	}, nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) LastText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.texts) == 0 {
		return ""
	}
	return p.texts[len(p.texts)-1]
}

func retryableError(msg string) error {
	return &provider.ProviderError{Message: msg, Retryable: true}
}

func permanentError(msg string) error {
	return &provider.ProviderError{Message: msg, Code: "21211", Retryable: false}
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// manualTimers captures scheduled retries so tests decide when they fire.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) after(d time.Duration, f func()) timerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{delay: d, fn: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualTimers) delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.timers))
	for _, t := range m.timers {
		out = append(out, t.delay)
	}
	return out
}

// fireNext runs the oldest armed timer and returns its delay.
func (m *manualTimers) fireNext(t *testing.T) time.Duration {
	t.Helper()

	m.mu.Lock()
	var next *manualTimer
	for _, timer := range m.timers {
		if !timer.stopped && !timer.fired {
			next = timer
			break
		}
	}
	if next == nil {
		m.mu.Unlock()
		t.Fatal("no armed retry timer")
		return 0
	}
	next.fired = true
	m.mu.Unlock()

	next.fn()
	return next.delay
}

func (m *manualTimers) armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type harness struct {
	svc      *DeliveryService
	clock    *testClock
	timers   *manualTimers
	provider *scriptedProvider
	store    *tracker.MemoryStore

	mu     sync.Mutex
	events []events.Event
}

func testConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryDelays:     []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		DeliveryTimeout: 5 * time.Minute,
		BatchSize:       5,
		RateLimitDelay:  100 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, p *scriptedProvider) *harness {
	t.Helper()

	if p == nil {
		p = &scriptedProvider{id: "sms-primary", channel: domain.ChannelSMS}
	}

	engine, err := templating.NewDefaultEngine(templating.Config{}, nil)
	if err != nil {
		t.Fatalf("NewDefaultEngine() error = %v", err)
	}

	manager := provider.NewManager(provider.ManagerConfig{}, nil, nil, nil)
	if err := manager.Register(p, 10); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	clock := &testClock{now: testStart}
	store := tracker.NewMemoryStore()
	deliveries := tracker.New(store, nil, tracker.WithClock(clock.Now))
	bus := events.NewBus(nil)

	svc, err := NewDeliveryService(cfg, engine, manager, deliveries, bus, nil)
	if err != nil {
		t.Fatalf("NewDeliveryService() error = %v", err)
	}

	h := &harness{svc: svc, clock: clock, timers: &manualTimers{}, provider: p, store: store}
	bus.Subscribe(func(_ context.Context, e events.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	svc.retries = newRetryScheduler(h.timers.after)
	svc.ingester.retries = svc.retries
	svc.now = clock.Now
	svc.ingester.now = clock.Now
	svc.sleep = func(context.Context, time.Duration) error { return nil }

	t.Cleanup(func() { _ = svc.Close() })
	return h
}

func (h *harness) eventTypes() []events.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.Type, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func (h *harness) record(t *testing.T, id string) *domain.DeliveryRecord {
	t.Helper()
	record, err := h.svc.GetDeliveryStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDeliveryStatus() error = %v", err)
	}
	if record == nil {
		t.Fatalf("delivery %s not found", id)
	}
	return record
}

func (h *harness) storedCount(t *testing.T) int {
	t.Helper()
	records, err := h.store.List(context.Background(), domain.DeliveryFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return len(records)
}

func sameTypes(got, want []events.Type) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
