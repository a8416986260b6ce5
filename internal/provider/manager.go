package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultHealthWindow     = 20
	defaultHealthMinSamples = 5
	defaultHealthThreshold  = 0.5
)

// ManagerConfig tunes health tracking.
type ManagerConfig struct {
	HealthWindow     int
	HealthMinSamples int
	HealthThreshold  float64
}

// Health is a point-in-time view of one provider.
type Health struct {
	ProviderID         string          `json:"providerId"`
	Channel            domain.Channel  `json:"channel"`
	Priority           int             `json:"priority"`
	TotalRequests      int64           `json:"totalRequests"`
	SuccessfulRequests int64           `json:"successfulRequests"`
	FailedRequests     int64           `json:"failedRequests"`
	SuccessRate        float64         `json:"successRate"`
	Healthy            bool            `json:"healthy"`
	TotalCost          decimal.Decimal `json:"totalCost"`
	LastError          string          `json:"lastError,omitempty"`
	LastUsedAt         *time.Time      `json:"lastUsedAt,omitempty"`
}

type registration struct {
	provider Provider
	priority int
	order    int
	health   *healthState
}

// healthState keeps lifetime counters and a ring of recent outcomes.
type healthState struct {
	mu         sync.Mutex
	window     []bool
	next       int
	filled     int
	total      int64
	successful int64
	cost       decimal.Decimal
	lastError  string
	lastUsedAt time.Time
}

func (h *healthState) record(success bool, cost decimal.Decimal, errMsg string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.window[h.next] = success
	h.next = (h.next + 1) % len(h.window)
	if h.filled < len(h.window) {
		h.filled++
	}

	h.total++
	h.lastUsedAt = at
	if success {
		h.successful++
		h.cost = h.cost.Add(cost)
		return
	}
	h.lastError = errMsg
}

// windowRate returns the success rate over the ring and its sample count.
func (h *healthState) windowRate() (float64, int) {
	if h.filled == 0 {
		return 1, 0
	}
	ok := 0
	for i := 0; i < h.filled; i++ {
		if h.window[i] {
			ok++
		}
	}
	return float64(ok) / float64(h.filled), h.filled
}

// Manager selects a provider per channel by priority and health.
type Manager struct {
	cfg     ManagerConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	limiter ratelimit.RateLimiter
	now     func() time.Time

	mu        sync.RWMutex
	byChannel map[domain.Channel][]*registration
	byID      map[string]*registration
	order     int
}

func NewManager(cfg ManagerConfig, logger *zap.Logger, metrics *observability.Metrics, limiter ratelimit.RateLimiter) *Manager {
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = defaultHealthWindow
	}
	if cfg.HealthMinSamples <= 0 {
		cfg.HealthMinSamples = defaultHealthMinSamples
	}
	if cfg.HealthMinSamples > cfg.HealthWindow {
		cfg.HealthMinSamples = cfg.HealthWindow
	}
	if cfg.HealthThreshold <= 0 || cfg.HealthThreshold > 1 {
		cfg.HealthThreshold = defaultHealthThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		limiter:   limiter,
		now:       time.Now,
		byChannel: make(map[domain.Channel][]*registration),
		byID:      make(map[string]*registration),
	}
}

// Register adds p for its channel. Higher priority is tried first; ties keep registration order.
func (m *Manager) Register(p Provider, priority int) error {
	if p == nil {
		return fmt.Errorf("provider is required")
	}
	id := strings.TrimSpace(p.ID())
	if id == "" {
		return fmt.Errorf("provider id is required")
	}
	if !p.Channel().IsValid() {
		return fmt.Errorf("provider %s has invalid channel %q", id, p.Channel())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[id]; exists {
		return fmt.Errorf("%w: provider %s already registered", domain.ErrConflict, id)
	}

	m.order++
	reg := &registration{
		provider: p,
		priority: priority,
		order:    m.order,
		health: &healthState{
			window: make([]bool, m.cfg.HealthWindow),
		},
	}
	m.byID[id] = reg

	list := append(m.byChannel[p.Channel()], reg)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority > list[j].priority
		}
		return list[i].order < list[j].order
	})
	m.byChannel[p.Channel()] = list

	m.metrics.SetProviderHealthy(id, true)
	m.logger.Info("provider registered",
		zap.String("providerId", id),
		zap.String("channel", p.Channel().String()),
		zap.Int("priority", priority),
	)

	return nil
}

// Dispatch sends content through one provider for channel. Health counters are
// updated before it returns.
func (m *Manager) Dispatch(ctx context.Context, channel domain.Channel, recipient string, content Content) (*DispatchResult, error) {
	reg, err := m.selectProvider(channel)
	if err != nil {
		return nil, err
	}

	providerID := reg.provider.ID()

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx, providerID); err != nil {
			return nil, &ProviderError{
				ProviderID: providerID,
				Message:    "rate limit wait aborted",
				Retryable:  true,
				Cause:      err,
			}
		}
	}

	m.metrics.IncDispatchInFlight(channel.String())
	start := m.now()
	result, err := reg.provider.Dispatch(ctx, recipient, content)
	m.metrics.ObserveDispatchDuration(channel.String(), providerID, m.now().Sub(start))
	m.metrics.DecDispatchInFlight(channel.String())

	if err != nil {
		m.recordOutcome(reg, false, decimal.Zero, err.Error())
		return nil, asProviderError(providerID, err)
	}
	if result == nil {
		err := &ProviderError{ProviderID: providerID, Message: "provider returned empty result", Retryable: true}
		m.recordOutcome(reg, false, decimal.Zero, err.Error())
		return nil, err
	}

	out := *result
	out.ProviderID = providerID
	m.recordOutcome(reg, true, out.Cost, "")

	return &out, nil
}

// Health returns a snapshot of every registered provider keyed by id.
func (m *Manager) Health() map[string]Health {
	m.mu.RLock()
	regs := make([]*registration, 0, len(m.byID))
	for _, reg := range m.byID {
		regs = append(regs, reg)
	}
	m.mu.RUnlock()

	out := make(map[string]Health, len(regs))
	for _, reg := range regs {
		out[reg.provider.ID()] = m.snapshot(reg)
	}
	return out
}

// TotalCost sums the cost ledger of every provider.
func (m *Manager) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, h := range m.Health() {
		total = total.Add(h.TotalCost)
	}
	return total
}

// Channels lists channels that have at least one provider.
func (m *Manager) Channels() []domain.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Channel, 0, len(m.byChannel))
	for channel, regs := range m.byChannel {
		if len(regs) > 0 {
			out = append(out, channel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) selectProvider(channel domain.Channel) (*registration, error) {
	m.mu.RLock()
	regs := m.byChannel[channel]
	m.mu.RUnlock()

	if len(regs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, channel)
	}

	for _, reg := range regs {
		if m.isHealthy(reg) {
			return reg, nil
		}
	}

	// Every provider is unhealthy; keep trying the preferred one rather than failing fast.
	m.logger.Warn("all providers unhealthy, using highest priority",
		zap.String("channel", channel.String()),
		zap.String("providerId", regs[0].provider.ID()),
	)
	return regs[0], nil
}

func (m *Manager) isHealthy(reg *registration) bool {
	reg.health.mu.Lock()
	rate, samples := reg.health.windowRate()
	reg.health.mu.Unlock()

	return samples < m.cfg.HealthMinSamples || rate >= m.cfg.HealthThreshold
}

func (m *Manager) recordOutcome(reg *registration, success bool, cost decimal.Decimal, errMsg string) {
	wasHealthy := m.isHealthy(reg)
	reg.health.record(success, cost, errMsg, m.now())
	healthy := m.isHealthy(reg)

	m.metrics.SetProviderHealthy(reg.provider.ID(), healthy)
	if wasHealthy != healthy {
		m.logger.Warn("provider health changed",
			zap.String("providerId", reg.provider.ID()),
			zap.Bool("healthy", healthy),
		)
	}
}

func (m *Manager) snapshot(reg *registration) Health {
	reg.health.mu.Lock()
	rate, samples := reg.health.windowRate()
	h := Health{
		ProviderID:         reg.provider.ID(),
		Channel:            reg.provider.Channel(),
		Priority:           reg.priority,
		TotalRequests:      reg.health.total,
		SuccessfulRequests: reg.health.successful,
		FailedRequests:     reg.health.total - reg.health.successful,
		SuccessRate:        rate,
		TotalCost:          reg.health.cost,
		LastError:          reg.health.lastError,
	}
	if !reg.health.lastUsedAt.IsZero() {
		at := reg.health.lastUsedAt
		h.LastUsedAt = &at
	}
	reg.health.mu.Unlock()

	h.Healthy = samples < m.cfg.HealthMinSamples || rate >= m.cfg.HealthThreshold
	return h
}

// asProviderError tags err with the provider id, keeping an existing classification.
func asProviderError(providerID string, err error) error {
	if pe, ok := err.(*ProviderError); ok {
		if pe.ProviderID == "" {
			pe.ProviderID = providerID
		}
		return pe
	}
	return &ProviderError{
		ProviderID: providerID,
		Message:    "dispatch failed",
		Retryable:  IsRetryable(err),
		Cause:      err,
	}
}
