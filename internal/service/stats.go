package service

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/templating"
	"github.com/shopspring/decimal"
)

const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"

	healthyThreshold  = 90.0
	degradedThreshold = 70.0
)

// Stats is a snapshot of the running delivery totals.
type Stats struct {
	TotalRequests  int64           `json:"totalRequests"`
	TotalSent      int64           `json:"totalSent"`
	TotalDelivered int64           `json:"totalDelivered"`
	TotalFailed    int64           `json:"totalFailed"`
	TotalRetries   int64           `json:"totalRetries"`
	TotalCost      decimal.Decimal `json:"totalCost"`
	SuccessRate    float64         `json:"successRate"`
	DeliveryRate   float64         `json:"deliveryRate"`
	FailureRate    float64         `json:"failureRate"`
}

// HealthStatus folds delivery totals, provider health and template cache stats together.
type HealthStatus struct {
	Status         string                     `json:"status"`
	DeliveryStats  Stats                      `json:"deliveryStats"`
	ProviderHealth map[string]provider.Health `json:"providerHealth"`
	TemplateStats  templating.Stats           `json:"templateStats"`
	PendingRetries int                        `json:"pendingRetries"`
	CheckedAt      time.Time                  `json:"checkedAt"`
}

type deliveryCounters struct {
	requests  atomic.Int64
	sent      atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64

	costMu sync.Mutex
	cost   decimal.Decimal
}

func (c *deliveryCounters) addCost(cost decimal.Decimal) {
	c.costMu.Lock()
	c.cost = c.cost.Add(cost)
	c.costMu.Unlock()
}

func (c *deliveryCounters) snapshot() Stats {
	c.costMu.Lock()
	cost := c.cost
	c.costMu.Unlock()

	s := Stats{
		TotalRequests:  c.requests.Load(),
		TotalSent:      c.sent.Load(),
		TotalDelivered: c.delivered.Load(),
		TotalFailed:    c.failed.Load(),
		TotalRetries:   c.retries.Load(),
		TotalCost:      cost,
	}

	// No traffic yet counts as fully successful.
	s.SuccessRate = 100
	if s.TotalRequests > 0 {
		s.SuccessRate = percent(s.TotalSent, s.TotalRequests)
		s.FailureRate = percent(s.TotalFailed, s.TotalRequests)
	}
	if s.TotalSent > 0 {
		s.DeliveryRate = percent(s.TotalDelivered, s.TotalSent)
	}

	return s
}

func percent(part, total int64) float64 {
	return roundTo2(float64(part) / float64(total) * 100)
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}

func classifyHealth(successRate float64) string {
	switch {
	case successRate >= healthyThreshold:
		return HealthHealthy
	case successRate >= degradedThreshold:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}
