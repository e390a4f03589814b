package chain

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"hermes/pkg/logging"
)

// NativeBalancer reports the relay account's gas token balance.
type NativeBalancer interface {
	NativeBalance(ctx context.Context) (decimal.Decimal, error)
}

// DefaultLowBalanceThreshold is the native balance below which the relay is flagged.
var DefaultLowBalanceThreshold = decimal.RequireFromString("0.5")

// WalletBalance is the last observed relay wallet state.
type WalletBalance struct {
	Address   string          `json:"address"`
	Native    decimal.Decimal `json:"native"`
	IsLow     bool            `json:"isLow"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// WalletMonitor polls the relay wallet balance and exports it as gauges.
type WalletMonitor struct {
	logger    logging.Logger
	source    NativeBalancer
	address   string
	interval  time.Duration
	threshold decimal.Decimal
	stopCh    chan struct{}
	stopOnce  sync.Once

	mu      sync.RWMutex
	current *WalletBalance

	balanceGauge *prometheus.GaugeVec
	lowGauge     *prometheus.GaugeVec
}

type WalletMonitorConfig struct {
	Address   string
	Interval  time.Duration
	Threshold decimal.Decimal
	// Gauges are optional; nil disables export.
	BalanceGauge *prometheus.GaugeVec
	LowGauge     *prometheus.GaugeVec
}

func NewWalletMonitor(source NativeBalancer, cfg WalletMonitorConfig, logger logging.Logger) *WalletMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Threshold.IsZero() {
		cfg.Threshold = DefaultLowBalanceThreshold
	}
	return &WalletMonitor{
		logger:       logger,
		source:       source,
		address:      cfg.Address,
		interval:     cfg.Interval,
		threshold:    cfg.Threshold,
		stopCh:       make(chan struct{}),
		balanceGauge: cfg.BalanceGauge,
		lowGauge:     cfg.LowGauge,
	}
}

// Start blocks, checking the balance once immediately and then every interval.
func (m *WalletMonitor) Start(ctx context.Context) {
	m.logger.WithFields(logging.Fields{
		"address":  m.address,
		"interval": m.interval.String(),
	}).Info("Starting relay wallet monitor")

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Relay wallet monitor stopping due to context cancellation")
			return
		case <-m.stopCh:
			m.logger.Info("Relay wallet monitor stopping")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *WalletMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Balance returns the last observed balance, or false before the first successful check.
func (m *WalletMonitor) Balance() (WalletBalance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return WalletBalance{}, false
	}
	return *m.current, true
}

// Check fetches the balance once and updates cache and gauges.
func (m *WalletMonitor) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	native, err := m.source.NativeBalance(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to get relay wallet balance")
		return
	}

	balance := &WalletBalance{
		Address:   m.address,
		Native:    native,
		IsLow:     native.LessThan(m.threshold),
		UpdatedAt: time.Now(),
	}

	m.mu.Lock()
	m.current = balance
	m.mu.Unlock()

	if m.balanceGauge != nil {
		m.balanceGauge.WithLabelValues(m.address).Set(native.InexactFloat64())
	}
	if m.lowGauge != nil {
		low := 0.0
		if balance.IsLow {
			low = 1.0
		}
		m.lowGauge.WithLabelValues(m.address).Set(low)
	}

	if balance.IsLow {
		m.logger.WithFields(logging.Fields{
			"address":   m.address,
			"balance":   native.String(),
			"threshold": m.threshold.String(),
		}).Warn("Relay wallet balance is LOW - top up required")
	}
}
