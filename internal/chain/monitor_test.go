package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"hermes/pkg/logging"
)

type fixedBalance struct {
	value decimal.Decimal
	err   error
}

func (f *fixedBalance) NativeBalance(context.Context) (decimal.Decimal, error) {
	return f.value, f.err
}

func TestWalletMonitorCheck(t *testing.T) {
	balanceGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_relay_balance"}, []string{"address"})
	lowGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_relay_low"}, []string{"address"})
	source := &fixedBalance{value: decimal.RequireFromString("0.2")}

	m := NewWalletMonitor(source, WalletMonitorConfig{
		Address:      "0xrelay",
		BalanceGauge: balanceGauge,
		LowGauge:     lowGauge,
	}, logging.NewDiscardLogger())

	if _, ok := m.Balance(); ok {
		t.Fatal("expected no balance before first check")
	}

	m.Check(context.Background())
	bal, ok := m.Balance()
	if !ok || !bal.IsLow {
		t.Fatalf("expected low balance, got %+v", bal)
	}
	if got := testutil.ToFloat64(lowGauge.WithLabelValues("0xrelay")); got != 1 {
		t.Fatalf("low gauge = %v", got)
	}
	if got := testutil.ToFloat64(balanceGauge.WithLabelValues("0xrelay")); got != 0.2 {
		t.Fatalf("balance gauge = %v", got)
	}

	source.value = decimal.NewFromInt(3)
	m.Check(context.Background())
	if bal, _ := m.Balance(); bal.IsLow {
		t.Fatal("balance above threshold should not be low")
	}

	// A failed lookup keeps the last good value.
	source.err = errors.New("rpc down")
	m.Check(context.Background())
	if bal, _ := m.Balance(); !bal.Native.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("cached balance = %s", bal.Native)
	}
}

func TestWalletMonitorStop(t *testing.T) {
	m := NewWalletMonitor(&fixedBalance{value: decimal.NewFromInt(1)}, WalletMonitorConfig{}, logging.NewDiscardLogger())
	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()
	m.Stop()
	m.Stop()
	<-done
}
