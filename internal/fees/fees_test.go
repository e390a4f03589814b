package fees

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestApply(t *testing.T) {
	tests := []struct {
		amount string
		bps    int
		fee    string
		net    string
	}{
		{"10000", 150, "150", "9850"},
		{"5000", 150, "75", "4925"},
		{"100", 150, "1.5", "98.5"},
		{"0", 150, "0", "0"},
		{"10000", 0, "0", "10000"},
		{"10000", 10000, "10000", "0"},
		{"33.33", 150, "0.49995", "32.83005"},
		{"1", 1, "0.0001", "0.9999"},
	}

	for _, tt := range tests {
		got, err := Apply(decimal.RequireFromString(tt.amount), tt.bps)
		if err != nil {
			t.Fatalf("Apply(%s, %d): %v", tt.amount, tt.bps, err)
		}
		if !got.Fee.Equal(decimal.RequireFromString(tt.fee)) {
			t.Fatalf("Apply(%s, %d) fee = %s, want %s", tt.amount, tt.bps, got.Fee, tt.fee)
		}
		if !got.Net.Equal(decimal.RequireFromString(tt.net)) {
			t.Fatalf("Apply(%s, %d) net = %s, want %s", tt.amount, tt.bps, got.Net, tt.net)
		}
		if !got.Fee.Add(got.Net).Equal(got.Gross) {
			t.Fatalf("fee + net != gross for %s", tt.amount)
		}
	}
}

func TestApplyRejectsBadInput(t *testing.T) {
	if _, err := Apply(decimal.NewFromInt(-1), 150); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
	if _, err := Apply(decimal.NewFromInt(1), 10001); !errors.Is(err, ErrInvalidBasisPoint) {
		t.Fatalf("expected ErrInvalidBasisPoint, got %v", err)
	}
	if _, err := Apply(decimal.NewFromInt(1), -5); !errors.Is(err, ErrInvalidBasisPoint) {
		t.Fatalf("expected ErrInvalidBasisPoint, got %v", err)
	}
}

func TestParseAmount(t *testing.T) {
	if _, err := ParseAmount("5000"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseAmount("12.50"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, raw := range []string{"0", "-3", "abc", ""} {
		if _, err := ParseAmount(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	if _, err := ParseAmount("1.005"); !errors.Is(err, ErrAmountPrecision) {
		t.Fatalf("expected precision error, got %v", err)
	}
}
