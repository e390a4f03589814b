package chain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestUnitConversion(t *testing.T) {
	units := ToUnits(decimal.RequireFromString("98.5"))
	want, _ := new(big.Int).SetString("98500000000000000000", 10)
	if units.Cmp(want) != 0 {
		t.Fatalf("ToUnits = %s, want %s", units, want)
	}
	if got := FromUnits(want); !got.Equal(decimal.RequireFromString("98.5")) {
		t.Fatalf("FromUnits = %s", got)
	}
	if !FromUnits(nil).IsZero() {
		t.Fatal("FromUnits(nil) should be zero")
	}
}

func TestReceiptNativeCost(t *testing.T) {
	r := &Receipt{GasUsed: 100000, EffectiveGasPrice: big.NewInt(30_000_000_000)}
	if got := r.NativeCost(); !got.Equal(decimal.RequireFromString("0.003")) {
		t.Fatalf("NativeCost = %s", got)
	}
	var nilReceipt *Receipt
	if !nilReceipt.NativeCost().IsZero() {
		t.Fatal("nil receipt should cost nothing")
	}
}

func TestBurnCallData(t *testing.T) {
	data, err := BurnCallData(decimal.NewFromInt(300))
	if err != nil {
		t.Fatalf("BurnCallData: %v", err)
	}
	method, err := BridgeABI.MethodById(data[:4])
	if err != nil || method.Name != "burnForWithdrawal" {
		t.Fatalf("unexpected selector: %v %v", method, err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(*big.Int).Cmp(ToUnits(decimal.NewFromInt(300))) != 0 {
		t.Fatalf("amount = %v", args[0])
	}

	if _, err := BurnCallData(decimal.Zero); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestParseAddress(t *testing.T) {
	if _, err := ParseAddress("0x00000000000000000000000000000000000000aa"); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
	if _, err := ParseAddress("0x123"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}
