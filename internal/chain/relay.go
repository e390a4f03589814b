// Package chain talks to the UGDX token, the bridge contract and the
// meta-transaction forwarder.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TokenDecimals is the UGDX token's decimals.
const TokenDecimals = 18

var (
	ErrReverted        = errors.New("transaction reverted")
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrInvalidAddress  = errors.New("invalid address")
	// ErrPendingConfirmation matches a *PendingError.
	ErrPendingConfirmation = errors.New("transaction broadcast but not confirmed")
)

// PendingError is returned once a transaction has left the relay but its
// receipt was not observed. The transaction may still be mined.
type PendingError struct {
	Method string
	TxHash string
	Err    error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("%s %s: not confirmed: %v", e.Method, e.TxHash, e.Err)
}

func (e *PendingError) Is(target error) bool { return target == ErrPendingConfirmation }

func (e *PendingError) Unwrap() error { return e.Err }

// PendingHash returns the broadcast hash carried by err, if any.
func PendingHash(err error) string {
	var pe *PendingError
	if errors.As(err, &pe) {
		return pe.TxHash
	}
	return ""
}

// Transfer is a decoded UGDX Transfer log. A burn transfers to the zero address.
type Transfer struct {
	From   common.Address
	To     common.Address
	Amount decimal.Decimal
}

// Receipt is the subset of a mined transaction receipt the bridge needs.
type Receipt struct {
	TxHash            string
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Success           bool
	// From is the account that sent the transaction. For relayed
	// meta-transactions this is the relay, not the signer.
	From common.Address
	// Transfers holds the UGDX token's Transfer logs in log order.
	Transfers []Transfer
}

// BurnedBy reports whether the receipt burns exactly amount UGDX from owner.
func (r *Receipt) BurnedBy(owner common.Address, amount decimal.Decimal) bool {
	if r == nil || !r.Success {
		return false
	}
	for _, t := range r.Transfers {
		if t.From == owner && t.To == (common.Address{}) && t.Amount.Equal(amount) {
			return true
		}
	}
	return false
}

// NativeCost is gasUsed * effectiveGasPrice expressed in whole native tokens.
func (r *Receipt) NativeCost() decimal.Decimal {
	if r == nil || r.EffectiveGasPrice == nil {
		return decimal.Zero
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
	return decimal.NewFromBigInt(wei, -TokenDecimals)
}

// MetaTx is a user-signed forwarder request. A zero Target means the bridge contract.
type MetaTx struct {
	Target    common.Address
	Data      []byte
	Signer    common.Address
	Nonce     *big.Int
	Signature []byte
}

// Relay is the on-chain side of the bridge.
type Relay interface {
	BalanceOf(ctx context.Context, owner string) (decimal.Decimal, error)
	UGXPerUSD(ctx context.Context) (decimal.Decimal, error)
	// Mint is the privileged adminMintUGDX call signed by the relay account.
	Mint(ctx context.Context, to string, amount decimal.Decimal) (*Receipt, error)
	Nonce(ctx context.Context, signer common.Address) (*big.Int, error)
	// ExecuteMeta submits the forwarder execute call and waits for its receipt.
	ExecuteMeta(ctx context.Context, tx MetaTx) (*Receipt, error)
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ToUnits converts a token amount to its 18-decimal integer representation.
// Digits beyond 18 decimals are truncated.
func ToUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(TokenDecimals).Truncate(0).BigInt()
}

// FromUnits converts an 18-decimal integer amount to a decimal.
func FromUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -TokenDecimals)
}

// ParseAddress validates a 0x-prefixed hex address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}
