package wallet

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"devpn/sdk/evm"
)

// FuncWallet adapts callback functions to the TokenWallet interface.
type FuncWallet struct {
	Payer        common.Address
	Config       Config
	BalanceFunc  func(ctx context.Context) (*big.Int, error)
	TransferFunc func(ctx context.Context, to common.Address, amount *big.Int) (TransferResult, error)
	ConfirmFunc  func(ctx context.Context, txHash string) (evm.Outcome, error)
}

// Address returns the configured payer.
func (w FuncWallet) Address() common.Address { return w.Payer }

// BaseUnits applies the configured unit conversion.
func (w FuncWallet) BaseUnits(amount *big.Int) *big.Int { return ToBaseUnits(amount, w.Config) }

// Balance delegates to the configured callback.
func (w FuncWallet) Balance(ctx context.Context) (*big.Int, error) {
	if w.BalanceFunc == nil {
		return new(big.Int), nil
	}
	return w.BalanceFunc(ctx)
}

// TransferToNode delegates to the configured callback.
func (w FuncWallet) TransferToNode(ctx context.Context, to common.Address, amount *big.Int) (TransferResult, error) {
	if w.TransferFunc == nil {
		return TransferResult{Success: true, Amount: w.BaseUnits(amount), Outcome: evm.OutcomeConfirmed}, nil
	}
	return w.TransferFunc(ctx, to, amount)
}

// Confirm delegates to the configured callback.
func (w FuncWallet) Confirm(ctx context.Context, txHash string) (evm.Outcome, error) {
	if w.ConfirmFunc == nil {
		return evm.OutcomeUnknown, nil
	}
	return w.ConfirmFunc(ctx, txHash)
}

func hexDecode(s string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	return hex.DecodeString(trimmed)
}
