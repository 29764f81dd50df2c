// Package wallet moves reward tokens from the payer hot wallet to nodes.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	settleerrors "devpn/core/errors"
	"devpn/sdk/evm"
)

const (
	DefaultDecimals = 18
)

// DefaultBaseUnitThreshold separates token-unit amounts from amounts that are
// already denominated in the smallest unit (10^15).
var DefaultBaseUnitThreshold = new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil)

// ErrTransferReverted is returned when the token contract rejected a transfer.
var ErrTransferReverted = errors.New("wallet: transfer reverted")

// Config controls unit conversion.
type Config struct {
	Decimals          uint8
	BaseUnitThreshold *big.Int
}

// DefaultConfig returns an 18-decimal token configuration.
func DefaultConfig() Config {
	return Config{Decimals: DefaultDecimals, BaseUnitThreshold: new(big.Int).Set(DefaultBaseUnitThreshold)}
}

// ToBaseUnits converts amount to the token's smallest unit. Amounts above the
// threshold are assumed to be converted already.
func ToBaseUnits(amount *big.Int, cfg Config) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	threshold := cfg.BaseUnitThreshold
	if threshold == nil {
		threshold = DefaultBaseUnitThreshold
	}
	if amount.Cmp(threshold) > 0 {
		return new(big.Int).Set(amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.Decimals)), nil)
	return new(big.Int).Mul(amount, scale)
}

// TransferResult describes one payout attempt.
type TransferResult struct {
	Success       bool
	TxHash        string
	Amount        *big.Int
	BalanceBefore *big.Int
	BalanceAfter  *big.Int
	Outcome       evm.Outcome
	Error         string
}

// TokenWallet captures the functionality settlement requires from the payer.
type TokenWallet interface {
	Address() common.Address
	Balance(ctx context.Context) (*big.Int, error)
	BaseUnits(amount *big.Int) *big.Int
	TransferToNode(ctx context.Context, to common.Address, amount *big.Int) (TransferResult, error)
	Confirm(ctx context.Context, txHash string) (evm.Outcome, error)
}

// ERC20 pays out through a token contract using a Transactor.
type ERC20 struct {
	transactor *evm.Transactor
	token      common.Address
	cfg        Config
	logger     *slog.Logger
}

// NewERC20 binds a transactor to a token contract.
func NewERC20(transactor *evm.Transactor, token common.Address, cfg Config, logger *slog.Logger) (*ERC20, error) {
	if transactor == nil {
		return nil, errors.New("wallet: transactor required")
	}
	if token == (common.Address{}) {
		return nil, errors.New("wallet: token contract required")
	}
	if cfg.BaseUnitThreshold == nil {
		cfg.BaseUnitThreshold = new(big.Int).Set(DefaultBaseUnitThreshold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ERC20{transactor: transactor, token: token, cfg: cfg, logger: logger}, nil
}

// Address returns the payer address.
func (w *ERC20) Address() common.Address { return w.transactor.From() }

// BaseUnits applies the configured unit conversion.
func (w *ERC20) BaseUnits(amount *big.Int) *big.Int { return ToBaseUnits(amount, w.cfg) }

// BalanceOf reads owner's token balance.
func (w *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := w.transactor.Client().Call(ctx, w.token, evm.BalanceOfCalldata(owner))
	if err != nil {
		return nil, err
	}
	return evm.DecodeUint256(out)
}

// Balance reads the payer's token balance.
func (w *ERC20) Balance(ctx context.Context) (*big.Int, error) {
	return w.BalanceOf(ctx, w.Address())
}

// TransferToNode sends amount, converted to base units, to the node. The
// result is populated even when an error is returned.
func (w *ERC20) TransferToNode(ctx context.Context, to common.Address, amount *big.Int) (TransferResult, error) {
	units := w.BaseUnits(amount)
	result := TransferResult{Amount: units, Outcome: evm.OutcomeUnknown}
	fail := func(err error) (TransferResult, error) {
		result.Error = err.Error()
		return result, err
	}

	before, err := w.Balance(ctx)
	if err != nil {
		return fail(fmt.Errorf("wallet: read balance: %w", err))
	}
	result.BalanceBefore = before
	if before.Cmp(units) < 0 {
		return fail(&settleerrors.InsufficientBalanceError{Required: units, Available: before})
	}

	data, err := evm.TransferCalldata(to, units)
	if err != nil {
		return fail(err)
	}
	conf, err := w.transactor.Execute(ctx, w.token, data)
	if conf.TxHash != (common.Hash{}) {
		result.TxHash = conf.TxHash.Hex()
	}
	result.Outcome = conf.Outcome
	if err != nil {
		if errors.Is(err, evm.ErrBroadcast) && result.TxHash != "" {
			return fail(fmt.Errorf("%w: %w", settleerrors.ErrOutcomeUnknown, err))
		}
		return fail(err)
	}
	switch conf.Outcome {
	case evm.OutcomeReverted:
		return fail(ErrTransferReverted)
	case evm.OutcomeUnknown:
		return fail(settleerrors.ErrOutcomeUnknown)
	}

	after, err := w.Balance(ctx)
	if err != nil {
		w.logger.Warn("read post-transfer balance failed",
			slog.String("tx_hash", result.TxHash),
			slog.Any("error", err))
	} else {
		result.BalanceAfter = after
	}
	result.Success = true
	w.logger.Info("reward transferred",
		slog.String("to", to.Hex()),
		slog.String("amount", units.String()),
		slog.String("tx_hash", result.TxHash))
	return result, nil
}

// Confirm checks the current receipt state of a previously broadcast transfer.
func (w *ERC20) Confirm(ctx context.Context, txHash string) (evm.Outcome, error) {
	if !isHash(txHash) {
		return evm.OutcomeUnknown, settleerrors.Validation("tx_hash", "malformed hash %q", txHash)
	}
	conf, err := w.transactor.Client().CheckReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return evm.OutcomeUnknown, err
	}
	return conf.Outcome, nil
}

func isHash(s string) bool {
	b, err := hexDecode(s)
	return err == nil && len(b) == common.HashLength
}
