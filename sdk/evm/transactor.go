package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DefaultChainID          = 80002
	DefaultGasLimit         = uint64(100_000)
	DefaultGasBufferPercent = uint64(20)
	DefaultReceiptTimeout   = 120 * time.Second
	DefaultPollInterval     = 2 * time.Second
	MinReceiptTimeout       = 60 * time.Second
)

// ErrBroadcast marks a failed eth_sendRawTransaction. The node may still have
// accepted the transaction, so the signed hash is returned alongside it.
var ErrBroadcast = errors.New("evm: broadcast failed")

// DefaultFallbackGasPrice is used when the node reports no gas price (30 gwei).
var DefaultFallbackGasPrice = big.NewInt(30_000_000_000)

// Config controls how transactions are priced, signed and awaited.
type Config struct {
	ChainID          *big.Int
	FallbackGasPrice *big.Int
	DefaultGasLimit  uint64
	GasBufferPercent uint64
	ReceiptTimeout   time.Duration
	PollInterval     time.Duration
}

// DefaultConfig returns the Amoy testnet defaults.
func DefaultConfig() Config {
	return Config{
		ChainID:          big.NewInt(DefaultChainID),
		FallbackGasPrice: new(big.Int).Set(DefaultFallbackGasPrice),
		DefaultGasLimit:  DefaultGasLimit,
		GasBufferPercent: DefaultGasBufferPercent,
		ReceiptTimeout:   DefaultReceiptTimeout,
		PollInterval:     DefaultPollInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		c.ChainID = d.ChainID
	}
	if c.FallbackGasPrice == nil || c.FallbackGasPrice.Sign() <= 0 {
		c.FallbackGasPrice = d.FallbackGasPrice
	}
	if c.DefaultGasLimit == 0 {
		c.DefaultGasLimit = d.DefaultGasLimit
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	switch {
	case c.ReceiptTimeout <= 0:
		c.ReceiptTimeout = d.ReceiptTimeout
	case c.ReceiptTimeout < MinReceiptTimeout:
		c.ReceiptTimeout = MinReceiptTimeout
	case c.ReceiptTimeout > DefaultReceiptTimeout:
		c.ReceiptTimeout = DefaultReceiptTimeout
	}
	return c
}

// Transactor signs and submits legacy EIP-155 transactions from one key.
// Submissions are serialised so consecutive sends never reuse a nonce.
type Transactor struct {
	client *Client
	key    *ecdsa.PrivateKey
	from   common.Address
	cfg    Config
	logger *slog.Logger
	mu     sync.Mutex
}

// TransactorOption customises a transactor.
type TransactorOption func(*Transactor)

// WithTransactorLogger overrides the logger.
func WithTransactorLogger(logger *slog.Logger) TransactorOption {
	return func(t *Transactor) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransactor binds key to client. Zero config fields take defaults.
func NewTransactor(client *Client, key *ecdsa.PrivateKey, cfg Config, opts ...TransactorOption) (*Transactor, error) {
	if client == nil {
		return nil, errors.New("evm: client required")
	}
	if key == nil {
		return nil, errors.New("evm: signing key required")
	}
	t := &Transactor{
		client: client,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// From returns the signer address.
func (t *Transactor) From() common.Address { return t.from }

// Client returns the underlying RPC client.
func (t *Transactor) Client() *Client { return t.client }

// Config returns the effective configuration.
func (t *Transactor) Config() Config { return t.cfg }

// Submit builds, signs and broadcasts a call to `to` carrying data. It
// returns the transaction hash without waiting for inclusion. A broadcast
// failure still returns the signed hash together with ErrBroadcast.
func (t *Transactor) Submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nonce, err := t.client.GetNonce(ctx, t.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: fetch nonce: %w", err)
	}
	gasPrice := t.gasPrice(ctx)
	gasLimit := t.gasLimit(ctx, CallMsg{From: t.from, To: to, Data: data})

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(t.cfg.ChainID), t.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: encode transaction: %w", err)
	}
	if _, err := t.client.SendRawTransaction(ctx, raw); err != nil {
		t.logger.Warn("broadcast failed; transaction may still be pending",
			slog.String("tx_hash", signed.Hash().Hex()),
			slog.Uint64("nonce", nonce),
			slog.Any("error", err))
		return signed.Hash(), fmt.Errorf("%w: %w", ErrBroadcast, err)
	}
	t.logger.Info("transaction submitted",
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gasLimit),
		slog.String("gas_price", gasPrice.String()))
	return signed.Hash(), nil
}

// Execute submits a transaction and waits for its receipt. A receipt timeout
// yields OutcomeUnknown with a nil error. When the broadcast fails after
// signing, the confirmation carries the hash with OutcomeUnknown.
func (t *Transactor) Execute(ctx context.Context, to common.Address, data []byte) (Confirmation, error) {
	hash, err := t.Submit(ctx, to, data)
	if err != nil {
		return Confirmation{TxHash: hash, Outcome: OutcomeUnknown}, err
	}
	conf, err := t.client.WaitForReceipt(ctx, hash, t.cfg.ReceiptTimeout, t.cfg.PollInterval)
	if err != nil {
		return conf, err
	}
	if conf.Outcome == OutcomeUnknown {
		t.logger.Warn("transaction receipt not observed before deadline",
			slog.String("tx_hash", hash.Hex()),
			slog.Duration("timeout", t.cfg.ReceiptTimeout))
	}
	return conf, nil
}

// CheckReceipt reports the current state of a transaction sent earlier.
func (t *Transactor) CheckReceipt(ctx context.Context, hash common.Hash) (Confirmation, error) {
	return t.client.CheckReceipt(ctx, hash)
}

func (t *Transactor) gasPrice(ctx context.Context) *big.Int {
	price, err := t.client.GetGasPrice(ctx)
	if err != nil || price == nil || price.Sign() <= 0 {
		if err != nil {
			t.logger.Warn("gas price unavailable, using fallback", slog.Any("error", err))
		}
		return new(big.Int).Set(t.cfg.FallbackGasPrice)
	}
	return price
}

func (t *Transactor) gasLimit(ctx context.Context, msg CallMsg) uint64 {
	estimate, err := t.client.EstimateGas(ctx, msg)
	if err != nil || estimate == 0 {
		if err != nil {
			t.logger.Warn("gas estimate failed, using default limit", slog.Any("error", err))
		}
		return t.cfg.DefaultGasLimit
	}
	return estimate + estimate*t.cfg.GasBufferPercent/100
}
