package evm

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Receipt is the subset of a transaction receipt settlement inspects.
type Receipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockNumber     *hexutil.Big    `json:"blockNumber"`
	Status          *hexutil.Uint64 `json:"status"`
	GasUsed         hexutil.Uint64  `json:"gasUsed"`
}

// Succeeded reports whether the receipt carries the success status flag.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status != nil && uint64(*r.Status) == 1
}

// Outcome classifies what is known about a broadcast transaction.
type Outcome int

const (
	// OutcomeUnknown means no receipt was seen before the deadline. Funds may
	// or may not have moved.
	OutcomeUnknown Outcome = iota
	OutcomeConfirmed
	OutcomeReverted
	// OutcomeDropped means the node has neither a receipt nor the
	// transaction itself. It will not be mined and may be replaced.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeReverted:
		return "reverted"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Confirmation is the result of waiting on a transaction.
type Confirmation struct {
	TxHash  common.Hash
	Outcome Outcome
	Receipt *Receipt
}

// WaitForReceipt polls for the receipt of hash every interval until timeout.
// Transient RPC failures while polling are retried. Running out of time, or
// ctx ending, yields OutcomeUnknown; only the latter also returns an error.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, timeout, interval time.Duration) (Confirmation, error) {
	conf := Confirmation{TxHash: hash, Outcome: OutcomeUnknown}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			conf.Receipt = receipt
			if receipt.Succeeded() {
				conf.Outcome = OutcomeConfirmed
			} else {
				conf.Outcome = OutcomeReverted
			}
			return conf, nil
		}
		select {
		case <-ctx.Done():
			return conf, ctx.Err()
		case <-deadline.C:
			return conf, nil
		case <-ticker.C:
		}
	}
}

// CheckReceipt looks up hash once and classifies it without waiting. A
// missing receipt is OutcomeDropped only when the node also reports no such
// transaction; any doubt stays OutcomeUnknown.
func (c *Client) CheckReceipt(ctx context.Context, hash common.Hash) (Confirmation, error) {
	conf := Confirmation{TxHash: hash, Outcome: OutcomeUnknown}
	receipt, err := c.TransactionReceipt(ctx, hash)
	if err != nil {
		return conf, err
	}
	if receipt == nil {
		if known, err := c.TransactionKnown(ctx, hash); err == nil && !known {
			conf.Outcome = OutcomeDropped
		}
		return conf, nil
	}
	conf.Receipt = receipt
	if receipt.Succeeded() {
		conf.Outcome = OutcomeConfirmed
	} else {
		conf.Outcome = OutcomeReverted
	}
	return conf, nil
}
