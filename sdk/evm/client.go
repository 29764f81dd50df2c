// Package evm is a minimal JSON-RPC client for EVM chains. It covers the
// calls settlement needs: nonce and gas discovery, raw transaction broadcast,
// receipt polling and read-only contract calls.
package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	settleerrors "devpn/core/errors"
)

const (
	jsonRPCVersion = "2.0"
	serviceName    = "chain"
)

// Client wraps a JSON-RPC endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	observer   func(method string, err error)
	nextID     atomic.Int64
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for RPC calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithObserver registers a callback invoked after every RPC call.
func WithObserver(fn func(method string, err error)) Option {
	return func(c *Client) {
		c.observer = fn
	}
}

// New initialises a client bound to the provided JSON-RPC endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm: endpoint required")
	}
	c := &Client{
		endpoint:   trimmed,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c, nil
}

// CallMsg describes a message for eth_call and eth_estimateGas.
type CallMsg struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

func (m CallMsg) toArg() map[string]interface{} {
	arg := map[string]interface{}{
		"to":   m.To.Hex(),
		"data": hexutil.Bytes(m.Data),
	}
	if m.From != (common.Address{}) {
		arg["from"] = m.From.Hex()
	}
	if m.Value != nil && m.Value.Sign() > 0 {
		arg["value"] = (*hexutil.Big)(m.Value)
	}
	return arg
}

// GetNonce returns the account nonce at the latest block.
func (c *Client) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	var nonce hexutil.Uint64
	if err := c.call(ctx, "eth_getTransactionCount", []interface{}{address.Hex(), "latest"}, &nonce); err != nil {
		return 0, err
	}
	return uint64(nonce), nil
}

// GetGasPrice returns the node's suggested gas price.
func (c *Client) GetGasPrice(ctx context.Context) (*big.Int, error) {
	var price hexutil.Big
	if err := c.call(ctx, "eth_gasPrice", []interface{}{}, &price); err != nil {
		return nil, err
	}
	return price.ToInt(), nil
}

// EstimateGas asks the node how much gas msg would consume.
func (c *Client) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	var gas hexutil.Uint64
	if err := c.call(ctx, "eth_estimateGas", []interface{}{msg.toArg()}, &gas); err != nil {
		return 0, err
	}
	return uint64(gas), nil
}

// SendRawTransaction broadcasts a signed, RLP-encoded transaction.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hash common.Hash
	if err := c.call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Bytes(raw)}, &hash); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// Call executes a read-only call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out hexutil.Bytes
	msg := CallMsg{To: to, Data: data}
	if err := c.call(ctx, "eth_call", []interface{}{msg.toArg(), "latest"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TransactionReceipt returns the receipt for hash, or nil when the
// transaction has not been mined.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var receipt *Receipt
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{hash.Hex()}, &receipt); err != nil {
		return nil, err
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, nil
	}
	return receipt, nil
}

// TransactionKnown reports whether the node holds hash, mined or pending.
func (c *Client) TransactionKnown(ctx context.Context, hash common.Hash) (bool, error) {
	var tx json.RawMessage
	if err := c.call(ctx, "eth_getTransactionByHash", []interface{}{hash.Hex()}, &tx); err != nil {
		return false, err
	}
	return len(tx) > 0 && string(tx) != "null", nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// RPCError is a JSON-RPC level error returned by the node.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) (err error) {
	defer func() {
		if c.observer != nil {
			c.observer(method, err)
		}
		err = settleerrors.External(serviceName, method, err)
	}()
	payload := rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode rpc payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("rpc error status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return &RPCError{Code: decoded.Error.Code, Message: decoded.Error.Message}
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("decode rpc result: %w", err)
	}
	return nil
}
