package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	settleerrors "devpn/core/errors"
	"devpn/sdk/evm"
)

type tokenChain struct {
	mu       sync.Mutex
	balance  *big.Int
	status   string
	sendErr  string
	dropped  bool
	lastHash common.Hash
	sent     []*gethtypes.Transaction
}

func (c *tokenChain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64             `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "eth_getTransactionCount":
		resp["result"] = hexutil.EncodeUint64(uint64(len(c.sent)))
	case "eth_gasPrice":
		resp["result"] = "0x3b9aca00"
	case "eth_estimateGas":
		resp["result"] = "0xea60"
	case "eth_call":
		word, _ := evm.EncodeUint256(c.balance)
		resp["result"] = hexutil.Encode(word)
	case "eth_sendRawTransaction":
		var raw hexutil.Bytes
		_ = json.Unmarshal(req.Params[0], &raw)
		tx := new(gethtypes.Transaction)
		_ = tx.UnmarshalBinary(raw)
		c.sent = append(c.sent, tx)
		c.lastHash = tx.Hash()
		if c.status == "0x1" {
			amount := new(big.Int).SetBytes(tx.Data()[36:68])
			c.balance = new(big.Int).Sub(c.balance, amount)
		}
		if c.sendErr != "" {
			resp["error"] = map[string]interface{}{"code": -32000, "message": c.sendErr}
		} else {
			resp["result"] = tx.Hash().Hex()
		}
	case "eth_getTransactionByHash":
		if c.dropped {
			resp["result"] = nil
		} else {
			resp["result"] = map[string]string{"hash": c.lastHash.Hex()}
		}
	case "eth_getTransactionReceipt":
		if c.status == "" {
			resp["result"] = nil
		} else {
			resp["result"] = map[string]string{
				"transactionHash": c.lastHash.Hex(),
				"blockNumber":     "0x1",
				"status":          c.status,
				"gasUsed":         "0xea60",
			}
		}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestWallet(t *testing.T, chain *tokenChain) *ERC20 {
	t.Helper()
	srv := httptest.NewServer(chain)
	t.Cleanup(srv.Close)
	client, err := evm.New(srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	cfg := evm.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	tr, err := evm.NewTransactor(client, key, cfg)
	if err != nil {
		t.Fatalf("transactor: %v", err)
	}
	w, err := NewERC20(tr, common.HexToAddress("0x00000000000000000000000000000000000000ee"), DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	return w
}

func TestToBaseUnitsShim(t *testing.T) {
	cfg := DefaultConfig()
	got := ToBaseUnits(big.NewInt(40000), cfg)
	want, _ := new(big.Int).SetString("40000000000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, got)
	}
	already := new(big.Int).Add(DefaultBaseUnitThreshold, big.NewInt(1))
	if ToBaseUnits(already, cfg).Cmp(already) != 0 {
		t.Fatalf("amounts above the threshold must pass through")
	}
	if ToBaseUnits(DefaultBaseUnitThreshold, cfg).Cmp(DefaultBaseUnitThreshold) == 0 {
		t.Fatalf("threshold itself is still treated as token units")
	}
}

func TestTransferToNodeSuccess(t *testing.T) {
	start, _ := new(big.Int).SetString("100000000000000000000000", 10)
	chain := &tokenChain{balance: start, status: "0x1"}
	w := newTestWallet(t, chain)

	node := common.HexToAddress("0x1111111111111111111111111111111111111111")
	res, err := w.TransferToNode(context.Background(), node, big.NewInt(15000))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !res.Success || res.Outcome != evm.OutcomeConfirmed {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.BalanceBefore.Cmp(start) != 0 {
		t.Fatalf("unexpected pre balance %s", res.BalanceBefore)
	}
	spent := new(big.Int).Sub(res.BalanceBefore, res.BalanceAfter)
	if spent.Cmp(res.Amount) != 0 {
		t.Fatalf("expected %s spent, got %s", res.Amount, spent)
	}
	if len(chain.sent) != 1 || *chain.sent[0].To() != common.HexToAddress("0x00000000000000000000000000000000000000ee") {
		t.Fatalf("expected a single call to the token contract")
	}
}

func TestTransferToNodeInsufficientBalance(t *testing.T) {
	chain := &tokenChain{balance: big.NewInt(10), status: "0x1"}
	w := newTestWallet(t, chain)
	res, err := w.TransferToNode(context.Background(), common.Address{1}, big.NewInt(1))
	if !settleerrors.IsInsufficientBalance(err) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if res.Success || res.Error == "" || len(chain.sent) != 0 {
		t.Fatalf("expected refusal without a transaction, got %+v", res)
	}
}

func TestTransferToNodeReverted(t *testing.T) {
	balance, _ := new(big.Int).SetString("100000000000000000000000", 10)
	chain := &tokenChain{balance: balance, status: "0x0"}
	w := newTestWallet(t, chain)
	res, err := w.TransferToNode(context.Background(), common.Address{1}, big.NewInt(1))
	if !errors.Is(err, ErrTransferReverted) {
		t.Fatalf("expected revert, got %v", err)
	}
	if res.TxHash == "" || res.Outcome != evm.OutcomeReverted {
		t.Fatalf("expected tx hash and reverted outcome, got %+v", res)
	}

	outcome, err := w.Confirm(context.Background(), res.TxHash)
	if err != nil || outcome != evm.OutcomeReverted {
		t.Fatalf("confirm: %v %v", outcome, err)
	}
	if _, err := w.Confirm(context.Background(), "0x12"); !settleerrors.IsValidation(err) {
		t.Fatalf("expected validation error for short hash, got %v", err)
	}
}

func TestTransferToNodeBroadcastFailureKeepsHash(t *testing.T) {
	balance, _ := new(big.Int).SetString("100000000000000000000000", 10)
	chain := &tokenChain{balance: balance, sendErr: "timeout"}
	w := newTestWallet(t, chain)

	res, err := w.TransferToNode(context.Background(), common.Address{1}, big.NewInt(1))
	if !errors.Is(err, settleerrors.ErrOutcomeUnknown) || !errors.Is(err, evm.ErrBroadcast) {
		t.Fatalf("expected unknown outcome from broadcast failure, got %v", err)
	}
	if len(chain.sent) != 1 || res.TxHash != chain.sent[0].Hash().Hex() {
		t.Fatalf("expected the signed hash to survive, got %+v", res)
	}

	outcome, err := w.Confirm(context.Background(), res.TxHash)
	if err != nil || outcome != evm.OutcomeUnknown {
		t.Fatalf("pending transfer: %v %v", outcome, err)
	}
	chain.mu.Lock()
	chain.dropped = true
	chain.mu.Unlock()
	outcome, err = w.Confirm(context.Background(), res.TxHash)
	if err != nil || outcome != evm.OutcomeDropped {
		t.Fatalf("dropped transfer: %v %v", outcome, err)
	}
}

func TestFuncWalletDefaults(t *testing.T) {
	w := FuncWallet{Config: DefaultConfig()}
	res, err := w.TransferToNode(context.Background(), common.Address{}, big.NewInt(2))
	if err != nil || !res.Success {
		t.Fatalf("expected default success, got %+v %v", res, err)
	}
	var _ TokenWallet = w
	var _ TokenWallet = (*ERC20)(nil)
}
