package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// WordSize is the width of one ABI-encoded static argument.
const WordSize = 32

const (
	transferSignature    = "transfer(address,uint256)"
	balanceOfSignature   = "balanceOf(address)"
	commitEpochSignature = "commitEpoch(uint256,bytes32)"
)

// Selector returns the first four bytes of keccak256(signature).
func Selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// EncodeAddress left-pads addr to a 32-byte word.
func EncodeAddress(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), WordSize)
}

// EncodeUint256 encodes v as a 32-byte big-endian word. Negative values and
// values wider than 256 bits are rejected.
func EncodeUint256(v *big.Int) ([]byte, error) {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("evm: negative uint256 %s", v)
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("evm: %s overflows uint256", v)
	}
	out := word.Bytes32()
	return out[:], nil
}

// EncodeBytes32 returns h as a word.
func EncodeBytes32(h common.Hash) []byte {
	out := make([]byte, WordSize)
	copy(out, h.Bytes())
	return out
}

// TransferCalldata encodes transfer(to, amount).
func TransferCalldata(to common.Address, amount *big.Int) ([]byte, error) {
	word, err := EncodeUint256(amount)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, 4+2*WordSize)
	data = append(data, Selector(transferSignature)...)
	data = append(data, EncodeAddress(to)...)
	return append(data, word...), nil
}

// BalanceOfCalldata encodes balanceOf(owner).
func BalanceOfCalldata(owner common.Address) []byte {
	data := make([]byte, 0, 4+WordSize)
	data = append(data, Selector(balanceOfSignature)...)
	return append(data, EncodeAddress(owner)...)
}

// CommitEpochCalldata encodes commitEpoch(epochID, root).
func CommitEpochCalldata(epochID uint64, root common.Hash) []byte {
	word, _ := EncodeUint256(new(big.Int).SetUint64(epochID))
	data := make([]byte, 0, 4+2*WordSize)
	data = append(data, Selector(commitEpochSignature)...)
	data = append(data, word...)
	return append(data, EncodeBytes32(root)...)
}

// DecodeUint256 reads the first word of a call result. An empty result
// decodes to zero.
func DecodeUint256(result []byte) (*big.Int, error) {
	if len(result) == 0 {
		return new(big.Int), nil
	}
	if len(result) < WordSize {
		return nil, fmt.Errorf("evm: short uint256 result (%d bytes)", len(result))
	}
	return new(big.Int).SetBytes(result[:WordSize]), nil
}
