// Package merkle builds reward commitments that the on-chain distributor can
// verify. Leaves follow the abi.encodePacked(address, uint256) layout and
// parents hash the sorted pair of their children, so proofs need no
// left/right flags.
package merkle

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	// ErrNoLeaves is returned when a tree is requested over an empty set.
	ErrNoLeaves = errors.New("merkle: no leaves")
	// ErrIndexOutOfRange is returned for proofs of a leaf that does not exist.
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// LeafHash hashes an (address, amount) pair exactly as
// keccak256(abi.encodePacked(address, uint256)).
func LeafHash(addr common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("merkle: amount must be non-negative")
	}
	word, overflow := uint256.FromBig(amount)
	if overflow {
		return common.Hash{}, fmt.Errorf("merkle: amount exceeds uint256")
	}
	packed := word.Bytes32()
	return ethcrypto.Keccak256Hash(addr.Bytes(), packed[:]), nil
}

// HashPair combines two nodes, placing the lexicographically smaller first.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256Hash(a[:], b[:])
}

// Tree keeps every level so proofs can be read without rehashing.
type Tree struct {
	levels [][]common.Hash
}

// NewTree builds a tree over the supplied leaf hashes in the given order.
func NewTree(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	level := append([]common.Hash(nil), leaves...)
	levels := [][]common.Hash{level}
	for len(level) > 1 {
		level = nextLevel(level)
		levels = append(levels, level)
	}
	return &Tree{levels: levels}, nil
}

func nextLevel(level []common.Hash) []common.Hash {
	parents := make([]common.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 < len(level) {
			parents = append(parents, HashPair(level[i], level[i+1]))
			continue
		}
		// odd tail pairs with itself
		parents = append(parents, HashPair(level[i], level[i]))
	}
	return parents
}

// Root returns the commitment root. A single leaf is its own root.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.levels[0]) }

// Proof returns the sibling path for leaf i, bottom up.
func (t *Tree) Proof(i int) ([]common.Hash, error) {
	if i < 0 || i >= t.Len() {
		return nil, ErrIndexOutOfRange
	}
	proof := make([]common.Hash, 0, len(t.levels)-1)
	for _, nodes := range t.levels[:len(t.levels)-1] {
		switch {
		case i%2 == 1:
			proof = append(proof, nodes[i-1])
		case i+1 < len(nodes):
			proof = append(proof, nodes[i+1])
		default:
			proof = append(proof, nodes[i])
		}
		i /= 2
	}
	return proof, nil
}

// Verify folds the proof over leaf and compares the result with root.
func Verify(proof []common.Hash, leaf, root common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = HashPair(computed, sibling)
	}
	return computed == root
}

// Entry is one payout line in a commitment.
type Entry struct {
	Address common.Address
	Amount  *big.Int
}

// Commitment is a built tree together with the ordered entries it covers.
type Commitment struct {
	Entries []Entry
	Leaves  []common.Hash
	tree    *Tree
}

// Build sorts entries by address and commits to them. Duplicate addresses are
// rejected because the verifier cannot distinguish them.
func Build(entries []Entry) (*Commitment, error) {
	if len(entries) == 0 {
		return nil, ErrNoLeaves
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Address[:], sorted[j].Address[:]) < 0
	})
	leaves := make([]common.Hash, len(sorted))
	for i, entry := range sorted {
		if i > 0 && sorted[i-1].Address == entry.Address {
			return nil, fmt.Errorf("merkle: duplicate address %s", entry.Address.Hex())
		}
		leaf, err := LeafHash(entry.Address, entry.Amount)
		if err != nil {
			return nil, fmt.Errorf("merkle: leaf %s: %w", entry.Address.Hex(), err)
		}
		leaves[i] = leaf
	}
	tree, err := NewTree(leaves)
	if err != nil {
		return nil, err
	}
	return &Commitment{Entries: sorted, Leaves: leaves, tree: tree}, nil
}

// Root returns the commitment root.
func (c *Commitment) Root() common.Hash { return c.tree.Root() }

// Proof returns the proof for the entry at index i of c.Entries.
func (c *Commitment) Proof(i int) ([]common.Hash, error) { return c.tree.Proof(i) }

// ProofFor looks up the proof for addr.
func (c *Commitment) ProofFor(addr common.Address) ([]common.Hash, bool) {
	idx := sort.Search(len(c.Entries), func(i int) bool {
		return bytes.Compare(c.Entries[i].Address[:], addr[:]) >= 0
	})
	if idx >= len(c.Entries) || c.Entries[idx].Address != addr {
		return nil, false
	}
	proof, err := c.tree.Proof(idx)
	if err != nil {
		return nil, false
	}
	return proof, true
}

// HexProof renders a proof as 0x-prefixed strings for storage and APIs.
func HexProof(proof []common.Hash) []string {
	out := make([]string, len(proof))
	for i, h := range proof {
		out[i] = h.Hex()
	}
	return out
}

// ParseHexProof is the inverse of HexProof.
func ParseHexProof(raw []string) ([]common.Hash, error) {
	out := make([]common.Hash, len(raw))
	for i, item := range raw {
		decoded, err := parseHash(item)
		if err != nil {
			return nil, fmt.Errorf("merkle: proof[%d]: %w", i, err)
		}
		out[i] = decoded
	}
	return out, nil
}

// ParseHash decodes a 32-byte 0x-prefixed hash.
func ParseHash(raw string) (common.Hash, error) {
	return parseHash(raw)
}

func parseHash(raw string) (common.Hash, error) {
	trimmed := raw
	if len(trimmed) >= 2 && (trimmed[:2] == "0x" || trimmed[:2] == "0X") {
		trimmed = trimmed[2:]
	}
	if len(trimmed) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d hex characters, got %d", 2*common.HashLength, len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(decoded), nil
}
