// Package traffic validates and stores the signed traffic reports relay nodes
// submit. A report is accepted only when its signature recovers to the
// reporting node's address.
package traffic

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	settleerrors "devpn/core/errors"
	"devpn/core/types"
)

// ErrSignatureMismatch is returned when a signature recovers to an address
// other than the reporting node.
var ErrSignatureMismatch = errors.New("traffic: signature does not match node")

// Report is the payload a node signs. Numeric fields keep the sender's
// textual form so the canonical message reproduces byte for byte.
type Report struct {
	Node      string      `json:"node"`
	SessionID string      `json:"session_id"`
	TrafficMB json.Number `json:"traffic_mb"`
	EpochID   json.Number `json:"epoch_id"`
	Timestamp json.Number `json:"timestamp"`
	Signature string      `json:"signature,omitempty"`
}

type signedFields struct {
	Node      string      `json:"node"`
	SessionID string      `json:"session_id"`
	TrafficMB json.Number `json:"traffic_mb"`
	EpochID   json.Number `json:"epoch_id"`
	Timestamp json.Number `json:"timestamp"`
}

// CanonicalMessage is the JSON document covered by the signature.
func (r Report) CanonicalMessage() ([]byte, error) {
	return json.Marshal(signedFields{
		Node:      r.Node,
		SessionID: r.SessionID,
		TrafficMB: r.TrafficMB,
		EpochID:   r.EpochID,
		Timestamp: r.Timestamp,
	})
}

// Traffic parses the reported megabytes.
func (r Report) Traffic() (float64, error) {
	v, err := strconv.ParseFloat(r.TrafficMB.String(), 64)
	if err != nil {
		return 0, settleerrors.Validation("traffic_mb", "not a number")
	}
	if v < 0 {
		return 0, settleerrors.Validation("traffic_mb", "must be non-negative")
	}
	return v, nil
}

// Epoch parses the epoch number the report belongs to.
func (r Report) Epoch() (uint64, error) {
	v, err := strconv.ParseUint(r.EpochID.String(), 10, 64)
	if err != nil {
		return 0, settleerrors.Validation("epoch_id", "must be a positive integer")
	}
	return v, nil
}

// Validate checks the shape of the report without touching the signature.
func (r Report) Validate() error {
	if !common.IsHexAddress(strings.TrimSpace(r.Node)) {
		return settleerrors.Validation("node", "must be a hex address")
	}
	if _, err := r.Traffic(); err != nil {
		return err
	}
	if _, err := r.Epoch(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Signature) == "" {
		return settleerrors.Validation("signature", "required")
	}
	return nil
}

// Verify recovers the signer of the canonical message, hashed with the
// personal_sign prefix, and compares it with the node address.
func Verify(r Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	sig, err := decodeSignature(r.Signature)
	if err != nil {
		return err
	}
	message, err := r.CanonicalMessage()
	if err != nil {
		return fmt.Errorf("traffic: encode message: %w", err)
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return settleerrors.Validation("signature", "unrecoverable: %v", err)
	}
	if ethcrypto.PubkeyToAddress(*pub) != common.HexToAddress(r.Node) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign produces the hex signature a node would attach to r.
func Sign(r Report, key *ecdsa.PrivateKey) (string, error) {
	message, err := r.CanonicalMessage()
	if err != nil {
		return "", fmt.Errorf("traffic: encode message: %w", err)
	}
	sig, err := ethcrypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return "", fmt.Errorf("traffic: sign: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

func decodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if len(trimmed) != 2*ethcrypto.SignatureLength {
		return nil, settleerrors.Validation("signature", "expected %d hex characters", 2*ethcrypto.SignatureLength)
	}
	sig, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, settleerrors.Validation("signature", "invalid hex")
	}
	switch v := sig[ethcrypto.RecoveryIDOffset]; {
	case v == 27 || v == 28:
		sig[ethcrypto.RecoveryIDOffset] = v - 27
	case v > 1:
		return nil, settleerrors.Validation("signature", "invalid recovery id %d", v)
	}
	return sig, nil
}

// Address normalises the report's node address.
func (r Report) Address() string {
	return types.NormalizeAddress(r.Node)
}
