package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrNoKey is returned when no key source is configured.
var ErrNoKey = errors.New("crypto: no payer key configured")

// KeySource lists the places a signing key may come from. The first non-empty
// field wins, in declaration order.
type KeySource struct {
	Hex      string
	Env      string
	File     string
	Keystore string
	// Passphrase resolves the keystore passphrase on demand.
	Passphrase func() (string, error)
}

// LoadKey resolves the configured key.
func LoadKey(src KeySource) (*ecdsa.PrivateKey, error) {
	switch {
	case strings.TrimSpace(src.Hex) != "":
		return ParseHexKey(src.Hex)
	case strings.TrimSpace(src.Env) != "":
		name := strings.TrimSpace(src.Env)
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return nil, fmt.Errorf("crypto: %s is empty", name)
		}
		return ParseHexKey(value)
	case strings.TrimSpace(src.File) != "":
		contents, err := os.ReadFile(strings.TrimSpace(src.File))
		if err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		return ParseHexKey(string(contents))
	case strings.TrimSpace(src.Keystore) != "":
		if src.Passphrase == nil {
			return nil, errors.New("crypto: keystore configured without a passphrase source")
		}
		passphrase, err := src.Passphrase()
		if err != nil {
			return nil, err
		}
		return LoadFromKeystore(strings.TrimSpace(src.Keystore), passphrase)
	default:
		return nil, ErrNoKey
	}
}

// ParseHexKey decodes a 32-byte secp256k1 key with or without 0x prefix.
func ParseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return key, nil
}

// GenerateKey returns a fresh secp256k1 key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ethcrypto.GenerateKey()
}

// Address returns the account address controlled by key.
func Address(key *ecdsa.PrivateKey) common.Address {
	return ethcrypto.PubkeyToAddress(key.PublicKey)
}
