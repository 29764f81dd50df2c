package errors

import (
	stderrors "errors"
	"fmt"
	"math/big"
	"testing"
)

func TestTaxonomyUnwraps(t *testing.T) {
	root := stderrors.New("connection refused")
	err := fmt.Errorf("settle epoch 4: %w", External("chain", "eth_sendRawTransaction", root))
	if !IsExternal(err) {
		t.Fatalf("expected external error, got %v", err)
	}
	if !stderrors.Is(err, root) {
		t.Fatalf("expected wrapped root cause")
	}
	if IsPersistence(err) || IsValidation(err) {
		t.Fatalf("unexpected classification for %v", err)
	}
}

func TestNilWrappersStayNil(t *testing.T) {
	if External("ai", "score", nil) != nil {
		t.Fatalf("expected nil external error")
	}
	if Persistence("load", nil) != nil {
		t.Fatalf("expected nil persistence error")
	}
}

func TestInsufficientBalanceMessage(t *testing.T) {
	err := error(&InsufficientBalanceError{Required: big.NewInt(10), Available: big.NewInt(3)})
	if !IsInsufficientBalance(fmt.Errorf("direct: %w", err)) {
		t.Fatalf("expected insufficient balance classification")
	}
	if got := err.Error(); got != "insufficient balance: required 10, available 3" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestValidationMessage(t *testing.T) {
	err := Validation("signature", "expected %d bytes", 65)
	if got := err.Error(); got != "validation: signature: expected 65 bytes" {
		t.Fatalf("unexpected message %q", got)
	}
}
