package proofs

import (
	"bytes"
	"errors"
	"testing"
)

func TestVerifyPreimage(t *testing.T) {
	preimage := bytes.Repeat([]byte{0x01}, PreimageSize)
	hash := PaymentHash(preimage)

	if err := VerifyPreimage(hash, preimage); err != nil {
		t.Fatalf("expected valid preimage, got %v", err)
	}

	other := bytes.Repeat([]byte{0x02}, PreimageSize)
	if err := VerifyPreimage(hash, other); !errors.Is(err, ErrPreimageMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := VerifyPreimage(hash, preimage[:10]); !errors.Is(err, ErrPreimageSize) {
		t.Fatalf("expected size error, got %v", err)
	}
	if err := VerifyPreimage("zz", preimage); err == nil {
		t.Fatalf("expected error for non-hex hash")
	}
}
