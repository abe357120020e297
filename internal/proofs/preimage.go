package proofs

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// PreimageSize 是 Lightning 支付原像的字节长度。
const PreimageSize = 32

var (
	// ErrPreimageSize 表示原像长度不是 32 字节。
	ErrPreimageSize = errors.New("preimage must be 32 bytes")
	// ErrPreimageMismatch 表示原像的哈希与支付哈希不一致。
	ErrPreimageMismatch = errors.New("preimage does not match payment hash")
)

// VerifyPreimage 校验 sha256(preimage) 是否等于十六进制编码的支付哈希。
func VerifyPreimage(paymentHash string, preimage []byte) error {
	if len(preimage) != PreimageSize {
		return ErrPreimageSize
	}
	expected, err := hex.DecodeString(strings.TrimSpace(paymentHash))
	if err != nil {
		return fmt.Errorf("payment hash is not hex: %w", err)
	}
	if len(expected) != sha256.Size {
		return fmt.Errorf("payment hash must be %d bytes", sha256.Size)
	}
	sum := sha256.Sum256(preimage)
	if subtle.ConstantTimeCompare(sum[:], expected) != 1 {
		return ErrPreimageMismatch
	}
	return nil
}

// PaymentHash 返回原像对应的十六进制支付哈希。
func PaymentHash(preimage []byte) string {
	sum := sha256.Sum256(preimage)
	return hex.EncodeToString(sum[:])
}
