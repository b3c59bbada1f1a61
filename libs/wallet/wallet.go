package wallet

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAddress = errors.New("invalid wallet address")
	ErrInvalidTxHash  = errors.New("invalid transaction hash")
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Normalize returns the EIP-55 checksummed form of an EVM address.
func Normalize(address string) (string, error) {
	trimmed := strings.TrimSpace(address)
	if !common.IsHexAddress(trimmed) {
		return "", ErrInvalidAddress
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return "", ErrInvalidAddress
	}
	return addr.Hex(), nil
}

func Equal(a, b string) bool {
	na, errA := Normalize(a)
	nb, errB := Normalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return na == nb
}

// NormalizeTxHash lower-cases a 32-byte transaction hash. Hashes are
// compared in this form for idempotency checks.
func NormalizeTxHash(hash string) (string, error) {
	trimmed := strings.TrimSpace(hash)
	if !txHashPattern.MatchString(trimmed) {
		return "", ErrInvalidTxHash
	}
	return strings.ToLower(common.HexToHash(trimmed).Hex()), nil
}
