package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Amounts are fixed-point unsigned 256-bit integers in the asset's smallest
// unit. No floats anywhere in the ledger.

// NewAmount returns v as an amount.
func NewAmount(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ParseAmount parses a base-10 amount string.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("amount is required")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// Add returns a+b, failing with Internal on overflow.
func Add(op string, a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, Internal(op, ErrOverflow)
	}
	return z, nil
}

// Sub returns a-b, failing with Internal on underflow.
func Sub(op string, a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, Internal(op, ErrOverflow)
	}
	return z, nil
}

// Sum adds every amount, failing with Internal on overflow.
func Sum(op string, amounts []*uint256.Int) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, a := range amounts {
		if a == nil {
			return nil, Errorf(op, ErrInvalidInput, "nil amount")
		}
		var overflow bool
		total, overflow = new(uint256.Int).AddOverflow(total, a)
		if overflow {
			return nil, Internal(op, ErrOverflow)
		}
	}
	return total, nil
}

// IsZeroAmount treats nil as zero.
func IsZeroAmount(a *uint256.Int) bool { return a == nil || a.IsZero() }

// IsZeroAddress reports the null identity.
func IsZeroAddress(a common.Address) bool { return a == (common.Address{}) }

// Entity keys index the event log by affected entity.

func AccountKey(a common.Address) string { return "account/" + a.Hex() }

func RoleKey(a common.Address) string { return "subject/" + a.Hex() }

func CredentialKey(id uint64) string { return "credential/" + strconv.FormatUint(id, 10) }

func CredentialTypeKey(key string) string { return "credential-type/" + key }

func VestingKey(beneficiary common.Address) string { return "vesting/" + beneficiary.Hex() }

func AirdropKey(id uint64) string { return "airdrop/" + strconv.FormatUint(id, 10) }

const (
	AssetKey    = "asset"
	RegistryKey = "registry"
)
