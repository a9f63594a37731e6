// Package merkle commits airdrop allocations to a single root and checks
// per-claimant membership proofs against it.
//
// A leaf is keccak256(address ‖ amount) where the address is 20 bytes and the
// amount is a 32-byte big-endian word. Interior nodes hash the two children
// in ascending byte order, so proofs carry no left/right flags. A node with no
// sibling on its level is promoted unchanged.
package merkle

import (
	"bytes"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Leaf hashes one (claimant, amount) allocation.
func Leaf(account common.Address, amount *uint256.Int) common.Hash {
	word := amount.Bytes32()
	return crypto.Keccak256Hash(account.Bytes(), word[:])
}

// HashPair combines two nodes order-independently.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Verify folds proof over leaf and compares the result with root.
func Verify(root common.Hash, leaf common.Hash, proof []common.Hash) bool {
	node := leaf
	for _, sibling := range proof {
		node = HashPair(node, sibling)
	}
	return node == root
}

// VerifyClaim is Verify over the leaf of (account, amount).
func VerifyClaim(root common.Hash, account common.Address, amount *uint256.Int, proof []common.Hash) bool {
	return Verify(root, Leaf(account, amount), proof)
}

// Allocation is one entry of an airdrop recipient list.
type Allocation struct {
	Account common.Address
	Amount  *uint256.Int
}

// Tree is a fully materialized tree, levels[0] being the leaves.
type Tree struct {
	levels [][]common.Hash
	allocs []Allocation
}

var (
	ErrEmpty     = errors.New("merkle: no allocations")
	ErrZeroValue = errors.New("merkle: allocation has zero account or amount")
	ErrDuplicate = errors.New("merkle: duplicate account")
	ErrIndex     = errors.New("merkle: leaf index out of range")
)

// Build creates the tree for allocs in the given order.
func Build(allocs []Allocation) (*Tree, error) {
	if len(allocs) == 0 {
		return nil, ErrEmpty
	}
	seen := make(map[common.Address]struct{}, len(allocs))
	leaves := make([]common.Hash, len(allocs))
	for i, a := range allocs {
		if a.Account == (common.Address{}) || a.Amount == nil || a.Amount.IsZero() {
			return nil, ErrZeroValue
		}
		if _, dup := seen[a.Account]; dup {
			return nil, ErrDuplicate
		}
		seen[a.Account] = struct{}{}
		leaves[i] = Leaf(a.Account, a.Amount)
	}

	levels := [][]common.Hash{leaves}
	for level := leaves; len(level) > 1; {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, HashPair(level[i], level[i+1]))
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels, allocs: append([]Allocation(nil), allocs...)}, nil
}

// Root is the commitment passed to the ledger.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len is the number of leaves.
func (t *Tree) Len() int { return len(t.levels[0]) }

// Total sums every allocation.
func (t *Tree) Total() (*uint256.Int, bool) {
	sum := new(uint256.Int)
	for _, a := range t.allocs {
		if _, overflow := sum.AddOverflow(sum, a.Amount); overflow {
			return nil, false
		}
	}
	return sum, true
}

// Proof returns the sibling path for leaf i, bottom up.
func (t *Tree) Proof(i int) ([]common.Hash, error) {
	if i < 0 || i >= t.Len() {
		return nil, ErrIndex
	}
	var proof []common.Hash
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := i ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		i /= 2
	}
	return proof, nil
}

// Claim is the per-recipient output of the off-chain builder.
type Claim struct {
	Account common.Address `json:"account"`
	Amount  string         `json:"amount"`
	Leaf    common.Hash    `json:"leaf"`
	Proof   []common.Hash  `json:"proof"`
}

// Claims returns a proof bundle for every allocation.
func (t *Tree) Claims() []Claim {
	out := make([]Claim, len(t.allocs))
	for i, a := range t.allocs {
		proof, _ := t.Proof(i)
		out[i] = Claim{
			Account: a.Account,
			Amount:  a.Amount.Dec(),
			Leaf:    t.levels[0][i],
			Proof:   proof,
		}
	}
	return out
}
