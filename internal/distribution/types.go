package distribution

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Schedule is a cliff-then-linear vesting plan held in custody.
type Schedule struct {
	Beneficiary common.Address
	Total       uint256.Int
	Released    uint256.Int
	Start       uint64
	Cliff       uint64
	Duration    uint64
	Revocable   bool
	Revoked     bool
}

// Exists reports whether the schedule was ever created.
func (s Schedule) Exists() bool { return !s.Total.IsZero() }

// VestedAt is the cumulative vested amount at now. A revoked schedule stays
// at whatever had been released when it was revoked.
func (s Schedule) VestedAt(now uint64) (*uint256.Int, bool) {
	if s.Revoked {
		return s.Released.Clone(), true
	}
	var elapsed uint64
	if now > s.Start {
		elapsed = now - s.Start
	}
	switch {
	case elapsed < s.Cliff:
		return new(uint256.Int), true
	case elapsed >= s.Duration:
		return s.Total.Clone(), true
	}
	v, overflow := new(uint256.Int).MulDivOverflow(&s.Total, uint256.NewInt(elapsed), uint256.NewInt(s.Duration))
	return v, !overflow
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Beneficiary common.Address `json:"beneficiary"`
		Total       string         `json:"total_amount"`
		Released    string         `json:"released_amount"`
		Start       uint64         `json:"start_time"`
		Cliff       uint64         `json:"cliff_duration"`
		Duration    uint64         `json:"vesting_duration"`
		Revocable   bool           `json:"revocable"`
		Revoked     bool           `json:"revoked"`
	}{s.Beneficiary, s.Total.Dec(), s.Released.Dec(), s.Start, s.Cliff, s.Duration, s.Revocable, s.Revoked})
}

// Airdrop is a Merkle-committed reward pool.
type Airdrop struct {
	ID        uint64
	Root      common.Hash
	Total     uint256.Int
	Claimed   uint256.Int
	CreatedAt uint64
	ExpiresAt uint64
	Active    bool
	DataRef   string
}

// Remaining is the unclaimed part of the pool.
func (a Airdrop) Remaining() *uint256.Int {
	return new(uint256.Int).Sub(&a.Total, &a.Claimed)
}

func (a Airdrop) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        uint64      `json:"id"`
		Root      common.Hash `json:"merkle_root"`
		Total     string      `json:"total_amount"`
		Claimed   string      `json:"claimed_amount"`
		CreatedAt uint64      `json:"created_at"`
		ExpiresAt uint64      `json:"expires_at"`
		Active    bool        `json:"active"`
		DataRef   string      `json:"data_ref"`
	}{a.ID, a.Root, a.Total.Dec(), a.Claimed.Dec(), a.CreatedAt, a.ExpiresAt, a.Active, a.DataRef})
}

type claimKey struct {
	id      uint64
	claimer common.Address
}
