package distribution

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/ledger"
	"campusmerit.org/internal/merkle"
)

// Asset is the slice of the asset ledger the engine drives. Custody must
// hold the Issuer role on it.
type Asset interface {
	Mint(caller, to common.Address, amount *uint256.Int) error
	MintBatch(caller common.Address, recipients []common.Address, amounts []*uint256.Int) error
	Transfer(caller, to common.Address, amount *uint256.Int) error
	BalanceOf(account common.Address) *uint256.Int
}

// Engine runs direct grants, vesting and Merkle airdrops. Every mutation runs
// under a re-entrancy guard inside a journal scope, so a failing inner ledger
// call unwinds schedule and pool writes as well.
type Engine struct {
	env     *ledger.Env
	access  access.Checker
	asset   Asset
	custody common.Address
	guard   ledger.Guard

	schedules   map[common.Address]Schedule
	airdrops    map[uint64]Airdrop
	claims      map[claimKey]struct{}
	direct      map[common.Address]uint256.Int
	lastAirdrop uint64
	locked      uint256.Int
	reserved    uint256.Int
}

// New creates an engine that keeps locked and reserved funds at custody.
func New(env *ledger.Env, checker access.Checker, asset Asset, custody common.Address) (*Engine, error) {
	if ledger.IsZeroAddress(custody) {
		return nil, ledger.Errorf("distribution.bootstrap", ledger.ErrInvalidInput, "custody is the zero address")
	}
	return &Engine{
		env:       env,
		access:    checker,
		asset:     asset,
		custody:   custody,
		schedules: make(map[common.Address]Schedule),
		airdrops:  make(map[uint64]Airdrop),
		claims:    make(map[claimKey]struct{}),
		direct:    make(map[common.Address]uint256.Int),
	}, nil
}

func (e *Engine) run(op string, fn func() error) error {
	if err := e.guard.Enter(op); err != nil {
		return err
	}
	defer e.guard.Exit()
	return e.env.Journal.Atomic(fn)
}

// DistributeDirectly mints amount straight to recipient.
func (e *Engine) DistributeDirectly(caller, recipient common.Address, amount *uint256.Int, reasonHash common.Hash) error {
	const op = access.OpDistributeDirectly
	return e.run(op, func() error {
		if err := e.access.Authorize(op, caller); err != nil {
			return err
		}
		if err := validateGrant(op, recipient, amount); err != nil {
			return err
		}
		if err := e.asset.Mint(e.custody, recipient, amount); err != nil {
			return err
		}
		return e.recordDirect(op, caller, recipient, amount, reasonHash)
	})
}

// DistributeBatch mints to every recipient or to none.
func (e *Engine) DistributeBatch(caller common.Address, recipients []common.Address, amounts []*uint256.Int, reasonHash common.Hash) error {
	const op = access.OpDistributeBatch
	return e.run(op, func() error {
		if err := e.access.Authorize(op, caller); err != nil {
			return err
		}
		if len(recipients) == 0 || len(recipients) != len(amounts) {
			return ledger.Errorf(op, ledger.ErrInvalidInput, "recipients (%d) and amounts (%d) must be non-empty and equal length", len(recipients), len(amounts))
		}
		for i := range recipients {
			if err := validateGrant(op, recipients[i], amounts[i]); err != nil {
				return err
			}
		}
		if err := e.asset.MintBatch(e.custody, recipients, amounts); err != nil {
			return err
		}
		for i := range recipients {
			if err := e.recordDirect(op, caller, recipients[i], amounts[i], reasonHash); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateVestingSchedule locks amount in custody for beneficiary starting now.
// A beneficiary gets at most one schedule over its lifetime.
func (e *Engine) CreateVestingSchedule(caller, beneficiary common.Address, amount *uint256.Int, cliff, duration uint64, revocable bool) error {
	const op = access.OpCreateVesting
	return e.run(op, func() error {
		if err := e.access.Authorize(op, caller); err != nil {
			return err
		}
		if err := validateGrant(op, beneficiary, amount); err != nil {
			return err
		}
		if e.schedules[beneficiary].Exists() {
			return ledger.Errorf(op, ledger.ErrVestingAlreadyExists, "%s", beneficiary.Hex())
		}
		if duration == 0 || cliff > duration {
			return ledger.Errorf(op, ledger.ErrInvalidDuration, "cliff %d, duration %d", cliff, duration)
		}
		locked, err := ledger.Add(op, &e.locked, amount)
		if err != nil {
			return err
		}
		if err := e.asset.Mint(e.custody, e.custody, amount); err != nil {
			return err
		}
		now := e.env.Now()
		s := Schedule{
			Beneficiary: beneficiary,
			Start:       now,
			Cliff:       cliff,
			Duration:    duration,
			Revocable:   revocable,
		}
		s.Total.Set(amount)
		ledger.SetMap(e.env.Journal, e.schedules, beneficiary, s)
		ledger.Set(e.env.Journal, &e.locked, *locked)
		e.env.Events.Append(ledger.Event{
			Kind:   ledger.EventVestingCreated,
			Keys:   []string{ledger.VestingKey(beneficiary), ledger.AccountKey(beneficiary)},
			Caller: caller,
			Time:   now,
			Fields: map[string]string{
				"beneficiary": beneficiary.Hex(),
				"amount":      amount.Dec(),
				"start":       strconv.FormatUint(now, 10),
				"cliff":       strconv.FormatUint(cliff, 10),
				"duration":    strconv.FormatUint(duration, 10),
				"revocable":   strconv.FormatBool(revocable),
			},
		})
		return nil
	})
}

// ReleaseVested pays beneficiary whatever has vested but not been released.
// Anyone may trigger it; funds only ever go to the beneficiary.
func (e *Engine) ReleaseVested(caller, beneficiary common.Address) (*uint256.Int, error) {
	const op = access.OpReleaseVested
	var released *uint256.Int
	err := e.run(op, func() error {
		s, ok := e.schedules[beneficiary]
		if !ok || !s.Exists() {
			return ledger.Errorf(op, ledger.ErrNoVestingSchedule, "%s", beneficiary.Hex())
		}
		amount, err := e.releasable(op, s)
		if err != nil {
			return err
		}
		if amount.IsZero() {
			return ledger.Errorf(op, ledger.ErrNothingToRelease, "%s", beneficiary.Hex())
		}
		if err := e.payOut(op, s, amount); err != nil {
			return err
		}
		if err := e.asset.Transfer(e.custody, beneficiary, amount); err != nil {
			return err
		}
		e.env.Events.Append(ledger.Event{
			Kind:   ledger.EventVestedReleased,
			Keys:   []string{ledger.VestingKey(beneficiary), ledger.AccountKey(beneficiary)},
			Caller: caller,
			Time:   e.env.Now(),
			Fields: map[string]string{
				"beneficiary": beneficiary.Hex(),
				"amount":      amount.Dec(),
			},
		})
		released = amount
		return nil
	})
	return released, err
}

// RevokeVesting ends a revocable schedule. The vested remainder goes to the
// beneficiary, the unvested remainder to the caller.
func (e *Engine) RevokeVesting(caller, beneficiary common.Address) error {
	const op = access.OpRevokeVesting
	return e.run(op, func() error {
		if err := e.access.Authorize(op, caller); err != nil {
			return err
		}
		s, ok := e.schedules[beneficiary]
		if !ok || !s.Exists() {
			return ledger.Errorf(op, ledger.ErrNoVestingSchedule, "%s", beneficiary.Hex())
		}
		if !s.Revocable {
			return ledger.Errorf(op, ledger.ErrNotRevocable, "%s", beneficiary.Hex())
		}
		if s.Revoked {
			return ledger.Errorf(op, ledger.ErrAlreadyRevoked, "vesting for %s", beneficiary.Hex())
		}
		vested, ok := s.VestedAt(e.env.Now())
		if !ok {
			return ledger.Internal(op, ledger.ErrOverflow)
		}
		payout, err := ledger.Sub(op, vested, &s.Released)
		if err != nil {
			return err
		}
		unvested, err := ledger.Sub(op, &s.Total, vested)
		if err != nil {
			return err
		}
		outstanding, err := ledger.Sub(op, &s.Total, &s.Released)
		if err != nil {
			return err
		}
		locked, err := ledger.Sub(op, &e.locked, outstanding)
		if err != nil {
			return err
		}
		s.Released.Set(vested)
		s.Revoked = true
		ledger.SetMap(e.env.Journal, e.schedules, beneficiary, s)
		ledger.Set(e.env.Journal, &e.locked, *locked)
		if !payout.IsZero() {
			if err := e.asset.Transfer(e.custody, beneficiary, payout); err != nil {
				return err
			}
		}
		if !unvested.IsZero() {
			if err := e.asset.Transfer(e.custody, caller, unvested); err != nil {
				return err
			}
		}
		e.env.Events.Append(ledger.Event{
			Kind:   ledger.EventVestingRevoked,
			Keys:   []string{ledger.VestingKey(beneficiary), ledger.AccountKey(beneficiary)},
			Caller: caller,
			Time:   e.env.Now(),
			Fields: map[string]string{
				"beneficiary": beneficiary.Hex(),
				"paid_out":    payout.Dec(),
				"returned":    unvested.Dec(),
			},
		})
		return nil
	})
}

// CreateAirdropDistribution reserves total in custody behind root and returns
// the new distribution id.
func (e *Engine) CreateAirdropDistribution(caller common.Address, root common.Hash, total *uint256.Int, durationSecs uint64, dataRef string) (uint64, error) {
	const op = access.OpCreateAirdrop
	var id uint64
	err := e.run(op, func() error {
		if err := e.access.Authorize(op, caller); err != nil {
			return err
		}
		if root == (common.Hash{}) {
			return ledger.Errorf(op, ledger.ErrInvalidInput, "merkle root is zero")
		}
		if ledger.IsZeroAmount(total) {
			return ledger.Errorf(op, ledger.ErrInvalidInput, "amount must be > 0")
		}
		if durationSecs == 0 {
			return ledger.Errorf(op, ledger.ErrInvalidDuration, "duration must be > 0")
		}
		now := e.env.Now()
		expiresAt := now + durationSecs
		if expiresAt < now {
			return ledger.Errorf(op, ledger.ErrInvalidDuration, "duration %d overflows", durationSecs)
		}
		reserved, err := ledger.Add(op, &e.reserved, total)
		if err != nil {
			return err
		}
		if err := e.asset.Mint(e.custody, e.custody, total); err != nil {
			return err
		}
		id = e.lastAirdrop + 1
		a := Airdrop{
			ID:        id,
			Root:      root,
			CreatedAt: now,
			ExpiresAt: expiresAt,
			Active:    true,
			DataRef:   dataRef,
		}
		a.Total.Set(total)
		ledger.Set(e.env.Journal, &e.lastAirdrop, id)
		ledger.SetMap(e.env.Journal, e.airdrops, id, a)
		ledger.Set(e.env.Journal, &e.reserved, *reserved)
		e.env.Events.Append(ledger.Event{
			Kind:   ledger.EventAirdropCreated,
			Keys:   []string{ledger.AirdropKey(id)},
			Caller: caller,
			Time:   now,
			Fields: map[string]string{
				"id":          strconv.FormatUint(id, 10),
				"merkle_root": root.Hex(),
				"amount":      total.Dec(),
				"expires_at":  strconv.FormatUint(expiresAt, 10),
				"data_ref":    dataRef,
			},
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Claim pays caller amount from distribution id when proof places
// (caller, amount) under the committed root.
func (e *Engine) Claim(caller common.Address, id uint64, amount *uint256.Int, proof []common.Hash) error {
	const op = access.OpClaim
	return e.run(op, func() error {
		a, ok := e.airdrops[id]
		if !ok {
			return ledger.Errorf(op, ledger.ErrNotFound, "distribution %d", id)
		}
		if !a.Active {
			return ledger.Errorf(op, ledger.ErrDistributionNotActive, "distribution %d", id)
		}
		now := e.env.Now()
		if now > a.ExpiresAt {
			return ledger.Errorf(op, ledger.ErrDistributionExpired, "distribution %d expired at %d", id, a.ExpiresAt)
		}
		key := claimKey{id: id, claimer: caller}
		if _, done := e.claims[key]; done {
			return ledger.Errorf(op, ledger.ErrAlreadyClaimed, "%s in distribution %d", caller.Hex(), id)
		}
		if ledger.IsZeroAmount(amount) {
			return ledger.Errorf(op, ledger.ErrInvalidInput, "amount must be > 0")
		}
		if !merkle.VerifyClaim(a.Root, caller, amount, proof) {
			return ledger.Errorf(op, ledger.ErrInvalidProof, "distribution %d", id)
		}
		if amount.Gt(a.Remaining()) {
			return ledger.Errorf(op, ledger.ErrInsufficientBalance, "pool has %s, claim is %s", a.Remaining().Dec(), amount.Dec())
		}
		claimed, err := ledger.Add(op, &a.Claimed, amount)
		if err != nil {
			return err
		}
		reserved, err := ledger.Sub(op, &e.reserved, amount)
		if err != nil {
			return err
		}
		a.Claimed = *claimed
		ledger.SetMap(e.env.Journal, e.claims, key, struct{}{})
		ledger.SetMap(e.env.Journal, e.airdrops, id, a)
		ledger.Set(e.env.Journal, &e.reserved, *reserved)
		if err := e.asset.Transfer(e.custody, caller, amount); err != nil {
			return err
		}
		e.env.Events.Append(ledger.Event{
			Kind:   ledger.EventMerkleClaimed,
			Keys:   []string{ledger.AirdropKey(id), ledger.AccountKey(caller)},
			Caller: caller,
			Time:   now,
			Fields: map[string]string{
				"id":       strconv.FormatUint(id, 10),
				"claimant": caller.Hex(),
				"amount":   amount.Dec(),
			},
		})
		return nil
	})
}

// CloseExpiredDistribution sweeps the unclaimed remainder of an expired pool
// to caller and deactivates it for good.
func (e *Engine) CloseExpiredDistribution(caller common.Address, id uint64) (*uint256.Int, error) {
	const op = access.OpCloseAirdrop
	var swept *uint256.Int
	err := e.run(op, func() error {
		if err := e.access.Authorize(op, caller); err != nil {
			return err
		}
		a, ok := e.airdrops[id]
		if !ok {
			return ledger.Errorf(op, ledger.ErrNotFound, "distribution %d", id)
		}
		if !a.Active {
			return ledger.Errorf(op, ledger.ErrDistributionNotActive, "distribution %d", id)
		}
		now := e.env.Now()
		if now <= a.ExpiresAt {
			return ledger.Errorf(op, ledger.ErrNotExpired, "distribution %d expires at %d", id, a.ExpiresAt)
		}
		remainder := a.Remaining()
		reserved, err := ledger.Sub(op, &e.reserved, remainder)
		if err != nil {
			return err
		}
		a.Active = false
		ledger.SetMap(e.env.Journal, e.airdrops, id, a)
		ledger.Set(e.env.Journal, &e.reserved, *reserved)
		if !remainder.IsZero() {
			if err := e.asset.Transfer(e.custody, caller, remainder); err != nil {
				return err
			}
		}
		e.env.Events.Append(ledger.Event{
			Kind:   ledger.EventAirdropClosed,
			Keys:   []string{ledger.AirdropKey(id)},
			Caller: caller,
			Time:   now,
			Fields: map[string]string{
				"id":    strconv.FormatUint(id, 10),
				"swept": remainder.Dec(),
			},
		})
		swept = remainder
		return nil
	})
	return swept, err
}

// VerifyClaim checks a proof without side effects. claimable additionally
// requires an open, unexpired pool with room for amount and no prior claim.
func (e *Engine) VerifyClaim(id uint64, claimant common.Address, amount *uint256.Int, proof []common.Hash) (valid, claimable bool) {
	a, ok := e.airdrops[id]
	if !ok || ledger.IsZeroAmount(amount) {
		return false, false
	}
	valid = merkle.VerifyClaim(a.Root, claimant, amount, proof)
	if !valid || !a.Active || e.env.Now() > a.ExpiresAt || e.HasClaimed(id, claimant) {
		return valid, false
	}
	return true, !amount.Gt(a.Remaining())
}

// VestingSchedule returns the schedule for beneficiary.
func (e *Engine) VestingSchedule(beneficiary common.Address) (Schedule, bool) {
	s, ok := e.schedules[beneficiary]
	return s, ok
}

// VestedAmount is vested(now) for beneficiary; zero without a schedule.
func (e *Engine) VestedAmount(beneficiary common.Address) (*uint256.Int, error) {
	s, ok := e.schedules[beneficiary]
	if !ok {
		return new(uint256.Int), nil
	}
	v, ok := s.VestedAt(e.env.Now())
	if !ok {
		return nil, ledger.Internal("distribution.vestedAmount", ledger.ErrOverflow)
	}
	return v, nil
}

// Releasable is vested(now) − released for beneficiary.
func (e *Engine) Releasable(beneficiary common.Address) (*uint256.Int, error) {
	s, ok := e.schedules[beneficiary]
	if !ok {
		return new(uint256.Int), nil
	}
	return e.releasable("distribution.releasable", s)
}

// Distribution returns airdrop id.
func (e *Engine) Distribution(id uint64) (Airdrop, bool) {
	a, ok := e.airdrops[id]
	return a, ok
}

// HasClaimed reports whether claimant already claimed from id.
func (e *Engine) HasClaimed(id uint64, claimant common.Address) bool {
	_, ok := e.claims[claimKey{id: id, claimer: claimant}]
	return ok
}

// DistributionCount is the number of airdrops ever created.
func (e *Engine) DistributionCount() uint64 { return e.lastAirdrop }

// TotalLocked is the custody balance owed to active vesting schedules.
func (e *Engine) TotalLocked() *uint256.Int { return e.locked.Clone() }

// TotalReserved is the custody balance owed to active airdrops.
func (e *Engine) TotalReserved() *uint256.Int { return e.reserved.Clone() }

// DirectTotal is the sum ever distributed directly to recipient.
func (e *Engine) DirectTotal(recipient common.Address) *uint256.Int {
	v := e.direct[recipient]
	return v.Clone()
}

// Custody is the identity holding locked and reserved funds.
func (e *Engine) Custody() common.Address { return e.custody }

// CheckInvariants verifies custody covers every obligation and each
// schedule and pool respects its bounds.
func (e *Engine) CheckInvariants() error {
	owed := new(uint256.Int).Add(&e.locked, &e.reserved)
	if bal := e.asset.BalanceOf(e.custody); bal.Lt(owed) {
		return ledger.Internal("distribution.invariants", fmt.Errorf("custody %s below obligations %s", bal.Dec(), owed.Dec()))
	}
	now := e.env.Now()
	for b, s := range e.schedules {
		vested, ok := s.VestedAt(now)
		if !ok || s.Released.Gt(vested) || vested.Gt(&s.Total) {
			return ledger.Internal("distribution.invariants", fmt.Errorf("schedule %s out of bounds", b.Hex()))
		}
	}
	for id, a := range e.airdrops {
		if a.Claimed.Gt(&a.Total) {
			return ledger.Internal("distribution.invariants", fmt.Errorf("distribution %d over-claimed", id))
		}
	}
	return nil
}

func (e *Engine) releasable(op string, s Schedule) (*uint256.Int, error) {
	vested, ok := s.VestedAt(e.env.Now())
	if !ok {
		return nil, ledger.Internal(op, ledger.ErrOverflow)
	}
	return ledger.Sub(op, vested, &s.Released)
}

func (e *Engine) payOut(op string, s Schedule, amount *uint256.Int) error {
	released, err := ledger.Add(op, &s.Released, amount)
	if err != nil {
		return err
	}
	locked, err := ledger.Sub(op, &e.locked, amount)
	if err != nil {
		return err
	}
	s.Released = *released
	ledger.SetMap(e.env.Journal, e.schedules, s.Beneficiary, s)
	ledger.Set(e.env.Journal, &e.locked, *locked)
	return nil
}

func (e *Engine) recordDirect(op string, caller, recipient common.Address, amount *uint256.Int, reasonHash common.Hash) error {
	prev := e.direct[recipient]
	total, err := ledger.Add(op, &prev, amount)
	if err != nil {
		return err
	}
	ledger.SetMap(e.env.Journal, e.direct, recipient, *total)
	e.env.Events.Append(ledger.Event{
		Kind:   ledger.EventDirectDistributed,
		Keys:   []string{ledger.AccountKey(recipient)},
		Caller: caller,
		Time:   e.env.Now(),
		Fields: map[string]string{
			"recipient": recipient.Hex(),
			"amount":    amount.Dec(),
			"reason":    reasonHash.Hex(),
		},
	})
	return nil
}

func validateGrant(op string, to common.Address, amount *uint256.Int) error {
	if ledger.IsZeroAddress(to) {
		return ledger.Errorf(op, ledger.ErrInvalidRecipient, "recipient is the zero address")
	}
	if ledger.IsZeroAmount(amount) {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "amount must be > 0")
	}
	return nil
}
