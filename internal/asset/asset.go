package asset

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/ledger"
)

const (
	DefaultName     = "Campus Merit"
	DefaultSymbol   = "MERIT"
	DefaultDecimals = 18
)

// Config describes the reward asset. A zero Cap means uncapped.
type Config struct {
	Name     string
	Symbol   string
	Decimals uint8
	Cap      *uint256.Int
}

// Metadata is the public description of the asset.
type Metadata struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Ledger is the capped, mintable, burnable balance sheet.
type Ledger struct {
	env    *ledger.Env
	access access.Checker
	meta   Metadata
	cap    uint256.Int

	balances map[common.Address]uint256.Int
	frozen   map[common.Address]struct{}
	minted   uint256.Int
	burned   uint256.Int
	paused   bool
}

// New creates an empty ledger.
func New(env *ledger.Env, checker access.Checker, cfg Config) *Ledger {
	meta := Metadata{Name: cfg.Name, Symbol: cfg.Symbol, Decimals: cfg.Decimals}
	if meta.Name == "" {
		meta.Name = DefaultName
	}
	if meta.Symbol == "" {
		meta.Symbol = DefaultSymbol
	}
	if meta.Decimals == 0 {
		meta.Decimals = DefaultDecimals
	}
	l := &Ledger{
		env:      env,
		access:   checker,
		meta:     meta,
		balances: make(map[common.Address]uint256.Int),
		frozen:   make(map[common.Address]struct{}),
	}
	if cfg.Cap != nil {
		l.cap.Set(cfg.Cap)
	}
	return l
}

// Mint creates amount and credits it to to.
func (l *Ledger) Mint(caller, to common.Address, amount *uint256.Int) error {
	const op = access.OpMint
	if err := l.access.Authorize(op, caller); err != nil {
		return err
	}
	if err := l.whenNotPaused(op); err != nil {
		return err
	}
	if err := l.validateMint(op, to, amount); err != nil {
		return err
	}
	if err := l.checkCap(op, amount); err != nil {
		return err
	}
	return l.credit(op, caller, to, amount)
}

// MintBatch mints to every recipient or to none. The cap is checked against
// the aggregate before any balance changes.
func (l *Ledger) MintBatch(caller common.Address, recipients []common.Address, amounts []*uint256.Int) error {
	const op = access.OpMintBatch
	if err := l.access.Authorize(op, caller); err != nil {
		return err
	}
	if err := l.whenNotPaused(op); err != nil {
		return err
	}
	if len(recipients) == 0 || len(recipients) != len(amounts) {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "recipients (%d) and amounts (%d) must be non-empty and equal length", len(recipients), len(amounts))
	}
	for i := range recipients {
		if err := l.validateMint(op, recipients[i], amounts[i]); err != nil {
			return err
		}
	}
	total, err := ledger.Sum(op, amounts)
	if err != nil {
		return err
	}
	if err := l.checkCap(op, total); err != nil {
		return err
	}
	return l.env.Journal.Atomic(func() error {
		for i := range recipients {
			if err := l.credit(op, caller, recipients[i], amounts[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Transfer moves amount from caller to to.
func (l *Ledger) Transfer(caller, to common.Address, amount *uint256.Int) error {
	const op = access.OpTransfer
	if err := l.whenNotPaused(op); err != nil {
		return err
	}
	if ledger.IsZeroAddress(to) {
		return ledger.Errorf(op, ledger.ErrInvalidRecipient, "recipient is the zero address")
	}
	if ledger.IsZeroAmount(amount) {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "amount must be > 0")
	}
	if l.IsFrozen(caller) {
		return ledger.Errorf(op, ledger.ErrFrozen, "sender %s is frozen", caller.Hex())
	}
	if l.IsFrozen(to) {
		return ledger.Errorf(op, ledger.ErrFrozen, "recipient %s is frozen", to.Hex())
	}
	from := l.balances[caller]
	if from.Lt(amount) {
		return ledger.Errorf(op, ledger.ErrInsufficientBalance, "balance %s < %s", from.Dec(), amount.Dec())
	}
	if caller != to {
		newFrom, err := ledger.Sub(op, &from, amount)
		if err != nil {
			return err
		}
		dst := l.balances[to]
		newTo, err := ledger.Add(op, &dst, amount)
		if err != nil {
			return err
		}
		l.setBalance(caller, newFrom)
		l.setBalance(to, newTo)
	}
	l.env.Events.Append(ledger.Event{
		Kind:   ledger.EventTransferred,
		Keys:   []string{ledger.AccountKey(caller), ledger.AccountKey(to)},
		Caller: caller,
		Time:   l.env.Now(),
		Fields: map[string]string{
			"from":   caller.Hex(),
			"to":     to.Hex(),
			"amount": amount.Dec(),
		},
	})
	return nil
}

// Burn destroys amount from the caller's own balance.
func (l *Ledger) Burn(caller common.Address, amount *uint256.Int) error {
	const op = access.OpBurn
	if err := l.whenNotPaused(op); err != nil {
		return err
	}
	if l.IsFrozen(caller) {
		return ledger.Errorf(op, ledger.ErrFrozen, "%s is frozen", caller.Hex())
	}
	return l.debit(op, caller, caller, amount)
}

// AdminBurn destroys amount from account for compliance. It ignores the
// freeze list so frozen balances can be seized.
func (l *Ledger) AdminBurn(caller, account common.Address, amount *uint256.Int) error {
	const op = access.OpAdminBurn
	if err := l.access.Authorize(op, caller); err != nil {
		return err
	}
	if err := l.whenNotPaused(op); err != nil {
		return err
	}
	if ledger.IsZeroAddress(account) {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "account is the zero address")
	}
	return l.debit(op, caller, account, amount)
}

// Freeze blocks account from sending or receiving value.
func (l *Ledger) Freeze(caller, account common.Address) error {
	const op = access.OpFreeze
	if err := l.access.Authorize(op, caller); err != nil {
		return err
	}
	if err := l.whenNotPaused(op); err != nil {
		return err
	}
	if ledger.IsZeroAddress(account) {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "account is the zero address")
	}
	if l.IsFrozen(account) {
		return ledger.Errorf(op, ledger.ErrAlreadyFrozen, "%s", account.Hex())
	}
	ledger.SetMap(l.env.Journal, l.frozen, account, struct{}{})
	l.emitAccount(ledger.EventFrozen, caller, account)
	return nil
}

// Unfreeze lifts a freeze.
func (l *Ledger) Unfreeze(caller, account common.Address) error {
	const op = access.OpUnfreeze
	if err := l.access.Authorize(op, caller); err != nil {
		return err
	}
	if err := l.whenNotPaused(op); err != nil {
		return err
	}
	if !l.IsFrozen(account) {
		return ledger.Errorf(op, ledger.ErrNotFrozen, "%s", account.Hex())
	}
	ledger.DeleteMap(l.env.Journal, l.frozen, account)
	l.emitAccount(ledger.EventUnfrozen, caller, account)
	return nil
}

// Pause halts every mutating operation except Unpause.
func (l *Ledger) Pause(caller common.Address) error {
	const op = access.OpPause
	if err := l.access.Authorize(op, caller); err != nil {
		return err
	}
	if l.paused {
		return ledger.Errorf(op, ledger.ErrAlreadyPaused, "")
	}
	ledger.Set(l.env.Journal, &l.paused, true)
	l.emitAsset(ledger.EventPaused, caller)
	return nil
}

// Unpause resumes operations.
func (l *Ledger) Unpause(caller common.Address) error {
	const op = access.OpUnpause
	if err := l.access.Authorize(op, caller); err != nil {
		return err
	}
	if !l.paused {
		return ledger.Errorf(op, ledger.ErrNotPaused, "")
	}
	ledger.Set(l.env.Journal, &l.paused, false)
	l.emitAsset(ledger.EventUnpaused, caller)
	return nil
}

// BalanceOf returns the balance of account.
func (l *Ledger) BalanceOf(account common.Address) *uint256.Int {
	b := l.balances[account]
	return b.Clone()
}

// TotalSupply is totalMinted − totalBurned.
func (l *Ledger) TotalSupply() *uint256.Int {
	return new(uint256.Int).Sub(&l.minted, &l.burned)
}

// TotalMinted is the monotonic mint counter.
func (l *Ledger) TotalMinted() *uint256.Int { return l.minted.Clone() }

// TotalBurned is the monotonic burn counter.
func (l *Ledger) TotalBurned() *uint256.Int { return l.burned.Clone() }

// Cap returns the supply cap; zero means uncapped.
func (l *Ledger) Cap() *uint256.Int { return l.cap.Clone() }

// Available is the remaining mintable headroom. ok is false when uncapped.
func (l *Ledger) Available() (available *uint256.Int, ok bool) {
	if l.cap.IsZero() {
		return nil, false
	}
	return l.available(), true
}

// IsFrozen reports whether account is frozen.
func (l *Ledger) IsFrozen(account common.Address) bool {
	_, ok := l.frozen[account]
	return ok
}

// Paused reports the pause switch.
func (l *Ledger) Paused() bool { return l.paused }

// Metadata describes the asset.
func (l *Ledger) Metadata() Metadata { return l.meta }

// CheckInvariants verifies Σ balances = supply ≤ cap.
func (l *Ledger) CheckInvariants() error {
	sum := new(uint256.Int)
	for _, b := range l.balances {
		var overflow bool
		sum, overflow = new(uint256.Int).AddOverflow(sum, &b)
		if overflow {
			return fmt.Errorf("balance sum overflows")
		}
	}
	supply := l.TotalSupply()
	if !sum.Eq(supply) {
		return fmt.Errorf("balance sum %s != circulating supply %s", sum.Dec(), supply.Dec())
	}
	if !l.cap.IsZero() && supply.Gt(&l.cap) {
		return fmt.Errorf("supply %s exceeds cap %s", supply.Dec(), l.cap.Dec())
	}
	return nil
}

func (l *Ledger) whenNotPaused(op string) error {
	if l.paused {
		return ledger.Errorf(op, ledger.ErrPaused, "")
	}
	return nil
}

func (l *Ledger) validateMint(op string, to common.Address, amount *uint256.Int) error {
	if ledger.IsZeroAddress(to) {
		return ledger.Errorf(op, ledger.ErrInvalidRecipient, "recipient is the zero address")
	}
	if ledger.IsZeroAmount(amount) {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "amount must be > 0")
	}
	if l.IsFrozen(to) {
		return ledger.Errorf(op, ledger.ErrFrozen, "recipient %s is frozen", to.Hex())
	}
	return nil
}

func (l *Ledger) available() *uint256.Int {
	supply := l.TotalSupply()
	if supply.Gt(&l.cap) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&l.cap, supply)
}

func (l *Ledger) checkCap(op string, amount *uint256.Int) error {
	if _, err := ledger.Add(op, &l.minted, amount); err != nil {
		return err
	}
	if l.cap.IsZero() {
		return nil
	}
	if avail := l.available(); amount.Gt(avail) {
		return ledger.CapExceeded(op, amount, avail)
	}
	return nil
}

func (l *Ledger) credit(op string, caller, to common.Address, amount *uint256.Int) error {
	bal := l.balances[to]
	newBal, err := ledger.Add(op, &bal, amount)
	if err != nil {
		return err
	}
	minted, err := ledger.Add(op, &l.minted, amount)
	if err != nil {
		return err
	}
	l.setBalance(to, newBal)
	ledger.Set(l.env.Journal, &l.minted, *minted)
	l.env.Events.Append(ledger.Event{
		Kind:   ledger.EventMinted,
		Keys:   []string{ledger.AccountKey(to), ledger.AssetKey},
		Caller: caller,
		Time:   l.env.Now(),
		Fields: map[string]string{
			"to":           to.Hex(),
			"amount":       amount.Dec(),
			"total_minted": minted.Dec(),
		},
	})
	return nil
}

func (l *Ledger) debit(op string, caller, account common.Address, amount *uint256.Int) error {
	if ledger.IsZeroAmount(amount) {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "amount must be > 0")
	}
	bal := l.balances[account]
	if bal.Lt(amount) {
		return ledger.Errorf(op, ledger.ErrInsufficientBalance, "balance %s < %s", bal.Dec(), amount.Dec())
	}
	burned, err := ledger.Add(op, &l.burned, amount)
	if err != nil {
		return err
	}
	l.setBalance(account, new(uint256.Int).Sub(&bal, amount))
	ledger.Set(l.env.Journal, &l.burned, *burned)
	l.env.Events.Append(ledger.Event{
		Kind:   ledger.EventBurned,
		Keys:   []string{ledger.AccountKey(account), ledger.AssetKey},
		Caller: caller,
		Time:   l.env.Now(),
		Fields: map[string]string{
			"account":      account.Hex(),
			"amount":       amount.Dec(),
			"total_burned": burned.Dec(),
		},
	})
	return nil
}

func (l *Ledger) setBalance(account common.Address, v *uint256.Int) {
	if v.IsZero() {
		ledger.DeleteMap(l.env.Journal, l.balances, account)
		return
	}
	ledger.SetMap(l.env.Journal, l.balances, account, *v)
}

func (l *Ledger) emitAccount(kind ledger.EventKind, caller, account common.Address) {
	l.env.Events.Append(ledger.Event{
		Kind:   kind,
		Keys:   []string{ledger.AccountKey(account)},
		Caller: caller,
		Time:   l.env.Now(),
		Fields: map[string]string{"account": account.Hex()},
	})
}

func (l *Ledger) emitAsset(kind ledger.EventKind, caller common.Address) {
	l.env.Events.Append(ledger.Event{
		Kind:   kind,
		Keys:   []string{ledger.AssetKey},
		Caller: caller,
		Time:   l.env.Now(),
		Fields: map[string]string{"paused": strconv.FormatBool(l.paused)},
	})
}
