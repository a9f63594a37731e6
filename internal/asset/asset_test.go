package asset

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/ledger"
)

var (
	root    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	issuer  = common.HexToAddress("0x0000000000000000000000000000000000000003")
	revoker = common.HexToAddress("0x0000000000000000000000000000000000000004")
	pauser  = common.HexToAddress("0x0000000000000000000000000000000000000005")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func newLedger(t *testing.T, capacity uint64) (*Ledger, *ledger.Env) {
	t.Helper()
	env := ledger.NewEnv(ledger.NewManualClock(1_000))
	reg, err := access.NewRegistry(env, root)
	if err != nil {
		t.Fatal(err)
	}
	for subject, role := range map[common.Address]access.Role{
		issuer:  access.RoleIssuer,
		revoker: access.RoleRevoker,
		pauser:  access.RolePauser,
	} {
		if err := reg.GrantRole(root, subject, role); err != nil {
			t.Fatalf("grant %s: %v", role, err)
		}
	}
	env.Journal.Commit()
	return New(env, reg, Config{Cap: amt(capacity)}), env
}

func mustInvariants(t *testing.T, l *Ledger) {
	t.Helper()
	if err := l.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestMetadataDefaults(t *testing.T) {
	l, _ := newLedger(t, 0)
	m := l.Metadata()
	if m.Name != DefaultName || m.Symbol != DefaultSymbol || m.Decimals != DefaultDecimals {
		t.Fatalf("unexpected metadata: %+v", m)
	}
	if _, ok := l.Available(); ok {
		t.Fatalf("zero cap means uncapped")
	}
}

func TestMintRespectsCap(t *testing.T) {
	l, _ := newLedger(t, 1_000)

	if err := l.Mint(issuer, alice, amt(990)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	avail, _ := l.Available()
	if avail.Uint64() != 10 {
		t.Fatalf("available = %s, want 10", avail)
	}

	err := l.Mint(issuer, bob, amt(11))
	var e *ledger.Error
	if !errors.As(err, &e) || e.Kind != ledger.KindCapExceeded {
		t.Fatalf("expected CapExceeded, got %v", err)
	}
	if e.Requested.Uint64() != 11 || e.Available.Uint64() != 10 {
		t.Fatalf("unexpected report: requested %s available %s", e.Requested, e.Available)
	}
	if err := l.Mint(issuer, bob, amt(10)); err != nil {
		t.Fatalf("mint up to cap: %v", err)
	}
	if l.TotalSupply().Uint64() != 1_000 {
		t.Fatalf("supply = %s", l.TotalSupply())
	}
	mustInvariants(t, l)
}

func TestBurnFreesCapHeadroom(t *testing.T) {
	l, _ := newLedger(t, 100)
	if err := l.Mint(issuer, alice, amt(100)); err != nil {
		t.Fatal(err)
	}
	if err := l.Burn(alice, amt(40)); err != nil {
		t.Fatal(err)
	}
	if err := l.Mint(issuer, bob, amt(40)); err != nil {
		t.Fatalf("burned headroom should be mintable: %v", err)
	}
	if l.TotalMinted().Uint64() != 140 || l.TotalBurned().Uint64() != 40 {
		t.Fatalf("counters: minted %s burned %s", l.TotalMinted(), l.TotalBurned())
	}
	mustInvariants(t, l)
}

func TestMintValidation(t *testing.T) {
	l, _ := newLedger(t, 0)

	if err := l.Mint(alice, alice, amt(1)); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if err := l.Mint(issuer, common.Address{}, amt(1)); !errors.Is(err, ledger.ErrInvalidRecipient) {
		t.Fatalf("expected InvalidRecipient, got %v", err)
	}
	if err := l.Mint(issuer, alice, amt(0)); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
	if err := l.Freeze(revoker, alice); err != nil {
		t.Fatal(err)
	}
	if err := l.Mint(issuer, alice, amt(1)); !errors.Is(err, ledger.ErrFrozen) {
		t.Fatalf("expected Frozen, got %v", err)
	}
}

func TestMintBatchIsAllOrNothing(t *testing.T) {
	l, env := newLedger(t, 100)
	events := env.Events.Len()

	err := l.MintBatch(issuer, []common.Address{alice, bob}, []*uint256.Int{amt(60), amt(41)})
	if !errors.Is(err, ledger.ErrCapExceeded) {
		t.Fatalf("expected CapExceeded on aggregate, got %v", err)
	}
	if !l.BalanceOf(alice).IsZero() || env.Events.Len() != events {
		t.Fatalf("failed batch must not write")
	}

	err = l.MintBatch(issuer, []common.Address{alice, common.Address{}}, []*uint256.Int{amt(1), amt(1)})
	if !errors.Is(err, ledger.ErrInvalidRecipient) {
		t.Fatalf("expected InvalidRecipient, got %v", err)
	}
	if err := l.MintBatch(issuer, []common.Address{alice}, nil); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected InvalidInput on length mismatch, got %v", err)
	}

	if err := l.MintBatch(issuer, []common.Address{alice, bob}, []*uint256.Int{amt(60), amt(40)}); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if l.BalanceOf(alice).Uint64() != 60 || l.BalanceOf(bob).Uint64() != 40 {
		t.Fatalf("unexpected balances")
	}
	mustInvariants(t, l)
}

func TestTransfer(t *testing.T) {
	l, _ := newLedger(t, 0)
	if err := l.Mint(issuer, alice, amt(50)); err != nil {
		t.Fatal(err)
	}

	if err := l.Transfer(alice, bob, amt(51)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if err := l.Transfer(alice, bob, amt(20)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := l.Transfer(alice, alice, amt(30)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	if l.BalanceOf(alice).Uint64() != 30 || l.BalanceOf(bob).Uint64() != 20 {
		t.Fatalf("balances: alice %s bob %s", l.BalanceOf(alice), l.BalanceOf(bob))
	}

	if err := l.Freeze(revoker, bob); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer(alice, bob, amt(1)); !errors.Is(err, ledger.ErrFrozen) {
		t.Fatalf("frozen recipient: %v", err)
	}
	if err := l.Transfer(bob, alice, amt(1)); !errors.Is(err, ledger.ErrFrozen) {
		t.Fatalf("frozen sender: %v", err)
	}
	mustInvariants(t, l)
}

func TestFreezeLifecycle(t *testing.T) {
	l, _ := newLedger(t, 0)

	if err := l.Freeze(issuer, alice); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if err := l.Unfreeze(revoker, alice); !errors.Is(err, ledger.ErrNotFrozen) {
		t.Fatalf("expected NotFrozen, got %v", err)
	}
	if err := l.Freeze(revoker, alice); err != nil {
		t.Fatal(err)
	}
	if err := l.Freeze(revoker, alice); !errors.Is(err, ledger.ErrAlreadyFrozen) {
		t.Fatalf("expected AlreadyFrozen, got %v", err)
	}
	if err := l.Unfreeze(revoker, alice); err != nil {
		t.Fatal(err)
	}
	if l.IsFrozen(alice) {
		t.Fatalf("alice should be unfrozen")
	}
}

func TestAdminBurnIgnoresFreeze(t *testing.T) {
	l, _ := newLedger(t, 0)
	if err := l.Mint(issuer, alice, amt(10)); err != nil {
		t.Fatal(err)
	}
	if err := l.Freeze(revoker, alice); err != nil {
		t.Fatal(err)
	}
	if err := l.Burn(alice, amt(1)); !errors.Is(err, ledger.ErrFrozen) {
		t.Fatalf("frozen holder cannot self-burn: %v", err)
	}
	if err := l.AdminBurn(alice, alice, amt(1)); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if err := l.AdminBurn(revoker, alice, amt(10)); err != nil {
		t.Fatalf("admin burn: %v", err)
	}
	if !l.BalanceOf(alice).IsZero() || !l.TotalSupply().IsZero() {
		t.Fatalf("admin burn should drain balance and supply")
	}
	mustInvariants(t, l)
}

func TestPauseBlocksMutations(t *testing.T) {
	l, _ := newLedger(t, 0)
	if err := l.Mint(issuer, alice, amt(10)); err != nil {
		t.Fatal(err)
	}
	if err := l.Unpause(pauser); !errors.Is(err, ledger.ErrNotPaused) {
		t.Fatalf("expected NotPaused, got %v", err)
	}
	if err := l.Pause(alice); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if err := l.Pause(pauser); err != nil {
		t.Fatal(err)
	}
	if err := l.Pause(pauser); !errors.Is(err, ledger.ErrAlreadyPaused) {
		t.Fatalf("expected AlreadyPaused, got %v", err)
	}

	checks := map[string]error{
		"mint":      l.Mint(issuer, bob, amt(1)),
		"transfer":  l.Transfer(alice, bob, amt(1)),
		"burn":      l.Burn(alice, amt(1)),
		"adminBurn": l.AdminBurn(revoker, alice, amt(1)),
		"freeze":    l.Freeze(revoker, bob),
	}
	for name, err := range checks {
		if !errors.Is(err, ledger.ErrPaused) {
			t.Errorf("%s while paused: expected Paused, got %v", name, err)
		}
	}

	if err := l.Unpause(pauser); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer(alice, bob, amt(1)); err != nil {
		t.Fatalf("transfer after unpause: %v", err)
	}
}

func TestJournalRevertRestoresLedger(t *testing.T) {
	l, env := newLedger(t, 0)
	if err := l.Mint(issuer, alice, amt(10)); err != nil {
		t.Fatal(err)
	}
	env.Journal.Commit()

	snap := env.Journal.Snapshot()
	if err := l.Transfer(alice, bob, amt(4)); err != nil {
		t.Fatal(err)
	}
	if err := l.Burn(alice, amt(6)); err != nil {
		t.Fatal(err)
	}
	env.Journal.RevertTo(snap)

	if l.BalanceOf(alice).Uint64() != 10 || !l.BalanceOf(bob).IsZero() || !l.TotalBurned().IsZero() {
		t.Fatalf("revert did not restore ledger state")
	}
	mustInvariants(t, l)
}
