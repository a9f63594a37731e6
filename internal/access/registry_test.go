package access

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"campusmerit.org/internal/ledger"
)

var (
	root   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	admin  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob    = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	reason = common.HexToHash("0x01")
)

func newRegistry(t *testing.T) (*Registry, *ledger.Env) {
	t.Helper()
	env := ledger.NewEnv(ledger.NewManualClock(1_000))
	r, err := NewRegistry(env, root)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := r.GrantRole(root, admin, RoleAdmin); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	return r, env
}

func TestBootstrapRequiresSuperAdmin(t *testing.T) {
	env := ledger.NewEnv(nil)
	if _, err := NewRegistry(env, common.Address{}); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestGrantRoleAuthorization(t *testing.T) {
	r, _ := newRegistry(t)

	if err := r.GrantRole(alice, bob, RoleIssuer); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if err := r.GrantRole(admin, bob, RoleIssuer); err != nil {
		t.Fatalf("admin grants issuer: %v", err)
	}
	if !r.HasRole(bob, RoleIssuer) {
		t.Fatalf("bob should be issuer")
	}
	// Admin administers operational roles only.
	if err := r.GrantRole(admin, bob, RoleAdmin); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized for admin granting admin, got %v", err)
	}
	// SuperAdmin can grant anything, including itself.
	if err := r.GrantRole(root, bob, RoleSuperAdmin); err != nil {
		t.Fatalf("root grants super admin: %v", err)
	}
	if err := r.GrantRole(root, alice, Role("janitor")); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected InvalidInput for unknown role, got %v", err)
	}
}

func TestGrantIsIdempotentAndCounted(t *testing.T) {
	r, env := newRegistry(t)
	before := r.GrantCount()
	events := env.Events.Len()

	for i := 0; i < 3; i++ {
		if err := r.GrantRole(admin, alice, RolePauser); err != nil {
			t.Fatal(err)
		}
	}
	if r.GrantCount() != before+1 {
		t.Fatalf("grant counter should count effective grants, got %d", r.GrantCount()-before)
	}
	if env.Events.Len() != events+1 {
		t.Fatalf("expected exactly one RoleGranted event")
	}
}

func TestRevokeRole(t *testing.T) {
	r, _ := newRegistry(t)
	_ = r.GrantRole(admin, alice, RoleRevoker)

	if err := r.RevokeRole(bob, alice, RoleRevoker); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if err := r.RevokeRole(admin, alice, RoleRevoker); err != nil {
		t.Fatal(err)
	}
	if r.HasRole(alice, RoleRevoker) {
		t.Fatalf("role should be revoked")
	}
	if err := r.RenounceRole(admin, RoleAdmin); err != nil {
		t.Fatal(err)
	}
	if r.HasRole(admin, RoleAdmin) {
		t.Fatalf("admin should have renounced")
	}
}

func TestBanScope(t *testing.T) {
	r, _ := newRegistry(t)
	if err := r.GrantRole(admin, alice, RoleIssuer); err != nil {
		t.Fatal(err)
	}

	if err := r.Ban(admin, alice, reason); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if !r.HasRole(alice, RoleIssuer) {
		t.Fatalf("ban must not revoke held roles")
	}
	if err := r.GrantRole(admin, alice, RoleRevoker); !errors.Is(err, ledger.ErrBanned) {
		t.Fatalf("expected Banned, got %v", err)
	}
	if err := r.RevokeRole(admin, alice, RoleIssuer); err != nil {
		t.Fatalf("ban must not block revocation: %v", err)
	}
	if err := r.Ban(admin, alice, reason); !errors.Is(err, ledger.ErrAlreadyBanned) {
		t.Fatalf("expected AlreadyBanned, got %v", err)
	}
	if err := r.Ban(admin, common.Address{}, reason); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected InvalidInput for zero subject, got %v", err)
	}
}

func TestUnbanRequiresSuperAdminAndKeepsTimestamp(t *testing.T) {
	r, env := newRegistry(t)
	if err := r.Ban(admin, bob, reason); err != nil {
		t.Fatal(err)
	}
	if err := r.Unban(admin, bob); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized for admin unban, got %v", err)
	}
	env.Clock.(*ledger.ManualClock).Set(5_000)
	if err := r.Unban(root, bob); err != nil {
		t.Fatalf("unban: %v", err)
	}
	rec, ok := r.BanRecord(bob)
	if !ok || rec.Banned || rec.BannedAt != 1_000 {
		t.Fatalf("unexpected record after unban: %+v", rec)
	}
	if err := r.Unban(root, bob); !errors.Is(err, ledger.ErrNotBanned) {
		t.Fatalf("expected NotBanned, got %v", err)
	}
	if err := r.GrantRole(admin, bob, RoleIssuer); err != nil {
		t.Fatalf("grant after unban: %v", err)
	}
}

func TestAuthorizeUsesPermissionTable(t *testing.T) {
	r, _ := newRegistry(t)
	_ = r.GrantRole(admin, alice, RoleIssuer)

	if err := r.Authorize(OpMint, alice); err != nil {
		t.Fatalf("issuer should mint: %v", err)
	}
	if err := r.Authorize(OpFreeze, alice); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("issuer must not freeze: %v", err)
	}
	if err := r.Authorize(OpTransfer, bob); err != nil {
		t.Fatalf("transfer is open: %v", err)
	}
	if err := r.Authorize(OpFreeze, root); err != nil {
		t.Fatalf("super admin passes every check: %v", err)
	}
}

func TestMembersSorted(t *testing.T) {
	r, _ := newRegistry(t)
	_ = r.GrantRole(admin, bob, RoleIssuer)
	_ = r.GrantRole(admin, alice, RoleIssuer)

	got := r.Members(RoleIssuer)
	if len(got) != 2 || got[0] != alice || got[1] != bob {
		t.Fatalf("unexpected members: %v", got)
	}
}
