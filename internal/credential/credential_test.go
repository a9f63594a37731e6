package credential

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/ledger"
)

var (
	root    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	issuer  = common.HexToAddress("0x0000000000000000000000000000000000000003")
	revoker = common.HexToAddress("0x0000000000000000000000000000000000000004")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

const typeAttendance = "attendance"

func newRegistry(t *testing.T) (*Registry, *ledger.Env) {
	t.Helper()
	env := ledger.NewEnv(ledger.NewManualClock(1_000))
	acl, err := access.NewRegistry(env, root)
	if err != nil {
		t.Fatal(err)
	}
	if err := acl.GrantRole(root, issuer, access.RoleIssuer); err != nil {
		t.Fatal(err)
	}
	if err := acl.GrantRole(root, revoker, access.RoleRevoker); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(env, acl)
	if err := r.SetCredentialType(root, typeAttendance, "Attended a campus event"); err != nil {
		t.Fatal(err)
	}
	env.Journal.Commit()
	return r, env
}

func req(holder common.Address, expiresAt uint64) IssueRequest {
	return IssueRequest{
		Holder:        holder,
		URI:           "ipfs://cred",
		Type:          typeAttendance,
		ExpiresAt:     expiresAt,
		IntegrityHash: crypto.Keccak256Hash([]byte("transcript")),
	}
}

func TestIssueAssignsSequentialIDs(t *testing.T) {
	r, _ := newRegistry(t)

	id1, err := r.Issue(issuer, req(alice, 0))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id2, err := r.Issue(issuer, req(alice, 0))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if id1 != 1 || id2 != 2 || r.Count() != 2 {
		t.Fatalf("unexpected ids %d %d count %d", id1, id2, r.Count())
	}
	if got := r.CredentialsOf(alice); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected holder list %v", got)
	}
	rec, ok := r.Credential(id1)
	if !ok || rec.Holder != alice || rec.Issuer != issuer || rec.IssuedAt != 1_000 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !r.IsValid(id1) || r.IsValid(0) || r.IsValid(99) {
		t.Fatalf("validity mismatch")
	}
}

func TestIssueValidation(t *testing.T) {
	r, _ := newRegistry(t)

	if _, err := r.Issue(alice, req(bob, 0)); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if _, err := r.Issue(issuer, req(common.Address{}, 0)); !errors.Is(err, ledger.ErrInvalidRecipient) {
		t.Fatalf("expected InvalidRecipient, got %v", err)
	}
	if _, err := r.Issue(issuer, req(alice, 1_000)); !errors.Is(err, ledger.ErrInvalidExpiration) {
		t.Fatalf("expected InvalidExpiration, got %v", err)
	}
	bad := req(alice, 0)
	bad.Type = "unknown"
	if _, err := r.Issue(issuer, bad); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected InvalidInput for unknown type, got %v", err)
	}
}

func TestIssueBatchAbortsOnAnyInvalidEntry(t *testing.T) {
	r, env := newRegistry(t)
	events := env.Events.Len()

	_, err := r.IssueBatch(issuer, []IssueRequest{req(alice, 0), req(bob, 500)})
	if !errors.Is(err, ledger.ErrInvalidExpiration) {
		t.Fatalf("expected InvalidExpiration, got %v", err)
	}
	if r.Count() != 0 || env.Events.Len() != events {
		t.Fatalf("failed batch must not write")
	}

	ids, err := r.IssueBatch(issuer, []IssueRequest{req(alice, 0), req(bob, 5_000)})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(ids) != 2 || ids[1] != 2 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestRevokeAndRevokeBatchDiffer(t *testing.T) {
	r, _ := newRegistry(t)
	ids, err := r.IssueBatch(issuer, []IssueRequest{req(alice, 0), req(bob, 0), req(bob, 0)})
	if err != nil {
		t.Fatal(err)
	}
	reason := common.HexToHash("0xbad")

	if err := r.Revoke(issuer, ids[0], reason); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if err := r.Revoke(revoker, 42, reason); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := r.Revoke(revoker, ids[0], reason); err != nil {
		t.Fatal(err)
	}
	if err := r.Revoke(revoker, ids[0], reason); !errors.Is(err, ledger.ErrAlreadyRevoked) {
		t.Fatalf("single revoke must reject repeats, got %v", err)
	}

	n, err := r.RevokeBatch(revoker, ids, []common.Hash{reason, reason, reason})
	if err != nil {
		t.Fatalf("batch revoke should skip revoked entries: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 newly revoked, got %d", n)
	}
	if _, err := r.RevokeBatch(revoker, []uint64{ids[1], 77}, []common.Hash{reason, reason}); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected NotFound for unknown id, got %v", err)
	}
	if _, err := r.RevokeBatch(revoker, ids, nil); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestValidityIsOneWay(t *testing.T) {
	r, env := newRegistry(t)
	clock := env.Clock.(*ledger.ManualClock)

	id, err := r.Issue(issuer, req(alice, 2_000))
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsValid(id) {
		t.Fatalf("fresh credential should be valid")
	}
	clock.Set(1_999)
	if !r.IsValid(id) {
		t.Fatalf("valid until the instant before expiry")
	}
	clock.Set(2_000)
	if r.IsValid(id) {
		t.Fatalf("invalid once now reaches expiresAt")
	}
	if err := r.UpdateURI(root, id, "ipfs://fixed"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	if r.IsValid(id) {
		t.Fatalf("expired credential must never become valid again")
	}
}

func TestSoulbound(t *testing.T) {
	r, _ := newRegistry(t)
	id, err := r.Issue(issuer, req(alice, 0))
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Transfer(alice, id, bob); !errors.Is(err, ledger.ErrNonTransferable) {
		t.Fatalf("expected NonTransferable, got %v", err)
	}
	if err := r.Revoke(revoker, id, common.Hash{}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateURI(root, id, "ipfs://new"); err != nil {
		t.Fatal(err)
	}
	rec, _ := r.Credential(id)
	if rec.Holder != alice {
		t.Fatalf("holder changed to %s", rec.Holder.Hex())
	}
	if locked, err := r.Locked(id); err != nil || !locked {
		t.Fatalf("credential should report locked: %v %v", locked, err)
	}
	if len(r.CredentialsOf(bob)) != 0 {
		t.Fatalf("bob must not hold alice's credential")
	}
}

func TestVerifyIntegrity(t *testing.T) {
	r, _ := newRegistry(t)
	id, err := r.Issue(issuer, req(alice, 0))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := r.VerifyIntegrity(id, []byte("transcript")); err != nil || !ok {
		t.Fatalf("expected match: %v %v", ok, err)
	}
	if ok, _ := r.VerifyIntegrity(id, []byte("forged")); ok {
		t.Fatalf("forged data must not verify")
	}
	if _, err := r.VerifyIntegrity(9, nil); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMetadataCorrections(t *testing.T) {
	r, env := newRegistry(t)
	id, err := r.Issue(issuer, req(alice, 0))
	if err != nil {
		t.Fatal(err)
	}

	if err := r.SetBaseURI(issuer, "https://x/"); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if err := r.SetBaseURI(root, "https://meta.campus/"); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateURI(root, id, "cred-1.json"); err != nil {
		t.Fatal(err)
	}
	uri, err := r.TokenURI(id)
	if err != nil || uri != "https://meta.campus/cred-1.json" {
		t.Fatalf("unexpected uri %q %v", uri, err)
	}

	evs, _ := env.Events.ListByKey(ledger.CredentialKey(id), 0, 10)
	last := evs[len(evs)-1]
	if last.Kind != ledger.EventMetadataUpdated || last.Fields["old"] != "ipfs://cred" || last.Fields["new"] != "cred-1.json" {
		t.Fatalf("unexpected update event %+v", last)
	}
}
