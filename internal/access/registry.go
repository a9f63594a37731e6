package access

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"campusmerit.org/internal/ledger"
)

// Checker is the authorization surface other components depend on.
type Checker interface {
	// Authorize enforces the static permission table for op.
	Authorize(op string, caller common.Address) error
	RequireRole(op string, caller common.Address, role Role) error
	HasRole(subject common.Address, role Role) bool
}

// BanRecord is retained after unban so bannedAt stays auditable.
type BanRecord struct {
	Banned   bool   `json:"banned"`
	BannedAt uint64 `json:"banned_at"`
}

type grantKey struct {
	subject common.Address
	role    Role
}

// Registry holds role memberships and the ban list.
type Registry struct {
	env    *ledger.Env
	grants map[grantKey]struct{}
	bans   map[common.Address]BanRecord
	count  uint64
}

var _ Checker = (*Registry)(nil)

// NewRegistry creates a registry whose only member is superAdmin.
func NewRegistry(env *ledger.Env, superAdmin common.Address) (*Registry, error) {
	if ledger.IsZeroAddress(superAdmin) {
		return nil, ledger.Errorf("access.bootstrap", ledger.ErrInvalidInput, "super admin is the zero address")
	}
	r := &Registry{
		env:    env,
		grants: make(map[grantKey]struct{}),
		bans:   make(map[common.Address]BanRecord),
	}
	r.addGrant(common.Address{}, superAdmin, RoleSuperAdmin)
	env.Journal.Commit()
	return r, nil
}

// RequireRole fails Unauthorized unless caller holds role. SuperAdmin
// satisfies every role check.
func (r *Registry) RequireRole(op string, caller common.Address, role Role) error {
	if r.HasRole(caller, role) || r.HasRole(caller, RoleSuperAdmin) {
		return nil
	}
	return ledger.Errorf(op, ledger.ErrUnauthorized, "%s lacks role %s", caller.Hex(), role)
}

// Authorize looks op up in Permissions and enforces it.
func (r *Registry) Authorize(op string, caller common.Address) error {
	role, ok := RequiredRole(op)
	if !ok {
		return nil
	}
	return r.RequireRole(op, caller, role)
}

// GrantRole adds role to subject. Granting a held role is a no-op.
func (r *Registry) GrantRole(caller, subject common.Address, role Role) error {
	const op = OpGrantRole
	if !role.Valid() {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "unknown role %q", role)
	}
	if err := r.RequireRole(op, caller, AdminOf(role)); err != nil {
		return err
	}
	if ledger.IsZeroAddress(subject) {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "subject is the zero address")
	}
	if r.IsBanned(subject) {
		return ledger.Errorf(op, ledger.ErrBanned, "%s is banned", subject.Hex())
	}
	if r.HasRole(subject, role) {
		return nil
	}
	r.addGrant(caller, subject, role)
	return nil
}

// RevokeRole removes role from subject. Bans do not block revocation.
func (r *Registry) RevokeRole(caller, subject common.Address, role Role) error {
	const op = OpRevokeRole
	if !role.Valid() {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "unknown role %q", role)
	}
	if err := r.RequireRole(op, caller, AdminOf(role)); err != nil {
		return err
	}
	r.removeGrant(caller, subject, role)
	return nil
}

// RenounceRole lets caller drop one of its own roles.
func (r *Registry) RenounceRole(caller common.Address, role Role) error {
	if !role.Valid() {
		return ledger.Errorf(OpRenounceRole, ledger.ErrInvalidInput, "unknown role %q", role)
	}
	r.removeGrant(caller, caller, role)
	return nil
}

// Ban blocks future grants to subject. Roles already held are kept.
func (r *Registry) Ban(caller, subject common.Address, reasonHash common.Hash) error {
	const op = OpBan
	if err := r.Authorize(op, caller); err != nil {
		return err
	}
	if ledger.IsZeroAddress(subject) {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "subject is the zero address")
	}
	if r.IsBanned(subject) {
		return ledger.Errorf(op, ledger.ErrAlreadyBanned, "%s", subject.Hex())
	}
	now := r.env.Now()
	ledger.SetMap(r.env.Journal, r.bans, subject, BanRecord{Banned: true, BannedAt: now})
	r.env.Events.Append(ledger.Event{
		Kind:   ledger.EventBanned,
		Keys:   []string{ledger.RoleKey(subject), ledger.RegistryKey},
		Caller: caller,
		Time:   now,
		Fields: map[string]string{
			"subject": subject.Hex(),
			"reason":  reasonHash.Hex(),
		},
	})
	return nil
}

// Unban lifts a ban. bannedAt is kept for the audit trail.
func (r *Registry) Unban(caller, subject common.Address) error {
	const op = OpUnban
	if err := r.Authorize(op, caller); err != nil {
		return err
	}
	rec, ok := r.bans[subject]
	if !ok || !rec.Banned {
		return ledger.Errorf(op, ledger.ErrNotBanned, "%s", subject.Hex())
	}
	rec.Banned = false
	ledger.SetMap(r.env.Journal, r.bans, subject, rec)
	r.env.Events.Append(ledger.Event{
		Kind:   ledger.EventUnbanned,
		Keys:   []string{ledger.RoleKey(subject), ledger.RegistryKey},
		Caller: caller,
		Time:   r.env.Now(),
		Fields: map[string]string{
			"subject":   subject.Hex(),
			"banned_at": strconv.FormatUint(rec.BannedAt, 10),
		},
	})
	return nil
}

// HasRole reports membership.
func (r *Registry) HasRole(subject common.Address, role Role) bool {
	_, ok := r.grants[grantKey{subject: subject, role: role}]
	return ok
}

// IsBanned reports whether subject is currently banned.
func (r *Registry) IsBanned(subject common.Address) bool {
	return r.bans[subject].Banned
}

// BanRecord returns the ban record for subject, if one was ever written.
func (r *Registry) BanRecord(subject common.Address) (BanRecord, bool) {
	rec, ok := r.bans[subject]
	return rec, ok
}

// GrantCount is the number of effective grants ever made.
func (r *Registry) GrantCount() uint64 { return r.count }

// Members lists holders of role in address order.
func (r *Registry) Members(role Role) []common.Address {
	var out []common.Address
	for k := range r.grants {
		if k.role == role {
			out = append(out, k.subject)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (r *Registry) addGrant(caller, subject common.Address, role Role) {
	ledger.SetMap(r.env.Journal, r.grants, grantKey{subject: subject, role: role}, struct{}{})
	ledger.Set(r.env.Journal, &r.count, r.count+1)
	r.env.Events.Append(ledger.Event{
		Kind:   ledger.EventRoleGranted,
		Keys:   []string{ledger.RoleKey(subject), ledger.RegistryKey},
		Caller: caller,
		Time:   r.env.Now(),
		Fields: map[string]string{
			"subject": subject.Hex(),
			"role":    string(role),
		},
	})
}

func (r *Registry) removeGrant(caller, subject common.Address, role Role) {
	key := grantKey{subject: subject, role: role}
	if _, ok := r.grants[key]; !ok {
		return
	}
	ledger.DeleteMap(r.env.Journal, r.grants, key)
	r.env.Events.Append(ledger.Event{
		Kind:   ledger.EventRoleRevoked,
		Keys:   []string{ledger.RoleKey(subject), ledger.RegistryKey},
		Caller: caller,
		Time:   r.env.Now(),
		Fields: map[string]string{
			"subject": subject.Hex(),
			"role":    string(role),
		},
	})
}
