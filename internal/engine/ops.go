package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/credential"
	"campusmerit.org/internal/ledger"
)

func (e *Engine) exec(ctx context.Context, caller common.Address, op string, fn func() error) error {
	_, err := e.submit(ctx, caller, op, func() (any, error) { return nil, fn() })
	return err
}

// notCustody rejects operations aimed at the custody account that would
// shrink or lock the funds owed to schedules and airdrops, or strip the role
// distributions mint with.
func (e *Engine) notCustody(op string, account common.Address) error {
	if account == e.custody {
		return ledger.Errorf(op, ledger.ErrUnauthorized, "custody %s is managed by the distribution engine", account.Hex())
	}
	return nil
}

// Access & policy registry.

func (e *Engine) GrantRole(ctx context.Context, caller, subject common.Address, role access.Role) error {
	return e.exec(ctx, caller, access.OpGrantRole, func() error { return e.access.GrantRole(caller, subject, role) })
}

func (e *Engine) RevokeRole(ctx context.Context, caller, subject common.Address, role access.Role) error {
	return e.exec(ctx, caller, access.OpRevokeRole, func() error {
		if role == access.RoleIssuer {
			if err := e.notCustody(access.OpRevokeRole, subject); err != nil {
				return err
			}
		}
		return e.access.RevokeRole(caller, subject, role)
	})
}

func (e *Engine) RenounceRole(ctx context.Context, caller common.Address, role access.Role) error {
	return e.exec(ctx, caller, access.OpRenounceRole, func() error { return e.access.RenounceRole(caller, role) })
}

func (e *Engine) Ban(ctx context.Context, caller, subject common.Address, reasonHash common.Hash) error {
	return e.exec(ctx, caller, access.OpBan, func() error { return e.access.Ban(caller, subject, reasonHash) })
}

func (e *Engine) Unban(ctx context.Context, caller, subject common.Address) error {
	return e.exec(ctx, caller, access.OpUnban, func() error { return e.access.Unban(caller, subject) })
}

// Reward asset ledger.

func (e *Engine) Mint(ctx context.Context, caller, to common.Address, amount *uint256.Int) error {
	return e.exec(ctx, caller, access.OpMint, func() error { return e.asset.Mint(caller, to, amount) })
}

func (e *Engine) MintBatch(ctx context.Context, caller common.Address, recipients []common.Address, amounts []*uint256.Int) error {
	return e.exec(ctx, caller, access.OpMintBatch, func() error { return e.asset.MintBatch(caller, recipients, amounts) })
}

func (e *Engine) Transfer(ctx context.Context, caller, to common.Address, amount *uint256.Int) error {
	return e.exec(ctx, caller, access.OpTransfer, func() error { return e.asset.Transfer(caller, to, amount) })
}

func (e *Engine) Burn(ctx context.Context, caller common.Address, amount *uint256.Int) error {
	return e.exec(ctx, caller, access.OpBurn, func() error { return e.asset.Burn(caller, amount) })
}

func (e *Engine) AdminBurn(ctx context.Context, caller, account common.Address, amount *uint256.Int) error {
	return e.exec(ctx, caller, access.OpAdminBurn, func() error {
		if err := e.notCustody(access.OpAdminBurn, account); err != nil {
			return err
		}
		return e.asset.AdminBurn(caller, account, amount)
	})
}

func (e *Engine) Freeze(ctx context.Context, caller, account common.Address) error {
	return e.exec(ctx, caller, access.OpFreeze, func() error {
		if err := e.notCustody(access.OpFreeze, account); err != nil {
			return err
		}
		return e.asset.Freeze(caller, account)
	})
}

func (e *Engine) Unfreeze(ctx context.Context, caller, account common.Address) error {
	return e.exec(ctx, caller, access.OpUnfreeze, func() error { return e.asset.Unfreeze(caller, account) })
}

func (e *Engine) Pause(ctx context.Context, caller common.Address) error {
	return e.exec(ctx, caller, access.OpPause, func() error { return e.asset.Pause(caller) })
}

func (e *Engine) Unpause(ctx context.Context, caller common.Address) error {
	return e.exec(ctx, caller, access.OpUnpause, func() error { return e.asset.Unpause(caller) })
}

// Credential registry.

// Issue returns the id of the new credential.
func (e *Engine) Issue(ctx context.Context, caller common.Address, req credential.IssueRequest) (uint64, error) {
	v, err := e.submit(ctx, caller, access.OpIssue, func() (any, error) { return e.credentials.Issue(caller, req) })
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (e *Engine) IssueBatch(ctx context.Context, caller common.Address, reqs []credential.IssueRequest) ([]uint64, error) {
	v, err := e.submit(ctx, caller, access.OpIssueBatch, func() (any, error) { return e.credentials.IssueBatch(caller, reqs) })
	if err != nil {
		return nil, err
	}
	return v.([]uint64), nil
}

func (e *Engine) Revoke(ctx context.Context, caller common.Address, id uint64, reasonHash common.Hash) error {
	return e.exec(ctx, caller, access.OpRevoke, func() error { return e.credentials.Revoke(caller, id, reasonHash) })
}

// RevokeBatch returns how many credentials were newly revoked.
func (e *Engine) RevokeBatch(ctx context.Context, caller common.Address, ids []uint64, reasons []common.Hash) (int, error) {
	v, err := e.submit(ctx, caller, access.OpRevokeBatch, func() (any, error) { return e.credentials.RevokeBatch(caller, ids, reasons) })
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (e *Engine) UpdateURI(ctx context.Context, caller common.Address, id uint64, uri string) error {
	return e.exec(ctx, caller, access.OpUpdateURI, func() error { return e.credentials.UpdateURI(caller, id, uri) })
}

func (e *Engine) SetBaseURI(ctx context.Context, caller common.Address, base string) error {
	return e.exec(ctx, caller, access.OpSetBaseURI, func() error { return e.credentials.SetBaseURI(caller, base) })
}

func (e *Engine) SetCredentialType(ctx context.Context, caller common.Address, key, description string) error {
	return e.exec(ctx, caller, access.OpSetCredentialType, func() error { return e.credentials.SetCredentialType(caller, key, description) })
}

// TransferCredential always fails NonTransferable.
func (e *Engine) TransferCredential(ctx context.Context, caller common.Address, id uint64, to common.Address) error {
	return e.exec(ctx, caller, access.OpCredentialTransfer, func() error { return e.credentials.Transfer(caller, id, to) })
}

// Distribution engine.

func (e *Engine) DistributeDirectly(ctx context.Context, caller, recipient common.Address, amount *uint256.Int, reasonHash common.Hash) error {
	return e.exec(ctx, caller, access.OpDistributeDirectly, func() error {
		return e.distribution.DistributeDirectly(caller, recipient, amount, reasonHash)
	})
}

func (e *Engine) DistributeBatch(ctx context.Context, caller common.Address, recipients []common.Address, amounts []*uint256.Int, reasonHash common.Hash) error {
	return e.exec(ctx, caller, access.OpDistributeBatch, func() error {
		return e.distribution.DistributeBatch(caller, recipients, amounts, reasonHash)
	})
}

func (e *Engine) CreateVestingSchedule(ctx context.Context, caller, beneficiary common.Address, amount *uint256.Int, cliff, duration uint64, revocable bool) error {
	return e.exec(ctx, caller, access.OpCreateVesting, func() error {
		return e.distribution.CreateVestingSchedule(caller, beneficiary, amount, cliff, duration, revocable)
	})
}

// ReleaseVested returns the amount paid out.
func (e *Engine) ReleaseVested(ctx context.Context, caller, beneficiary common.Address) (*uint256.Int, error) {
	v, err := e.submit(ctx, caller, access.OpReleaseVested, func() (any, error) { return e.distribution.ReleaseVested(caller, beneficiary) })
	if err != nil {
		return nil, err
	}
	return v.(*uint256.Int), nil
}

func (e *Engine) RevokeVesting(ctx context.Context, caller, beneficiary common.Address) error {
	return e.exec(ctx, caller, access.OpRevokeVesting, func() error { return e.distribution.RevokeVesting(caller, beneficiary) })
}

// CreateAirdropDistribution returns the new distribution id.
func (e *Engine) CreateAirdropDistribution(ctx context.Context, caller common.Address, root common.Hash, total *uint256.Int, durationSecs uint64, dataRef string) (uint64, error) {
	v, err := e.submit(ctx, caller, access.OpCreateAirdrop, func() (any, error) {
		return e.distribution.CreateAirdropDistribution(caller, root, total, durationSecs, dataRef)
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (e *Engine) Claim(ctx context.Context, caller common.Address, id uint64, amount *uint256.Int, proof []common.Hash) error {
	return e.exec(ctx, caller, access.OpClaim, func() error { return e.distribution.Claim(caller, id, amount, proof) })
}

// CloseExpiredDistribution returns the swept remainder.
func (e *Engine) CloseExpiredDistribution(ctx context.Context, caller common.Address, id uint64) (*uint256.Int, error) {
	v, err := e.submit(ctx, caller, access.OpCloseAirdrop, func() (any, error) { return e.distribution.CloseExpiredDistribution(caller, id) })
	if err != nil {
		return nil, err
	}
	return v.(*uint256.Int), nil
}
