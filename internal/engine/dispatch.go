package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/credential"
	"campusmerit.org/internal/ledger"
)

// Dispatch decodes a JSON argument object and runs the named operation as
// caller. Transports use it so they never need to know individual signatures.
func (e *Engine) Dispatch(ctx context.Context, caller common.Address, op string, raw json.RawMessage) (any, error) {
	h, ok := opHandlers[op]
	if !ok {
		return nil, ledger.Errorf(op, ledger.ErrInvalidInput, "unknown operation")
	}
	return h(ctx, e, caller, raw)
}

// Operations lists every name Dispatch accepts, sorted.
func Operations() []string {
	out := make([]string, 0, len(opHandlers))
	for op := range opHandlers {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

type opHandler func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error)

type roleArgs struct {
	Subject common.Address `json:"subject"`
	Role    access.Role    `json:"role"`
}

type subjectArgs struct {
	Subject    common.Address `json:"subject"`
	ReasonHash common.Hash    `json:"reason_hash"`
}

type accountArgs struct {
	Account common.Address `json:"account"`
	Amount  string         `json:"amount"`
}

type batchArgs struct {
	Recipients []common.Address `json:"recipients"`
	Amounts    []string         `json:"amounts"`
	ReasonHash common.Hash      `json:"reason_hash"`
}

type credentialArgs struct {
	ID         uint64         `json:"id"`
	URI        string         `json:"uri"`
	To         common.Address `json:"to"`
	ReasonHash common.Hash    `json:"reason_hash"`
}

type revokeBatchArgs struct {
	IDs     []uint64      `json:"ids"`
	Reasons []common.Hash `json:"reasons"`
}

type typeArgs struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	BaseURI     string `json:"base_uri"`
}

type vestingArgs struct {
	Beneficiary common.Address `json:"beneficiary"`
	Amount      string         `json:"amount"`
	Cliff       uint64         `json:"cliff_duration"`
	Duration    uint64         `json:"vesting_duration"`
	Revocable   bool           `json:"revocable"`
}

type airdropArgs struct {
	ID       uint64        `json:"id"`
	Root     common.Hash   `json:"merkle_root"`
	Total    string        `json:"total_amount"`
	Duration uint64        `json:"duration"`
	DataRef  string        `json:"data_ref"`
	Amount   string        `json:"amount"`
	Proof    []common.Hash `json:"proof"`
}

var opHandlers = map[string]opHandler{
	access.OpGrantRole: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a roleArgs
		if err := decodeArgs(access.OpGrantRole, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.GrantRole(ctx, caller, a.Subject, a.Role)
	},
	access.OpRevokeRole: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a roleArgs
		if err := decodeArgs(access.OpRevokeRole, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.RevokeRole(ctx, caller, a.Subject, a.Role)
	},
	access.OpRenounceRole: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a roleArgs
		if err := decodeArgs(access.OpRenounceRole, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.RenounceRole(ctx, caller, a.Role)
	},
	access.OpBan: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a subjectArgs
		if err := decodeArgs(access.OpBan, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.Ban(ctx, caller, a.Subject, a.ReasonHash)
	},
	access.OpUnban: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a subjectArgs
		if err := decodeArgs(access.OpUnban, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.Unban(ctx, caller, a.Subject)
	},

	access.OpMint: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		a, amt, err := decodeAccount(access.OpMint, raw)
		if err != nil {
			return nil, err
		}
		return nil, e.Mint(ctx, caller, a.Account, amt)
	},
	access.OpMintBatch: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		a, amounts, err := decodeBatch(access.OpMintBatch, raw)
		if err != nil {
			return nil, err
		}
		return nil, e.MintBatch(ctx, caller, a.Recipients, amounts)
	},
	access.OpTransfer: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		a, amt, err := decodeAccount(access.OpTransfer, raw)
		if err != nil {
			return nil, err
		}
		return nil, e.Transfer(ctx, caller, a.Account, amt)
	},
	access.OpBurn: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		_, amt, err := decodeAccount(access.OpBurn, raw)
		if err != nil {
			return nil, err
		}
		return nil, e.Burn(ctx, caller, amt)
	},
	access.OpAdminBurn: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		a, amt, err := decodeAccount(access.OpAdminBurn, raw)
		if err != nil {
			return nil, err
		}
		return nil, e.AdminBurn(ctx, caller, a.Account, amt)
	},
	access.OpFreeze: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a accountArgs
		if err := decodeArgs(access.OpFreeze, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.Freeze(ctx, caller, a.Account)
	},
	access.OpUnfreeze: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a accountArgs
		if err := decodeArgs(access.OpUnfreeze, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.Unfreeze(ctx, caller, a.Account)
	},
	access.OpPause: func(ctx context.Context, e *Engine, caller common.Address, _ json.RawMessage) (any, error) {
		return nil, e.Pause(ctx, caller)
	},
	access.OpUnpause: func(ctx context.Context, e *Engine, caller common.Address, _ json.RawMessage) (any, error) {
		return nil, e.Unpause(ctx, caller)
	},

	access.OpIssue: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var req credential.IssueRequest
		if err := decodeArgs(access.OpIssue, raw, &req); err != nil {
			return nil, err
		}
		id, err := e.Issue(ctx, caller, req)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil
	},
	access.OpIssueBatch: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a struct {
			Entries []credential.IssueRequest `json:"entries"`
		}
		if err := decodeArgs(access.OpIssueBatch, raw, &a); err != nil {
			return nil, err
		}
		ids, err := e.IssueBatch(ctx, caller, a.Entries)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ids": ids}, nil
	},
	access.OpRevoke: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a credentialArgs
		if err := decodeArgs(access.OpRevoke, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.Revoke(ctx, caller, a.ID, a.ReasonHash)
	},
	access.OpRevokeBatch: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a revokeBatchArgs
		if err := decodeArgs(access.OpRevokeBatch, raw, &a); err != nil {
			return nil, err
		}
		n, err := e.RevokeBatch(ctx, caller, a.IDs, a.Reasons)
		if err != nil {
			return nil, err
		}
		return map[string]any{"revoked": n}, nil
	},
	access.OpUpdateURI: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a credentialArgs
		if err := decodeArgs(access.OpUpdateURI, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.UpdateURI(ctx, caller, a.ID, a.URI)
	},
	access.OpSetBaseURI: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a typeArgs
		if err := decodeArgs(access.OpSetBaseURI, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.SetBaseURI(ctx, caller, a.BaseURI)
	},
	access.OpSetCredentialType: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a typeArgs
		if err := decodeArgs(access.OpSetCredentialType, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.SetCredentialType(ctx, caller, a.Key, a.Description)
	},
	access.OpCredentialTransfer: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a credentialArgs
		if err := decodeArgs(access.OpCredentialTransfer, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.TransferCredential(ctx, caller, a.ID, a.To)
	},

	access.OpDistributeDirectly: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a struct {
			accountArgs
			ReasonHash common.Hash `json:"reason_hash"`
		}
		if err := decodeArgs(access.OpDistributeDirectly, raw, &a); err != nil {
			return nil, err
		}
		amt, err := parseAmount(access.OpDistributeDirectly, "amount", a.Amount)
		if err != nil {
			return nil, err
		}
		return nil, e.DistributeDirectly(ctx, caller, a.Account, amt, a.ReasonHash)
	},
	access.OpDistributeBatch: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		a, amounts, err := decodeBatch(access.OpDistributeBatch, raw)
		if err != nil {
			return nil, err
		}
		return nil, e.DistributeBatch(ctx, caller, a.Recipients, amounts, a.ReasonHash)
	},
	access.OpCreateVesting: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a vestingArgs
		if err := decodeArgs(access.OpCreateVesting, raw, &a); err != nil {
			return nil, err
		}
		amt, err := parseAmount(access.OpCreateVesting, "amount", a.Amount)
		if err != nil {
			return nil, err
		}
		return nil, e.CreateVestingSchedule(ctx, caller, a.Beneficiary, amt, a.Cliff, a.Duration, a.Revocable)
	},
	access.OpReleaseVested: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a vestingArgs
		if err := decodeArgs(access.OpReleaseVested, raw, &a); err != nil {
			return nil, err
		}
		amt, err := e.ReleaseVested(ctx, caller, a.Beneficiary)
		if err != nil {
			return nil, err
		}
		return map[string]any{"released": amt.Dec()}, nil
	},
	access.OpRevokeVesting: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a vestingArgs
		if err := decodeArgs(access.OpRevokeVesting, raw, &a); err != nil {
			return nil, err
		}
		return nil, e.RevokeVesting(ctx, caller, a.Beneficiary)
	},
	access.OpCreateAirdrop: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a airdropArgs
		if err := decodeArgs(access.OpCreateAirdrop, raw, &a); err != nil {
			return nil, err
		}
		total, err := parseAmount(access.OpCreateAirdrop, "total_amount", a.Total)
		if err != nil {
			return nil, err
		}
		id, err := e.CreateAirdropDistribution(ctx, caller, a.Root, total, a.Duration, a.DataRef)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil
	},
	access.OpClaim: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a airdropArgs
		if err := decodeArgs(access.OpClaim, raw, &a); err != nil {
			return nil, err
		}
		amt, err := parseAmount(access.OpClaim, "amount", a.Amount)
		if err != nil {
			return nil, err
		}
		return nil, e.Claim(ctx, caller, a.ID, amt, a.Proof)
	},
	access.OpCloseAirdrop: func(ctx context.Context, e *Engine, caller common.Address, raw json.RawMessage) (any, error) {
		var a airdropArgs
		if err := decodeArgs(access.OpCloseAirdrop, raw, &a); err != nil {
			return nil, err
		}
		swept, err := e.CloseExpiredDistribution(ctx, caller, a.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"swept": swept.Dec()}, nil
	},
}

func decodeArgs(op string, raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "invalid arguments: %v", err)
	}
	return nil
}

func parseAmount(op, field, s string) (*uint256.Int, error) {
	v, err := ledger.ParseAmount(s)
	if err != nil {
		return nil, ledger.Errorf(op, ledger.ErrInvalidInput, "%s: %v", field, err)
	}
	return v, nil
}

func decodeAccount(op string, raw json.RawMessage) (accountArgs, *uint256.Int, error) {
	var a accountArgs
	if err := decodeArgs(op, raw, &a); err != nil {
		return a, nil, err
	}
	amt, err := parseAmount(op, "amount", a.Amount)
	return a, amt, err
}

func decodeBatch(op string, raw json.RawMessage) (batchArgs, []*uint256.Int, error) {
	var a batchArgs
	if err := decodeArgs(op, raw, &a); err != nil {
		return a, nil, err
	}
	amounts := make([]*uint256.Int, len(a.Amounts))
	for i, s := range a.Amounts {
		v, err := ledger.ParseAmount(s)
		if err != nil {
			return a, nil, ledger.Errorf(op, ledger.ErrInvalidInput, "entry %d: %v", i, err)
		}
		amounts[i] = v
	}
	return a, amounts, nil
}
