package engine

import (
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/ledger"
)

// Query names accepted by Engine.Query.
const (
	QueryAsset           = "asset"
	QueryBalance         = "balance"
	QueryRoles           = "roles"
	QueryMembers         = "members"
	QueryBan             = "ban"
	QueryCredential      = "credential"
	QueryIsValid         = "isValid"
	QueryCredentialsOf   = "credentialsOf"
	QueryVerifyIntegrity = "verifyIntegrity"
	QueryCredentialType  = "credentialType"
	QueryVesting         = "vesting"
	QueryDistribution    = "distribution"
	QueryVerifyClaim     = "verifyClaim"
	QueryEvents          = "events"
)

type queryArgs struct {
	Account common.Address `json:"account"`
	Role    access.Role    `json:"role"`
	ID      uint64         `json:"id"`
	Key     string         `json:"key"`
	Data    string         `json:"data"`
	Amount  string         `json:"amount"`
	Proof   []common.Hash  `json:"proof"`
	After   uint64         `json:"after"`
	Limit   int            `json:"limit"`
}

// AssetView summarizes the reward asset.
type AssetView struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	Cap         string `json:"cap"`
	Available   string `json:"available,omitempty"`
	TotalSupply string `json:"total_supply"`
	TotalMinted string `json:"total_minted"`
	TotalBurned string `json:"total_burned"`
	Paused      bool   `json:"paused"`
	Locked      string `json:"total_locked"`
	Reserved    string `json:"total_reserved"`
	Custody     string `json:"custody"`
	BaseURI     string `json:"base_uri"`
	Credentials uint64 `json:"credential_count"`
	Airdrops    uint64 `json:"distribution_count"`
}

// AccountView is an identity's standing across the ledger.
type AccountView struct {
	Account     common.Address `json:"account"`
	Balance     string         `json:"balance"`
	Frozen      bool           `json:"frozen"`
	Banned      bool           `json:"banned"`
	Roles       []access.Role  `json:"roles"`
	Credentials []uint64       `json:"credentials"`
	Direct      string         `json:"direct_total"`
}

// Query answers a named read against committed state.
func (e *Engine) Query(name string, raw json.RawMessage) (any, error) {
	op := "query." + name
	var a queryArgs
	if err := decodeArgs(op, raw, &a); err != nil {
		return nil, err
	}
	var out any
	err := e.View(func(s State) error {
		switch name {
		case QueryAsset:
			meta := s.Asset.Metadata()
			v := AssetView{
				Name:        meta.Name,
				Symbol:      meta.Symbol,
				Decimals:    meta.Decimals,
				Cap:         s.Asset.Cap().Dec(),
				TotalSupply: s.Asset.TotalSupply().Dec(),
				TotalMinted: s.Asset.TotalMinted().Dec(),
				TotalBurned: s.Asset.TotalBurned().Dec(),
				Paused:      s.Asset.Paused(),
				Locked:      s.Distribution.TotalLocked().Dec(),
				Reserved:    s.Distribution.TotalReserved().Dec(),
				Custody:     s.Distribution.Custody().Hex(),
				BaseURI:     s.Credentials.BaseURI(),
				Credentials: s.Credentials.Count(),
				Airdrops:    s.Distribution.DistributionCount(),
			}
			if avail, ok := s.Asset.Available(); ok {
				v.Available = avail.Dec()
			}
			out = v
		case QueryBalance, QueryRoles:
			v := AccountView{
				Account:     a.Account,
				Balance:     s.Asset.BalanceOf(a.Account).Dec(),
				Frozen:      s.Asset.IsFrozen(a.Account),
				Banned:      s.Access.IsBanned(a.Account),
				Roles:       []access.Role{},
				Credentials: s.Credentials.CredentialsOf(a.Account),
				Direct:      s.Distribution.DirectTotal(a.Account).Dec(),
			}
			for _, r := range access.Roles {
				if s.Access.HasRole(a.Account, r) {
					v.Roles = append(v.Roles, r)
				}
			}
			out = v
		case QueryMembers:
			if !a.Role.Valid() {
				return ledger.Errorf(op, ledger.ErrInvalidInput, "unknown role %q", a.Role)
			}
			out = map[string]any{"role": a.Role, "members": s.Access.Members(a.Role)}
		case QueryBan:
			rec, _ := s.Access.BanRecord(a.Account)
			out = map[string]any{
				"account":     a.Account,
				"banned":      rec.Banned,
				"banned_at":   rec.BannedAt,
				"grant_count": s.Access.GrantCount(),
			}
		case QueryIsValid:
			out = map[string]any{"id": a.ID, "valid": s.Credentials.IsValid(a.ID)}
		case QueryCredential:
			rec, ok := s.Credentials.Credential(a.ID)
			if !ok {
				return ledger.Errorf(op, ledger.ErrNotFound, "credential %d", a.ID)
			}
			uri, _ := s.Credentials.TokenURI(a.ID)
			out = map[string]any{"credential": rec, "valid": rec.ValidAt(s.Now), "token_uri": uri, "locked": true}
		case QueryCredentialsOf:
			out = map[string]any{"holder": a.Account, "ids": s.Credentials.CredentialsOf(a.Account)}
		case QueryVerifyIntegrity:
			ok, err := s.Credentials.VerifyIntegrity(a.ID, []byte(a.Data))
			if err != nil {
				return err
			}
			out = map[string]any{"id": a.ID, "match": ok}
		case QueryCredentialType:
			desc, ok := s.Credentials.CredentialType(a.Key)
			if !ok {
				return ledger.Errorf(op, ledger.ErrNotFound, "credential type %q", a.Key)
			}
			out = map[string]any{"key": a.Key, "description": desc}
		case QueryVesting:
			sched, ok := s.Distribution.VestingSchedule(a.Account)
			if !ok {
				return ledger.Errorf(op, ledger.ErrNoVestingSchedule, "%s", a.Account.Hex())
			}
			vested, err := s.Distribution.VestedAmount(a.Account)
			if err != nil {
				return err
			}
			releasable, err := s.Distribution.Releasable(a.Account)
			if err != nil {
				return err
			}
			out = map[string]any{"schedule": sched, "vested": vested.Dec(), "releasable": releasable.Dec()}
		case QueryDistribution:
			d, ok := s.Distribution.Distribution(a.ID)
			if !ok {
				return ledger.Errorf(op, ledger.ErrNotFound, "distribution %d", a.ID)
			}
			res := map[string]any{"distribution": d, "remaining": d.Remaining().Dec(), "expired": s.Now > d.ExpiresAt}
			if !ledger.IsZeroAddress(a.Account) {
				res["claimed"] = s.Distribution.HasClaimed(a.ID, a.Account)
			}
			out = res
		case QueryVerifyClaim:
			amt, err := parseAmount(op, "amount", a.Amount)
			if err != nil {
				return err
			}
			valid, claimable := s.Distribution.VerifyClaim(a.ID, a.Account, amt, a.Proof)
			out = map[string]any{"valid": valid, "claimable": claimable}
		case QueryEvents:
			var events []ledger.Event
			var next uint64
			if a.Key != "" {
				events, next = s.Events.ListByKey(a.Key, a.After, a.Limit)
			} else {
				events, next = s.Events.List(a.After, a.Limit)
			}
			if events == nil {
				events = []ledger.Event{}
			}
			out = map[string]any{"events": events, "next": next}
		default:
			return ledger.Errorf(op, ledger.ErrInvalidInput, "unknown query")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Queries lists every name Query accepts, sorted.
func Queries() []string {
	out := []string{
		QueryAsset, QueryBalance, QueryRoles, QueryMembers, QueryBan, QueryCredential, QueryIsValid, QueryCredentialsOf,
		QueryVerifyIntegrity, QueryCredentialType, QueryVesting, QueryDistribution, QueryVerifyClaim, QueryEvents,
	}
	sort.Strings(out)
	return out
}

// Stats is a point-in-time summary of committed state.
type Stats struct {
	Seq           uint64
	TotalSupply   *uint256.Int
	TotalMinted   *uint256.Int
	TotalBurned   *uint256.Int
	Credentials   uint64
	Distributions uint64
	Time          uint64
}

// Stats summarizes committed state; Seq is the last committed event.
func (e *Engine) Stats() Stats {
	var st Stats
	_ = e.View(func(s State) error {
		st = Stats{
			Seq:           s.Events.Len(),
			TotalSupply:   s.Asset.TotalSupply(),
			TotalMinted:   s.Asset.TotalMinted(),
			TotalBurned:   s.Asset.TotalBurned(),
			Credentials:   s.Credentials.Count(),
			Distributions: s.Distribution.DistributionCount(),
			Time:          s.Now,
		}
		return nil
	})
	return st
}
