package credential

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/ledger"
)

// Record is one issued credential. Holder is fixed at issuance.
type Record struct {
	ID            uint64         `json:"id"`
	Holder        common.Address `json:"holder"`
	Issuer        common.Address `json:"issuer"`
	IssuedAt      uint64         `json:"issued_at"`
	ExpiresAt     uint64         `json:"expires_at"`
	Revoked       bool           `json:"revoked"`
	RevokedAt     uint64         `json:"revoked_at,omitempty"`
	Type          string         `json:"type"`
	IntegrityHash common.Hash    `json:"integrity_hash"`
	MetadataRef   string         `json:"metadata_ref"`
}

// ValidAt applies the validity rule at time now.
func (r Record) ValidAt(now uint64) bool {
	return !r.Revoked && (r.ExpiresAt == 0 || now < r.ExpiresAt)
}

// IssueRequest is one entry of an issuance.
type IssueRequest struct {
	Holder        common.Address `json:"holder"`
	URI           string         `json:"uri"`
	Type          string         `json:"type"`
	ExpiresAt     uint64         `json:"expires_at"`
	IntegrityHash common.Hash    `json:"integrity_hash"`
}

// Registry stores soulbound credential records.
type Registry struct {
	env    *ledger.Env
	access access.Checker

	records  map[uint64]Record
	byHolder map[common.Address][]uint64
	types    map[string]string
	baseURI  string
	lastID   uint64
}

// NewRegistry creates an empty credential registry.
func NewRegistry(env *ledger.Env, checker access.Checker) *Registry {
	return &Registry{
		env:      env,
		access:   checker,
		records:  make(map[uint64]Record),
		byHolder: make(map[common.Address][]uint64),
		types:    make(map[string]string),
	}
}

// Issue creates a credential for req.Holder and returns its id.
func (r *Registry) Issue(caller common.Address, req IssueRequest) (uint64, error) {
	const op = access.OpIssue
	if err := r.access.Authorize(op, caller); err != nil {
		return 0, err
	}
	if err := r.validate(op, "", req); err != nil {
		return 0, err
	}
	return r.store(caller, req), nil
}

// IssueBatch issues every request or none of them.
func (r *Registry) IssueBatch(caller common.Address, reqs []IssueRequest) ([]uint64, error) {
	const op = access.OpIssueBatch
	if err := r.access.Authorize(op, caller); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, ledger.Errorf(op, ledger.ErrInvalidInput, "empty batch")
	}
	for i, req := range reqs {
		if err := r.validate(op, "entry "+strconv.Itoa(i)+": ", req); err != nil {
			return nil, err
		}
	}
	ids := make([]uint64, 0, len(reqs))
	for _, req := range reqs {
		ids = append(ids, r.store(caller, req))
	}
	return ids, nil
}

// Revoke invalidates id. Revoking twice fails AlreadyRevoked.
func (r *Registry) Revoke(caller common.Address, id uint64, reasonHash common.Hash) error {
	const op = access.OpRevoke
	if err := r.access.Authorize(op, caller); err != nil {
		return err
	}
	rec, ok := r.records[id]
	if !ok {
		return ledger.Errorf(op, ledger.ErrNotFound, "credential %d", id)
	}
	if rec.Revoked {
		return ledger.Errorf(op, ledger.ErrAlreadyRevoked, "credential %d", id)
	}
	r.revoke(caller, rec, reasonHash)
	return nil
}

// RevokeBatch revokes each id, skipping ones already revoked. An unknown id
// still aborts the whole batch. It returns how many records changed.
func (r *Registry) RevokeBatch(caller common.Address, ids []uint64, reasons []common.Hash) (int, error) {
	const op = access.OpRevokeBatch
	if err := r.access.Authorize(op, caller); err != nil {
		return 0, err
	}
	if len(ids) == 0 || len(ids) != len(reasons) {
		return 0, ledger.Errorf(op, ledger.ErrInvalidInput, "ids (%d) and reasons (%d) must be non-empty and equal length", len(ids), len(reasons))
	}
	for _, id := range ids {
		if _, ok := r.records[id]; !ok {
			return 0, ledger.Errorf(op, ledger.ErrNotFound, "credential %d", id)
		}
	}
	n := 0
	for i, id := range ids {
		rec := r.records[id]
		if rec.Revoked {
			continue
		}
		r.revoke(caller, rec, reasons[i])
		n++
	}
	return n, nil
}

// UpdateURI corrects the metadata reference of id.
func (r *Registry) UpdateURI(caller common.Address, id uint64, uri string) error {
	const op = access.OpUpdateURI
	if err := r.access.Authorize(op, caller); err != nil {
		return err
	}
	rec, ok := r.records[id]
	if !ok {
		return ledger.Errorf(op, ledger.ErrNotFound, "credential %d", id)
	}
	old := rec.MetadataRef
	rec.MetadataRef = uri
	ledger.SetMap(r.env.Journal, r.records, id, rec)
	r.env.Events.Append(ledger.Event{
		Kind:   ledger.EventMetadataUpdated,
		Keys:   []string{ledger.CredentialKey(id)},
		Caller: caller,
		Time:   r.env.Now(),
		Fields: map[string]string{
			"id":  strconv.FormatUint(id, 10),
			"old": old,
			"new": uri,
		},
	})
	return nil
}

// SetBaseURI replaces the prefix used by TokenURI.
func (r *Registry) SetBaseURI(caller common.Address, base string) error {
	const op = access.OpSetBaseURI
	if err := r.access.Authorize(op, caller); err != nil {
		return err
	}
	old := r.baseURI
	ledger.Set(r.env.Journal, &r.baseURI, base)
	r.env.Events.Append(ledger.Event{
		Kind:   ledger.EventBaseURIUpdated,
		Keys:   []string{ledger.RegistryKey},
		Caller: caller,
		Time:   r.env.Now(),
		Fields: map[string]string{"old": old, "new": base},
	})
	return nil
}

// SetCredentialType registers or overwrites a type description.
func (r *Registry) SetCredentialType(caller common.Address, key, description string) error {
	const op = access.OpSetCredentialType
	if err := r.access.Authorize(op, caller); err != nil {
		return err
	}
	if key == "" {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "type key is required")
	}
	ledger.SetMap(r.env.Journal, r.types, key, description)
	r.env.Events.Append(ledger.Event{
		Kind:   ledger.EventCredentialTypeSet,
		Keys:   []string{ledger.CredentialTypeKey(key)},
		Caller: caller,
		Time:   r.env.Now(),
		Fields: map[string]string{"type": key, "description": description},
	})
	return nil
}

// Transfer always fails: credentials are bound to their holder.
func (r *Registry) Transfer(caller common.Address, id uint64, to common.Address) error {
	return ledger.Errorf(access.OpCredentialTransfer, ledger.ErrNonTransferable, "credential %d cannot move to %s", id, to.Hex())
}

// IsValid reports validity at the current time. Unknown ids are invalid.
func (r *Registry) IsValid(id uint64) bool {
	rec, ok := r.records[id]
	return ok && rec.ValidAt(r.env.Now())
}

// VerifyIntegrity hashes raw and compares it with the stored integrity hash.
func (r *Registry) VerifyIntegrity(id uint64, raw []byte) (bool, error) {
	rec, ok := r.records[id]
	if !ok {
		return false, ledger.Errorf("credential.verifyIntegrity", ledger.ErrNotFound, "credential %d", id)
	}
	return crypto.Keccak256Hash(raw) == rec.IntegrityHash, nil
}

// Credential returns the record for id.
func (r *Registry) Credential(id uint64) (Record, bool) {
	rec, ok := r.records[id]
	return rec, ok
}

// CredentialsOf lists ids held by holder in issuance order.
func (r *Registry) CredentialsOf(holder common.Address) []uint64 {
	ids := r.byHolder[holder]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// TokenURI joins the base URI and the record's metadata reference.
func (r *Registry) TokenURI(id uint64) (string, error) {
	rec, ok := r.records[id]
	if !ok {
		return "", ledger.Errorf("credential.tokenURI", ledger.ErrNotFound, "credential %d", id)
	}
	return r.baseURI + rec.MetadataRef, nil
}

// BaseURI returns the current prefix.
func (r *Registry) BaseURI() string { return r.baseURI }

// CredentialType returns the description registered for key.
func (r *Registry) CredentialType(key string) (string, bool) {
	d, ok := r.types[key]
	return d, ok
}

// Count is the number of credentials ever issued.
func (r *Registry) Count() uint64 { return r.lastID }

// Locked reports that id is soulbound. It is true for every existing record.
func (r *Registry) Locked(id uint64) (bool, error) {
	if _, ok := r.records[id]; !ok {
		return false, ledger.Errorf("credential.locked", ledger.ErrNotFound, "credential %d", id)
	}
	return true, nil
}

func (r *Registry) validate(op, entry string, req IssueRequest) error {
	if ledger.IsZeroAddress(req.Holder) {
		return ledger.Errorf(op, ledger.ErrInvalidRecipient, "%sholder is the zero address", entry)
	}
	if req.ExpiresAt != 0 && req.ExpiresAt <= r.env.Now() {
		return ledger.Errorf(op, ledger.ErrInvalidExpiration, "%sexpires_at %d is not in the future", entry, req.ExpiresAt)
	}
	if _, ok := r.types[req.Type]; !ok {
		return ledger.Errorf(op, ledger.ErrInvalidInput, "%sunknown credential type %q", entry, req.Type)
	}
	return nil
}

func (r *Registry) store(caller common.Address, req IssueRequest) uint64 {
	id := r.lastID + 1
	now := r.env.Now()
	rec := Record{
		ID:            id,
		Holder:        req.Holder,
		Issuer:        caller,
		IssuedAt:      now,
		ExpiresAt:     req.ExpiresAt,
		Type:          req.Type,
		IntegrityHash: req.IntegrityHash,
		MetadataRef:   req.URI,
	}
	ledger.Set(r.env.Journal, &r.lastID, id)
	ledger.SetMap(r.env.Journal, r.records, id, rec)
	held := r.byHolder[req.Holder]
	ledger.SetMap(r.env.Journal, r.byHolder, req.Holder, append(held[:len(held):len(held)], id))
	r.env.Events.Append(ledger.Event{
		Kind:   ledger.EventIssued,
		Keys:   []string{ledger.CredentialKey(id), ledger.AccountKey(req.Holder), ledger.CredentialTypeKey(req.Type)},
		Caller: caller,
		Time:   now,
		Fields: map[string]string{
			"id":             strconv.FormatUint(id, 10),
			"holder":         req.Holder.Hex(),
			"issuer":         caller.Hex(),
			"type":           req.Type,
			"expires_at":     strconv.FormatUint(req.ExpiresAt, 10),
			"integrity_hash": req.IntegrityHash.Hex(),
			"metadata_ref":   req.URI,
		},
	})
	return id
}

func (r *Registry) revoke(caller common.Address, rec Record, reasonHash common.Hash) {
	now := r.env.Now()
	rec.Revoked = true
	rec.RevokedAt = now
	ledger.SetMap(r.env.Journal, r.records, rec.ID, rec)
	r.env.Events.Append(ledger.Event{
		Kind:   ledger.EventRevoked,
		Keys:   []string{ledger.CredentialKey(rec.ID), ledger.AccountKey(rec.Holder)},
		Caller: caller,
		Time:   now,
		Fields: map[string]string{
			"id":     strconv.FormatUint(rec.ID, 10),
			"holder": rec.Holder.Hex(),
			"reason": reasonHash.Hex(),
		},
	})
}
