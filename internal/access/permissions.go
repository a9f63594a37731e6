package access

// Role is a capability class held by identities.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleIssuer     Role = "issuer"
	RoleRevoker    Role = "revoker"
	RolePauser     Role = "pauser"
)

// Roles lists every known role.
var Roles = []Role{RoleSuperAdmin, RoleAdmin, RoleIssuer, RoleRevoker, RolePauser}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// roleAdmins names the role allowed to grant and revoke each role.
var roleAdmins = map[Role]Role{
	RoleSuperAdmin: RoleSuperAdmin,
	RoleAdmin:      RoleSuperAdmin,
	RoleIssuer:     RoleAdmin,
	RoleRevoker:    RoleAdmin,
	RolePauser:     RoleAdmin,
}

// AdminOf returns the administering role for r.
func AdminOf(r Role) Role {
	if admin, ok := roleAdmins[r]; ok {
		return admin
	}
	return RoleSuperAdmin
}

// Operation names. Every mutating entry point of the state machine has one.
const (
	OpGrantRole    = "access.grantRole"
	OpRevokeRole   = "access.revokeRole"
	OpRenounceRole = "access.renounceRole"
	OpBan          = "access.ban"
	OpUnban        = "access.unban"

	OpMint      = "asset.mint"
	OpMintBatch = "asset.mintBatch"
	OpTransfer  = "asset.transfer"
	OpBurn      = "asset.burn"
	OpAdminBurn = "asset.adminBurn"
	OpFreeze    = "asset.freeze"
	OpUnfreeze  = "asset.unfreeze"
	OpPause     = "asset.pause"
	OpUnpause   = "asset.unpause"

	OpIssue              = "credential.issue"
	OpIssueBatch         = "credential.issueBatch"
	OpRevoke             = "credential.revoke"
	OpRevokeBatch        = "credential.revokeBatch"
	OpUpdateURI          = "credential.updateURI"
	OpSetBaseURI         = "credential.setBaseURI"
	OpSetCredentialType  = "credential.setType"
	OpCredentialTransfer = "credential.transfer"

	OpDistributeDirectly = "distribution.distributeDirectly"
	OpDistributeBatch    = "distribution.distributeBatch"
	OpCreateVesting      = "distribution.createVestingSchedule"
	OpReleaseVested      = "distribution.releaseVested"
	OpRevokeVesting      = "distribution.revokeVesting"
	OpCreateAirdrop      = "distribution.createAirdropDistribution"
	OpClaim              = "distribution.claim"
	OpCloseAirdrop       = "distribution.closeExpiredDistribution"
)

// Permissions is the static operation → role table. Operations missing from
// it are open to any caller (transfers of one's own balance, burns, vesting
// release, airdrop claims). Role grants are authorized through AdminOf.
var Permissions = map[string]Role{
	OpBan:   RoleAdmin,
	OpUnban: RoleSuperAdmin,

	OpMint:      RoleIssuer,
	OpMintBatch: RoleIssuer,
	OpAdminBurn: RoleRevoker,
	OpFreeze:    RoleRevoker,
	OpUnfreeze:  RoleRevoker,
	OpPause:     RolePauser,
	OpUnpause:   RolePauser,

	OpIssue:             RoleIssuer,
	OpIssueBatch:        RoleIssuer,
	OpRevoke:            RoleRevoker,
	OpRevokeBatch:       RoleRevoker,
	OpUpdateURI:         RoleAdmin,
	OpSetBaseURI:        RoleAdmin,
	OpSetCredentialType: RoleAdmin,

	OpDistributeDirectly: RoleIssuer,
	OpDistributeBatch:    RoleIssuer,
	OpCreateVesting:      RoleAdmin,
	OpRevokeVesting:      RoleRevoker,
	OpCreateAirdrop:      RoleAdmin,
	OpCloseAirdrop:       RoleAdmin,
}

// RequiredRole returns the role an operation demands, if any.
func RequiredRole(op string) (Role, bool) {
	r, ok := Permissions[op]
	return r, ok
}
