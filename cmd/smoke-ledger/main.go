package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/auth"
	"campusmerit.org/internal/ids"
	"campusmerit.org/internal/ledger/remote"
	"campusmerit.org/internal/obs"
)

// smoke-ledger drives a running meritd over gRPC: it grants a throwaway
// issuer, mints, transfers and checks that the two balances add up.
// MERIT_AUTH_SECRET must match the daemon and MERIT_SMOKE_ADMIN must hold
// the admin role there.
func main() {
	log := obs.Logger()

	addr := os.Getenv("MERIT_GRPC_ADDR")
	if addr == "" {
		addr = "localhost:9090"
	}
	rawAdmin := os.Getenv("MERIT_SMOKE_ADMIN")
	if !common.IsHexAddress(rawAdmin) {
		log.Fatal("MERIT_SMOKE_ADMIN must be a hex address with the admin role")
	}
	admin := common.HexToAddress(rawAdmin)

	client, err := remote.Dial(addr)
	if err != nil {
		log.WithError(err).Fatalf("dial meritd at %s", addr)
	}
	defer client.Close()

	ctx, cancel := remote.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	issuer := freshAccount()
	holder := freshAccount()

	adminCtx, err := as(ctx, admin)
	if err != nil {
		log.WithError(err).Fatal("admin token")
	}
	if err := client.GrantRole(adminCtx, issuer, access.RoleIssuer); err != nil {
		log.WithError(err).Fatal("grant issuer")
	}

	issuerCtx, err := as(ctx, issuer)
	if err != nil {
		log.WithError(err).Fatal("issuer token")
	}
	minted := uint256.NewInt(1_000)
	moved := uint256.NewInt(420)
	if err := client.Mint(issuerCtx, issuer, minted); err != nil {
		log.WithError(err).Fatal("mint")
	}
	if err := client.Transfer(issuerCtx, holder, moved); err != nil {
		log.WithError(err).Fatal("transfer")
	}

	balIssuer, err := client.Balance(ctx, issuer)
	if err != nil {
		log.WithError(err).Fatal("balance issuer")
	}
	balHolder, err := client.Balance(ctx, holder)
	if err != nil {
		log.WithError(err).Fatal("balance holder")
	}

	sum := new(uint256.Int).Add(balIssuer, balHolder)
	if !sum.Eq(minted) {
		log.Fatalf("ledger conservation failed: %s + %s", balIssuer.Dec(), balHolder.Dec())
	}
	if !balHolder.Eq(moved) {
		log.Fatalf("unexpected balances: issuer=%s holder=%s", balIssuer.Dec(), balHolder.Dec())
	}

	fmt.Printf("meritd smoke test passed: issuer=%s holder=%s\n", issuer.Hex(), holder.Hex())
}

func freshAccount() common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(ids.New())))
}

func as(ctx context.Context, who common.Address) (context.Context, error) {
	tok, err := auth.GenerateToken(who, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return auth.ContextWithToken(ctx, tok), nil
}
