package remote

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/asset"
	"campusmerit.org/internal/auth"
	"campusmerit.org/internal/engine"
	"campusmerit.org/internal/httpapi"
	"campusmerit.org/internal/ledger"
	"campusmerit.org/internal/ledger/wire"
)

func TestMapLedgerError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		err     error
		trailer metadata.MD
		want    error
	}{
		{
			name:    "not found",
			err:     status.Error(codes.NotFound, "credential 9"),
			trailer: wire.ErrorTrailer(ledger.Errorf("query.credential", ledger.ErrNotFound, "credential 9")),
			want:    ledger.ErrNotFound,
		},
		{
			name:    "narrowed reason",
			err:     status.Error(codes.FailedPrecondition, "expired"),
			trailer: wire.ErrorTrailer(ledger.Errorf("distribution.claim", ledger.ErrDistributionExpired, "")),
			want:    ledger.ErrDistributionExpired,
		},
		{
			name: "pass through",
			err:  status.Error(codes.Unavailable, "down"),
			want: status.Error(codes.Unavailable, "down"),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := mapLedgerError(tc.err, tc.trailer)
			if !errors.Is(got, tc.want) {
				t.Fatalf("mapLedgerError() = %v, want %v", got, tc.want)
			}
		})
	}
}

var (
	root    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	custody = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func startServer(t *testing.T) *Client {
	t.Helper()
	eng, err := engine.New(engine.Config{
		SuperAdmin: root,
		Custody:    custody,
		Asset:      asset.Config{Cap: uint256.NewInt(1000)},
	}, engine.WithClock(ledger.NewManualClock(1_700_000_000)))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	srv := httpapi.NewGRPCServer(eng, nil, "test")
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(srv.ServerOptions()...)
	srv.Register(server)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func asCaller(t *testing.T, ctx context.Context, who common.Address) context.Context {
	t.Helper()
	tok, err := auth.GenerateToken(who, time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return auth.ContextWithToken(ctx, tok)
}

func TestClientAgainstServer(t *testing.T) {
	t.Setenv("MERIT_AUTH_SECRET", "remote-secret")
	auth.ResetSecretForTests()
	client := startServer(t)

	ctx, cancel := WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := client.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info["version"] != "test" {
		t.Fatalf("unexpected info: %v", info)
	}

	admin := asCaller(t, ctx, root)
	if err := client.GrantRole(admin, alice, access.RoleIssuer); err != nil {
		t.Fatalf("grant: %v", err)
	}
	issuer := asCaller(t, ctx, alice)
	if err := client.Mint(issuer, alice, uint256.NewInt(400)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	bal, err := client.Balance(ctx, alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Uint64() != 400 {
		t.Fatalf("unexpected balance %s", bal.Dec())
	}

	err = client.Mint(issuer, alice, uint256.NewInt(601))
	if !errors.Is(err, ledger.ErrCapExceeded) {
		t.Fatalf("expected CapExceeded, got %v", err)
	}
	var le *ledger.Error
	if !errors.As(err, &le) || le.Available == nil || le.Available.Uint64() != 600 {
		t.Fatalf("available headroom lost: %+v", le)
	}

	if err := client.Transfer(ctx, root, uint256.NewInt(1)); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("anonymous submit must fail Unauthenticated, got %v", err)
	}
}
