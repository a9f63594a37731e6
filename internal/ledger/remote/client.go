package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/auth"
	"campusmerit.org/internal/ledger/wire"
)

// Client wraps the gRPC ledger service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Submit runs op with args as the identity whose token is attached to ctx
// (auth.ContextWithToken). The decoded result, if any, lands in out.
func (c *Client) Submit(ctx context.Context, op string, args any, out any) error {
	return c.invoke(ctx, wire.SubmitMethod, op, args, out)
}

// Query runs a named read.
func (c *Client) Query(ctx context.Context, name string, args any, out any) error {
	return c.invoke(ctx, wire.QueryMethod, name, args, out)
}

// Info fetches service metadata.
func (c *Client) Info(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(outgoingWithIdentity(ctx), wire.InfoMethod, &structpb.Struct{}, out); err != nil {
		return nil, err
	}
	var info map[string]any
	if err := wire.DecodeResult(out, &info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) invoke(ctx context.Context, method, name string, args any, out any) error {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return err
		}
		raw = b
	}
	in, err := wire.EncodeRequest(name, raw)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	var trailer metadata.MD
	if err := c.conn.Invoke(outgoingWithIdentity(ctx), method, in, resp, grpc.Trailer(&trailer)); err != nil {
		return mapLedgerError(err, trailer)
	}
	return wire.DecodeResult(resp, out)
}

// Typed helpers for the calls the CLI tools make most.

func (c *Client) Mint(ctx context.Context, to common.Address, amount *uint256.Int) error {
	return c.Submit(ctx, access.OpMint, map[string]any{"account": to, "amount": amount.Dec()}, nil)
}

func (c *Client) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) error {
	return c.Submit(ctx, access.OpTransfer, map[string]any{"account": to, "amount": amount.Dec()}, nil)
}

func (c *Client) GrantRole(ctx context.Context, subject common.Address, role access.Role) error {
	return c.Submit(ctx, access.OpGrantRole, map[string]any{"subject": subject, "role": role}, nil)
}

// Balance returns the decimal balance of account.
func (c *Client) Balance(ctx context.Context, account common.Address) (*uint256.Int, error) {
	var view struct {
		Balance string `json:"balance"`
	}
	if err := c.Query(ctx, "balance", map[string]any{"account": account}, &view); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(view.Balance)
}

// Helpers -----------------------------------------------------------------

func outgoingWithIdentity(ctx context.Context) context.Context {
	if ctx == nil {
		return ctx
	}
	token, ok := auth.TokenFromContext(ctx)
	if !ok {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, wire.AuthorizationKey, "Bearer "+token)
}

// mapLedgerError restores the typed ledger failure from the trailer so callers
// can use errors.Is against the ledger sentinels. Transport errors pass through.
func mapLedgerError(err error, trailer metadata.MD) error {
	if rebuilt := wire.ErrorFromTrailer(trailer); rebuilt != nil {
		return rebuilt
	}
	return err
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
