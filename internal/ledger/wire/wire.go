// Package wire is the gRPC contract shared by the ledger server and the remote
// client. Requests and responses are google.protobuf.Struct values so neither
// side needs generated stubs.
package wire

import (
	"encoding/json"
	"errors"

	"github.com/holiman/uint256"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"campusmerit.org/internal/ledger"
)

const (
	ServiceName  = "campusmerit.v1.Ledger"
	SubmitMethod = "/" + ServiceName + "/Submit"
	QueryMethod  = "/" + ServiceName + "/Query"
	InfoMethod   = "/" + ServiceName + "/Info"
)

// Request and response field names.
const (
	FieldName   = "name"
	FieldArgs   = "args"
	FieldResult = "result"
)

// Metadata keys.
const (
	AuthorizationKey = "authorization"
	RequestIDKey     = "x-request-id"

	trailerKind      = "ledger-kind"
	trailerReason    = "ledger-reason"
	trailerOp        = "ledger-op"
	trailerMsg       = "ledger-msg"
	trailerRequested = "ledger-requested"
	trailerAvailable = "ledger-available"
)

// ErrMalformed reports a request that is not {name, args}.
var ErrMalformed = errors.New("wire: malformed request")

// ToStruct converts any JSON-encodable object into a Struct. Values that do
// not encode as a JSON object are wrapped under "value".
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		var val any
		if err2 := json.Unmarshal(b, &val); err2 != nil {
			return nil, err
		}
		m = map[string]any{"value": val}
	}
	return structpb.NewStruct(m)
}

// EncodeRequest builds {name, args} from a JSON argument object.
func EncodeRequest(name string, args json.RawMessage) (*structpb.Struct, error) {
	req := map[string]any{FieldName: name}
	if len(args) > 0 {
		var m map[string]any
		if err := json.Unmarshal(args, &m); err != nil {
			return nil, ErrMalformed
		}
		if m != nil {
			req[FieldArgs] = m
		}
	}
	return structpb.NewStruct(req)
}

// DecodeRequest splits a request into its name and JSON argument object.
func DecodeRequest(s *structpb.Struct) (string, json.RawMessage, error) {
	if s == nil {
		return "", nil, ErrMalformed
	}
	name := s.GetFields()[FieldName].GetStringValue()
	if name == "" {
		return "", nil, ErrMalformed
	}
	v, ok := s.GetFields()[FieldArgs]
	if !ok {
		return name, nil, nil
	}
	args := v.GetStructValue()
	if args == nil {
		return "", nil, ErrMalformed
	}
	raw, err := json.Marshal(args.AsMap())
	if err != nil {
		return "", nil, err
	}
	return name, raw, nil
}

// DecodeResult unmarshals the "result" field of a response into dst.
func DecodeResult(s *structpb.Struct, dst any) error {
	v, ok := s.GetFields()[FieldResult]
	if !ok || dst == nil {
		return nil
	}
	b, err := json.Marshal(v.AsInterface())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// Code maps a ledger failure onto a gRPC status code.
func Code(err error) codes.Code {
	var le *ledger.Error
	if !errors.As(err, &le) {
		return codes.Internal
	}
	switch le.Kind {
	case ledger.KindUnauthorized, ledger.KindBanned:
		return codes.PermissionDenied
	case ledger.KindInvalidInput:
		return codes.InvalidArgument
	case ledger.KindNotFound:
		return codes.NotFound
	case ledger.KindAlreadyExists, ledger.KindAlreadyRevoked, ledger.KindAlreadyClaimed,
		ledger.KindAlreadyBanned, ledger.KindAlreadyFrozen, ledger.KindAlreadyPaused:
		return codes.AlreadyExists
	case ledger.KindCapExceeded, ledger.KindInsufficientBalance:
		return codes.ResourceExhausted
	case ledger.KindInternal, ledger.KindReentrant:
		return codes.Internal
	default:
		return codes.FailedPrecondition
	}
}

// ErrorTrailer carries a ledger failure across the wire.
func ErrorTrailer(err error) metadata.MD {
	var le *ledger.Error
	if !errors.As(err, &le) {
		return nil
	}
	md := metadata.Pairs(trailerKind, le.Kind.String())
	if le.Reason != "" {
		md.Set(trailerReason, le.Reason)
	}
	if le.Op != "" {
		md.Set(trailerOp, le.Op)
	}
	msg := le.Msg
	if le.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += le.Err.Error()
	}
	if msg != "" {
		md.Set(trailerMsg, msg)
	}
	if le.Requested != nil && le.Available != nil {
		md.Set(trailerRequested, le.Requested.Dec())
		md.Set(trailerAvailable, le.Available.Dec())
	}
	return md
}

// ErrorFromTrailer rebuilds the ledger failure sent by ErrorTrailer, or nil.
func ErrorFromTrailer(md metadata.MD) error {
	kind, ok := ledger.ParseKind(first(md, trailerKind))
	if !ok {
		return nil
	}
	e := &ledger.Error{
		Kind:   kind,
		Reason: first(md, trailerReason),
		Op:     first(md, trailerOp),
		Msg:    first(md, trailerMsg),
	}
	if req, err := uint256.FromDecimal(first(md, trailerRequested)); err == nil {
		if avail, err := uint256.FromDecimal(first(md, trailerAvailable)); err == nil {
			e.Requested, e.Available = req, avail
		}
	}
	return e
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
