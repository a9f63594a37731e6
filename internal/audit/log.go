package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"campusmerit.org/internal/auth"
	"campusmerit.org/internal/ledger"
	"campusmerit.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the request id and the
// authenticated caller.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if caller, ok := auth.CallerFromContext(ctx); ok {
		entry["caller"] = caller.Hex()
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	obs.Logger().WithFields(entry).Info(event)
	return nil
}

// Sink records every committed ledger event in the audit log.
type Sink struct{}

// Publish implements the engine's event sink.
func (Sink) Publish(ctx context.Context, events []ledger.Event) error {
	for _, ev := range events {
		fields := map[string]any{
			"seq":    ev.Seq,
			"keys":   ev.Keys,
			"caller": ev.Caller.Hex(),
			"time":   ev.Time,
		}
		for k, v := range ev.Fields {
			fields[k] = v
		}
		if err := LogEvent(ctx, "ledger."+string(ev.Kind), fields); err != nil {
			return err
		}
	}
	return nil
}
