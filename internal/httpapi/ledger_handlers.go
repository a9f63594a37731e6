package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/audit"
	"campusmerit.org/internal/auth"
	"campusmerit.org/internal/engine"
	"campusmerit.org/internal/ledger"
)

func (a *API) handleAsset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.runQuery(w, r, engine.QueryAsset, nil)
}

// /v1/accounts/{addr}[/credentials|/ban|/events]
func (a *API) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/accounts/"), "/"), "/")
	addr, ok := parseAddress(parts[0])
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid account address")
		return
	}
	switch {
	case len(parts) == 1:
		a.runQuery(w, r, engine.QueryBalance, map[string]any{"account": addr})
	case len(parts) == 2 && parts[1] == "credentials":
		a.runQuery(w, r, engine.QueryCredentialsOf, map[string]any{"account": addr})
	case len(parts) == 2 && parts[1] == "ban":
		a.runQuery(w, r, engine.QueryBan, map[string]any{"account": addr})
	case len(parts) == 2 && parts[1] == "events":
		after, limit, err := pageParams(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		a.runQuery(w, r, engine.QueryEvents, map[string]any{
			"key":   ledger.AccountKey(addr),
			"after": after,
			"limit": limit,
		})
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) handleCredential(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/credentials/"), "/")
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid credential id")
		return
	}
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.runQuery(w, r, engine.QueryCredential, map[string]any{"id": id})
	case len(parts) == 2 && parts[1] == "valid":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.runQuery(w, r, engine.QueryIsValid, map[string]any{"id": id})
	case len(parts) == 2 && parts[1] == "verify":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		// Raw body is the off-ledger document whose hash was anchored at issue.
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		a.runQuery(w, r, engine.QueryVerifyIntegrity, map[string]any{"id": id, "data": string(data)})
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) handleVesting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	addr, ok := parseAddress(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/vesting/"), "/"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid beneficiary address")
		return
	}
	a.runQuery(w, r, engine.QueryVesting, map[string]any{"account": addr})
}

func (a *API) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, err := strconv.ParseUint(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/airdrops/"), "/"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid distribution id")
		return
	}
	args := map[string]any{"id": id}
	if raw := r.URL.Query().Get("account"); raw != "" {
		addr, ok := parseAddress(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "invalid account address")
			return
		}
		args["account"] = addr
	}
	a.runQuery(w, r, engine.QueryDistribution, args)
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	role := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	a.runQuery(w, r, engine.QueryMembers, map[string]any{"role": role})
}

// POST /v1/query/{name} with the query arguments as the JSON body.
func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/query/"), "/")
	raw, err := readRawJSON(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.engine.Query(name, raw)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type operationInfo struct {
	Name string      `json:"name"`
	Role access.Role `json:"required_role,omitempty"`
}

func (a *API) handleOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ops := engine.Operations()
	out := make([]operationInfo, 0, len(ops))
	for _, op := range ops {
		role, _ := access.RequiredRole(op)
		out = append(out, operationInfo{Name: op, Role: role})
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": out})
}

// POST /v1/ops/{op}: the bearer token's subject is the caller.
func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="campusmerit"`)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	op := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/ops/"), "/")
	raw, err := readRawJSON(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.engine.Dispatch(r.Context(), caller, op, raw)
	fields := map[string]any{"op": op, "caller": caller.Hex()}
	if err != nil {
		fields["result"] = ledger.ReasonOf(err)
		_ = audit.LogEvent(r.Context(), "op_rejected", fields)
		writeLedgerError(w, r, err)
		return
	}
	fields["result"] = "ok"
	_ = audit.LogEvent(r.Context(), "op_committed", fields)

	payload := map[string]any{"op": op, "status": "committed"}
	if out != nil {
		payload["result"] = out
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	after, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.runQuery(w, r, engine.QueryEvents, map[string]any{
		"key":   r.URL.Query().Get("key"),
		"after": after,
		"limit": limit,
	})
}

func (a *API) runQuery(w http.ResponseWriter, r *http.Request, name string, args map[string]any) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		raw = b
	}
	out, err := a.engine.Query(name, raw)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func pageParams(r *http.Request) (uint64, int, error) {
	q := r.URL.Query()
	var after uint64
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, errors.New("after must be a non-negative integer")
		}
		after = v
	}
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		return 0, 0, err
	}
	return after, limit, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func parseAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// readRawJSON accepts an empty body (no arguments) or a single JSON object.
func readRawJSON(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.New("request body too large")
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.New("malformed JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON body")
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errors.New("arguments must be a JSON object")
	}
	return raw, nil
}

// statusFor maps a ledger failure kind onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, engine.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	var le *ledger.Error
	if !errors.As(err, &le) {
		return http.StatusInternalServerError
	}
	switch le.Kind {
	case ledger.KindUnauthorized, ledger.KindBanned:
		return http.StatusForbidden
	case ledger.KindInvalidInput:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindInvalidProof, ledger.KindNonTransferable:
		return http.StatusUnprocessableEntity
	case ledger.KindInternal, ledger.KindReentrant:
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	payload := map[string]any{"error": err.Error()}
	var le *ledger.Error
	if errors.As(err, &le) {
		payload["kind"] = le.Kind.String()
		payload["reason"] = ledger.ReasonOf(err)
		if le.Requested != nil && le.Available != nil {
			payload["requested"] = le.Requested.Dec()
			payload["available"] = le.Available.Dec()
		}
	}
	if code == http.StatusInternalServerError {
		payload["error"] = "internal error"
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
