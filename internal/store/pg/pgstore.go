package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"campusmerit.org/internal/ledger"
)

// Store archives committed ledger events in Postgres. It is an engine sink:
// the in-memory ledger stays authoritative and the table is append-only.
type Store struct {
	db *sql.DB
}

// Checkpoint records aggregate ledger figures as of an event sequence.
type Checkpoint struct {
	Seq           uint64
	TotalSupply   string
	TotalMinted   string
	TotalBurned   string
	Credentials   uint64
	Distributions uint64
	TakenAt       time.Time
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "ping postgres")
}

// Publish appends events in one transaction. Already-stored sequence numbers
// are skipped so a replayed batch is harmless.
func (s *Store) Publish(ctx context.Context, events []ledger.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin event append")
	}
	defer func() { _ = tx.Rollback() }()

	for _, ev := range events {
		keys, err := json.Marshal(nonNilKeys(ev.Keys))
		if err != nil {
			return errors.Wrapf(err, "encode keys of event %d", ev.Seq)
		}
		fields, err := json.Marshal(nonNilFields(ev.Fields))
		if err != nil {
			return errors.Wrapf(err, "encode fields of event %d", ev.Seq)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into ledger_events(seq, kind, keys, caller, event_time, fields)
			values ($1,$2,$3,$4,$5,$6)
			on conflict (seq) do nothing
		`, ev.Seq, string(ev.Kind), string(keys), ev.Caller.Hex(), ev.Time, string(fields)); err != nil {
			return wrapPg(err, "insert event %d", ev.Seq)
		}
	}
	return errors.Wrap(tx.Commit(), "commit event append")
}

// List pages through archived events in sequence order.
func (s *Store) List(ctx context.Context, afterSeq uint64, limit int) ([]ledger.Event, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select seq, kind, keys, caller, event_time, fields
		from ledger_events
		where seq > $1
		order by seq asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, wrapPg(err, "list events")
	}
	return scanEvents(rows, afterSeq)
}

// ListByKey pages through the archived events touching one entity key.
func (s *Store) ListByKey(ctx context.Context, key string, afterSeq uint64, limit int) ([]ledger.Event, uint64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, 0, errors.New("key is required")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	needle, err := json.Marshal([]string{key})
	if err != nil {
		return nil, 0, errors.Wrap(err, "encode key")
	}
	rows, err := s.db.QueryContext(ctx, `
		select seq, kind, keys, caller, event_time, fields
		from ledger_events
		where keys @> $1::jsonb and seq > $2
		order by seq asc
		limit $3
	`, string(needle), afterSeq, limit)
	if err != nil {
		return nil, 0, wrapPg(err, "list events by key")
	}
	return scanEvents(rows, afterSeq)
}

// LastSeq is the highest archived sequence number, zero when empty.
func (s *Store) LastSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	if err := s.db.QueryRowContext(ctx, `select coalesce(max(seq), 0) from ledger_events`).Scan(&seq); err != nil {
		return 0, wrapPg(err, "last event seq")
	}
	return seq, nil
}

// SaveCheckpoint stores aggregate figures; saving the same seq twice is a no-op.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		insert into ledger_checkpoints(seq, total_supply, total_minted, total_burned, credentials, distributions, taken_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (seq) do nothing
	`, cp.Seq, cp.TotalSupply, cp.TotalMinted, cp.TotalBurned, cp.Credentials, cp.Distributions, cp.TakenAt)
	return wrapPg(err, "save checkpoint %d", cp.Seq)
}

// LatestCheckpoint returns the newest checkpoint, or ok=false when none exist.
func (s *Store) LatestCheckpoint(ctx context.Context) (Checkpoint, bool, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		select seq, total_supply::text, total_minted::text, total_burned::text, credentials, distributions, taken_at
		from ledger_checkpoints
		order by seq desc
		limit 1
	`).Scan(&cp.Seq, &cp.TotalSupply, &cp.TotalMinted, &cp.TotalBurned, &cp.Credentials, &cp.Distributions, &cp.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, wrapPg(err, "latest checkpoint")
	}
	return cp, true, nil
}

func scanEvents(rows *sql.Rows, afterSeq uint64) ([]ledger.Event, uint64, error) {
	defer rows.Close()
	var res []ledger.Event
	last := afterSeq
	for rows.Next() {
		var (
			ev     ledger.Event
			kind   string
			caller string
			keys   []byte
			fields []byte
		)
		if err := rows.Scan(&ev.Seq, &kind, &keys, &caller, &ev.Time, &fields); err != nil {
			return nil, 0, errors.Wrap(err, "scan event")
		}
		if err := json.Unmarshal(keys, &ev.Keys); err != nil {
			return nil, 0, errors.Wrapf(err, "decode keys of event %d", ev.Seq)
		}
		if err := json.Unmarshal(fields, &ev.Fields); err != nil {
			return nil, 0, errors.Wrapf(err, "decode fields of event %d", ev.Seq)
		}
		ev.Kind = ledger.EventKind(kind)
		ev.Caller = common.HexToAddress(caller)
		res = append(res, ev)
		last = ev.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "iterate events")
	}
	return res, last, nil
}

// --- helpers ---

func wrapPg(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		return errors.Wrapf(err, format+" (sqlstate %s)", append(args, pgErr.Code)...)
	}
	return errors.Wrapf(err, format, args...)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nonNilKeys(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}

func nonNilFields(fields map[string]string) map[string]string {
	if fields == nil {
		return map[string]string{}
	}
	return fields
}
