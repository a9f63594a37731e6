package pg

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"

	"campusmerit.org/internal/ledger"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestPublishAppendsInOneTransaction(t *testing.T) {
	s, mock := newMock(t)
	events := []ledger.Event{
		{Seq: 4, Kind: ledger.EventMinted, Keys: []string{"asset", "account/a1"}, Caller: alice, Time: 100, Fields: map[string]string{"amount": "5"}},
		{Seq: 5, Kind: ledger.EventPaused, Caller: alice, Time: 101},
	}

	mock.ExpectBegin()
	mock.ExpectExec("insert into ledger_events").
		WithArgs(4, "Minted", `["asset","account/a1"]`, alice.Hex(), 100, `{"amount":"5"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into ledger_events").
		WithArgs(5, "Paused", `[]`, alice.Hex(), 101, `{}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Publish(context.Background(), events); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPublishRollsBackOnFailure(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into ledger_events").WillReturnError(&pgconn.PgError{Code: "23503", Message: "fk"})
	mock.ExpectRollback()

	err := s.Publish(context.Background(), []ledger.Event{{Seq: 1, Kind: ledger.EventMinted}})
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "sqlstate 23503") {
		t.Fatalf("sqlstate missing from %q", err.Error())
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("cause lost: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListDecodesRows(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"seq", "kind", "keys", "caller", "event_time", "fields"}).
		AddRow(int64(7), "Issued", []byte(`["credential/1"]`), alice.Hex(), int64(1700000000), []byte(`{"holder":"x"}`)).
		AddRow(int64(8), "Revoked", []byte(`["credential/1"]`), alice.Hex(), int64(1700000005), []byte(`{}`))
	mock.ExpectQuery("select seq, kind, keys, caller, event_time, fields").WithArgs(6, 100).WillReturnRows(rows)

	events, next, err := s.List(context.Background(), 6, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 2 || next != 8 {
		t.Fatalf("unexpected page: %d events, next %d", len(events), next)
	}
	first := events[0]
	if first.Kind != ledger.EventIssued || first.Caller != alice || first.Keys[0] != "credential/1" || first.Fields["holder"] != "x" {
		t.Fatalf("unexpected event %+v", first)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListByKeyUsesContainment(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`keys @> \$1::jsonb`).
		WithArgs(`["airdrop/2"]`, 0, 10).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "kind", "keys", "caller", "event_time", "fields"}))

	events, next, err := s.ListByKey(context.Background(), "airdrop/2", 0, 10)
	if err != nil {
		t.Fatalf("ListByKey: %v", err)
	}
	if len(events) != 0 || next != 0 {
		t.Fatalf("expected empty page")
	}
	if _, _, err := s.ListByKey(context.Background(), " ", 0, 10); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestCheckpoints(t *testing.T) {
	s, mock := newMock(t)
	taken := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cp := Checkpoint{Seq: 9, TotalSupply: "900", TotalMinted: "1000", TotalBurned: "100", Credentials: 3, Distributions: 1, TakenAt: taken}

	mock.ExpectExec("insert into ledger_checkpoints").
		WithArgs(9, "900", "1000", "100", 3, 1, taken).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.SaveCheckpoint(context.Background(), cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	mock.ExpectQuery("from ledger_checkpoints").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "total_supply", "total_minted", "total_burned", "credentials", "distributions", "taken_at"}).
			AddRow(int64(9), "900", "1000", "100", int64(3), int64(1), taken))
	got, ok, err := s.LatestCheckpoint(context.Background())
	if err != nil || !ok {
		t.Fatalf("LatestCheckpoint: ok=%v err=%v", ok, err)
	}
	if got != cp {
		t.Fatalf("unexpected checkpoint %+v", got)
	}

	mock.ExpectQuery("from ledger_checkpoints").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "total_supply", "total_minted", "total_burned", "credentials", "distributions", "taken_at"}))
	if _, ok, err := s.LatestCheckpoint(context.Background()); ok || err != nil {
		t.Fatalf("expected no checkpoint, got ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLastSeq(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`select coalesce\(max\(seq\), 0\) from ledger_events`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(42)))
	seq, err := s.LastSeq(context.Background())
	if err != nil || seq != 42 {
		t.Fatalf("LastSeq = %d, %v", seq, err)
	}
}
