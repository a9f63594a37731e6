package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"campusmerit.org/internal/ledger"
)

func recv(t *testing.T, ch <-chan ledger.Event) ledger.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return ledger.Event{}
}

func TestStreamFiltersByKey(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := s.Subscribe(ctx, "")
	credential := s.Subscribe(ctx, "credential/1")

	events := []ledger.Event{
		{Seq: 1, Kind: ledger.EventMinted, Keys: []string{"asset", "account/0xA1"}},
		{Seq: 2, Kind: ledger.EventIssued, Keys: []string{"credential/1"}},
	}
	if err := s.Publish(ctx, events); err != nil {
		t.Fatal(err)
	}
	if ev := recv(t, all); ev.Seq != 1 {
		t.Fatalf("unexpected first event %d", ev.Seq)
	}
	if ev := recv(t, all); ev.Seq != 2 {
		t.Fatalf("unexpected second event %d", ev.Seq)
	}
	if ev := recv(t, credential); ev.Seq != 2 {
		t.Fatalf("filtered subscriber got seq %d", ev.Seq)
	}
	select {
	case ev := <-credential:
		t.Fatalf("unexpected extra event %d", ev.Seq)
	default:
	}
}

func TestStreamDropsForSlowSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx, "")

	batch := make([]ledger.Event, subscriberBuffer+5)
	for i := range batch {
		batch[i] = ledger.Event{Seq: uint64(i + 1)}
	}
	if err := s.Publish(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if s.Dropped() != 5 {
		t.Fatalf("expected 5 drops, got %d", s.Dropped())
	}
}

func TestStreamClosesOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscriber leaked")
	}
}

type fakeRedis struct {
	channels []string
	payloads [][]byte
	failOn   string
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if channel == f.failOn {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message.([]byte))
	return cmd
}

func TestRedisSinkPublishesPerKey(t *testing.T) {
	rdb := &fakeRedis{}
	sink := NewRedisSink(rdb, "merit")
	ev := ledger.Event{Seq: 3, Kind: ledger.EventRevoked, Keys: []string{"credential/4", "account/0xA1"}}

	if err := sink.Publish(context.Background(), []ledger.Event{ev}); err != nil {
		t.Fatal(err)
	}
	want := []string{"merit", "merit:credential/4", "merit:account/0xA1"}
	if len(rdb.channels) != len(want) {
		t.Fatalf("unexpected channels %v", rdb.channels)
	}
	for i := range want {
		if rdb.channels[i] != want[i] {
			t.Fatalf("channel %d: got %s want %s", i, rdb.channels[i], want[i])
		}
	}
	var decoded ledger.Event
	if err := json.Unmarshal(rdb.payloads[0], &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Seq != 3 || decoded.Kind != ledger.EventRevoked {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestRedisSinkReportsFailures(t *testing.T) {
	rdb := &fakeRedis{failOn: "campusmerit.events"}
	sink := NewRedisSink(rdb, "")
	err := sink.Publish(context.Background(), []ledger.Event{{Seq: 1}})
	if err == nil {
		t.Fatal("expected publish failure")
	}
}
