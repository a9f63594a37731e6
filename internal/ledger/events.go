package ledger

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a committed state change.
type EventKind string

const (
	EventRoleGranted EventKind = "RoleGranted"
	EventRoleRevoked EventKind = "RoleRevoked"
	EventBanned      EventKind = "Banned"
	EventUnbanned    EventKind = "Unbanned"

	EventMinted      EventKind = "Minted"
	EventTransferred EventKind = "Transferred"
	EventBurned      EventKind = "Burned"
	EventFrozen      EventKind = "Frozen"
	EventUnfrozen    EventKind = "Unfrozen"
	EventPaused      EventKind = "Paused"
	EventUnpaused    EventKind = "Unpaused"

	EventIssued            EventKind = "Issued"
	EventRevoked           EventKind = "Revoked"
	EventMetadataUpdated   EventKind = "MetadataUpdated"
	EventBaseURIUpdated    EventKind = "BaseURIUpdated"
	EventCredentialTypeSet EventKind = "CredentialTypeSet"

	EventDirectDistributed EventKind = "DirectDistributed"
	EventVestingCreated    EventKind = "VestingScheduleCreated"
	EventVestedReleased    EventKind = "VestedReleased"
	EventVestingRevoked    EventKind = "VestingRevoked"
	EventAirdropCreated    EventKind = "AirdropCreated"
	EventMerkleClaimed     EventKind = "MerkleClaimed"
	EventAirdropClosed     EventKind = "AirdropClosed"
)

// Event is an immutable record of a committed mutation. Fields carry every
// value needed for off-chain reconstruction; amounts are decimal strings.
type Event struct {
	Seq    uint64            `json:"seq"`
	Kind   EventKind         `json:"kind"`
	Keys   []string          `json:"keys"`
	Caller common.Address    `json:"caller"`
	Time   uint64            `json:"time"`
	Fields map[string]string `json:"fields"`
}

// EventLog is the append-only audit trail. Appends are journaled so a
// reverted operation leaves no events behind.
type EventLog struct {
	journal *Journal
	events  []Event
	byKey   map[string][]int
}

// NewEventLog creates an empty log bound to journal.
func NewEventLog(journal *Journal) *EventLog {
	return &EventLog{
		journal: journal,
		byKey:   make(map[string][]int),
	}
}

// Append assigns the next sequence number and records ev.
func (l *EventLog) Append(ev Event) Event {
	idx := len(l.events)
	ev.Seq = uint64(idx + 1)
	ev.Keys = dedupeKeys(ev.Keys)
	if ev.Fields == nil {
		ev.Fields = map[string]string{}
	}
	l.events = append(l.events, ev)
	for _, k := range ev.Keys {
		l.byKey[k] = append(l.byKey[k], idx)
	}
	l.journal.Append(func() {
		for _, k := range ev.Keys {
			ids := l.byKey[k]
			if len(ids) <= 1 {
				delete(l.byKey, k)
				continue
			}
			l.byKey[k] = ids[:len(ids)-1]
		}
		l.events = l.events[:idx]
	})
	return ev
}

// Len is the sequence number of the latest event.
func (l *EventLog) Len() uint64 { return uint64(len(l.events)) }

// Range returns a copy of events with afterSeq < seq <= upToSeq.
func (l *EventLog) Range(afterSeq, upToSeq uint64) []Event {
	if upToSeq > uint64(len(l.events)) {
		upToSeq = uint64(len(l.events))
	}
	if afterSeq >= upToSeq {
		return nil
	}
	out := make([]Event, 0, upToSeq-afterSeq)
	for _, ev := range l.events[afterSeq:upToSeq] {
		out = append(out, cloneEvent(ev))
	}
	return out
}

// List pages through the log in sequence order. It returns the events and the
// cursor to pass as afterSeq for the next page.
func (l *EventLog) List(afterSeq uint64, limit int) ([]Event, uint64) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var res []Event
	last := afterSeq
	for i := afterSeq; i < uint64(len(l.events)); i++ {
		res = append(res, cloneEvent(l.events[i]))
		last = l.events[i].Seq
		if len(res) >= limit {
			break
		}
	}
	return res, last
}

// ListByKey pages through the events touching a single entity key.
func (l *EventLog) ListByKey(key string, afterSeq uint64, limit int) ([]Event, uint64) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var res []Event
	last := afterSeq
	ids := l.byKey[key]
	// index i holds seq i+1, so the first unseen entry is the first idx >= afterSeq
	start := sort.Search(len(ids), func(i int) bool { return uint64(ids[i]) >= afterSeq })
	for _, idx := range ids[start:] {
		ev := l.events[idx]
		res = append(res, cloneEvent(ev))
		last = ev.Seq
		if len(res) >= limit {
			break
		}
	}
	return res, last
}

func cloneEvent(ev Event) Event {
	out := ev
	out.Keys = append([]string(nil), ev.Keys...)
	out.Fields = make(map[string]string, len(ev.Fields))
	for k, v := range ev.Fields {
		out.Fields[k] = v
	}
	return out
}

func dedupeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
