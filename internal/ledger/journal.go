package ledger

import "fmt"

// Journal records an undo entry for every state write so a failed operation
// can be reverted in full, across every component sharing the journal.
type Journal struct {
	entries []func()
}

// NewJournal returns an empty journal.
func NewJournal() *Journal { return &Journal{} }

// Append registers the inverse of a write that has just been applied.
func (j *Journal) Append(undo func()) {
	j.entries = append(j.entries, undo)
}

// Snapshot marks the current position.
func (j *Journal) Snapshot() int { return len(j.entries) }

// RevertTo undoes every write after snap, newest first.
func (j *Journal) RevertTo(snap int) {
	if snap < 0 || snap > len(j.entries) {
		panic(fmt.Sprintf("ledger: invalid journal snapshot %d (len %d)", snap, len(j.entries)))
	}
	for i := len(j.entries) - 1; i >= snap; i-- {
		j.entries[i]()
		j.entries[i] = nil
	}
	j.entries = j.entries[:snap]
}

// Commit forgets all undo entries; the writes become permanent.
func (j *Journal) Commit() { j.entries = j.entries[:0] }

// Len reports pending undo entries.
func (j *Journal) Len() int { return len(j.entries) }

// Atomic runs fn and reverts every journaled write it made if fn fails.
func (j *Journal) Atomic(fn func() error) error {
	snap := j.Snapshot()
	if err := fn(); err != nil {
		j.RevertTo(snap)
		return err
	}
	return nil
}

// SetMap writes m[k] = v and journals the previous state of k.
func SetMap[K comparable, V any](j *Journal, m map[K]V, k K, v V) {
	prev, existed := m[k]
	m[k] = v
	j.Append(func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

// DeleteMap removes k from m and journals its restoration.
func DeleteMap[K comparable, V any](j *Journal, m map[K]V, k K) {
	prev, existed := m[k]
	if !existed {
		return
	}
	delete(m, k)
	j.Append(func() { m[k] = prev })
}

// Set assigns *p = v and journals the previous value.
func Set[V any](j *Journal, p *V, v V) {
	prev := *p
	*p = v
	j.Append(func() { *p = prev })
}
