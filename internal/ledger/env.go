package ledger

// Env is the execution context shared by every component of one state
// machine: a single journal, a single event log and a single clock.
type Env struct {
	Journal *Journal
	Events  *EventLog
	Clock   Clock
}

// NewEnv wires a fresh journal and event log around clock.
func NewEnv(clock Clock) *Env {
	if clock == nil {
		clock = SystemClock{}
	}
	j := NewJournal()
	return &Env{
		Journal: j,
		Events:  NewEventLog(j),
		Clock:   clock,
	}
}

// Now is the execution timestamp.
func (e *Env) Now() uint64 { return e.Clock.Now() }
