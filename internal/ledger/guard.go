package ledger

// Guard rejects re-entrant calls while a mutation is pending.
type Guard struct {
	entered bool
}

// Enter marks the guarded section; it fails Reentrant if already inside.
func (g *Guard) Enter(op string) error {
	if g.entered {
		return Errorf(op, ErrReentrant, "operation already in progress")
	}
	g.entered = true
	return nil
}

// Exit leaves the guarded section.
func (g *Guard) Exit() { g.entered = false }

// Active reports whether a guarded section is running.
func (g *Guard) Active() bool { return g.entered }
