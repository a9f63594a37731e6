package ids

import (
	"testing"
	"time"
)

func TestNewIsOrderedAndTimed(t *testing.T) {
	before := time.Now().Add(-time.Second)
	a := New()
	b := New()
	if a == b || a > b {
		t.Fatalf("ids not monotonic: %s then %s", a, b)
	}
	ts, err := Time(a)
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Fatalf("unexpected timestamp %v", ts)
	}
	if _, err := Time("not-a-ulid"); err == nil {
		t.Fatalf("expected parse error")
	}
}
