package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a time-ordered ULID. Request ids use it so log lines sort by
// arrival.
func New() string {
	return ulid.Make().String()
}

// Time recovers the creation time embedded in an id produced by New.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
