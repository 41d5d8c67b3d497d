package cache

import "time"

// Clock abstracts wall-clock reads so cache expiry can be tested
// without sleeping. The teacher wired github.com/jonboulle/clockwork
// for this seam (see cache/query_cache.go's WallClock), but that
// module is never declared in the teacher's own go.mod — the same gap
// DESIGN.md already flags for the rest of that deleted generation.
// Rather than adding an undeclared dependency, WallClock here is a
// two-line stdlib seam; tests swap it for a fixed-time stub.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// WallClock is the time source used by every TTL computation in this
// package. Tests may reassign it to a fixed-time stub.
var WallClock Clock = realClock{}
