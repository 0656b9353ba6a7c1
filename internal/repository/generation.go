package repository

// Generations hands out request tokens and generation stamps per key so that
// a result which was superseded, or which started before an invalidation, is
// never published over newer state.
//
// Generations is not safe for concurrent use; guard it with the owner's mutex.
type Generations struct {
	issued   uint64
	seq      uint64
	floorAll uint64
	epoch    uint64
	floor    map[string]uint64
	stamp    map[string]uint64
}

// NewGenerations returns an empty tracker.
func NewGenerations() *Generations {
	return &Generations{
		floor: make(map[string]uint64),
		stamp: make(map[string]uint64),
	}
}

// Begin issues the token of a new request.
func (g *Generations) Begin() uint64 {
	g.issued++
	return g.issued
}

// Accept reports whether the result of request token may be published under
// key, and if so returns its generation stamp. A token is rejected when a
// newer request for key was already accepted or key was invalidated after
// the token was issued.
func (g *Generations) Accept(key string, token uint64) (uint64, bool) {
	if token <= g.floorAll || token <= g.floor[key] {
		return 0, false
	}
	g.floor[key] = token
	g.seq++
	g.stamp[key] = g.seq
	return g.seq, true
}

// Current returns the stamp a published value for key must carry to be valid.
func (g *Generations) Current(key string) uint64 {
	if s := g.stamp[key]; s > g.epoch {
		return s
	}
	return g.epoch
}

// Valid reports whether a value published with stamp is still current.
func (g *Generations) Valid(key string, stamp uint64) bool {
	return stamp != 0 && stamp == g.Current(key)
}

// Invalidate marks key stale and rejects every in-flight request for it.
func (g *Generations) Invalidate(key string) {
	g.floor[key] = g.issued
	g.seq++
	g.stamp[key] = g.seq
}

// InvalidateAll marks every key stale.
func (g *Generations) InvalidateAll() {
	g.floorAll = g.issued
	g.seq++
	g.epoch = g.seq
}
