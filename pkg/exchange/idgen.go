package exchange

import "sync/atomic"

// idGenerator issues correlation ids starting at 1. A uint64 counter cannot
// wrap within any realistic process lifetime.
type idGenerator struct {
	last atomic.Uint64
}

// Next returns the next id.
func (g *idGenerator) Next() uint64 {
	return g.last.Add(1)
}

// Last returns the most recently issued id, or 0 if none was issued.
func (g *idGenerator) Last() uint64 {
	return g.last.Load()
}
