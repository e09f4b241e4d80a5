package stream

import "sync/atomic"

// Gate is the admission counter for concurrent streams
type Gate struct {
	max    int64
	active atomic.Int64
}

// NewGate creates a gate admitting at most max concurrent holders
func NewGate(max int) *Gate {
	if max <= 0 {
		max = 1
	}
	return &Gate{max: int64(max)}
}

// TryAcquire takes a slot if one is free. It never blocks.
func (g *Gate) TryAcquire() bool {
	for {
		n := g.active.Load()
		if n >= g.max {
			return false
		}
		if g.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release returns a slot taken by TryAcquire
func (g *Gate) Release() {
	if g.active.Add(-1) < 0 {
		panic("stream: gate released more times than acquired")
	}
}

// Active returns the number of held slots
func (g *Gate) Active() int {
	return int(g.active.Load())
}

// Max returns the gate capacity
func (g *Gate) Max() int {
	return int(g.max)
}
