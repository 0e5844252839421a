package stream

import "github.com/HatiCode/vigil/pkg/features"

// Ring is a bounded FIFO of observations. Pushing into a full ring evicts
// the oldest observation. Ring is not safe for concurrent use.
type Ring struct {
	buf  []features.Observation
	head int
	n    int
}

// NewRing returns an empty ring holding at most capacity observations.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]features.Observation, capacity)}
}

// Push appends obs and reports whether an older observation was evicted.
func (r *Ring) Push(obs features.Observation) bool {
	idx := (r.head + r.n) % len(r.buf)
	if r.n == len(r.buf) {
		r.buf[r.head] = obs
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[idx] = obs
	r.n++
	return false
}

// Len returns the number of buffered observations.
func (r *Ring) Len() int { return r.n }

// Tail returns the newest k observations, oldest first. It returns fewer
// when the ring holds fewer than k.
func (r *Ring) Tail(k int) []features.Observation {
	if k > r.n {
		k = r.n
	}
	if k <= 0 {
		return nil
	}
	out := make([]features.Observation, k)
	start := r.head + r.n - k
	for i := 0; i < k; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Snapshot returns every buffered observation, oldest first.
func (r *Ring) Snapshot() []features.Observation {
	return r.Tail(r.n)
}
