package features

import "math"

// Rolling maintains the mean and sample variance of the most recent values
// pushed into a fixed-size window. Each Push is O(1).
//
// Mean and M2 are updated with Welford add/remove steps. To bound numeric
// drift over long streams the accumulators are recomputed from the window
// every resyncEvery full turns of the ring. A window made of one repeated
// value reports exactly that value and a zero deviation.
type Rolling struct {
	buf    []float64
	next   int
	n      int
	mean   float64
	m2     float64
	pushes int
	last   float64
	same   int
}

const resyncEvery = 64

// NewRolling returns a rolling window of the given size. Size must be >= 1.
func NewRolling(size int) *Rolling {
	if size < 1 {
		size = 1
	}
	return &Rolling{buf: make([]float64, size)}
}

// Push adds v to the window, evicting the oldest value when the window is full.
func (r *Rolling) Push(v float64) {
	if r.n == len(r.buf) {
		r.remove(r.buf[r.next])
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	r.add(v)

	if r.same > 0 && v == r.last {
		r.same++
	} else {
		r.same = 1
	}
	r.last = v

	r.pushes++
	if r.pushes%(len(r.buf)*resyncEvery) == 0 {
		r.resync()
	}
}

func (r *Rolling) add(v float64) {
	r.n++
	delta := v - r.mean
	r.mean += delta / float64(r.n)
	r.m2 += delta * (v - r.mean)
}

func (r *Rolling) remove(v float64) {
	if r.n <= 1 {
		r.n, r.mean, r.m2 = 0, 0, 0
		return
	}
	r.n--
	delta := v - r.mean
	r.mean -= delta / float64(r.n)
	r.m2 -= delta * (v - r.mean)
	if r.m2 < 0 {
		r.m2 = 0
	}
}

func (r *Rolling) resync() {
	var sum float64
	for i := 0; i < r.n; i++ {
		sum += r.buf[i]
	}
	mean := sum / float64(r.n)
	var m2 float64
	for i := 0; i < r.n; i++ {
		d := r.buf[i] - mean
		m2 += d * d
	}
	r.mean, r.m2 = mean, m2
}

// Len returns the number of values currently in the window.
func (r *Rolling) Len() int { return r.n }

// Full reports whether the window holds Size values.
func (r *Rolling) Full() bool { return r.n == len(r.buf) }

// Size returns the window capacity.
func (r *Rolling) Size() int { return len(r.buf) }

// Mean returns the mean of the values in the window, or 0 when empty.
func (r *Rolling) Mean() float64 {
	if r.n == 0 {
		return 0
	}
	if r.same >= r.n {
		return r.last
	}
	return r.mean
}

// Std returns the sample standard deviation (n-1 denominator) of the window.
// It returns 0 when fewer than two values are present.
func (r *Rolling) Std() float64 {
	if r.n < 2 || r.same >= r.n {
		return 0
	}
	v := r.m2 / float64(r.n-1)
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
