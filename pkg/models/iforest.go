package models

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
)

// Label values produced by the isolation forest.
const (
	LabelAnomaly = -1
	LabelNormal  = 1
)

// Forest defaults.
const (
	DefaultNumTrees      = 100
	DefaultMaxSamples    = 256
	DefaultContamination = 0.1
	DefaultSeed          = 42
)

const eulerGamma = 0.5772156649015329

// ForestConfig holds the isolation forest hyperparameters.
type ForestConfig struct {
	NumTrees      int
	MaxSamples    int
	Contamination float64
	Seed          uint64
}

// Validate checks the hyperparameters.
func (c ForestConfig) Validate() error {
	if c.NumTrees < 1 {
		return fmt.Errorf("num_trees must be >= 1, got %d", c.NumTrees)
	}
	if c.MaxSamples < 2 {
		return fmt.Errorf("max_samples must be >= 2, got %d", c.MaxSamples)
	}
	if !(c.Contamination > 0 && c.Contamination <= 0.5) {
		return fmt.Errorf("contamination must be in (0, 0.5], got %v", c.Contamination)
	}
	return nil
}

// Node is one node of an isolation tree. Leaves have Feature == -1.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Size      int     `json:"s"`
}

// IsolationForest is an ensemble of random isolation trees. Points that are
// isolated with few splits get a low score.
//
// Fit replaces the trees wholesale; score and predict calls are safe for
// concurrent use.
type IsolationForest struct {
	cfg ForestConfig

	mu         sync.RWMutex
	trees      [][]Node
	sampleSize int
	features   int
	offset     float64
	fitted     bool
}

// NewIsolationForest validates cfg and returns an unfitted forest.
func NewIsolationForest(cfg ForestConfig) (*IsolationForest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &IsolationForest{cfg: cfg}, nil
}

// Fit grows the trees on X and sets the decision offset so that a
// Contamination fraction of the training rows falls below it.
func (f *IsolationForest) Fit(X [][]float64) error {
	n := len(X)
	if n < 2 {
		return fmt.Errorf("%w: isolation forest needs at least 2 rows, got %d", ErrInsufficientData, n)
	}
	d := len(X[0])
	for i, row := range X {
		if len(row) != d {
			return fmt.Errorf("%w: row %d has %d columns, expected %d", ErrSchemaMismatch, i, len(row), d)
		}
	}

	psi := min(f.cfg.MaxSamples, n)
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))
	rng := rand.New(rand.NewPCG(f.cfg.Seed, f.cfg.Seed^0x9e3779e97f4c7c15))

	trees := make([][]Node, f.cfg.NumTrees)
	for t := range trees {
		idx := rng.Perm(n)[:psi]
		g := grower{X: X, rng: rng, maxDepth: maxDepth, features: d}
		g.grow(idx, 0)
		trees[t] = g.nodes
	}

	scores := scoreWith(trees, psi, X)
	offset := percentile(scores, 100*f.cfg.Contamination)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees = trees
	f.sampleSize = psi
	f.features = d
	f.offset = offset
	f.fitted = true
	return nil
}

// ScoreSamples returns -2^(-E[h(x)]/c(psi)) for each row. Lower is more
// anomalous; values lie in [-1, 0).
func (f *IsolationForest) ScoreSamples(X [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.check(X); err != nil {
		return nil, err
	}
	return scoreWith(f.trees, f.sampleSize, X), nil
}

// Decision returns ScoreSamples shifted by the fitted offset. Negative values
// are anomalies.
func (f *IsolationForest) Decision(X [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.check(X); err != nil {
		return nil, err
	}
	scores := scoreWith(f.trees, f.sampleSize, X)
	for i := range scores {
		scores[i] -= f.offset
	}
	return scores, nil
}

// Predict labels each row LabelAnomaly or LabelNormal.
func (f *IsolationForest) Predict(X [][]float64) ([]int, error) {
	dec, err := f.Decision(X)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(dec))
	for i, v := range dec {
		labels[i] = labelFor(v)
	}
	return labels, nil
}

// Fitted reports whether Fit has completed.
func (f *IsolationForest) Fitted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fitted
}

func (f *IsolationForest) check(X [][]float64) error {
	if !f.fitted {
		return ErrNotFitted
	}
	for i, row := range X {
		if len(row) != f.features {
			return fmt.Errorf("%w: row %d has %d columns, forest fitted on %d", ErrSchemaMismatch, i, len(row), f.features)
		}
	}
	return nil
}

func labelFor(decision float64) int {
	if decision < 0 {
		return LabelAnomaly
	}
	return LabelNormal
}

type grower struct {
	X        [][]float64
	rng      *rand.Rand
	maxDepth int
	features int
	nodes    []Node
	cands    []int
	lo, hi   []float64
}

func (g *grower) grow(idx []int, depth int) int {
	id := len(g.nodes)
	g.nodes = append(g.nodes, Node{Feature: -1, Size: len(idx)})
	if depth >= g.maxDepth || len(idx) <= 1 {
		return id
	}

	g.cands = g.cands[:0]
	g.lo = g.lo[:0]
	g.hi = g.hi[:0]
	for j := 0; j < g.features; j++ {
		lo, hi := g.X[idx[0]][j], g.X[idx[0]][j]
		for _, i := range idx[1:] {
			x := g.X[i][j]
			if x < lo {
				lo = x
			}
			if x > hi {
				hi = x
			}
		}
		if hi > lo {
			g.cands = append(g.cands, j)
			g.lo = append(g.lo, lo)
			g.hi = append(g.hi, hi)
		}
	}
	if len(g.cands) == 0 {
		return id
	}

	k := g.rng.IntN(len(g.cands))
	feature := g.cands[k]
	lo, hi := g.lo[k], g.hi[k]
	threshold := lo + g.rng.Float64()*(hi-lo)

	// Partition in place: x <= threshold goes left. threshold < hi keeps
	// both sides non-empty.
	split := 0
	for i := range idx {
		if g.X[idx[i]][feature] <= threshold {
			idx[i], idx[split] = idx[split], idx[i]
			split++
		}
	}

	g.nodes[id].Feature = feature
	g.nodes[id].Threshold = threshold
	left := g.grow(idx[:split], depth+1)
	right := g.grow(idx[split:], depth+1)
	g.nodes[id].Left = left
	g.nodes[id].Right = right
	return id
}

func pathLength(tree []Node, x []float64) float64 {
	depth := 0
	n := tree[0]
	for n.Feature >= 0 {
		depth++
		if x[n.Feature] <= n.Threshold {
			n = tree[n.Left]
		} else {
			n = tree[n.Right]
		}
	}
	return float64(depth) + averagePathLength(n.Size)
}

// averagePathLength is c(n), the mean path length of an unsuccessful search
// in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func scoreWith(trees [][]Node, sampleSize int, X [][]float64) []float64 {
	norm := averagePathLength(sampleSize)
	scores := make([]float64, len(X))
	for i, x := range X {
		var total float64
		for _, t := range trees {
			total += pathLength(t, x)
		}
		mean := total / float64(len(trees))
		scores[i] = -math.Pow(2, -mean/norm)
	}
	return scores
}

// percentile returns the p-th percentile (0..100) of xs using linear
// interpolation between closest ranks.
func percentile(xs []float64, p float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	if len(s) == 1 {
		return s[0]
	}
	pos := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(pos))
	if lo >= len(s)-1 {
		return s[len(s)-1]
	}
	frac := pos - float64(lo)
	return s[lo] + frac*(s[lo+1]-s[lo])
}
