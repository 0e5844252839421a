package adapters

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/HatiCode/vigil/pkg/features"
)

// Attack kinds the Simulator can inject.
const (
	AttackDDoS               = "ddos"
	AttackBruteForce         = "brute_force"
	AttackResourceExhaustion = "resource_exhaustion"
)

// LabelAttackType is the observation label set on injected points.
const LabelAttackType = "attack_type"

// Metric names produced by the Simulator.
const (
	MetricCPU     = "cpu_usage"
	MetricNetwork = "network_traffic"
	MetricLogins  = "login_attempts"
)

// Attack places one injected attack at a fraction of the generated window.
type Attack struct {
	Kind string
	// At is the start position as a fraction of the window, in [0,1).
	At float64
	// Duration is the number of steps; 0 uses the kind's default.
	Duration int
}

func (a Attack) duration() int {
	if a.Duration > 0 {
		return a.Duration
	}
	switch a.Kind {
	case AttackDDoS:
		return 2
	case AttackResourceExhaustion:
		return 3
	default:
		return 1
	}
}

// DefaultScenario is a ddos at 25%, a brute force at 60% and a resource
// exhaustion at 80% of the window.
func DefaultScenario() []Attack {
	return []Attack{
		{Kind: AttackDDoS, At: 0.25},
		{Kind: AttackBruteForce, At: 0.6},
		{Kind: AttackResourceExhaustion, At: 0.8},
	}
}

// ParseScenario parses "default", "none" or a comma separated list of
// kind@fraction[:duration], e.g. "ddos@0.25,brute_force@0.6:2".
func ParseScenario(s string) ([]Attack, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "none":
		return nil, nil
	case "default":
		return DefaultScenario(), nil
	}

	var attacks []Attack
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		kind, rest, ok := strings.Cut(part, "@")
		if !ok {
			return nil, fmt.Errorf("invalid attack %q: expected kind@fraction", part)
		}
		switch kind {
		case AttackDDoS, AttackBruteForce, AttackResourceExhaustion:
		default:
			return nil, fmt.Errorf("unknown attack kind %q", kind)
		}
		at, dur, _ := strings.Cut(rest, ":")
		frac, err := strconv.ParseFloat(at, 64)
		if err != nil || frac < 0 || frac >= 1 {
			return nil, fmt.Errorf("invalid attack position %q: must be in [0,1)", at)
		}
		a := Attack{Kind: kind, At: frac}
		if dur != "" {
			d, err := strconv.Atoi(dur)
			if err != nil || d < 1 {
				return nil, fmt.Errorf("invalid attack duration %q", dur)
			}
			a.Duration = d
		}
		attacks = append(attacks, a)
	}
	return attacks, nil
}

// Simulator generates synthetic cloud traffic with daily cycles and optional
// injected attacks. Its readings are never real, so it reports Degraded.
//
// Normal traffic per hour of day h:
//
//	cpu_usage       = clip(0.3 + 0.2 sin(2πh/24) + N(0, 0.05), 0, 1)
//	network_traffic = clip(0.2 + 0.3 sin(2π(h-6)/24) + N(0, 0.08), 0, 1)
//	login_attempts  = 2 + 3 max(0, sin(2π(h-8)/12)) + Poisson(1)
type Simulator struct {
	// Source labels the resulting observations.
	Source string
	// StepSeconds is the spacing between points (defaults to 3600 if <= 0).
	StepSeconds int
	// Seed makes the output reproducible for a given window end.
	Seed uint64
	// Days is the window used when Collect is called with windowSeconds <= 0.
	Days int
	// Attacks are injected in order after the normal traffic is generated.
	Attacks []Attack
	// Now returns the window end. Defaults to time.Now.
	Now func() time.Time
}

func (s *Simulator) Name() string { return "simulator" }

// Degraded implements Degradable.
func (s *Simulator) Degraded() bool { return true }

func (s *Simulator) step() int {
	if s.StepSeconds <= 0 {
		return 3600
	}
	return s.StepSeconds
}

// Collect implements Source.
func (s *Simulator) Collect(ctx context.Context, windowSeconds int) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return &Frame{}, err
	}
	if windowSeconds <= 0 {
		days := s.Days
		if days <= 0 {
			days = 7
		}
		windowSeconds = days * 24 * 3600
	}
	step := s.step()
	n := windowSeconds/step + 1

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	end := AlignTimestamp(now().UTC(), step)
	start := end.Add(-time.Duration(n-1) * time.Duration(step) * time.Second)

	// Seeding on the window end keeps repeated collections of the same
	// window identical.
	rng := rand.New(rand.NewPCG(s.Seed, uint64(end.Unix())))

	obs := GenerateNormal(rng, s.Source, start, time.Duration(step)*time.Second, n)
	for _, a := range s.Attacks {
		at := int(float64(n) * a.At)
		Inject(obs, a.Kind, at, a.duration())
	}
	return &Frame{Source: s.Source, Observations: obs}, nil
}

// GenerateNormal returns n observations of normal traffic starting at start.
func GenerateNormal(rng *rand.Rand, source string, start time.Time, step time.Duration, n int) []features.Observation {
	out := make([]features.Observation, n)
	for i := range out {
		ts := start.Add(time.Duration(i) * step)
		h := float64(ts.Hour())

		cpu := 0.3 + 0.2*math.Sin(2*math.Pi*h/24) + rng.NormFloat64()*0.05
		net := 0.2 + 0.3*math.Sin(2*math.Pi*(h-6)/24) + rng.NormFloat64()*0.08
		logins := 2 + 3*math.Max(0, math.Sin(2*math.Pi*(h-8)/12)) + float64(poisson(rng, 1))

		out[i] = features.Observation{
			Timestamp: ts,
			Source:    source,
			Metrics: map[string]float64{
				MetricCPU:     clip(cpu),
				MetricNetwork: clip(net),
				MetricLogins:  math.Max(0, logins),
			},
		}
	}
	return out
}

// Inject applies one attack to obs in place, starting at index start.
// Unknown kinds and out of range starts are ignored.
func Inject(obs []features.Observation, kind string, start, duration int) {
	if start < 0 || start >= len(obs) {
		return
	}
	end := min(start+duration, len(obs))

	switch kind {
	case AttackDDoS:
		// The affected range includes the end index.
		for i := start; i <= end && i < len(obs); i++ {
			m := obs[i].Metrics
			m[MetricNetwork] = clip(m[MetricNetwork] * 5)
			m[MetricCPU] = clip(m[MetricCPU] * 1.8)
			markAttack(&obs[i], kind)
		}
	case AttackBruteForce:
		for i := start; i <= end && i < len(obs); i++ {
			obs[i].Metrics[MetricLogins] += 50
			markAttack(&obs[i], kind)
		}
	case AttackResourceExhaustion:
		for i := start; i < end; i++ {
			progress := float64(i-start) / float64(end-start)
			m := obs[i].Metrics
			m[MetricCPU] = math.Min(0.95, m[MetricCPU]+0.6*progress)
			markAttack(&obs[i], kind)
		}
	}
}

func markAttack(o *features.Observation, kind string) {
	if o.Labels == nil {
		o.Labels = make(map[string]string, 1)
	}
	o.Labels[LabelAttackType] = kind
}

func clip(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// poisson draws from a Poisson distribution using Knuth's method, which is
// fine for the small means used here.
func poisson(rng *rand.Rand, lambda float64) int {
	l := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		p *= rng.Float64()
		if p <= l {
			return k
		}
		k++
	}
}
