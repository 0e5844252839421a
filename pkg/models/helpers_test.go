package models

import (
	"math/rand/v2"
	"time"

	"github.com/HatiCode/vigil/pkg/features"
)

// syntheticStream returns n hourly observations of normal traffic starting on
// a Monday, with the points listed in attacks replaced by a ddos-like spike.
func syntheticStream(seed uint64, n int, attacks ...int) []features.Observation {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	spike := make(map[int]bool, len(attacks))
	for _, i := range attacks {
		spike[i] = true
	}

	out := make([]features.Observation, n)
	for i := range out {
		obs := features.Observation{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Source:    "web-1",
			Metrics: map[string]float64{
				"cpu_usage":       0.2 + rng.Float64()*0.2,
				"network_traffic": 0.15 + rng.Float64()*0.1,
				"login_attempts":  float64(rng.IntN(6)),
			},
		}
		if spike[i] {
			obs.Metrics["cpu_usage"] = 0.97
			obs.Metrics["network_traffic"] = 1.0
			obs.Metrics["login_attempts"] = 20
			obs.Labels = map[string]string{"attack_type": "ddos"}
		}
		out[i] = obs
	}
	return out
}
