package registry

// Score returns an integer in [0, 1000]:
//
//	score = 600*(reliability/100) + 200*(1 - load/100) + 200*latency_score
//
// where latency_score = clamp(1 - latency_ms/300, 0, 1) when latency is
// known, otherwise 0.5. Entries with no samples at all (never seen a
// reliability sample) receive a provisional score instead:
// 400 + min(recent_successes, 5)*20.
func Score(e Entry) int {
	if !e.Info.HasLastResultTime {
		successes := e.RecentSuccess
		if successes > 5 {
			successes = 5
		}
		return 400 + successes*20
	}

	reliabilityTerm := 600.0 * (float64(e.Info.Reliability) / 100.0)
	loadTerm := 200.0 * (1.0 - float64(e.Info.Load)/100.0)

	var latencyScore float64
	if e.Info.HasLatency {
		latencyScore = clamp01(1.0 - float64(e.Info.LatencyMs)/300.0)
	} else {
		latencyScore = 0.5
	}
	latencyTerm := 200.0 * latencyScore

	total := reliabilityTerm + loadTerm + latencyTerm
	return clampInt(int(total+0.5), 0, 1000)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
