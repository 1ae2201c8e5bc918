package verify

import "math"

// CalculatePriority scores how urgently an item needs verification work.
// Rank prominence and rate disagreement are purely additive with no upper
// clamp; the exact weights are load-bearing for queue ordering and must
// not drift.
func CalculatePriority(rank int, sourceRate, verifiedRate *float64) int64 {
	var score int64
	switch {
	case rank <= 3:
		score += 50
	case rank <= 10:
		score += 30
	case rank <= 50:
		score += 10
	default:
		score += 1
	}

	if sourceRate != nil && verifiedRate != nil {
		diff := math.Abs(*sourceRate - *verifiedRate)
		switch {
		case diff >= 5.0:
			score += 40
		case diff >= 1.0:
			score += 20
		}
	}

	return score
}
