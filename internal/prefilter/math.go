package prefilter

import (
	"math"
	"sort"
)

func meanVector(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	mean := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i := range mean {
			mean[i] += v[i]
		}
	}
	n := float32(len(vecs))
	for i := range mean {
		mean[i] /= n
	}
	return mean
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// quantile returns the q-th quantile (0..1) of the scores. q clamps to the
// range; an empty slice yields 0.
func quantile(scores []float64, q float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// cutoffMaxF1 picks the candidate threshold with the best F1 over the
// labeled calibration scores. Candidates are the positive scores themselves,
// so the chosen threshold always keeps at least one positive.
func cutoffMaxF1(posScores, negScores []float64) float64 {
	best, bestF1 := 0.0, -1.0
	for _, t := range posScores {
		tp, fp, fn := confusion(posScores, negScores, t)
		if tp == 0 {
			continue
		}
		precision := float64(tp) / float64(tp+fp)
		recall := float64(tp) / float64(tp+fn)
		f1 := 2 * precision * recall / (precision + recall)
		if f1 > bestF1 {
			bestF1, best = f1, t
		}
	}
	return best
}

// cutoffForPrecision picks the lowest threshold whose precision over the
// labeled scores meets the target. Falls back to max-F1 when no threshold
// reaches the target.
func cutoffForPrecision(posScores, negScores []float64, target float64) float64 {
	candidates := append([]float64(nil), posScores...)
	sort.Float64s(candidates)
	for _, t := range candidates {
		tp, fp, _ := confusion(posScores, negScores, t)
		if tp == 0 {
			continue
		}
		if float64(tp)/float64(tp+fp) >= target {
			return t
		}
	}
	return cutoffMaxF1(posScores, negScores)
}

func confusion(posScores, negScores []float64, threshold float64) (tp, fp, fn int) {
	for _, s := range posScores {
		if s >= threshold {
			tp++
		} else {
			fn++
		}
	}
	for _, s := range negScores {
		if s >= threshold {
			fp++
		}
	}
	return tp, fp, fn
}

// quantize maps a float vector onto int8 for the coarse shortlist pass.
func quantize(v []float32) []int8 {
	var max float64
	for _, x := range v {
		if a := math.Abs(float64(x)); a > max {
			max = a
		}
	}
	out := make([]int8, len(v))
	if max == 0 {
		return out
	}
	for i, x := range v {
		out[i] = int8(float64(x) / max * 127)
	}
	return out
}

func dotQuantized(a, b []int8) int64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot int64
	for i := 0; i < n; i++ {
		dot += int64(a[i]) * int64(b[i])
	}
	return dot
}
