package tempo

import "math"

const (
	hopSize     = 128
	frameSize   = 256
	priorCenter = 120.0 // bpm
	priorWidth  = 1.0   // octaves
	lowestBPM   = 30.0
	highestBPM  = 300.0
)

// onsetEnvelope returns a half-wave rectified log-energy novelty curve, one
// value per hop, with its mean removed and a light smoothing applied.
func onsetEnvelope(samples []float32) []float64 {
	if len(samples) < frameSize {
		return nil
	}
	frames := (len(samples)-frameSize)/hopSize + 1

	energy := make([]float64, frames)
	for f := 0; f < frames; f++ {
		var sum float64
		for _, s := range samples[f*hopSize : f*hopSize+frameSize] {
			sum += float64(s) * float64(s)
		}
		energy[f] = math.Log1p(sum)
	}

	novelty := make([]float64, frames)
	for f := 1; f < frames; f++ {
		if d := energy[f] - energy[f-1]; d > 0 {
			novelty[f] = d
		}
	}

	smoothed := make([]float64, frames)
	for f := range novelty {
		v := 0.5 * novelty[f]
		if f > 0 {
			v += 0.25 * novelty[f-1]
		}
		if f < frames-1 {
			v += 0.25 * novelty[f+1]
		}
		smoothed[f] = v
	}

	var mean float64
	for _, v := range smoothed {
		mean += v
	}
	mean /= float64(frames)
	for f := range smoothed {
		smoothed[f] -= mean
	}
	return smoothed
}

// estimateBPM picks the autocorrelation lag of env with the strongest
// prior-weighted periodicity between lowestBPM and highestBPM. rate is the
// envelope rate in frames per second. It returns 0 when env is too short or
// carries no periodicity.
func estimateBPM(env []float64, rate float64) float64 {
	minLag := int(math.Floor(rate * 60 / highestBPM))
	maxLag := int(math.Ceil(rate * 60 / lowestBPM))
	if minLag < 1 {
		minLag = 1
	}
	if maxLag+1 >= len(env) {
		maxLag = len(env) - 2
	}
	if maxLag <= minLag {
		return 0
	}

	acf := make([]float64, maxLag+2)
	for lag := minLag - 1; lag <= maxLag+1; lag++ {
		if lag < 1 {
			continue
		}
		var sum float64
		for i := 0; i+lag < len(env); i++ {
			sum += env[i] * env[i+lag]
		}
		acf[lag] = sum / float64(len(env)-lag)
	}

	best, bestScore := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		if acf[lag] <= 0 {
			continue
		}
		bpm := 60 * rate / float64(lag)
		octaves := math.Log2(bpm / priorCenter)
		score := acf[lag] * math.Exp(-0.5*(octaves/priorWidth)*(octaves/priorWidth))
		if score > bestScore {
			best, bestScore = lag, score
		}
	}
	if best == 0 {
		return 0
	}

	lag := float64(best) + parabolicOffset(acf[best-1], acf[best], acf[best+1])
	return 60 * rate / lag
}

// estimateOffset returns the shift, in frames, at which ref best matches
// drv: ref[i+shift] ~ drv[i]. The second result is false when nothing
// correlates. atEdge reports a peak on the search boundary.
func estimateOffset(drv, ref []float64, maxShift int) (shift float64, ok, atEdge bool) {
	if len(drv) == 0 || len(ref) == 0 {
		return 0, false, false
	}

	scores := make([]float64, 2*maxShift+1)
	for k := -maxShift; k <= maxShift; k++ {
		var sum float64
		n := 0
		for i := range drv {
			j := i + k
			if j < 0 || j >= len(ref) {
				continue
			}
			sum += drv[i] * ref[j]
			n++
		}
		if n > 0 {
			scores[k+maxShift] = sum / float64(n)
		}
	}

	best, bestScore := -1, 0.0
	for i, s := range scores {
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return 0, false, false
	}
	if best == 0 || best == len(scores)-1 {
		return float64(best - maxShift), true, true
	}

	refined := float64(best-maxShift) + parabolicOffset(scores[best-1], scores[best], scores[best+1])
	return refined, true, false
}

// parabolicOffset returns the vertex offset, in [-0.5, 0.5], of the parabola
// through three equally spaced samples around a peak.
func parabolicOffset(left, center, right float64) float64 {
	denom := left - 2*center + right
	if denom == 0 {
		return 0
	}
	p := 0.5 * (left - right) / denom
	return math.Max(-0.5, math.Min(0.5, p))
}
