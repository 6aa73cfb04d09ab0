package cmaes

import "math"

// Coefficients are the adaptation rates of the strategy.
type Coefficients struct {
	// Cc is the cumulation rate of the covariance evolution path.
	Cc float64 `json:"cc"`
	// C1 is the learning rate of the rank-one update.
	C1 float64 `json:"c1"`
	// Cmu is the learning rate of the rank-mu update.
	Cmu float64 `json:"cmu"`
	// Cs is the cumulation rate of the step-size evolution path.
	Cs float64 `json:"cs"`
	// Damps is the step-size damping.
	Damps float64 `json:"damps"`
}

// DefaultPopulationSize returns 4 + floor(3 ln n).
func DefaultPopulationSize(n int) int {
	return 4 + int(math.Floor(3*math.Log(float64(n))))
}

// recombinationWeights returns the positive, normalized log-linear weights of
// the mu best candidates and the variance effective selection mass.
func recombinationWeights(lambda int) (weights []float64, mueff float64) {
	mu := lambda / 2
	weights = make([]float64, mu)
	var sum float64
	for i := range weights {
		weights[i] = math.Log(float64(lambda+1)/2) - math.Log(float64(i+1))
		sum += weights[i]
	}
	var sumSq float64
	for i := range weights {
		weights[i] /= sum
		sumSq += weights[i] * weights[i]
	}
	return weights, 1 / sumSq
}

// covarianceDefaults returns cc, c1 and cmu for dimension n.
func covarianceDefaults(n int, mueff float64) (cc, c1, cmu float64) {
	fn := float64(n)
	cc = (4 + mueff/fn) / (fn + 4 + 2*mueff/fn)
	c1 = 2 / ((fn+1.3)*(fn+1.3) + mueff)
	cmu = math.Min(1-c1, 2*(mueff-2+1/mueff)/((fn+2)*(fn+2)+mueff))
	return cc, c1, cmu
}

// stepSizeAdaptation is the cumulative step-size adaptation (CSA) subsystem.
type stepSizeAdaptation struct {
	cs    float64
	damps float64
}

// initialize sets cs and damps to their defaults for dimension n.
func (a *stepSizeAdaptation) initialize(n int, mueff float64) {
	fn := float64(n)
	a.cs = (mueff + 2) / (fn + mueff + 5)
	a.damps = 1 + 2*math.Max(0, math.Sqrt((mueff-1)/(fn+1))-1) + a.cs
}

// factor returns the multiplicative step-size change for an evolution path of
// length psNorm.
func (a *stepSizeAdaptation) factor(psNorm, chiN float64) float64 {
	return math.Exp((a.cs / a.damps) * (psNorm/chiN - 1))
}

// expectedNormalNorm approximates E||N(0, I_n)||.
func expectedNormalNorm(n int) float64 {
	fn := float64(n)
	return math.Sqrt(fn) * (1 - 1/(4*fn) + 1/(21*fn*fn))
}
