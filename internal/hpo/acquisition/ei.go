// Package acquisition scores candidate points for the gp strategy. Values
// are compared on minimized objectives; the strategy sign-flips maximized
// ones before fitting its surrogate.
package acquisition

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// ExpectedImprovement scores how much a candidate is expected to improve on
// the incumbent under a Gaussian posterior.
type ExpectedImprovement struct {
	// Best (lowest) observed value so far.
	bestObserved float64
	// Exploration margin subtracted from the improvement.
	xi float64
}

// NewExpectedImprovement creates an EI function around the given incumbent.
func NewExpectedImprovement(bestObserved, xi float64) *ExpectedImprovement {
	return &ExpectedImprovement{bestObserved: bestObserved, xi: xi}
}

// Compute returns the expected improvement of a candidate with posterior
// mean mu and standard deviation sigma. The result is non-negative.
func (ei *ExpectedImprovement) Compute(mu, sigma float64) float64 {
	improvement := ei.bestObserved - mu - ei.xi
	if sigma <= 1e-10 {
		// The posterior is certain; improvement is all there is.
		if improvement <= 0 {
			return 0
		}
		return improvement
	}

	z := improvement / sigma
	stdNormal := distuv.UnitNormal
	return improvement*stdNormal.CDF(z) + sigma*stdNormal.Prob(z)
}

// UpdateBest moves the incumbent.
func (ei *ExpectedImprovement) UpdateBest(best float64) {
	if best < ei.bestObserved {
		ei.bestObserved = best
	}
}

// BestObserved returns the current incumbent.
func (ei *ExpectedImprovement) BestObserved() float64 {
	return ei.bestObserved
}
