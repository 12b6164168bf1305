package cmaes

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/tunehub/tunehub/internal/hpo"
)

// solution is one evaluated point in the normalized cube.
type solution struct {
	z       []float64
	fitness float64
}

// strategy is the full (mu/mu_w, lambda) CMA-ES state over the normalized
// search cube: weighted recombination, rank-one and rank-mu covariance
// updates, and cumulative step-size adaptation.
type strategy struct {
	dim        int
	generation int
	mean       *mat.VecDense
	sigma      float64
	cov        *mat.SymDense
	pc         *mat.VecDense
	ps         *mat.VecDense

	lambda  int
	mu      int
	weights []float64
	muEff   float64
	cSigma  float64
	dSigma  float64
	cc      float64
	c1      float64
	cMu     float64
	chiN    float64
}

// defaultPopulation is Hansen's population heuristic.
func defaultPopulation(dim int) int {
	return 4 + int(3*math.Log(float64(dim)))
}

// newStrategy builds a strategy at generation zero. A nil cov starts from
// the identity; lambda <= 0 picks the default population size.
func newStrategy(dim int, mean []float64, sigma float64, cov *mat.SymDense, lambda int) *strategy {
	if lambda <= 0 {
		lambda = defaultPopulation(dim)
	}
	if cov == nil {
		cov = identity(dim)
	}
	s := &strategy{
		dim:    dim,
		mean:   mat.NewVecDense(dim, append([]float64(nil), mean...)),
		sigma:  sigma,
		cov:    cov,
		pc:     mat.NewVecDense(dim, nil),
		ps:     mat.NewVecDense(dim, nil),
		lambda: lambda,
	}
	s.deriveConstants()
	return s
}

// deriveConstants fills in the recombination weights and learning rates,
// which follow deterministically from dim and lambda.
func (s *strategy) deriveConstants() {
	d := float64(s.dim)
	s.mu = s.lambda / 2

	weights := make([]float64, s.mu)
	total := 0.0
	for i := range weights {
		weights[i] = math.Log(float64(s.lambda+1)/2) - math.Log(float64(i+1))
		total += weights[i]
	}
	sumSq := 0.0
	for i := range weights {
		weights[i] /= total
		sumSq += weights[i] * weights[i]
	}
	s.weights = weights
	s.muEff = 1 / sumSq

	s.cSigma = (s.muEff + 2) / (d + s.muEff + 5)
	s.dSigma = 1 + 2*math.Max(0, math.Sqrt((s.muEff-1)/(d+1))-1) + s.cSigma
	s.cc = (4 + s.muEff/d) / (d + 4 + 2*s.muEff/d)
	s.c1 = 2 / ((d+1.3)*(d+1.3) + s.muEff)
	s.cMu = math.Min(1-s.c1, 2*(s.muEff-2+1/s.muEff)/((d+2)*(d+2)+s.muEff))
	s.chiN = math.Sqrt(d) * (1 - 1/(4*d) + 1/(21*d*d))
}

// ask draws one candidate from N(mean, sigma^2 C).
func (s *strategy) ask(rng *hpo.Rand) []float64 {
	b, scale := s.eigen()
	n := mat.NewVecDense(s.dim, nil)
	for i := 0; i < s.dim; i++ {
		n.SetVec(i, rng.NormFloat64()*scale[i])
	}
	step := mat.NewVecDense(s.dim, nil)
	step.MulVec(b, n)
	out := mat.NewVecDense(s.dim, nil)
	out.AddScaledVec(s.mean, s.sigma, step)
	return append([]float64(nil), out.RawVector().Data...)
}

// askWithin keeps drawing until the candidate lands in the unit cube, then
// gives up and clamps. Bound handling stays out of the update equations.
func (s *strategy) askWithin(rng *hpo.Rand) []float64 {
	const attempts = 10
	var z []float64
	for i := 0; i < attempts; i++ {
		z = s.ask(rng)
		if inUnitCube(z) {
			return z
		}
	}
	for i, v := range z {
		z[i] = math.Min(1, math.Max(0, v))
	}
	return z
}

// tell consumes one generation of evaluated candidates, lower fitness
// first, and moves the distribution.
func (s *strategy) tell(sols []solution) {
	ordered := append([]solution(nil), sols...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].fitness < ordered[j].fitness })

	oldMean := mat.VecDenseCopyOf(s.mean)
	newMean := mat.NewVecDense(s.dim, nil)
	for i := 0; i < s.mu && i < len(ordered); i++ {
		newMean.AddScaledVec(newMean, s.weights[i], mat.NewVecDense(s.dim, ordered[i].z))
	}

	y := mat.NewVecDense(s.dim, nil)
	y.SubVec(newMean, oldMean)
	y.ScaleVec(1/s.sigma, y)

	// C^(-1/2) y through the eigenbasis.
	b, scale := s.eigen()
	rotated := mat.NewVecDense(s.dim, nil)
	rotated.MulVec(b.T(), y)
	for i := 0; i < s.dim; i++ {
		rotated.SetVec(i, rotated.AtVec(i)/scale[i])
	}
	whitened := mat.NewVecDense(s.dim, nil)
	whitened.MulVec(b, rotated)

	s.ps.ScaleVec(1-s.cSigma, s.ps)
	s.ps.AddScaledVec(s.ps, math.Sqrt(s.cSigma*(2-s.cSigma)*s.muEff), whitened)

	psNorm := mat.Norm(s.ps, 2)
	ramp := math.Sqrt(1 - math.Pow(1-s.cSigma, 2*float64(s.generation+1)))
	hSigma := 0.0
	if psNorm/ramp/s.chiN < 1.4+2/float64(s.dim+1) {
		hSigma = 1
	}

	s.pc.ScaleVec(1-s.cc, s.pc)
	s.pc.AddScaledVec(s.pc, hSigma*math.Sqrt(s.cc*(2-s.cc)*s.muEff), y)

	decay := 1 - s.c1 - s.cMu
	stall := (1 - hSigma) * s.cc * (2 - s.cc)
	next := mat.NewSymDense(s.dim, nil)
	for i := 0; i < s.dim; i++ {
		for j := i; j < s.dim; j++ {
			v := (decay+s.c1*stall)*s.cov.At(i, j) + s.c1*s.pc.AtVec(i)*s.pc.AtVec(j)
			next.SetSym(i, j, v)
		}
	}
	yk := make([]float64, s.dim)
	for k := 0; k < s.mu && k < len(ordered); k++ {
		for i := 0; i < s.dim; i++ {
			yk[i] = (ordered[k].z[i] - oldMean.AtVec(i)) / s.sigma
		}
		for i := 0; i < s.dim; i++ {
			for j := i; j < s.dim; j++ {
				next.SetSym(i, j, next.At(i, j)+s.cMu*s.weights[k]*yk[i]*yk[j])
			}
		}
	}
	s.cov = next

	s.sigma *= math.Exp((s.cSigma / s.dSigma) * (psNorm/s.chiN - 1))
	s.mean = newMean
	s.generation++
}

// eigen decomposes C into its eigenbasis and per-axis scales, clamping
// eigenvalues that numerical drift pushed non-positive.
func (s *strategy) eigen() (*mat.Dense, []float64) {
	var eig mat.EigenSym
	if !eig.Factorize(s.cov, true) {
		scale := make([]float64, s.dim)
		for i := range scale {
			scale[i] = 1
		}
		b := mat.NewDense(s.dim, s.dim, nil)
		for i := 0; i < s.dim; i++ {
			b.Set(i, i, 1)
		}
		return b, scale
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	scale := make([]float64, s.dim)
	for i, v := range vals {
		if v < 1e-20 {
			v = 1e-20
		}
		scale[i] = math.Sqrt(v)
	}
	return &vecs, scale
}

func identity(dim int) *mat.SymDense {
	c := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		c.SetSym(i, i, 1)
	}
	return c
}

func inUnitCube(z []float64) bool {
	for _, v := range z {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}
