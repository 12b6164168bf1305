package gp

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/hpo/kernels"
	"github.com/tunehub/tunehub/internal/logging"
)

// Model is a Gaussian-process surrogate fitted on unit-cube inputs.
// Callers standardize targets before fitting, so the prior mean is zero.
type Model struct {
	kernel   kernels.Kernel
	noiseVar float64

	x     *mat.Dense
	y     *mat.VecDense
	alpha *mat.VecDense
	chol  *mat.Cholesky

	pool   *matrixPool
	logger *logging.Logger
}

// NewModel creates an unfitted surrogate.
func NewModel(kernel kernels.Kernel, noiseVar float64, logger *logging.Logger) *Model {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Model{
		kernel:   kernel,
		noiseVar: noiseVar,
		pool:     newMatrixPool(),
		logger:   logger,
	}
}

// Fit conditions the surrogate on the observations. X is (samples x dims),
// y has one standardized target per row.
func (m *Model) Fit(X *mat.Dense, y *mat.VecDense) error {
	if X == nil || y == nil {
		return hpo.NewError("fit requires observations").WithOperation("fit").WithComponent("gp")
	}
	nSamples, nDims := X.Dims()
	if nSamples == 0 || nDims == 0 {
		return hpo.NewError("fit requires a non-empty design matrix").WithOperation("fit").WithComponent("gp")
	}
	if nSamples != y.Len() {
		return hpo.NewErrorf("X has %d samples but y has %d", nSamples, y.Len()).
			WithOperation("fit").WithComponent("gp")
	}

	m.x = mat.DenseCopyOf(X)
	m.y = mat.VecDenseCopyOf(y)

	K := m.kernelMatrix(X, nSamples)
	defer m.pool.putSym(K)

	alpha, chol, err := m.solve(K, y)
	if err != nil {
		return err
	}
	m.alpha = alpha
	m.chol = chol
	return nil
}

// kernelMatrix computes K(X, X) with the noise variance on the diagonal.
func (m *Model) kernelMatrix(X *mat.Dense, n int) *mat.SymDense {
	K := m.pool.getSym(n)
	for i := 0; i < n; i++ {
		xi := X.RawRowView(i)
		K.SetSym(i, i, m.kernel.Eval(xi, xi)+m.noiseVar)
		for j := i + 1; j < n; j++ {
			K.SetSym(i, j, m.kernel.Eval(xi, X.RawRowView(j)))
		}
	}
	return K
}

// solve computes alpha = K^-1 y. Cholesky with an escalating jitter ladder
// is tried first; an SVD pseudo-inverse is the last resort. The returned
// Cholesky factor is nil on the SVD path.
func (m *Model) solve(K *mat.SymDense, y *mat.VecDense) (*mat.VecDense, *mat.Cholesky, error) {
	n := y.Len()

	bestAlpha := mat.NewVecDense(n, nil)
	var bestChol *mat.Cholesky
	bestResidual := math.MaxFloat64

	jitter := 1e-12
	const maxAttempts = 10

	for attempt := 0; attempt < maxAttempts; attempt++ {
		jittered := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				v := K.At(i, j)
				if i == j {
					v += jitter
				}
				jittered.SetSym(i, j, v)
			}
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(jittered); !ok {
			m.logger.Debug("cholesky factorization failed, increasing jitter", logging.Fields{
				"attempt": attempt + 1,
				"jitter":  jitter,
			})
			jitter *= 10
			continue
		}

		alpha := mat.NewVecDense(n, nil)
		if err := chol.SolveVecTo(alpha, y); err != nil {
			jitter *= 10
			continue
		}

		r := mat.NewVecDense(n, nil)
		r.MulVec(jittered, alpha)
		r.SubVec(r, y)
		residual := mat.Norm(r, 2)

		if residual < bestResidual {
			bestResidual = residual
			bestAlpha.CopyVec(alpha)
			c := chol
			bestChol = &c
		}
		if residual < 1e-8 {
			return bestAlpha, bestChol, nil
		}
		jitter *= 10
	}

	if bestChol != nil {
		m.logger.Debug("accepting best cholesky solution", logging.Fields{
			"residual": bestResidual,
		})
		return bestAlpha, bestChol, nil
	}

	m.logger.Debug("cholesky ladder exhausted, falling back to SVD")
	alpha, err := m.solveWithSVD(K, y)
	if err != nil {
		return nil, nil, err
	}
	return alpha, nil, nil
}

// solveWithSVD solves K alpha = y through a thresholded pseudo-inverse.
func (m *Model) solveWithSVD(K *mat.SymDense, y *mat.VecDense) (*mat.VecDense, error) {
	n := y.Len()
	Kdense := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			Kdense.Set(i, j, K.At(i, j))
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(Kdense, mat.SVDFull); !ok {
		return nil, hpo.NewError("SVD factorization failed").WithOperation("fit").WithComponent("gp")
	}

	s := svd.Values(nil)
	if len(s) == 0 {
		return nil, hpo.NewError("SVD returned no singular values").WithOperation("fit").WithComponent("gp")
	}

	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)

	var uty mat.VecDense
	uty.MulVec(U.T(), y)

	threshold := float64(n) * s[0] * 1e-15
	rank := 0
	scaled := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		if s[i] > threshold {
			scaled.SetVec(i, uty.AtVec(i)/s[i])
			rank++
		}
	}
	if rank == 0 {
		return nil, hpo.NewError("kernel matrix is effectively rank zero").
			WithOperation("fit").WithComponent("gp")
	}

	alpha := mat.NewVecDense(n, nil)
	alpha.MulVec(&V, scaled)
	return alpha, nil
}

// Predict returns the posterior mean and variance at the test points.
func (m *Model) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	if X == nil {
		return nil, nil, hpo.NewError("predict requires test points").WithOperation("predict").WithComponent("gp")
	}
	if m.x == nil || m.alpha == nil {
		return nil, nil, hpo.NewError("model is not fitted").WithOperation("predict").WithComponent("gp")
	}

	nTest, _ := X.Dims()
	nTrain, _ := m.x.Dims()

	mean := mat.NewVecDense(nTest, nil)
	variance := mat.NewVecDense(nTest, nil)

	kss := make([]float64, nTest)
	kstar := mat.NewDense(nTest, nTrain, nil)
	for i := 0; i < nTest; i++ {
		xs := X.RawRowView(i)
		kss[i] = m.kernel.Eval(xs, xs) + m.noiseVar
		for j := 0; j < nTrain; j++ {
			kstar.Set(i, j, m.kernel.Eval(xs, m.x.RawRowView(j)))
		}
	}

	mean.MulVec(kstar, m.alpha)

	if m.chol != nil {
		v := mat.NewDense(nTrain, nTest, nil)
		if err := m.chol.SolveTo(v, kstar.T()); err != nil {
			return nil, nil, hpo.WrapError(err, "solving for predictive variance").
				WithOperation("predict").WithComponent("gp")
		}
		for i := 0; i < nTest; i++ {
			var sum float64
			for j := 0; j < nTrain; j++ {
				val := v.At(j, i)
				sum += val * val
			}
			variance.SetVec(i, math.Max(0, kss[i]-sum))
		}
	} else {
		// SVD fallback has no factor to propagate uncertainty through;
		// report the prior variance instead of a false zero.
		for i := 0; i < nTest; i++ {
			variance.SetVec(i, kss[i])
		}
	}

	return mean, variance, nil
}

// PredictOne returns the posterior mean and standard deviation at x.
func (m *Model) PredictOne(x []float64) (float64, float64, error) {
	X := mat.NewDense(1, len(x), nil)
	X.SetRow(0, x)
	mean, variance, err := m.Predict(X)
	if err != nil {
		return 0, 0, err
	}
	return mean.AtVec(0), math.Sqrt(variance.AtVec(0)), nil
}
