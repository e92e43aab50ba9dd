package pak

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ConsistencySystem is the assembled graph-consistency linear system
// A x = b over per-point log-densities. Off-diagonal entries are stored as
// COO triplets (both orientations of every edge, duplicates accumulate);
// Diag holds the diagonal and RHS the right-hand side. Without anchor terms
// every row of A sums to zero, the graph-Laplacian property.
type ConsistencySystem struct {
	N      int
	RowIdx []int
	ColIdx []int
	Vals   []float64
	Diag   []float64
	RHS    []float64
}

// MulVec computes y = A x.
func (s *ConsistencySystem) MulVec(x, y []float64) {
	for i := range y {
		y[i] = s.Diag[i] * x[i]
	}
	for t := range s.Vals {
		y[s.RowIdx[t]] += s.Vals[t] * x[s.ColIdx[t]]
	}
}

// Dense materializes the system matrix as a dense symmetric matrix.
func (s *ConsistencySystem) Dense() *mat.SymDense {
	full := make([]float64, s.N*s.N)
	for t := range s.Vals {
		full[s.RowIdx[t]*s.N+s.ColIdx[t]] += s.Vals[t]
	}
	for i := 0; i < s.N; i++ {
		full[i*s.N+i] = s.Diag[i]
	}
	return mat.NewSymDense(s.N, full)
}

// LikelihoodMaximizer solves a ConsistencySystem for the log-density field
// maximizing the fused pairwise-consistency likelihood, and estimates the
// per-point standard error. The closed-form solvers treat the system as a
// (possibly singular) symmetric linear problem; iterative gradient-based
// implementations can be substituted behind the same interface.
type LikelihoodMaximizer interface {
	Maximize(sys *ConsistencySystem) (logDen, logDenErr []float64, err error)
}

// DenseSolver solves the system through a dense symmetric eigendecomposition
// and reports error bars from the pseudo-inverse diagonal. The
// decomposition is cubic in the number of points; use
// ConjugateGradientSolver when that is intractable.
type DenseSolver struct{}

func (DenseSolver) Maximize(sys *ConsistencySystem) ([]float64, []float64, error) {
	vals, vecs, tol, err := eigFactor(sys.Dense())
	if err != nil {
		return nil, nil, err
	}

	n := sys.N
	logDen := make([]float64, n)
	diagPinv := make([]float64, n)
	for m := 0; m < n; m++ {
		if math.Abs(vals[m]) <= tol {
			continue
		}
		var qtb float64
		for i := 0; i < n; i++ {
			qtb += vecs.At(i, m) * sys.RHS[i]
		}
		coef := qtb / vals[m]
		for i := 0; i < n; i++ {
			q := vecs.At(i, m)
			logDen[i] += coef * q
			diagPinv[i] += q * q / vals[m]
		}
	}

	logDenErr := make([]float64, n)
	for i := range logDenErr {
		logDenErr[i] = math.Sqrt(diagPinv[i])
		if math.IsNaN(logDen[i]) || math.IsNaN(logDenErr[i]) {
			return nil, nil, fmt.Errorf("%w: non-finite solution component at point %d", ErrSolverFailure, i)
		}
	}
	return logDen, logDenErr, nil
}

// ConjugateGradientSolver solves the system iteratively over its sparse COO
// form, avoiding the dense decomposition. Error bars are the cheap
// inverse-precision proxy 1/sqrt(A_ii) rather than the pseudo-inverse
// diagonal.
type ConjugateGradientSolver struct {
	// Tol is the relative residual tolerance. 0 means 1e-10.
	Tol float64
	// MaxIter bounds the iteration count. 0 means 10*N.
	MaxIter int
}

func (cg ConjugateGradientSolver) Maximize(sys *ConsistencySystem) ([]float64, []float64, error) {
	n := sys.N
	tol := cg.Tol
	if tol == 0 {
		tol = 1e-10
	}
	maxIter := cg.MaxIter
	if maxIter == 0 {
		maxIter = 10 * n
	}

	x := make([]float64, n)
	r := make([]float64, n)
	p := make([]float64, n)
	ap := make([]float64, n)

	copy(r, sys.RHS)
	copy(p, r)
	var bnorm, rr float64
	for i := range r {
		bnorm += sys.RHS[i] * sys.RHS[i]
		rr += r[i] * r[i]
	}
	if bnorm == 0 {
		bnorm = 1
	}

	converged := rr <= tol*tol*bnorm
	for iter := 0; iter < maxIter && !converged; iter++ {
		sys.MulVec(p, ap)
		var pap float64
		for i := range p {
			pap += p[i] * ap[i]
		}
		if pap == 0 || math.IsNaN(pap) {
			return nil, nil, fmt.Errorf("%w: conjugate gradient breakdown", ErrSolverFailure)
		}
		step := rr / pap
		var rrNext float64
		for i := range x {
			x[i] += step * p[i]
			r[i] -= step * ap[i]
			rrNext += r[i] * r[i]
		}
		beta := rrNext / rr
		rr = rrNext
		for i := range p {
			p[i] = r[i] + beta*p[i]
		}
		converged = rr <= tol*tol*bnorm
	}
	if !converged {
		return nil, nil, fmt.Errorf("%w: conjugate gradient did not converge in %d iterations", ErrSolverFailure, maxIter)
	}

	logDenErr := make([]float64, n)
	for i := range logDenErr {
		if sys.Diag[i] > 0 {
			logDenErr[i] = 1.0 / math.Sqrt(sys.Diag[i])
		} else {
			logDenErr[i] = math.NaN()
		}
	}
	return x, logDenErr, nil
}

// eigFactor decomposes a symmetric matrix and returns its eigenvalues,
// eigenvectors and the rank-truncation tolerance for pseudo-inversion.
func eigFactor(s *mat.SymDense) ([]float64, *mat.Dense, float64, error) {
	var eig mat.EigenSym
	if !eig.Factorize(s, true) {
		return nil, nil, 0, fmt.Errorf("%w: symmetric eigendecomposition failed", ErrSolverFailure)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	var maxAbs float64
	for _, v := range vals {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 || math.IsNaN(maxAbs) {
		return nil, nil, 0, fmt.Errorf("%w: zero or non-finite system matrix", ErrSolverFailure)
	}
	n, _ := s.Dims()
	return vals, &vecs, maxAbs * float64(n) * 1e-12, nil
}

// pinvDiag returns the diagonal of the pseudo-inverse of s.
func pinvDiag(s *mat.SymDense) ([]float64, error) {
	vals, vecs, tol, err := eigFactor(s)
	if err != nil {
		return nil, err
	}
	n, _ := s.Dims()
	diag := make([]float64, n)
	for m := 0; m < n; m++ {
		if math.Abs(vals[m]) <= tol {
			continue
		}
		for i := 0; i < n; i++ {
			q := vecs.At(i, m)
			diag[i] += q * q / vals[m]
		}
	}
	return diag, nil
}

// newSymmetrized builds the symmetric matrix M + M^T (zero diagonal) from a
// dense row-major accumulator.
func newSymmetrized(a []float64, n int) *mat.SymDense {
	full := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				full[i*n+j] = a[i*n+j] + a[j*n+i]
			}
		}
	}
	return mat.NewSymDense(n, full)
}

// assembleConsistency builds the weighted graph-consistency system from the
// current pairwise deltaF estimates. Edge weights discount redundancy by the
// geometric mean sqrt(k*_i k*_j) and, when useVariance is set, by the deltaF
// variance. anchorDiag and anchorRHS (may be nil) add the (1-alpha) prior
// terms after the alpha-scaled Laplacian part; pairs with non-finite deltaF
// are left out of the graph.
func (e *Estimator) assembleConsistency(alpha float64, useVariance bool, anchorDiag, anchorRHS []float64) *ConsistencySystem {
	npairs := len(e.pairs) / 2
	sys := &ConsistencySystem{
		N:      e.n,
		RowIdx: make([]int, 0, 2*npairs),
		ColIdx: make([]int, 0, 2*npairs),
		Vals:   make([]float64, 0, 2*npairs),
		Diag:   make([]float64, e.n),
		RHS:    make([]float64, e.n),
	}
	if anchorDiag != nil {
		copy(sys.Diag, anchorDiag)
	}
	if anchorRHS != nil {
		copy(sys.RHS, anchorRHS)
	}

	for p := 0; p < npairs; p++ {
		i := e.pairs[2*p]
		j := e.pairs[2*p+1]
		f := e.fij[p]
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}

		red := math.Sqrt(float64(e.kstar[i] * e.kstar[j]))
		w := 1.0 / red
		if useVariance && e.fijVar[p] > 0 && !math.IsInf(e.fijVar[p], 0) {
			w = 1.0 / (e.fijVar[p] * red)
		}
		aw := alpha * w

		sys.RowIdx = append(sys.RowIdx, i, j)
		sys.ColIdx = append(sys.ColIdx, j, i)
		sys.Vals = append(sys.Vals, -aw, -aw)
		sys.Diag[i] += aw
		sys.Diag[j] += aw

		flow := aw * f
		sys.RHS[j] += flow
		sys.RHS[i] -= flow
	}
	return sys
}

// computeDensityGCorr fuses all pairwise deltaF estimates into a single
// globally consistent log-density field by solving the weighted
// graph-Laplacian system. The field is defined up to an additive constant
// (the Laplacian nullspace); the pseudo-inverse solution fixes it to the
// zero-mean representative, and no sample-size normalization is applied.
func (e *Estimator) computeDensityGCorr() (*DensityField, error) {
	if err := e.ensureDeltaFsSemisum(); err != nil {
		return nil, err
	}

	start := time.Now()
	sys := e.assembleConsistency(1.0, e.cfg.UseVariance, nil, nil)
	logDen, logDenErr, err := e.cfg.Maximizer.Maximize(sys)
	if err != nil {
		return nil, err
	}

	e.cfg.Logger.Debug("gCorr solve done", "elapsed", time.Since(start))
	return &DensityField{
		Method:    MethodGCorr,
		LogDen:    logDen,
		LogDenErr: logDenErr,
		DC:        e.coreDistances(),
		KStar:     e.kstarCopy(),
	}, nil
}

// computeDensityDFPAkGCorr blends the graph-consistency solve with a
// volume-anchored prior: the (1-alpha) share of each diagonal entry pins the
// point to its gradient-corrected dF-PAk volume estimate, so the solution
// interpolates between pure consistency (alpha = 1) and pure local volumes.
func (e *Estimator) computeDensityDFPAkGCorr() (*DensityField, error) {
	if err := e.ensureDeltaFsSemisum(); err != nil {
		return nil, err
	}

	start := time.Now()
	alpha := e.cfg.Alpha

	anchorDiag := make([]float64, e.n)
	anchorRHS := make([]float64, e.n)
	fallback := make([]bool, e.n)

	parallelFor(e.cfg.Workers, e.n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			k := e.kstar[i]
			d := e.dim[i]

			fijs := e.fij[e.iptr[i]:e.iptr[i+1]]
			var corrected float64
			degenerate := false
			for j := 1; j < k; j++ {
				rjjm1 := math.Pow(e.distAt(i, j), d) - math.Pow(e.distAt(i, j-1), d)
				if rjjm1 < shellVolumeUnderflow {
					degenerate = true
					break
				}
				corrected += rjjm1 * math.Exp(fijs[j-1])
			}
			if degenerate || corrected < shellVolumeUnderflow || math.IsNaN(corrected) {
				// Degenerate shells: anchor on the uncorrected volume.
				corrected = math.Pow(e.distAt(i, k), d)
				fallback[i] = true
			}
			vol := math.Exp(logVolumePrefactor(d)+math.Log(corrected)) * float64(e.n)

			anchorDiag[i] = (1.0 - alpha) * float64(k)
			anchorRHS[i] = (1.0 - alpha) * float64(k) * math.Log(float64(k)/vol)
		}
	})

	sys := e.assembleConsistency(alpha, e.cfg.UseVariance, anchorDiag, anchorRHS)
	logDen, logDenErr, err := e.cfg.Maximizer.Maximize(sys)
	if err != nil {
		return nil, err
	}

	e.cfg.Logger.Debug("dF_PAk_gCorr solve done", "alpha", alpha, "elapsed", time.Since(start))
	return &DensityField{
		Method:    MethodDFPAkGCorr,
		LogDen:    logDen,
		LogDenErr: logDenErr,
		DC:        e.coreDistances(),
		KStar:     e.kstarCopy(),
		Fallback:  fallback,
	}, nil
}

// computeDensityPAkGCorr anchors the graph-consistency solve on prior PAk
// log-densities and their errors (Gaussian approximation of the PAk
// likelihood), solving a precision-weighted fusion of local and pairwise
// evidence. Edges are always variance weighted here.
func (e *Estimator) computeDensityPAkGCorr() (*DensityField, error) {
	pakField, err := e.computeDensityPAk()
	if err != nil {
		return nil, err
	}
	if err := e.ensureDeltaFsSemisum(); err != nil {
		return nil, err
	}

	start := time.Now()
	alpha := e.cfg.Alpha
	anchorDiag := make([]float64, e.n)
	anchorRHS := make([]float64, e.n)
	for i := 0; i < e.n; i++ {
		errSq := pakField.LogDenErr[i] * pakField.LogDenErr[i]
		if !(errSq > 0) || math.IsInf(errSq, 0) || math.IsNaN(errSq) {
			// Undefined PAk error (k* = 1): no usable anchor for this point.
			continue
		}
		anchorDiag[i] = (1.0 - alpha) / errSq
		anchorRHS[i] = (1.0 - alpha) * pakField.LogDen[i] / errSq
	}

	sys := e.assembleConsistency(alpha, true, anchorDiag, anchorRHS)
	logDen, logDenErr, err := e.cfg.Maximizer.Maximize(sys)
	if err != nil {
		return nil, err
	}

	e.cfg.Logger.Debug("PAk_gCorr solve done", "alpha", alpha, "elapsed", time.Since(start))
	return &DensityField{
		Method:    MethodPAkGCorr,
		LogDen:    logDen,
		LogDenErr: logDenErr,
		DC:        pakField.DC,
		KStar:     e.kstarCopy(),
		Fallback:  pakField.Fallback,
	}, nil
}

// coreDistances returns the distance to the k*-th neighbor of every point.
func (e *Estimator) coreDistances() []float64 {
	dc := make([]float64, e.n)
	for i := range dc {
		dc[i] = e.distAt(i, e.kstar[i])
	}
	return dc
}
