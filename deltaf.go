package pak

import (
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

// ensureDeltaFsOneSided computes, for every neighbor pair (i, j), the
// first-order log-density difference seen from i alone:
// deltaF_ij = grad_i . (x_j - x_i). Used by the gPAk shell reweighting.
func (e *Estimator) ensureDeltaFsOneSided() error {
	if e.fijOneSided != nil {
		return nil
	}
	if err := e.ensureGradients(false); err != nil {
		return err
	}

	npairs := len(e.pairs) / 2
	fij := make([]float64, npairs)
	dims := e.dims

	parallelFor(e.cfg.Workers, npairs, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			i := e.pairs[2*p]
			g := e.grads[i*dims : (i+1)*dims]
			v := e.vecDiffs[p*dims : (p+1)*dims]
			var dot float64
			for c := range g {
				dot += g[c] * v[c]
			}
			fij[p] = dot
		}
	})

	e.fijOneSided = fij
	return nil
}

// ensureDeltaFsSemisum computes, for every neighbor pair (i, j), the
// symmetrized log-density difference
//
//	deltaF_ij = 1/2 (grad_i + grad_j) . (x_j - x_i)
//
// using both endpoints' gradients so the first-order bias of the one-sided
// estimate cancels, together with its variance
//
//	1/4 (Var_i + Var_j + 2 chi sqrt(Var_i Var_j))
//
// where Var_i is the quadratic form of i's gradient covariance along the
// displacement and chi is the correlation between the two gradient estimates.
// With Config.Chi set to ChiAuto, chi is the Jaccard-like overlap of the two
// neighborhoods, common / (k_i + k_j - common).
func (e *Estimator) ensureDeltaFsSemisum() error {
	if e.fij != nil {
		return nil
	}
	if err := e.ensureVecDiffs(); err != nil {
		return err
	}

	// Gradient covariances and common-neighbor counts are independent
	// stages over the same finalized graph.
	var g errgroup.Group
	g.Go(func() error { return e.ensureGradients(true) })
	if e.cfg.Chi == ChiAuto {
		g.Go(func() error { return e.ensureCommonNeighs() })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	start := time.Now()
	npairs := len(e.pairs) / 2
	fij := make([]float64, npairs)
	fijVar := make([]float64, npairs)
	dims := e.dims

	parallelFor(e.cfg.Workers, npairs, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			i := e.pairs[2*p]
			j := e.pairs[2*p+1]
			gi := e.grads[i*dims : (i+1)*dims]
			gj := e.grads[j*dims : (j+1)*dims]
			v := e.vecDiffs[p*dims : (p+1)*dims]

			var dot float64
			for c := 0; c < dims; c++ {
				dot += (gi[c] + gj[c]) * v[c]
			}
			fij[p] = 0.5 * dot

			vari := quadForm(e.gradsCov[i*dims*dims:(i+1)*dims*dims], v)
			varj := quadForm(e.gradsCov[j*dims*dims:(j+1)*dims*dims], v)

			chi := e.cfg.Chi
			if chi == ChiAuto {
				cn := e.commonNeighs[p]
				chi = cn / (float64(e.kstar[i]+e.kstar[j]) - cn)
			}
			fijVar[p] = 0.25 * (vari + varj + 2.0*chi*math.Sqrt(vari*varj))
		}
	})

	e.fij = fij
	e.fijVar = fijVar
	e.cfg.Logger.Debug("pairwise deltaF estimation done",
		"pairs", npairs, "elapsed", time.Since(start))
	return nil
}

// quadForm computes v^T M v for a dims x dims matrix stored row-major flat.
func quadForm(m, v []float64) float64 {
	dims := len(v)
	var sum float64
	for a := 0; a < dims; a++ {
		row := m[a*dims : (a+1)*dims]
		var mv float64
		for b := 0; b < dims; b++ {
			mv += row[b] * v[b]
		}
		sum += v[a] * mv
	}
	return sum
}

// DeltaFs returns the per-pair symmetrized log-density differences and their
// variances, aligned with NeighborGraph's pair list, computing them on
// demand.
func (e *Estimator) DeltaFs() (fij, fijVar []float64, err error) {
	if err := e.ensureDeltaFsSemisum(); err != nil {
		return nil, nil, err
	}
	return e.fij, e.fijVar, nil
}
