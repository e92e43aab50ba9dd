package pak

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

const (
	// shellVolumeUnderflow is the smallest usable shell volume; below it
	// the likelihood fit is abandoned in favor of the kstar-NN estimate.
	shellVolumeUnderflow = 1e-300

	newtonTol     = 1e-3
	newtonMaxIter = 100
)

// computeDensityPAk is the point-adaptive maximum-likelihood estimator: the
// k* shells around each point are modeled as Poisson arrivals with a constant
// rate plus a linear trend across shell ranks, and the rate is fitted by
// Newton-Raphson starting from the kstar-NN value. Points whose fit cannot
// proceed (shell-volume underflow, non-convergence) keep the kstar-NN value
// and are flagged in Fallback.
func (e *Estimator) computeDensityPAk() (*DensityField, error) {
	if err := e.ensureKStar(); err != nil {
		return nil, err
	}
	if err := e.ensureIntrinsicDim(); err != nil {
		return nil, err
	}

	start := time.Now()
	logDen := make([]float64, e.n)
	logDenErr := make([]float64, e.n)
	dc := make([]float64, e.n)
	fallback := make([]bool, e.n)

	parallelFor(e.cfg.Workers, e.n, func(lo, hi int) {
		vi := make([]float64, e.maxk)
		for i := lo; i < hi; i++ {
			k := e.kstar[i]
			d := e.dim[i]
			pref := math.Exp(logVolumePrefactor(d))
			rk := e.distAt(i, k)
			dc[i] = rk
			rr := math.Log(float64(k)) - logVolumePrefactor(d) - d*math.Log(rk)

			degenerate := false
			for j := 0; j < k; j++ {
				vi[j] = pref * (math.Pow(e.distAt(i, j+1), d) - math.Pow(e.distAt(i, j), d))
				if vi[j] < shellVolumeUnderflow {
					degenerate = true
					break
				}
			}

			if degenerate {
				logDen[i] = rr
				fallback[i] = true
			} else {
				v, ok := nrmaxl(rr, k, vi[:k])
				logDen[i] = v
				if !ok {
					fallback[i] = true
				}
			}

			if k > 1 {
				logDenErr[i] = math.Sqrt(float64(4*k+2) / float64(k*(k-1)))
			} else {
				logDenErr[i] = math.NaN()
				fallback[i] = true
			}
		}
	})

	floats.AddConst(-math.Log(float64(e.n)), logDen)
	e.cfg.Logger.Debug("PAk likelihood optimization done", "elapsed", time.Since(start))
	return &DensityField{
		Method:    MethodPAk,
		LogDen:    logDen,
		LogDenErr: logDenErr,
		DC:        dc,
		KStar:     e.kstarCopy(),
		Fallback:  fallback,
	}, nil
}

// nrmaxl maximizes the shell Poisson log-likelihood
//
//	L(b, a) = sum_j [ (b + a j) - v_j exp(b + a j) ]
//
// in the log-rate b and the linear shell trend a, by damped Newton iteration
// on the 2x2 system. rinit seeds b (a starts at 0) and is returned unchanged
// when the iteration fails; the second return reports convergence.
func nrmaxl(rinit float64, k int, vi []float64) (float64, bool) {
	return nrmaxlIter(rinit, k, vi, newtonMaxIter)
}

// nrmaxlIter is nrmaxl with an explicit iteration budget. A budget of zero
// degrades to the seed value, reported as a non-converged fit.
func nrmaxlIter(rinit float64, k int, vi []float64, maxIter int) (float64, bool) {
	b := rinit
	a := 0.0
	stepmax := 0.1 * math.Abs(b)
	gb := float64(k)
	ga := float64(k) * float64(k+1) / 2.0

	for iter := 0; iter < maxIter; iter++ {
		var sb, sa, h00, h01, h11 float64
		for j := 1; j <= k; j++ {
			jf := float64(j)
			tt := vi[j-1] * math.Exp(b+a*jf)
			sb += tt
			sa += jf * tt
			h00 -= tt
			h01 -= jf * tt
			h11 -= jf * jf * tt
		}
		fb := gb - sb
		fa := ga - sa

		if math.Sqrt(fb*fb+fa*fa) < newtonTol {
			return b, true
		}

		det := h00*h11 - h01*h01
		if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
			return rinit, false
		}
		db := (h11*fb - h01*fa) / det
		da := (h00*fa - h01*fb) / det
		if stepmax > 0 && math.Abs(db) > stepmax {
			db = math.Copysign(stepmax, db)
		}
		b -= db
		a -= da
		if math.IsNaN(b) || math.IsNaN(a) {
			return rinit, false
		}
	}
	return rinit, false
}
