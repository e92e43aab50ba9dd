package pak

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// DthrFromPValue converts a p-value into the likelihood-ratio threshold Dthr
// used by the k* homogeneity test. The test statistic is asymptotically
// chi-squared with one degree of freedom; the default threshold 23.92812698
// corresponds to p = 1e-6.
func DthrFromPValue(p float64) float64 {
	return distuv.ChiSquared{K: 1}.Quantile(1 - p)
}

// ComputeKStar selects, independently for every point, the largest
// neighborhood over which the local density is statistically homogeneous.
//
// Starting from a small neighborhood, the size grows while a likelihood-ratio
// test cannot distinguish the shell volume around the point from the one
// around its j-th neighbor at the same rank; the first rejection against
// cfg.Dthr fixes k*. The result is installed as with SetKStarSlice,
// invalidating all derived caches, and also returned.
func (e *Estimator) ComputeKStar() ([]int, error) {
	if err := e.ensureIntrinsicDim(); err != nil {
		return nil, err
	}

	start := time.Now()
	kstar := make([]int, e.n)
	log4 := math.Log(4.0)

	parallelFor(e.cfg.Workers, e.n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if e.maxk < 2 {
				kstar[i] = e.maxk
				continue
			}

			d := e.dim[i]
			logPref := logVolumePrefactor(d)

			j := 4
			dL := 0.0
			for j < e.maxk && dL < e.cfg.Dthr {
				ksel := j - 1
				lvi := logShellVolume(logPref, d, e.distAt(i, ksel))
				lvj := logShellVolume(logPref, d, e.distAt(e.idxAt(i, j), ksel))
				if math.IsInf(lvi, -1) || math.IsInf(lvj, -1) {
					// Degenerate (duplicate) coordinates: reject immediately.
					dL = math.Inf(1)
				} else {
					dL = -2.0 * float64(ksel) * (lvi + lvj - 2*logSumExp(lvi, lvj) + log4)
				}
				j++
			}
			if j == e.maxk {
				kstar[i] = j - 1
			} else {
				kstar[i] = j - 2
			}
			if kstar[i] < 2 {
				kstar[i] = 2
			}
		}
	})

	e.setKStar(kstar)
	e.cfg.Logger.Debug("kstar selection done",
		"dthr", e.cfg.Dthr, "n", e.n, "elapsed", time.Since(start))
	return kstar, nil
}

// logShellVolume returns log of the d-ball volume of radius r.
func logShellVolume(logPref, d, r float64) float64 {
	return logPref + d*math.Log(r)
}

// logSumExp computes log(exp(a) + exp(b)) without overflow.
func logSumExp(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
