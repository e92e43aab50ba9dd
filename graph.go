package pak

import (
	"fmt"
	"time"
)

// ensurePairs builds the directed neighbor-pair list: one (i, j) entry for
// every j among the k*(i) nearest neighbors of i, self excluded. Pairs are
// stored flat, two ints each, with a CSR-style row pointer so the pair range
// of point i is iptr[i]..iptr[i+1].
func (e *Estimator) ensurePairs() error {
	if e.pairs != nil {
		return nil
	}
	if err := e.ensureKStar(); err != nil {
		return err
	}

	nspar := 0
	for i := 0; i < e.n; i++ {
		nspar += e.kstar[i] - 1
	}

	pairs := make([]int, 2*nspar)
	iptr := make([]int, e.n+1)
	pos := 0
	for i := 0; i < e.n; i++ {
		iptr[i] = pos
		for j := 1; j < e.kstar[i]; j++ {
			pairs[2*pos] = i
			pairs[2*pos+1] = e.idxAt(i, j)
			pos++
		}
	}
	iptr[e.n] = pos

	e.pairs = pairs
	e.iptr = iptr
	return nil
}

// ensureVecDiffs computes the displacement x_j - x_i for every neighbor pair,
// wrapping each component to the configured period when one is set.
func (e *Estimator) ensureVecDiffs() error {
	if e.vecDiffs != nil {
		return nil
	}
	if e.coords == nil {
		return fmt.Errorf("%w: vector differences need point coordinates", ErrUnimplemented)
	}
	if err := e.ensurePairs(); err != nil {
		return err
	}

	period, err := expandPeriod(e.cfg.Period, e.dims)
	if err != nil {
		return err
	}

	start := time.Now()
	npairs := len(e.pairs) / 2
	diffs := make([]float64, npairs*e.dims)

	parallelFor(e.cfg.Workers, npairs, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			i := e.pairs[2*p]
			j := e.pairs[2*p+1]
			xi := e.coords[i*e.dims : (i+1)*e.dims]
			xj := e.coords[j*e.dims : (j+1)*e.dims]
			out := diffs[p*e.dims : (p+1)*e.dims]
			if period == nil {
				for c := range out {
					out[c] = xj[c] - xi[c]
				}
			} else {
				for c := range out {
					out[c] = periodicDelta(xj[c]-xi[c], period[c])
				}
			}
		}
	})

	e.vecDiffs = diffs
	e.cfg.Logger.Debug("vector differences done", "pairs", npairs, "elapsed", time.Since(start))
	return nil
}

// ensureCommonNeighs counts, for every neighbor pair (i, j), how many indices
// the k*(i)- and k*(j)-neighborhoods share. The count is meaningful only for
// pairs present in the graph.
func (e *Estimator) ensureCommonNeighs() error {
	if e.commonNeighs != nil {
		return nil
	}
	if err := e.ensurePairs(); err != nil {
		return err
	}

	start := time.Now()
	common := make([]float64, len(e.pairs)/2)

	parallelFor(e.cfg.Workers, e.n, func(lo, hi int) {
		mark := make([]int, e.n)
		stamp := 0
		for i := lo; i < hi; i++ {
			stamp++
			for c := 0; c < e.kstar[i]; c++ {
				mark[e.idxAt(i, c)] = stamp
			}
			for p := e.iptr[i]; p < e.iptr[i+1]; p++ {
				j := e.pairs[2*p+1]
				cnt := 0
				for c := 0; c < e.kstar[j]; c++ {
					if mark[e.idxAt(j, c)] == stamp {
						cnt++
					}
				}
				common[p] = float64(cnt)
			}
		}
	})

	e.commonNeighs = common
	e.cfg.Logger.Debug("common neighbors done", "elapsed", time.Since(start))
	return nil
}

// NeighborGraph returns the directed neighbor-pair list and its CSR row
// pointer, computing them on demand. The returned slices are owned by the
// Estimator and become stale when k* changes.
func (e *Estimator) NeighborGraph() (pairs, iptr []int, err error) {
	if err := e.ensurePairs(); err != nil {
		return nil, nil, err
	}
	return e.pairs, e.iptr, nil
}

// VectorDiffs returns the per-pair displacement vectors, flat with Dims()
// components per pair, computing them on demand.
func (e *Estimator) VectorDiffs() ([]float64, error) {
	if err := e.ensureVecDiffs(); err != nil {
		return nil, err
	}
	return e.vecDiffs, nil
}

// CommonNeighbors returns the per-pair shared-neighbor counts, computing them
// on demand.
func (e *Estimator) CommonNeighbors() ([]float64, error) {
	if err := e.ensureCommonNeighs(); err != nil {
		return nil, err
	}
	return e.commonNeighs, nil
}
