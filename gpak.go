package pak

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// computeDensityGPAk corrects the PAk volume estimate for a locally varying
// density: every shell's volume contribution is reweighted by exp(deltaF_ij),
// the first-order log-density change from the point to the neighbor closing
// the shell, estimated from the point's own gradient.
func (e *Estimator) computeDensityGPAk() (*DensityField, error) {
	if err := e.ensureDeltaFsOneSided(); err != nil {
		return nil, err
	}
	return e.correctedVolumeDensity(MethodGPAk, e.fijOneSided, pakErr)
}

// computeDensityDFPAk is the symmetrized variant of gPAk: the shell
// reweighting uses the semisum deltaF_ij, which carries both endpoints'
// gradients, and the error model is the plain 1/sqrt(k*).
func (e *Estimator) computeDensityDFPAk() (*DensityField, error) {
	if err := e.ensureDeltaFsSemisum(); err != nil {
		return nil, err
	}
	return e.correctedVolumeDensity(MethodDFPAk, e.fij, kstarErr)
}

// errModel selects the per-point error formula of a corrected-volume
// estimator.
type errModel int

const (
	pakErr errModel = iota
	kstarErr
)

// correctedVolumeDensity evaluates log rho = log k - log sum_j V_j exp(F_ij)
// over the k*-1 gradient-corrected shells of each point and normalizes the
// result to a probability density. A single non-positive shell volume
// (duplicate coordinates), a NaN correction (degenerate gradients), or a
// vanishing total all degrade the point to the kstar-NN value, flagged in
// Fallback.
func (e *Estimator) correctedVolumeDensity(m Method, fij []float64, em errModel) (*DensityField, error) {
	start := time.Now()
	logDen := make([]float64, e.n)
	logDenErr := make([]float64, e.n)
	dc := make([]float64, e.n)
	fallback := make([]bool, e.n)

	parallelFor(e.cfg.Workers, e.n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			k := e.kstar[i]
			d := e.dim[i]
			rk := e.distAt(i, k)
			dc[i] = rk

			fijs := fij[e.iptr[i]:e.iptr[i+1]]
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
				logDen[i] = math.Log(float64(k)) - logVolumePrefactor(d) - d*math.Log(rk)
				fallback[i] = true
			} else {
				logDen[i] = math.Log(float64(k)) - logVolumePrefactor(d) - math.Log(corrected)
			}

			switch em {
			case pakErr:
				if k > 1 {
					logDenErr[i] = math.Sqrt(float64(4*k+2) / float64(k*(k-1)))
				} else {
					logDenErr[i] = math.NaN()
					fallback[i] = true
				}
			default:
				logDenErr[i] = 1.0 / math.Sqrt(float64(k))
			}
		}
	})

	floats.AddConst(-math.Log(float64(e.n)), logDen)
	e.cfg.Logger.Debug("corrected volume density done", "method", string(m), "elapsed", time.Since(start))
	return &DensityField{
		Method:    m,
		LogDen:    logDen,
		LogDenErr: logDenErr,
		DC:        dc,
		KStar:     e.kstarCopy(),
		Fallback:  fallback,
	}, nil
}
