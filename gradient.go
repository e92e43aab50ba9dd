package pak

import (
	"math"
	"time"
)

// ensureGradients fits the log-density gradient at every point from the
// displacement vectors to its k* nearest neighbors. Under a locally
// log-linear density the mean neighbor displacement is proportional to the
// gradient: grad = (d+2)/r_k^2 * mean(x_j - x_i). The estimate's uncertainty
// is the sample covariance of the displacements scaled the same way; needCov
// selects between the diagonal variance and the full covariance matrix.
//
// Points with degenerate neighborhoods (k* = 1, or all neighbors at zero
// distance) get NaN gradients and variances; consumers treat them as flagged.
func (e *Estimator) ensureGradients(needCov bool) error {
	if e.grads != nil && (!needCov || e.gradsCov != nil) {
		return nil
	}
	if err := e.ensureVecDiffs(); err != nil {
		return err
	}
	if err := e.ensureIntrinsicDim(); err != nil {
		return err
	}

	start := time.Now()
	dims := e.dims
	grads := make([]float64, e.n*dims)
	gradsVar := make([]float64, e.n*dims)
	var gradsCov []float64
	if needCov {
		gradsCov = make([]float64, e.n*dims*dims)
	}

	parallelFor(e.cfg.Workers, e.n, func(lo, hi int) {
		mean := make([]float64, dims)
		for i := lo; i < hi; i++ {
			lop, hip := e.iptr[i], e.iptr[i+1]
			kmer := hip - lop
			if kmer < 1 {
				markDegenerate(grads[i*dims:(i+1)*dims], gradsVar[i*dims:(i+1)*dims])
				if needCov {
					markDegenerate(gradsCov[i*dims*dims : (i+1)*dims*dims])
				}
				continue
			}

			for c := range mean {
				mean[c] = 0
			}
			for p := lop; p < hip; p++ {
				v := e.vecDiffs[p*dims : (p+1)*dims]
				for c := range mean {
					mean[c] += v[c]
				}
			}
			for c := range mean {
				mean[c] /= float64(kmer)
			}

			// Neighbors are distance ordered, so the last pair spans the
			// neighborhood radius.
			last := e.vecDiffs[(hip-1)*dims : hip*dims]
			var r2 float64
			for c := range last {
				r2 += last[c] * last[c]
			}
			if r2 < shellVolumeUnderflow {
				markDegenerate(grads[i*dims:(i+1)*dims], gradsVar[i*dims:(i+1)*dims])
				if needCov {
					markDegenerate(gradsCov[i*dims*dims : (i+1)*dims*dims])
				}
				continue
			}

			scale := (e.dim[i] + 2.0) / r2
			for c := range mean {
				grads[i*dims+c] = scale * mean[c]
			}

			// Sample covariance of the displacements, scaled to the
			// variance of their mean.
			norm := scale * scale / float64(kmer)
			for a := 0; a < dims; a++ {
				for b := a; b < dims; b++ {
					var sum float64
					for p := lop; p < hip; p++ {
						v := e.vecDiffs[p*dims : (p+1)*dims]
						sum += v[a] * v[b]
					}
					cov := (sum/float64(kmer) - mean[a]*mean[b]) * norm
					if a == b {
						gradsVar[i*dims+a] = cov
					}
					if needCov {
						gradsCov[i*dims*dims+a*dims+b] = cov
						gradsCov[i*dims*dims+b*dims+a] = cov
					}
				}
			}
		}
	})

	e.grads = grads
	e.gradsVar = gradsVar
	e.gradsCov = gradsCov
	e.cfg.Logger.Debug("gradient estimation done",
		"covariance", needCov, "elapsed", time.Since(start))
	return nil
}

// markDegenerate fills the given slices with the NaN sentinel.
func markDegenerate(slices ...[]float64) {
	for _, s := range slices {
		for i := range s {
			s[i] = math.NaN()
		}
	}
}

// Gradients returns the per-point log-density gradient and its diagonal
// variance, both flat with Dims() components per point, computing them on
// demand. Degenerate points carry NaN entries.
func (e *Estimator) Gradients() (grads, gradsVar []float64, err error) {
	if err := e.ensureGradients(e.cfg.CompCovmat); err != nil {
		return nil, nil, err
	}
	return e.grads, e.gradsVar, nil
}

// GradientCovariances returns the full per-point gradient covariance
// matrices, flat with Dims()*Dims() entries per point, computing them on
// demand regardless of Config.CompCovmat.
func (e *Estimator) GradientCovariances() ([]float64, error) {
	if err := e.ensureGradients(true); err != nil {
		return nil, err
	}
	return e.gradsCov, nil
}
