package pak

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// computeDensityKNN is the plain fixed-k estimator: log rho = log k - log V(r_k)
// with V the d-ball volume at the k-th neighbor distance. It installs k as the
// neighborhood size of every point, so it invalidates derived caches.
func (e *Estimator) computeDensityKNN(k int) (*DensityField, error) {
	if err := e.ensureIntrinsicDim(); err != nil {
		return nil, err
	}
	if err := e.SetKStar(k); err != nil {
		return nil, err
	}
	return e.localVolumeDensity(MethodKNN)
}

// computeDensityKstarNN is the fixed-k estimator evaluated at the adaptive k*.
func (e *Estimator) computeDensityKstarNN() (*DensityField, error) {
	if err := e.ensureKStar(); err != nil {
		return nil, err
	}
	return e.localVolumeDensity(MethodKstarNN)
}

// localVolumeDensity evaluates the count-over-volume estimate at the current
// per-point neighborhood sizes and normalizes it to a probability density.
func (e *Estimator) localVolumeDensity(m Method) (*DensityField, error) {
	if err := e.ensureIntrinsicDim(); err != nil {
		return nil, err
	}
	start := time.Now()
	logDen := make([]float64, e.n)
	logDenErr := make([]float64, e.n)
	dc := make([]float64, e.n)

	parallelFor(e.cfg.Workers, e.n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			k := e.kstar[i]
			rk := e.distAt(i, k)
			dc[i] = rk
			d := e.dim[i]
			logDen[i] = math.Log(float64(k)) - logVolumePrefactor(d) - d*math.Log(rk)
			logDenErr[i] = 1.0 / math.Sqrt(float64(k))
		}
	})

	floats.AddConst(-math.Log(float64(e.n)), logDen)
	e.cfg.Logger.Debug("local volume density done", "method", string(m), "elapsed", time.Since(start))
	return &DensityField{
		Method:    m,
		LogDen:    logDen,
		LogDenErr: logDenErr,
		DC:        dc,
		KStar:     e.kstarCopy(),
	}, nil
}

// computeDensityKpeaks uses k* itself as a density surrogate for mode seeking.
// The value is not a calibrated density and is deliberately left unnormalized;
// the error is the spread of k* across the neighborhood.
func (e *Estimator) computeDensityKpeaks() (*DensityField, error) {
	if err := e.ensureKStar(); err != nil {
		return nil, err
	}

	logDen := make([]float64, e.n)
	logDenErr := make([]float64, e.n)
	dc := make([]float64, e.n)

	parallelFor(e.cfg.Workers, e.n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			k := e.kstar[i]
			dc[i] = e.distAt(i, k)
			logDen[i] = float64(k)
			var sq float64
			for j := 1; j < k; j++ {
				dk := float64(e.kstar[e.idxAt(i, j)] - k)
				sq += dk * dk
			}
			logDenErr[i] = math.Sqrt(sq / float64(k))
		}
	})

	return &DensityField{
		Method:    MethodKpeaks,
		LogDen:    logDen,
		LogDenErr: logDenErr,
		DC:        dc,
		KStar:     e.kstarCopy(),
	}, nil
}

// computeDensityCorrKstarNN returns the kstar-NN point estimates with error
// bars that account for the correlation between neighboring estimates: the
// precision matrix couples points through their shared neighbor counts and
// the marginal variances come from its pseudo-inverse diagonal.
func (e *Estimator) computeDensityCorrKstarNN() (*DensityField, error) {
	if err := e.ensureKStar(); err != nil {
		return nil, err
	}
	if err := e.ensureCommonNeighs(); err != nil {
		return nil, err
	}

	field, err := e.localVolumeDensity(MethodCorrKstarNN)
	if err != nil {
		return nil, err
	}

	a := make([]float64, e.n*e.n)
	for p := 0; p < len(e.pairs)/2; p++ {
		i := e.pairs[2*p]
		j := e.pairs[2*p+1]
		a[i*e.n+j] += e.commonNeighs[p] / 2.0
	}
	prec := newSymmetrized(a, e.n)
	for i := 0; i < e.n; i++ {
		prec.SetSym(i, i, float64(e.kstar[i]))
	}

	diag, err := pinvDiag(prec)
	if err != nil {
		return nil, err
	}
	for i := range diag {
		field.LogDenErr[i] = math.Sqrt(diag[i])
	}
	return field, nil
}

// Entropy returns a rough estimate of the differential entropy of the data
// distribution as the negative mean log-density of the current field.
func (e *Estimator) Entropy() (float64, error) {
	if e.field == nil {
		return 0, fmt.Errorf("%w: no density field computed yet", ErrInputContract)
	}
	return -stat.Mean(e.field.LogDen, nil), nil
}
