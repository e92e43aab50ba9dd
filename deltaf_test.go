package pak

import (
	"math"
	"testing"
)

func TestQuadForm(t *testing.T) {
	m := []float64{2, 1, 1, 3}
	v := []float64{1, -2}
	// [1 -2] M [1 -2]^T = 2 - 2 - 2 + 12 = 10
	if got := quadForm(m, v); !almostEqual(got, 10, 1e-12) {
		t.Errorf("quadForm = %v, expected 10", got)
	}
}

func TestDeltaFs_Antisymmetry(t *testing.T) {
	// When both orientations of an edge are present, the semisum estimate
	// is exactly antisymmetric: deltaF_ij = -deltaF_ji.
	coords := gaussianBlob(200, 0, 0, 1, 47)
	cfg := DefaultConfig()
	cfg.MaxK = 30
	est, err := NewFromCoordinates(coords, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := est.SetIntrinsicDim(2); err != nil {
		t.Fatal(err)
	}
	if _, err := est.ComputeKStar(); err != nil {
		t.Fatal(err)
	}
	pairs, iptr, err := est.NeighborGraph()
	if err != nil {
		t.Fatal(err)
	}
	fij, fijVar, err := est.DeltaFs()
	if err != nil {
		t.Fatalf("DeltaFs: %v", err)
	}

	lookup := func(i, j int) (int, bool) {
		for p := iptr[i]; p < iptr[i+1]; p++ {
			if pairs[2*p+1] == j {
				return p, true
			}
		}
		return 0, false
	}

	checked := 0
	for p := 0; p < len(pairs)/2; p++ {
		i, j := pairs[2*p], pairs[2*p+1]
		q, ok := lookup(j, i)
		if !ok {
			continue
		}
		if math.IsNaN(fij[p]) || math.IsNaN(fij[q]) {
			continue
		}
		if !almostEqual(fij[p], -fij[q], 1e-12) {
			t.Fatalf("edge (%d,%d): %v vs %v, expected antisymmetric", i, j, fij[p], fij[q])
		}
		if !almostEqual(fijVar[p], fijVar[q], 1e-12) {
			t.Fatalf("edge (%d,%d): variances %v vs %v differ", i, j, fijVar[p], fijVar[q])
		}
		checked++
	}
	if checked < 100 {
		t.Fatalf("too few reciprocal edges checked: %d", checked)
	}
}

func TestDeltaFs_VariancesNonNegative(t *testing.T) {
	est := newUniformEstimator(t, 150, 25, 53)
	if _, err := est.ComputeKStar(); err != nil {
		t.Fatal(err)
	}
	_, fijVar, err := est.DeltaFs()
	if err != nil {
		t.Fatal(err)
	}
	for p, v := range fijVar {
		if !math.IsNaN(v) && v < 0 {
			t.Fatalf("pair %d: negative variance %v", p, v)
		}
	}
}

func TestDeltaFs_FixedChi(t *testing.T) {
	// With chi = 0 the variance is the plain average of the endpoint
	// variances; the cross term must vanish.
	coords := uniformSquare(150, 59)
	cfg := DefaultConfig()
	cfg.MaxK = 25
	cfg.Chi = 0
	est, err := NewFromCoordinates(coords, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := est.SetIntrinsicDim(2); err != nil {
		t.Fatal(err)
	}
	if _, err := est.ComputeKStar(); err != nil {
		t.Fatal(err)
	}
	_, fijVar, err := est.DeltaFs()
	if err != nil {
		t.Fatal(err)
	}
	diffs, err := est.VectorDiffs()
	if err != nil {
		t.Fatal(err)
	}
	cov, err := est.GradientCovariances()
	if err != nil {
		t.Fatal(err)
	}

	pairs, _, err := est.NeighborGraph()
	if err != nil {
		t.Fatal(err)
	}
	d := est.Dims()
	for p := 0; p < len(pairs)/2; p++ {
		i, j := pairs[2*p], pairs[2*p+1]
		v := diffs[p*d : (p+1)*d]
		want := 0.25 * (quadForm(cov[i*d*d:(i+1)*d*d], v) + quadForm(cov[j*d*d:(j+1)*d*d], v))
		if math.IsNaN(want) {
			continue
		}
		if !almostEqual(fijVar[p], want, 1e-12) {
			t.Fatalf("pair %d: var %v, expected %v", p, fijVar[p], want)
		}
	}
}

func TestDeltaFs_AutoChiInUnitInterval(t *testing.T) {
	est := newUniformEstimator(t, 150, 25, 61)
	kstar, err := est.ComputeKStar()
	if err != nil {
		t.Fatal(err)
	}
	pairs, _, err := est.NeighborGraph()
	if err != nil {
		t.Fatal(err)
	}
	common, err := est.CommonNeighbors()
	if err != nil {
		t.Fatal(err)
	}
	for p := 0; p < len(pairs)/2; p++ {
		i, j := pairs[2*p], pairs[2*p+1]
		chi := common[p] / (float64(kstar[i]+kstar[j]) - common[p])
		if chi < 0 || chi > 1 {
			t.Fatalf("pair (%d,%d): chi = %v out of [0,1]", i, j, chi)
		}
	}
}

func TestDeltaFsOneSided_MatchesGradientDot(t *testing.T) {
	est := newUniformEstimator(t, 120, 20, 67)
	if _, err := est.ComputeKStar(); err != nil {
		t.Fatal(err)
	}
	if err := est.ensureDeltaFsOneSided(); err != nil {
		t.Fatalf("one-sided deltaF: %v", err)
	}
	grads, _, err := est.Gradients()
	if err != nil {
		t.Fatal(err)
	}
	diffs, err := est.VectorDiffs()
	if err != nil {
		t.Fatal(err)
	}
	pairs, _, err := est.NeighborGraph()
	if err != nil {
		t.Fatal(err)
	}
	d := est.Dims()
	for p := 0; p < len(pairs)/2; p++ {
		i := pairs[2*p]
		var dot float64
		for c := 0; c < d; c++ {
			dot += grads[i*d+c] * diffs[p*d+c]
		}
		got := est.fijOneSided[p]
		if math.IsNaN(dot) {
			if !math.IsNaN(got) {
				t.Fatalf("pair %d: expected NaN, got %v", p, got)
			}
			continue
		}
		if !almostEqual(got, dot, 1e-12) {
			t.Fatalf("pair %d: %v, expected %v", p, got, dot)
		}
	}
}
