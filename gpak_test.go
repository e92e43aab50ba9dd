package pak

import (
	"math"
	"testing"
)

func TestGPAk_UniformSquareCalibration(t *testing.T) {
	est := newUniformEstimator(t, 1000, 100, 89)
	field, err := est.ComputeDensity(MethodGPAk)
	if err != nil {
		t.Fatalf("gPAk: %v", err)
	}

	var dev []float64
	for i, x := range uniformSquare(1000, 89) {
		if x[0] < 0.2 || x[0] > 0.8 || x[1] < 0.2 || x[1] > 0.8 {
			continue
		}
		dev = append(dev, field.LogDen[i])
	}
	if mad := meanAbs(dev); mad > 0.3 {
		t.Errorf("interior MAD = %v nats, expected < 0.3", mad)
	}
}

func TestDFPAk_UniformSquareCalibration(t *testing.T) {
	est := newUniformEstimator(t, 1000, 100, 97)
	field, err := est.ComputeDensity(MethodDFPAk)
	if err != nil {
		t.Fatalf("dF-PAk: %v", err)
	}

	var dev []float64
	for i, x := range uniformSquare(1000, 97) {
		if x[0] < 0.2 || x[0] > 0.8 || x[1] < 0.2 || x[1] > 0.8 {
			continue
		}
		dev = append(dev, field.LogDen[i])
	}
	if mad := meanAbs(dev); mad > 0.3 {
		t.Errorf("interior MAD = %v nats, expected < 0.3", mad)
	}
}

func TestGPAk_ErrorModels(t *testing.T) {
	// gPAk carries the PAk likelihood error bar, dF-PAk the plain
	// Poisson counting error.
	est := newUniformEstimator(t, 200, 30, 101)
	gpak, err := est.ComputeDensity(MethodGPAk)
	if err != nil {
		t.Fatal(err)
	}
	dfpak, err := est.ComputeDensity(MethodDFPAk)
	if err != nil {
		t.Fatal(err)
	}
	for i, k := range gpak.KStar {
		if k < 2 {
			continue
		}
		wantG := math.Sqrt(float64(4*k+2) / float64(k*(k-1)))
		if !almostEqual(gpak.LogDenErr[i], wantG, 1e-12) {
			t.Fatalf("gPAk LogDenErr[%d] = %v, expected %v", i, gpak.LogDenErr[i], wantG)
		}
		wantD := 1.0 / math.Sqrt(float64(k))
		if !almostEqual(dfpak.LogDenErr[i], wantD, 1e-12) {
			t.Fatalf("dF-PAk LogDenErr[%d] = %v, expected %v", i, dfpak.LogDenErr[i], wantD)
		}
	}
}

func TestGPAk_DegenerateNeighborhoodsFallBack(t *testing.T) {
	// Coincident points produce zero-volume shells, which must degrade the
	// corrected-volume estimate to the plain kstar-NN value with the
	// fallback flag set, for both the one-sided and the semisum variant.
	coords := uniformSquare(60, 103)
	coords = append(coords, []float64{0.5, 0.5}, []float64{0.5, 0.5}, []float64{0.5, 0.5})
	dups := []int{60, 61, 62}
	cfg := DefaultConfig()
	cfg.MaxK = 10
	est, err := NewFromCoordinates(coords, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := est.SetIntrinsicDim(2); err != nil {
		t.Fatal(err)
	}

	for _, m := range []Method{MethodGPAk, MethodDFPAk} {
		field, err := est.ComputeDensity(m)
		if err != nil {
			t.Fatalf("%s: %v", m, err)
		}
		for _, i := range dups {
			if !field.Fallback[i] {
				t.Errorf("%s: expected fallback at duplicated point %d", m, i)
			}
		}
		for i := range field.LogDen {
			if field.Fallback[i] {
				continue
			}
			if math.IsNaN(field.LogDen[i]) || math.IsInf(field.LogDen[i], 0) {
				t.Fatalf("%s: non-finite log-density at unflagged point %d", m, i)
			}
		}
	}

	// Flagged points carry the plain count-over-volume estimate.
	gpak, err := est.ComputeDensity(MethodGPAk)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := est.ComputeDensity(MethodKstarNN)
	if err != nil {
		t.Fatal(err)
	}
	for _, i := range dups {
		if !almostEqual(gpak.LogDen[i], plain.LogDen[i], 1e-12) {
			t.Errorf("point %d: fallback value %v, expected kstar-NN %v",
				i, gpak.LogDen[i], plain.LogDen[i])
		}
	}
}
