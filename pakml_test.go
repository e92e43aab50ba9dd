package pak

import (
	"math"
	"testing"
)

func TestNrmaxl_UniformShellsExactOptimum(t *testing.T) {
	// With equal shell volumes v the likelihood optimum is b = -log v, a = 0.
	// Seeding at the optimum must report convergence without moving.
	const v = 0.25
	vi := []float64{v, v, v, v, v, v, v, v}
	got, ok := nrmaxl(-math.Log(v), len(vi), vi)
	if !ok {
		t.Fatal("expected convergence")
	}
	if !almostEqual(got, -math.Log(v), 1e-12) {
		t.Errorf("b = %v, expected %v", got, -math.Log(v))
	}
}

func TestNrmaxl_ConvergesFromPerturbedSeed(t *testing.T) {
	const v = 0.1
	vi := make([]float64, 20)
	for j := range vi {
		vi[j] = v
	}
	got, ok := nrmaxl(-math.Log(v)+0.2, len(vi), vi)
	if !ok {
		t.Fatal("expected convergence")
	}
	if !almostEqual(got, -math.Log(v), 1e-2) {
		t.Errorf("b = %v, expected near %v", got, -math.Log(v))
	}
}

func TestNrmaxlIter_ZeroBudgetReturnsSeed(t *testing.T) {
	vi := []float64{0.1, 0.2, 0.3}
	got, ok := nrmaxlIter(1.7, len(vi), vi, 0)
	if ok {
		t.Error("zero budget must not report convergence")
	}
	if got != 1.7 {
		t.Errorf("got %v, expected the seed", got)
	}
}

func TestPAk_UniformSquareCalibration(t *testing.T) {
	est := newUniformEstimator(t, 1000, 100, 7)
	field, err := est.ComputeDensity(MethodPAk)
	if err != nil {
		t.Fatalf("ComputeDensity: %v", err)
	}

	var dev []float64
	fallbacks := 0
	for i, x := range uniformSquare(1000, 7) {
		if field.Fallback[i] {
			fallbacks++
		}
		if x[0] < 0.2 || x[0] > 0.8 || x[1] < 0.2 || x[1] > 0.8 {
			continue
		}
		dev = append(dev, field.LogDen[i])
	}
	if mad := meanAbs(dev); mad > 0.3 {
		t.Errorf("interior MAD = %v nats, expected < 0.3", mad)
	}
	if fallbacks > 50 {
		t.Errorf("%d fallback points on well-separated data", fallbacks)
	}
}

func TestPAk_ErrorBarFormula(t *testing.T) {
	est := newUniformEstimator(t, 100, 20, 11)
	field, err := est.ComputeDensity(MethodPAk)
	if err != nil {
		t.Fatalf("ComputeDensity: %v", err)
	}
	for i, k := range field.KStar {
		if k < 2 {
			continue
		}
		want := math.Sqrt(float64(4*k+2) / float64(k*(k-1)))
		if !almostEqual(field.LogDenErr[i], want, 1e-12) {
			t.Fatalf("LogDenErr[%d] = %v, expected %v", i, field.LogDenErr[i], want)
		}
	}
}

func TestPAk_DegenerateShellsFallBack(t *testing.T) {
	// Distance matrix with tied neighbor distances: the shell between two
	// equal radii has zero volume, so the likelihood fit is abandoned and
	// the plain kstar-NN value is kept.
	dm := []float64{
		0, 1, 1, 2,
		1, 0, 1, 1,
		1, 1, 0, 1,
		2, 1, 1, 0,
	}
	cfg := DefaultConfig()
	cfg.MaxK = 3
	est, err := NewFromDistanceMatrix(dm, 4, cfg)
	if err != nil {
		t.Fatalf("NewFromDistanceMatrix: %v", err)
	}
	if err := est.SetIntrinsicDim(2); err != nil {
		t.Fatalf("SetIntrinsicDim: %v", err)
	}
	if err := est.SetKStar(3); err != nil {
		t.Fatalf("SetKStar: %v", err)
	}

	pakField, err := est.ComputeDensity(MethodPAk)
	if err != nil {
		t.Fatalf("PAk: %v", err)
	}
	if err := est.SetKStar(3); err != nil {
		t.Fatalf("SetKStar: %v", err)
	}
	knnField, err := est.ComputeDensity(MethodKstarNN)
	if err != nil {
		t.Fatalf("kstarNN: %v", err)
	}

	for i := 0; i < 4; i++ {
		if !pakField.Fallback[i] {
			t.Errorf("point %d: expected fallback flag", i)
		}
		if !almostEqual(pakField.LogDen[i], knnField.LogDen[i], 1e-12) {
			t.Errorf("point %d: LogDen %v, expected kstar-NN value %v",
				i, pakField.LogDen[i], knnField.LogDen[i])
		}
	}
}

func TestPAk_WorksWithoutCoordinates(t *testing.T) {
	// PAk needs distances only. Build the neighbor table from a distance
	// matrix and check the estimate matches the coordinate-backed run.
	coords := uniformSquare(120, 13)
	n := len(coords)
	dm := make([]float64, n*n)
	m := EuclideanMetric{}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			dm[i*n+j] = m.Distance(coords[i], coords[j])
		}
	}

	cfg := DefaultConfig()
	cfg.MaxK = 30
	fromMat, err := NewFromDistanceMatrix(dm, n, cfg)
	if err != nil {
		t.Fatalf("NewFromDistanceMatrix: %v", err)
	}
	if err := fromMat.SetIntrinsicDim(2); err != nil {
		t.Fatal(err)
	}
	fromCoords, err := NewFromCoordinates(coords, cfg)
	if err != nil {
		t.Fatalf("NewFromCoordinates: %v", err)
	}
	if err := fromCoords.SetIntrinsicDim(2); err != nil {
		t.Fatal(err)
	}

	a, err := fromMat.ComputeDensity(MethodPAk)
	if err != nil {
		t.Fatalf("PAk from matrix: %v", err)
	}
	b, err := fromCoords.ComputeDensity(MethodPAk)
	if err != nil {
		t.Fatalf("PAk from coords: %v", err)
	}
	for i := range a.LogDen {
		if !almostEqual(a.LogDen[i], b.LogDen[i], 1e-9) {
			t.Fatalf("LogDen[%d]: %v vs %v", i, a.LogDen[i], b.LogDen[i])
		}
	}
}
