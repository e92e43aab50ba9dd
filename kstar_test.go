package pak

import (
	"math"
	"testing"
)

func TestDthrFromPValue(t *testing.T) {
	// The default threshold corresponds to a chi-squared(1) p-value of 1e-6.
	got := DthrFromPValue(1e-6)
	if !almostEqual(got, 23.92812698, 1e-4) {
		t.Errorf("DthrFromPValue(1e-6) = %v, expected ~23.928", got)
	}
	if DthrFromPValue(1e-2) >= got {
		t.Error("larger p-value should give a smaller threshold")
	}
}

func TestComputeKStar_Bounds(t *testing.T) {
	est := newUniformEstimator(t, 400, 100, 42)
	kstar, err := est.ComputeKStar()
	if err != nil {
		t.Fatalf("ComputeKStar: %v", err)
	}
	if len(kstar) != 400 {
		t.Fatalf("len(kstar) = %d", len(kstar))
	}
	for i, k := range kstar {
		if k < 1 || k > est.MaxK() {
			t.Fatalf("kstar[%d] = %d out of [1, %d]", i, k, est.MaxK())
		}
	}
}

func TestComputeKStar_UniformGrowsLarge(t *testing.T) {
	// On homogeneous data the test should rarely reject, so neighborhoods
	// should grow well past the starting size for most points.
	est := newUniformEstimator(t, 500, 60, 4)
	kstar, err := est.ComputeKStar()
	if err != nil {
		t.Fatalf("ComputeKStar: %v", err)
	}
	large := 0
	for _, k := range kstar {
		if k >= 20 {
			large++
		}
	}
	if large < 250 {
		t.Errorf("only %d/500 points reached kstar >= 20 on uniform data", large)
	}
}

func TestComputeKStar_SharperThresholdShrinksNeighborhoods(t *testing.T) {
	data := gaussianBlob(400, 0, 0, 1, 5)

	mean := func(dthr float64) float64 {
		cfg := DefaultConfig()
		cfg.MaxK = 80
		cfg.Dthr = dthr
		est, err := NewFromCoordinates(data, cfg)
		if err != nil {
			t.Fatalf("NewFromCoordinates: %v", err)
		}
		est.SetIntrinsicDim(2)
		kstar, err := est.ComputeKStar()
		if err != nil {
			t.Fatalf("ComputeKStar: %v", err)
		}
		var s float64
		for _, k := range kstar {
			s += float64(k)
		}
		return s / float64(len(kstar))
	}

	loose := mean(23.92812698)
	strict := mean(DthrFromPValue(1e-2))
	if strict >= loose {
		t.Errorf("stricter threshold should shrink neighborhoods: strict=%v loose=%v", strict, loose)
	}
}

func TestComputeKStar_RequiresIntrinsicDim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxK = 10
	est, err := NewFromCoordinates(uniformSquare(50, 6), cfg)
	if err != nil {
		t.Fatalf("NewFromCoordinates: %v", err)
	}
	if _, err := est.ComputeKStar(); err == nil {
		t.Error("expected error without intrinsic dimension")
	}
}

func TestComputeKStar_TinyTable(t *testing.T) {
	// With a single available neighbor the selector must not exceed it.
	dist := [][]float64{{0, 1}, {0, 1}, {0, 2}}
	idx := [][]int{{0, 1}, {1, 0}, {2, 0}}
	est, err := NewFromNeighbors(dist, idx, DefaultConfig())
	if err != nil {
		t.Fatalf("NewFromNeighbors: %v", err)
	}
	est.SetIntrinsicDim(1)
	kstar, err := est.ComputeKStar()
	if err != nil {
		t.Fatalf("ComputeKStar: %v", err)
	}
	for i, k := range kstar {
		if k != 1 {
			t.Errorf("kstar[%d] = %d, expected 1 (only one neighbor available)", i, k)
		}
	}
}

func TestLogSumExp(t *testing.T) {
	got := logSumExp(math.Log(3), math.Log(5))
	if !almostEqual(got, math.Log(8), 1e-12) {
		t.Errorf("logSumExp = %v, expected log(8)", got)
	}
	// No overflow for large magnitudes.
	if v := logSumExp(1000, 1000); !almostEqual(v, 1000+math.Log(2), 1e-9) {
		t.Errorf("logSumExp(1000,1000) = %v", v)
	}
}
