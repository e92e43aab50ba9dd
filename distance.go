package pak

import "math"

// DistanceMetric measures the distance between two points of equal dimension.
// It is only consulted by [NewFromCoordinates]; estimators built from
// precomputed neighbor tables inherit whatever metric the caller used.
type DistanceMetric interface {
	Distance(a, b []float64) float64
}

// DistanceFunc adapts a plain function into a DistanceMetric.
type DistanceFunc func(a, b []float64) float64

func (f DistanceFunc) Distance(a, b []float64) float64 { return f(a, b) }

// EuclideanMetric computes the Euclidean (L2) distance.
type EuclideanMetric struct{}

func (EuclideanMetric) Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// ManhattanMetric computes the Manhattan (L1 / city-block) distance.
type ManhattanMetric struct{}

func (ManhattanMetric) Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum
}

// ChebyshevMetric computes the Chebyshev (L-infinity) distance.
type ChebyshevMetric struct{}

func (ChebyshevMetric) Distance(a, b []float64) float64 {
	var maxVal float64
	for i := range a {
		if v := math.Abs(a[i] - b[i]); v > maxVal {
			maxVal = v
		}
	}
	return maxVal
}

// MinkowskiMetric computes the Minkowski distance parameterized by P.
// P must be >= 1. Panics if P < 1.
type MinkowskiMetric struct {
	P float64
}

func (m MinkowskiMetric) Distance(a, b []float64) float64 {
	if m.P < 1 {
		panic("pak: MinkowskiMetric P must be >= 1")
	}
	var sum float64
	for i := range a {
		sum += math.Pow(math.Abs(a[i]-b[i]), m.P)
	}
	return math.Pow(sum, 1.0/m.P)
}

// PeriodicEuclideanMetric computes the Euclidean distance on a torus with the
// given per-dimension period. Coordinates are assumed to lie in [0, period).
type PeriodicEuclideanMetric struct {
	Period []float64
}

func (m PeriodicEuclideanMetric) Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := periodicDelta(b[i]-a[i], m.Period[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// periodicDelta wraps a coordinate difference into [-period/2, period/2).
func periodicDelta(d, period float64) float64 {
	return d - period*math.Round(d/period)
}
