// Package pak implements non-parametric density estimation from point clouds
// using point-adaptive k-nearest-neighbor statistics (PAk).
//
// For each point the estimator adaptively selects a neighborhood size k* via
// a likelihood-ratio homogeneity test, then fits a local density model within
// that neighborhood. Several estimators of increasing sophistication are
// available, from a plain fixed-k kNN estimate up to a globally consistent
// density field obtained by fusing pairwise log-density differences through a
// graph-consistency solve (gCorr).
//
// Basic usage:
//
//	cfg := pak.DefaultConfig()
//	cfg.MaxK = 300
//	est, err := pak.NewFromCoordinates(points, cfg)
//	est.SetIntrinsicDim(2)
//	field, err := est.ComputeDensity(pak.MethodPAk)
//	// field.LogDen[i] is the log probability density at point i
//	// field.LogDenErr[i] is its estimated standard error
//	// field.DC[i] is the core distance (radius of the adaptive neighborhood)
//
// Precomputed neighbor tables from an external nearest-neighbor backend are
// accepted via [NewFromNeighbors]; full square distance matrices via
// [NewFromDistanceMatrix]. The intrinsic dimension is an external input as
// well: compute it with any ID estimator and pass it through
// [Estimator.SetIntrinsicDim].
//
// # Estimators
//
// In rough order of cost and accuracy:
//
//	pak.MethodKNN         // fixed-k kNN density
//	pak.MethodKstarNN     // kNN with the adaptive k*
//	pak.MethodKpeaks      // k* itself as a mode-seeking surrogate
//	pak.MethodCorrKstarNN // kstar-NN with correlation-aware error bars
//	pak.MethodPAk         // maximum-likelihood fit over k* shell volumes
//	pak.MethodGPAk        // PAk with gradient-corrected shell volumes
//	pak.MethodDFPAk       // as gPAk, with symmetrized pairwise corrections
//	pak.MethodGCorr       // global graph-consistency solve
//	pak.MethodDFPAkGCorr  // gCorr blended with a volume-anchored prior
//	pak.MethodPAkGCorr    // gCorr anchored on PAk densities and errors
//
// The gradient-based methods need point coordinates; they return an error for
// estimators constructed from distances alone.
package pak
