package pak

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime"
)

// Method selects a density estimator variant.
type Method string

const (
	MethodKNN         Method = "kNN"
	MethodKstarNN     Method = "kstarNN"
	MethodKpeaks      Method = "kpeaks"
	MethodCorrKstarNN Method = "corr_kstarNN"
	MethodPAk         Method = "PAk"
	MethodGPAk        Method = "gPAk"
	MethodDFPAk       Method = "dF_PAk"
	MethodGCorr       Method = "gCorr"
	MethodDFPAkGCorr  Method = "dF_PAk_gCorr"
	MethodPAkGCorr    Method = "PAk_gCorr"
)

// ChiAuto requests the neighborhood-overlap estimate of the gradient error
// correlation chi instead of a fixed value.
const ChiAuto = -1.0

// defaultDthr is the likelihood-ratio threshold for the k* homogeneity test,
// corresponding to a chi-squared p-value of 1e-6. See DthrFromPValue.
const defaultDthr = 23.92812698

// Config controls density estimation behavior.
// Start with [DefaultConfig] and override the fields you need.
type Config struct {
	// MaxK is the maximum neighborhood size considered. Required (and must
	// be < n) when constructing from coordinates or a distance matrix; for
	// precomputed neighbor tables 0 means "use the full table width".
	MaxK int

	// Dthr is the likelihood-ratio threshold of the k* homogeneity test.
	// Larger values grow larger neighborhoods. Default: 23.92812698
	// (p-value 1e-6). Use DthrFromPValue to derive it from a p-value.
	Dthr float64

	// K is the fixed neighborhood size used by MethodKNN only. Default: 5.
	K int

	// Alpha blends the graph-consistency solve with its anchor term in
	// MethodDFPAkGCorr and MethodPAkGCorr. 1 means pure consistency.
	// Must be in (0, 1]. Default: 1.0.
	Alpha float64

	// UseVariance weights graph-consistency edges by the inverse variance
	// of the pairwise log-density differences. Default: true.
	UseVariance bool

	// Chi is the assumed correlation between the gradient estimates at two
	// neighboring points, in [0, 1], or ChiAuto to estimate it per edge
	// from the neighborhood overlap. Default: ChiAuto.
	Chi float64

	// Period enables periodic boundary conditions for displacement and
	// distance computation. nil disables; a single element applies the same
	// period to every dimension; otherwise one entry per dimension.
	// Coordinates are assumed to lie in [0, period).
	Period []float64

	// CompCovmat computes the full gradient covariance matrix instead of
	// the diagonal variance. The semisum pairwise corrections always need
	// the full covariance and enable it on demand. Default: false.
	CompCovmat bool

	// Metric is the distance function used by NewFromCoordinates.
	// Ignored by the precomputed-input constructors. Default:
	// EuclideanMetric (or PeriodicEuclideanMetric when Period is set).
	Metric DistanceMetric

	// Workers controls the number of goroutines for the per-point loops.
	// 0 means use runtime.NumCPU().
	Workers int

	// Logger receives Debug-level stage progress messages.
	// nil disables logging.
	Logger *slog.Logger

	// Maximizer solves the graph-consistency system. Default: DenseSolver,
	// which also provides pseudo-inverse error bars. Use
	// ConjugateGradientSolver for large systems.
	Maximizer LikelihoodMaximizer
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Dthr:        defaultDthr,
		K:           5,
		Alpha:       1.0,
		UseVariance: true,
		Chi:         ChiAuto,
		Metric:      EuclideanMetric{},
	}
}

// validateConfig checks that cfg fields are valid and returns a descriptive error if not.
func validateConfig(cfg *Config) error {
	if cfg.MaxK < 0 {
		return fmt.Errorf("%w: MaxK must be >= 0, got %d", ErrInputContract, cfg.MaxK)
	}
	if cfg.Dthr <= 0 {
		return fmt.Errorf("%w: Dthr must be > 0, got %f", ErrInputContract, cfg.Dthr)
	}
	if cfg.K < 1 {
		return fmt.Errorf("%w: K must be >= 1, got %d", ErrInputContract, cfg.K)
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		return fmt.Errorf("%w: Alpha must be in (0, 1], got %f", ErrInputContract, cfg.Alpha)
	}
	if cfg.Chi != ChiAuto && (cfg.Chi < 0 || cfg.Chi > 1) {
		return fmt.Errorf("%w: Chi must be in [0, 1] or ChiAuto, got %f", ErrInputContract, cfg.Chi)
	}
	for _, p := range cfg.Period {
		if p <= 0 {
			return fmt.Errorf("%w: Period entries must be > 0, got %f", ErrInputContract, p)
		}
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("%w: Workers must be >= 0, got %d", ErrInputContract, cfg.Workers)
	}
	return nil
}

// applyDefaults fills in zero-valued config fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Dthr == 0 {
		cfg.Dthr = defaultDthr
	}
	if cfg.K == 0 {
		cfg.K = 5
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 1.0
	}
	if cfg.Metric == nil {
		cfg.Metric = EuclideanMetric{}
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Maximizer == nil {
		cfg.Maximizer = DenseSolver{}
	}
}

// DensityField is the output of a density estimator: per-point log-density,
// its estimated standard error, and the core distance dc (the distance to the
// k*-th neighbor). It is replaced wholesale by each ComputeDensity call.
type DensityField struct {
	Method    Method
	LogDen    []float64
	LogDenErr []float64
	DC        []float64
	KStar     []int

	// Fallback flags points where a numeric degeneracy forced a per-point
	// fallback (shell-volume underflow or a non-convergent likelihood fit).
	// nil for estimators that have no fallback path.
	Fallback []bool
}

// Estimator estimates log-densities from a fixed neighbor structure.
// It owns every derived cache (k*, the neighbor pair graph, gradients,
// pairwise corrections); all caches are invalidated together whenever k*
// changes. The per-point compute loops fan out internally, but the cache
// building calls themselves must be serialized by the caller.
type Estimator struct {
	cfg  Config
	n    int
	maxk int
	dims int // embedding dims; 0 when built without coordinates

	coords []float64 // flat n*dims, nil without coordinates
	dist   []float64 // flat n*(maxk+1), sorted per row, col 0 = self
	idx    []int     // flat n*(maxk+1), matching neighbor identities
	dim    []float64 // per-point intrinsic dimension, nil until set

	generation uint64

	// Derived caches, valid for the current generation.
	kstar        []int
	pairs        []int // flat (i,j) pairs, 2 ints per pair
	iptr         []int // row pointer into pairs, len n+1
	vecDiffs     []float64
	commonNeighs []float64
	grads        []float64
	gradsVar     []float64
	gradsCov     []float64
	fij          []float64
	fijVar       []float64
	fijOneSided  []float64

	field *DensityField
}

// NewFromNeighbors creates an Estimator from a precomputed neighbor table:
// for each point an ordered-by-distance row of neighbor distances and the
// matching neighbor indices, column 0 being the point itself at distance 0.
// Rows must all have the same width maxk+1 with maxk < n. If cfg.MaxK is set
// and smaller than the table width, the table is truncated to cfg.MaxK+1
// columns.
func NewFromNeighbors(distances [][]float64, indices [][]int, cfg Config) (*Estimator, error) {
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	n := len(distances)
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least 2 points, got %d", ErrInputContract, n)
	}
	if len(indices) != n {
		return nil, fmt.Errorf("%w: %d distance rows but %d index rows", ErrInputContract, n, len(indices))
	}
	cols := len(distances[0])
	if cols < 2 {
		return nil, fmt.Errorf("%w: neighbor rows must have at least 2 columns, got %d", ErrInputContract, cols)
	}
	if cfg.MaxK > 0 && cfg.MaxK+1 < cols {
		cols = cfg.MaxK + 1
	}
	maxk := cols - 1
	if maxk >= n {
		return nil, fmt.Errorf("%w: maxk = %d must be < n = %d", ErrInputContract, maxk, n)
	}

	e := &Estimator{cfg: cfg, n: n, maxk: maxk}
	e.dist = make([]float64, n*cols)
	e.idx = make([]int, n*cols)
	for i := range distances {
		if len(distances[i]) < cols || len(indices[i]) < cols {
			return nil, fmt.Errorf("%w: neighbor row %d shorter than %d columns", ErrInputContract, i, cols)
		}
		copy(e.dist[i*cols:(i+1)*cols], distances[i][:cols])
		copy(e.idx[i*cols:(i+1)*cols], indices[i][:cols])
	}
	e.clampZeroDists()
	return e, nil
}

// NewFromCoordinates creates an Estimator from raw point coordinates,
// computing the neighbor table with a brute-force parallel scan under
// cfg.Metric. cfg.MaxK must be set and < n. All points must have the same
// dimensionality. When cfg.Period is set and no custom metric is configured,
// distances are computed on the torus.
func NewFromCoordinates(coords [][]float64, cfg Config) (*Estimator, error) {
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	n := len(coords)
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least 2 points, got %d", ErrInputContract, n)
	}
	dims := len(coords[0])
	if dims == 0 {
		return nil, fmt.Errorf("%w: points must have at least 1 dimension", ErrInputContract)
	}
	if cfg.MaxK < 1 || cfg.MaxK >= n {
		return nil, fmt.Errorf("%w: MaxK must be in [1, n-1], got %d with n = %d", ErrInputContract, cfg.MaxK, n)
	}
	period, err := expandPeriod(cfg.Period, dims)
	if err != nil {
		return nil, err
	}
	if period != nil {
		if _, ok := cfg.Metric.(EuclideanMetric); ok {
			cfg.Metric = PeriodicEuclideanMetric{Period: period}
		}
	}

	flat := make([]float64, n*dims)
	for i, row := range coords {
		if len(row) != dims {
			return nil, fmt.Errorf("%w: point %d has %d dims, expected %d", ErrInputContract, i, len(row), dims)
		}
		copy(flat[i*dims:], row)
	}

	e := &Estimator{cfg: cfg, n: n, maxk: cfg.MaxK, dims: dims, coords: flat}
	e.dist, e.idx = computeNeighborTable(flat, n, dims, cfg.MaxK, cfg.Metric, cfg.Workers)
	e.clampZeroDists()
	return e, nil
}

// NewFromDistanceMatrix creates an Estimator from a full square distance
// matrix, flat row-major of length n*n. The table keeps the cfg.MaxK nearest
// neighbors per point (all n-1 when cfg.MaxK is 0).
func NewFromDistanceMatrix(distMatrix []float64, n int, cfg Config) (*Estimator, error) {
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	if n < 2 {
		return nil, fmt.Errorf("%w: need at least 2 points, got %d", ErrInputContract, n)
	}
	if len(distMatrix) != n*n {
		return nil, fmt.Errorf("%w: distMatrix length %d does not match n*n = %d", ErrInputContract, len(distMatrix), n*n)
	}
	maxk := cfg.MaxK
	if maxk == 0 {
		maxk = n - 1
	}
	if maxk >= n {
		return nil, fmt.Errorf("%w: MaxK must be < n, got %d with n = %d", ErrInputContract, maxk, n)
	}

	e := &Estimator{cfg: cfg, n: n, maxk: maxk}
	e.dist, e.idx = neighborTableFromMatrix(distMatrix, n, maxk, cfg.Workers)
	e.clampZeroDists()
	return e, nil
}

// N returns the number of points.
func (e *Estimator) N() int { return e.n }

// MaxK returns the neighbor table width minus one.
func (e *Estimator) MaxK() int { return e.maxk }

// Dims returns the embedding dimensionality, or 0 when the Estimator was
// built without coordinates.
func (e *Estimator) Dims() int { return e.dims }

// Generation returns the cache generation counter; it is bumped whenever k*
// changes and all derived quantities are invalidated.
func (e *Estimator) Generation() uint64 { return e.generation }

// Field returns the density field from the most recent ComputeDensity call,
// or nil.
func (e *Estimator) Field() *DensityField { return e.field }

// SetIntrinsicDim sets the intrinsic dimension used by every density formula.
// It is an external input, typically produced by an ID estimator. d may be
// non-integer; it must be positive.
func (e *Estimator) SetIntrinsicDim(d float64) error {
	if !(d > 0) {
		return fmt.Errorf("%w: intrinsic dimension must be > 0, got %f", ErrInputContract, d)
	}
	if e.dim == nil {
		e.dim = make([]float64, e.n)
	}
	for i := range e.dim {
		e.dim[i] = d
	}
	return nil
}

// SetIntrinsicDimSlice sets a per-point intrinsic dimension.
func (e *Estimator) SetIntrinsicDimSlice(ds []float64) error {
	if len(ds) != e.n {
		return fmt.Errorf("%w: got %d intrinsic dimensions for %d points", ErrInputContract, len(ds), e.n)
	}
	for i, d := range ds {
		if !(d > 0) {
			return fmt.Errorf("%w: intrinsic dimension must be > 0, got %f at point %d", ErrInputContract, d, i)
		}
	}
	if e.dim == nil {
		e.dim = make([]float64, e.n)
	}
	copy(e.dim, ds)
	return nil
}

// SetKStar fixes the neighborhood size of every point to k, bypassing the
// homogeneity test, and invalidates all derived caches.
func (e *Estimator) SetKStar(k int) error {
	if k < 1 || k > e.maxk {
		return fmt.Errorf("%w: k must be in [1, maxk=%d], got %d", ErrInputContract, e.maxk, k)
	}
	ks := make([]int, e.n)
	for i := range ks {
		ks[i] = k
	}
	e.setKStar(ks)
	return nil
}

// SetKStarSlice fixes a per-point neighborhood size, bypassing the
// homogeneity test, and invalidates all derived caches.
func (e *Estimator) SetKStarSlice(ks []int) error {
	if len(ks) != e.n {
		return fmt.Errorf("%w: got %d kstar values for %d points", ErrInputContract, len(ks), e.n)
	}
	for i, k := range ks {
		if k < 1 || k > e.maxk {
			return fmt.Errorf("%w: kstar[%d] = %d out of [1, maxk=%d]", ErrInputContract, i, k, e.maxk)
		}
	}
	cp := make([]int, e.n)
	copy(cp, ks)
	e.setKStar(cp)
	return nil
}

// KStar returns the current per-point neighborhood sizes, or nil if none have
// been computed or set. The slice is owned by the Estimator.
func (e *Estimator) KStar() []int { return e.kstar }

// kstarCopy returns a private copy of kstar for result fields, so callers
// cannot corrupt the session caches through a returned DensityField.
func (e *Estimator) kstarCopy() []int {
	cp := make([]int, len(e.kstar))
	copy(cp, e.kstar)
	return cp
}

// setKStar installs ks and drops everything derived from the previous value.
func (e *Estimator) setKStar(ks []int) {
	e.kstar = ks
	e.generation++
	e.pairs = nil
	e.iptr = nil
	e.vecDiffs = nil
	e.commonNeighs = nil
	e.grads = nil
	e.gradsVar = nil
	e.gradsCov = nil
	e.fij = nil
	e.fijVar = nil
	e.fijOneSided = nil
	e.field = nil
}

// ensureIntrinsicDim fails fast when no intrinsic dimension has been supplied.
func (e *Estimator) ensureIntrinsicDim() error {
	if e.dim == nil {
		return fmt.Errorf("%w: intrinsic dimension not set, call SetIntrinsicDim first", ErrInputContract)
	}
	return nil
}

// ensureKStar lazily runs the k* selection if nothing has set it yet.
func (e *Estimator) ensureKStar() error {
	if e.kstar != nil {
		return nil
	}
	_, err := e.ComputeKStar()
	return err
}

// ComputeDensity runs the selected estimator and returns its density field.
// Earlier pipeline stages (k*, neighbor graph, gradients, pairwise
// corrections) are computed on demand and memoized until k* changes.
func (e *Estimator) ComputeDensity(m Method) (*DensityField, error) {
	var (
		field *DensityField
		err   error
	)
	switch m {
	case MethodKNN:
		field, err = e.computeDensityKNN(e.cfg.K)
	case MethodKstarNN:
		field, err = e.computeDensityKstarNN()
	case MethodKpeaks:
		field, err = e.computeDensityKpeaks()
	case MethodCorrKstarNN:
		field, err = e.computeDensityCorrKstarNN()
	case MethodPAk:
		field, err = e.computeDensityPAk()
	case MethodGPAk:
		field, err = e.computeDensityGPAk()
	case MethodDFPAk:
		field, err = e.computeDensityDFPAk()
	case MethodGCorr:
		field, err = e.computeDensityGCorr()
	case MethodDFPAkGCorr:
		field, err = e.computeDensityDFPAkGCorr()
	case MethodPAkGCorr:
		field, err = e.computeDensityPAkGCorr()
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrInputContract, m)
	}
	if err != nil {
		return nil, err
	}
	e.field = field
	return field, nil
}

// distAt returns the distance from point i to its j-th nearest neighbor.
func (e *Estimator) distAt(i, j int) float64 { return e.dist[i*(e.maxk+1)+j] }

// idxAt returns the identity of the j-th nearest neighbor of point i.
func (e *Estimator) idxAt(i, j int) int { return e.idx[i*(e.maxk+1)+j] }

// clampZeroDists lifts exact-zero nearest-neighbor distances to machine
// epsilon so the volume formulas stay finite for near-duplicate points.
func (e *Estimator) clampZeroDists() {
	cols := e.maxk + 1
	const eps = 2.220446049250313e-16
	for i := 0; i < e.n; i++ {
		if e.dist[i*cols+1] < eps {
			e.dist[i*cols+1] = eps
		}
	}
}

// expandPeriod normalizes a Period config value to one entry per dimension.
func expandPeriod(period []float64, dims int) ([]float64, error) {
	switch {
	case period == nil:
		return nil, nil
	case len(period) == 1:
		out := make([]float64, dims)
		for i := range out {
			out[i] = period[0]
		}
		return out, nil
	case len(period) == dims:
		out := make([]float64, dims)
		copy(out, period)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: Period has %d entries for %d dimensions", ErrInputContract, len(period), dims)
	}
}

// logVolumePrefactor returns log V_d for the unit d-ball, computed through
// the log-gamma function so large or fractional d cannot overflow.
func logVolumePrefactor(d float64) float64 {
	lg, _ := math.Lgamma(d/2 + 1)
	return d/2*math.Log(math.Pi) - lg
}
