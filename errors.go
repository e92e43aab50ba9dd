package pak

import "errors"

// Error kinds returned by Estimator methods. Individual errors wrap one of
// these sentinels; test with errors.Is.
var (
	// ErrInputContract indicates malformed caller input: bad shapes, a
	// non-positive intrinsic dimension, or a requested neighborhood larger
	// than the available neighbor table.
	ErrInputContract = errors.New("pak: input contract violation")

	// ErrSolverFailure indicates that the graph-consistency linear system
	// was singular or produced non-finite values. There is no cheaper
	// substitute for the global solve, so the call fails as a whole.
	ErrSolverFailure = errors.New("pak: consistency solver failure")

	// ErrUnimplemented indicates a configuration that the given inputs
	// cannot support, such as a gradient-based estimator on an Estimator
	// built without coordinates.
	ErrUnimplemented = errors.New("pak: unsupported configuration")
)
