package coverage

import "errors"

// Error kinds returned by the coverage engine. Evaluation itself is
// infallible once a context is initialized; these only surface from the
// init/finalize lifecycle and from deliberate misuse of the tracking API.
var (
	// ErrSharedMemory means the OS refused to create or map the shared
	// coverage region.
	ErrSharedMemory = errors.New("coverage: failed to create or map shared memory region")

	// ErrNotInstrumented means the child reported zero edges, i.e. the
	// target's instrumentation never ran (or ran against the wrong binary).
	ErrNotInstrumented = errors.New("coverage: instrumented child reported zero edges")

	// ErrTooManyEdges means the child reported more edges than the shared
	// region's bitmap can represent.
	ErrTooManyEdges = errors.New("coverage: child reported more edges than the bitmap can hold")

	// ErrNotFinalized means the context's initialization has not been
	// completed: FinishInitialization was called before Initialize, or an
	// operation that requires FinishInitialization was called before it.
	ErrNotFinalized = errors.New("coverage: context has not finished initialization")

	// ErrTrackingDisabled means an edge-count operation was requested on a
	// context created without hit-count tracking.
	ErrTrackingDisabled = errors.New("coverage: edge tracking is not enabled for this context")

	// ErrNoDesiredEdges means LeastVisitedEdges was asked for zero edges.
	ErrNoDesiredEdges = errors.New("coverage: desired edge count must be greater than zero")

	// ErrEdgeNotNew means ClearEdgeData was called on an edge whose virgin
	// bit is still set, i.e. one that Evaluate never reported as new.
	ErrEdgeNotNew = errors.New("coverage: edge was not previously recorded as new")
)
