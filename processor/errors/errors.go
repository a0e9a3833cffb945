// errors contains types and interfaces representing pipeline errors.
// It is used in the processor to encapsulate information on which pipeline
// phase failed and whether the failure is internal.
package errors

import "fmt"

// The pipeline phases a failure can be attributed to.
const (
	PhaseRefine   = "refining query"
	PhaseFetch    = "fetching audio"
	PhaseValidate = "validating audio"
	PhaseOrganize = "organizing into library"
)

// PipelineError is the interface that must be met by any error reported
// by a pipeline stage.
type PipelineError interface {
	Phase() string
	IsInternal() bool
	Err() error
	Error() string
}

// pipelineError implements the PipelineError interface.
// It encapsulates an error and gives it more context by describing
// the phase in which it occured.
type pipelineError struct {
	err      error
	phase    string
	internal bool
}

// Error returns a string created from the pipelineError's attributes.
func (e pipelineError) Error() string {
	return fmt.Sprintf("Error while %s: %s", e.phase, e.err)
}

// Phase exposes the pipeline phase the error occured in.
func (e pipelineError) Phase() string {
	return e.phase
}

// IsInternal exposes the current pipelineError's internal attribute.
// Internal errors are our fault, not the request's, and are not counted
// against its attempts.
func (e pipelineError) IsInternal() bool {
	return e.internal
}

// Internal returns an internal copy of the current pipelineError.
func (e pipelineError) Internal() pipelineError {
	e.internal = true
	return e
}

// Err returns the raw error wrapped by the current pipelineError.
func (e pipelineError) Err() error {
	return e.err
}

// E creates and returns a new pipelineError with the given phase and err.
func E(phase string, err error) pipelineError {
	return pipelineError{phase: phase, err: err}
}

// Errorf is a convenience function that creates a new pipelineError with
// the given phase, formatting the arguments into its err field.
func Errorf(phase string, pattern string, args ...interface{}) pipelineError {
	return E(phase, fmt.Errorf(pattern, args...))
}
