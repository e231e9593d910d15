package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass classifies an error by how far its effect reaches in a run.
type ErrorClass string

const (
	// ErrorClassStructural marks an unusable definition set, such as a missing
	// dependency or a cycle. Nothing is executed when one is reported.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassCompatibility marks a dependency that has no configuration for
	// the active environment. Only the affected branch is skipped.
	ErrorClassCompatibility ErrorClass = "compatibility"

	// ErrorClassExecution marks a failure local to one package: non-zero exit,
	// spawn failure or timeout.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassCancellation marks work stopped by an interrupt.
	ErrorClassCancellation ErrorClass = "cancellation"

	// ErrorClassInternal marks misuse of the engine API.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the package name that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&sb, " (package=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&sb, " (package=%s)", e.Resource)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewStructuralError creates a new structural error.
func NewStructuralError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassStructural, Message: message, Err: err}
}

// NewCompatibilityError creates a new environment compatibility error.
func NewCompatibilityError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCompatibility, Message: message, Err: err}
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassExecution, Message: message, Err: err}
}

// NewCancellationError creates a new cancellation error.
func NewCancellationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCancellation, Message: message, Err: err}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassInternal, Message: message, Err: err}
}

// WithResource adds package context to an error.
func (e *EngineError) WithResource(name string) *EngineError {
	e.Resource = name
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsStructural returns true if the error makes the whole definition set unusable.
func IsStructural(err error) bool {
	return hasClass(err, ErrorClassStructural)
}

// IsCompatibility returns true if the error is an environment compatibility error.
func IsCompatibility(err error) bool {
	return hasClass(err, ErrorClassCompatibility)
}

// IsExecution returns true if the error is local to one package's commands.
func IsExecution(err error) bool {
	return hasClass(err, ErrorClassExecution)
}

// IsCancellation returns true if the error was caused by an interrupt.
func IsCancellation(err error) bool {
	return hasClass(err, ErrorClassCancellation)
}

// ErrorCode returns the code of the first EngineError in err's chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation              = "VALIDATION_ERROR"
	ErrCodeUnresolvedDependency    = "UNRESOLVED_DEPENDENCY"
	ErrCodeDependencyCycle         = "DEPENDENCY_CYCLE"
	ErrCodeEnvironmentIncompatible = "ENVIRONMENT_INCOMPATIBLE"
	ErrCodeCommandFailed           = "COMMAND_FAILED"
	ErrCodeTimeout                 = "TIMEOUT"
	ErrCodeInterrupted             = "INTERRUPTED"
	ErrCodeDependencyFailed        = "DEPENDENCY_FAILED"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeUnknownEnvironment      = "UNKNOWN_ENVIRONMENT"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// UnresolvedDependencyError reports a dependency name that matches no known package.
type UnresolvedDependencyError struct {
	Package    string
	Dependency string

	// Suggestions are defined packages with a similar name.
	Suggestions []string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("package %q depends on unknown package %q", e.Package, e.Dependency) + didYouMean(e.Suggestions)
}

// CycleError reports every dependency cycle found in a graph.
type CycleError struct {
	// Cycles holds each cycle as the ordered names along it. The first name
	// is not repeated at the end.
	Cycles [][]string
}

func (e *CycleError) Error() string {
	paths := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		paths = append(paths, formatCycle(c))
	}
	if len(paths) == 1 {
		return "dependency cycle: " + paths[0]
	}
	return fmt.Sprintf("%d dependency cycles: %s", len(paths), strings.Join(paths, "; "))
}

// IncompatibleEnvironmentError reports a dependency that defines no
// configuration for the environment being resolved.
type IncompatibleEnvironmentError struct {
	Package     string
	Dependency  string
	Environment string
}

func (e *IncompatibleEnvironmentError) Error() string {
	return fmt.Sprintf("package %q depends on %q, which has no configuration for environment %q",
		e.Package, e.Dependency, e.Environment)
}

// CommandFailedError reports a command that exited non-zero.
type CommandFailedError struct {
	Command  string
	ExitCode int
	Output   []OutputLine
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.ExitCode)
}

// TimeoutError reports a command that outlived its timeout.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.Timeout)
}

const detailSuggestions = "suggestions"

// NewUnresolvedDependencyError wraps an UnresolvedDependencyError as a
// structural error. known is searched for names similar to dependency.
func NewUnresolvedDependencyError(pkg, dependency string, known []string) *EngineError {
	suggestions := Suggest(dependency, known)
	err := NewStructuralError("unresolved dependency", &UnresolvedDependencyError{
		Package:     pkg,
		Dependency:  dependency,
		Suggestions: suggestions,
	}).WithCode(ErrCodeUnresolvedDependency).WithResource(pkg).WithDetail("dependency", dependency)
	if len(suggestions) > 0 {
		err.WithDetail(detailSuggestions, suggestions)
	}
	return err
}

// NewPackageNotFoundError reports a package name that is not defined, for
// env when env is set. known is searched for similar names.
func NewPackageNotFoundError(name, env string, known []string) *EngineError {
	msg := fmt.Sprintf("package %q is not defined", name)
	if env != "" {
		msg = fmt.Sprintf("package %q is not defined for environment %s", name, env)
	}
	suggestions := Suggest(name, known)
	err := NewStructuralError(msg+didYouMean(suggestions), nil).
		WithCode(ErrCodeNotFound).WithResource(name)
	if len(suggestions) > 0 {
		err.WithDetail(detailSuggestions, suggestions)
	}
	return err
}

// NewUnknownEnvironmentError reports an environment no package defines.
func NewUnknownEnvironmentError(env string, known []string) *EngineError {
	suggestions := Suggest(env, known)
	msg := fmt.Sprintf("no package defines environment %q%s; known environments: %s",
		env, didYouMean(suggestions), strings.Join(known, ", "))
	err := NewStructuralError(msg, nil).
		WithCode(ErrCodeUnknownEnvironment).
		WithDetail("environment", env).
		WithDetail("known_environments", known)
	if len(suggestions) > 0 {
		err.WithDetail(detailSuggestions, suggestions)
	}
	return err
}

// NewCycleError wraps a CycleError as a structural error.
func NewCycleError(cycles [][]string) *EngineError {
	return NewStructuralError("circular dependency detected", &CycleError{Cycles: cycles}).
		WithCode(ErrCodeDependencyCycle).
		WithDetail("cycles", len(cycles))
}

// NewIncompatibleEnvironmentError wraps an IncompatibleEnvironmentError as a compatibility error.
func NewIncompatibleEnvironmentError(pkg, dependency, environment string) *EngineError {
	return NewCompatibilityError("incompatible dependency", &IncompatibleEnvironmentError{
		Package:     pkg,
		Dependency:  dependency,
		Environment: environment,
	}).WithCode(ErrCodeEnvironmentIncompatible).WithResource(pkg).
		WithDetail("dependency", dependency).
		WithDetail("environment", environment)
}

// NewCommandFailedError wraps a CommandFailedError as an execution error.
func NewCommandFailedError(pkg, command string, outcome *CommandOutcome) *EngineError {
	cfe := &CommandFailedError{Command: command}
	if outcome != nil {
		cfe.ExitCode = outcome.ExitCode
		cfe.Output = outcome.Lines()
	}
	return NewExecutionError("command failed", cfe).
		WithCode(ErrCodeCommandFailed).
		WithResource(pkg).
		WithDetail("exit_code", cfe.ExitCode)
}

// NewTimeoutError wraps a TimeoutError as an execution error.
func NewTimeoutError(pkg, command string, timeout time.Duration) *EngineError {
	return NewExecutionError("command timed out", &TimeoutError{Command: command, Timeout: timeout}).
		WithCode(ErrCodeTimeout).
		WithResource(pkg)
}

// formatCycle formats a cycle path for error messages, closing the loop.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(append(append([]string{}, cycle...), cycle[0]), " -> ")
}
