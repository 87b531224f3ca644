package result

// ErrorKind classifies why a step failed. Unlike the teacher's
// ErrorCategory, which classifies HTTP-facing provider failures, ErrorKind
// classifies engine-facing failures: what part of the pipeline machinery
// raised the fault, not what provider sent it.
type ErrorKind int

const (
	// ErrorUnknown is the zero value; avoid constructing it directly.
	ErrorUnknown ErrorKind = iota
	// ErrorTimeout marks a step that exceeded its configured timeout.
	ErrorTimeout
	// ErrorCancelled marks a step that observed context cancellation.
	ErrorCancelled
	// ErrorValidation marks a step whose output failed schema or struct
	// validation.
	ErrorValidation
	// ErrorTool marks a failure raised by a tool invocation.
	ErrorTool
	// ErrorProvider marks a failure raised by an LLM provider adapter.
	ErrorProvider
	// ErrorLoopDetected marks a tool loop that was aborted after
	// exceeding max_tool_iterations without the model settling on a final
	// answer. (A call set repeated past its loop-detection threshold is
	// instead cut short with a synthetic stop response, not an error.)
	ErrorLoopDetected
	// ErrorRouting marks a failure to resolve a next_steps routing
	// target.
	ErrorRouting
	// ErrorInternal marks a defect in step or pipeline logic rather than
	// an externally caused failure.
	ErrorInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorTimeout:
		return "timeout"
	case ErrorCancelled:
		return "cancelled"
	case ErrorValidation:
		return "validation"
	case ErrorTool:
		return "tool"
	case ErrorProvider:
		return "provider"
	case ErrorLoopDetected:
		return "loop_detected"
	case ErrorRouting:
		return "routing"
	case ErrorInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Retryable reports whether a middleware retry policy should consider this
// error kind eligible for another attempt. Loop detection and validation
// failures are never retried blindly: a retry without changing input would
// reproduce the same fault. Routing and internal errors indicate a defect
// in pipeline wiring, not a transient condition.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorTimeout, ErrorProvider, ErrorTool:
		return true
	default:
		return false
	}
}
