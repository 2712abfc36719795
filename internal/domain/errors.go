package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError so that ErrorCodeOf can
// resolve a subsystem-specific code.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrNotSupported = fmt.Errorf("not supported")
)

// Structural errors: bad documents. Fatal at compile time, never retried.
var (
	ErrParse             = fmt.Errorf("malformed document")
	ErrValidation        = fmt.Errorf("validation failed")
	ErrCircularReference = fmt.Errorf("circular workflow reference")
	ErrDuplicateState    = fmt.Errorf("duplicate state name")
)

// Execution errors: recoverable through state or workflow fallbacks.
var (
	ErrBackendUnreachable = fmt.Errorf("model backend unreachable")
	ErrProviderError      = fmt.Errorf("model backend error")
	ErrToolConnection     = fmt.Errorf("tool server connection failed")
	ErrRetrieval          = fmt.Errorf("retrieval failed")
	ErrInputUnavailable   = fmt.Errorf("input unavailable")
	ErrFileUnavailable    = fmt.Errorf("attached file unavailable")
	ErrMaxTransitions     = fmt.Errorf("transition limit reached")

	// Backend HTTP status classes.
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
)

// Selection, lifecycle and orchestration errors.
var (
	ErrSelection     = fmt.Errorf("branch selection failed")
	ErrStopped       = fmt.Errorf("run stopped")
	ErrEntryFailed   = fmt.Errorf("workflow entry failed")
	ErrUnschedulable = fmt.Errorf("entry unschedulable")
)

// Retrieval storage errors.
var (
	ErrEmbeddingFailed = fmt.Errorf("embedding generation failed")
	ErrCacheFormat     = fmt.Errorf("unsupported cache format")
	ErrCacheStore      = fmt.Errorf("cache store operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Compiler.Compile")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail naming the document, state or entry
	SubSystem string // subsystem identifier (e.g., "compiler", "orchestration"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsStructural reports whether err describes a bad document rather than a
// failure while running one.
func IsStructural(err error) bool {
	return errors.Is(err, ErrParse) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrCircularReference) ||
		errors.Is(err, ErrDuplicateState) ||
		errors.Is(err, ErrNotFound)
}

// ErrorCode is a machine-parseable error category for logs and the HTTP surface.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeParse              ErrorCode = "PARSE"
	CodeValidation         ErrorCode = "VALIDATION"
	CodeCircularReference  ErrorCode = "CIRCULAR_REFERENCE"
	CodeDuplicateState     ErrorCode = "DUPLICATE_STATE"
	CodeBackendUnreachable ErrorCode = "BACKEND_UNREACHABLE"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
	CodeToolConnection     ErrorCode = "TOOL_CONNECTION"
	CodeRetrieval          ErrorCode = "RETRIEVAL"
	CodeInputUnavailable   ErrorCode = "INPUT_UNAVAILABLE"
	CodeFileUnavailable    ErrorCode = "FILE_UNAVAILABLE"
	CodeMaxTransitions     ErrorCode = "MAX_TRANSITIONS"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeSelection          ErrorCode = "SELECTION"
	CodeStopped            ErrorCode = "STOPPED"
	CodeEntryFailed        ErrorCode = "ENTRY_FAILED"
	CodeUnschedulable      ErrorCode = "UNSCHEDULABLE"
	CodeEmbeddingFailed    ErrorCode = "EMBEDDING_FAILED"
	CodeCacheFormat        ErrorCode = "CACHE_FORMAT"
	CodeCacheStore         ErrorCode = "CACHE_STORE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeDocumentNotFound  ErrorCode = "DOCUMENT_NOT_FOUND"
	CodeStateNotFound     ErrorCode = "STATE_NOT_FOUND"
	CodeRunNotFound       ErrorCode = "RUN_NOT_FOUND"
	CodeToolNotFound      ErrorCode = "TOOL_SERVER_NOT_FOUND"
	CodeEntryTimeout      ErrorCode = "ENTRY_TIMEOUT"
	CodeModelCallTimeout  ErrorCode = "MODEL_CALL_TIMEOUT"
	CodeOrchestrationSpec ErrorCode = "ORCHESTRATION_INVALID"
	CodeWorkflowInput     ErrorCode = "WORKFLOW_INVALID_INPUT"

	// Category codes: fallback when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeNotSupported ErrorCode = "NOT_SUPPORTED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrInvalidInput: CodeInvalidInput,
	ErrNotSupported: CodeNotSupported,

	ErrParse:              CodeParse,
	ErrValidation:         CodeValidation,
	ErrCircularReference:  CodeCircularReference,
	ErrDuplicateState:     CodeDuplicateState,
	ErrBackendUnreachable: CodeBackendUnreachable,
	ErrProviderError:      CodeProviderError,
	ErrToolConnection:     CodeToolConnection,
	ErrRetrieval:          CodeRetrieval,
	ErrInputUnavailable:   CodeInputUnavailable,
	ErrFileUnavailable:    CodeFileUnavailable,
	ErrMaxTransitions:     CodeMaxTransitions,
	ErrRateLimit:          CodeRateLimit,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrContextOverflow:    CodeContextOverflow,
	ErrSelection:          CodeSelection,
	ErrStopped:            CodeStopped,
	ErrEntryFailed:        CodeEntryFailed,
	ErrUnschedulable:      CodeUnschedulable,
	ErrEmbeddingFailed:    CodeEmbeddingFailed,
	ErrCacheFormat:        CodeCacheFormat,
	ErrCacheStore:         CodeCacheStore,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"compiler":   CodeDocumentNotFound,
		"workflow":   CodeStateNotFound,
		"runstore":   CodeRunNotFound,
		"toolserver": CodeToolNotFound,
	},
	ErrTimeout: {
		"orchestration": CodeEntryTimeout,
		"workflow":      CodeModelCallTimeout,
	},
	ErrValidation: {
		"orchestration": CodeOrchestrationSpec,
	},
	ErrInvalidInput: {
		"orchestration": CodeOrchestrationSpec,
		"workflow":      CodeWorkflowInput,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
