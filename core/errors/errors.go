package errors

import "errors"

type Category string

const (
	CategoryProtocolViolation Category = "protocol_violation"
	CategoryNotFound          Category = "not_found"
	CategoryIntegrity         Category = "integrity_failed"
	CategoryUnsafeArchive     Category = "unsafe_archive"
	CategoryInvalidConfig     Category = "invalid_config"
	CategoryTimeout           Category = "timeout"
	CategoryHarnessFailure    Category = "harness_failed"
	CategoryInvalidInput      Category = "invalid_input"
	CategoryIOFailure         Category = "io_failure"
	CategoryInternalFailure   Category = "internal_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// Fatal reports whether an error class aborts a whole run rather than a single trial.
func Fatal(err error) bool {
	switch CategoryOf(err) {
	case CategoryInvalidConfig:
		return true
	default:
		return false
	}
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}
