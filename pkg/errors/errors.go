package errors

import (
	"errors"
	"fmt"
)

var (
	ErrCorruption      = errors.New("corruption")
	ErrBufferOverflow  = errors.New("buffer overflow")
	ErrQueueFull       = errors.New("work queue is full")
	ErrPoolStopped     = errors.New("thread pool is stopped")
	ErrQuotaTooLarge   = errors.New("quota request exceeds total quota")
	ErrAlreadyAppended = errors.New("section attribute already appended")
	ErrFieldVariant    = errors.New("unexpected field variant")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInternal        = errors.New("internal error")
)

// BuildError is the per-work-item failure result. Op names the stage
// ("process", "panic", "hook") and Item the work item that failed.
type BuildError struct {
	Op   string
	Item string
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Item, e.Err.Error())
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func NewBuildError(op string, item string, err error) *BuildError {
	return &BuildError{
		Op:   op,
		Item: item,
		Err:  err,
	}
}

func Corruptionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

func Overflowf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBufferOverflow, fmt.Sprintf(format, args...))
}

// IsDataError reports whether err describes bad encoded data or an undersized
// buffer, as opposed to a scheduling or programming failure.
func IsDataError(err error) bool {
	return errors.Is(err, ErrCorruption) || errors.Is(err, ErrBufferOverflow)
}

// ItemName extracts the failing work item name, if err carries one.
func ItemName(err error) string {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Item
	}
	return ""
}
