package sepcorr

import (
	"errors"
	"fmt"
)

// ErrorKind classifies fatal job errors.
type ErrorKind int

const (
	// KindConfig marks a missing or unreadable input or reference file.
	// The input file has not been touched.
	KindConfig ErrorKind = iota + 1
	// KindIO marks a failure creating or writing an output, or replacing
	// the input. Partial outputs may remain on disk.
	KindIO
	// KindCancelled marks a cooperative stop. Not a failure.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindIO:
		return "io"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ErrCancelled is wrapped by every error reporting a cancelled job.
var ErrCancelled = errors.New("job cancelled")

// JobError is the error type returned by Run.
type JobError struct {
	Kind ErrorKind
	Op   string // what was being done, e.g. "open input"
	Path string // offending path, if any
	Err  error
}

func (e *JobError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// IsCancelled reports whether err reports a cancelled job.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// KindOf returns the kind of the first JobError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return 0
}

func configError(op, path string, err error) error {
	return &JobError{Kind: KindConfig, Op: op, Path: path, Err: err}
}

func ioError(op, path string, err error) error {
	return &JobError{Kind: KindIO, Op: op, Path: path, Err: err}
}

func cancelledError(path string, cause error) error {
	err := ErrCancelled
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return &JobError{Kind: KindCancelled, Op: "correct", Path: path, Err: err}
}
