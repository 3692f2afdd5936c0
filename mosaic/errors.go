package mosaic

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can branch on them without
// inspecting message text.
type ErrorKind uint8

const (
	UnknownError ErrorKind = iota
	UnsupportedFormat
	CorruptSource
	UnsupportedBandLayout
	WriteError
	NotAnArchive
	DatasetNotFound
	TileOutOfRange
	BackingStoreUnavailable
	InvalidArgument
)

func (k ErrorKind) String() string {
	switch k {
	case UnsupportedFormat:
		return "unsupported format"
	case CorruptSource:
		return "corrupt source"
	case UnsupportedBandLayout:
		return "unsupported band layout"
	case WriteError:
		return "write error"
	case NotAnArchive:
		return "not an archive"
	case DatasetNotFound:
		return "dataset not found"
	case TileOutOfRange:
		return "tile out of range"
	case BackingStoreUnavailable:
		return "backing store unavailable"
	case InvalidArgument:
		return "invalid argument"
	default:
		return "unknown error"
	}
}

// Retryable is true if the same request may succeed later without any change
// by the caller.
func (k ErrorKind) Retryable() bool {
	return k == BackingStoreUnavailable
}

// Error is the error type returned by all mosaic packages.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, so errors.Is(err, ErrTileOutOfRange)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for use with errors.Is.
var (
	ErrUnsupportedFormat       = &Error{Kind: UnsupportedFormat}
	ErrCorruptSource           = &Error{Kind: CorruptSource}
	ErrUnsupportedBandLayout   = &Error{Kind: UnsupportedBandLayout}
	ErrWrite                   = &Error{Kind: WriteError}
	ErrNotAnArchive            = &Error{Kind: NotAnArchive}
	ErrDatasetNotFound         = &Error{Kind: DatasetNotFound}
	ErrTileOutOfRange          = &Error{Kind: TileOutOfRange}
	ErrBackingStoreUnavailable = &Error{Kind: BackingStoreUnavailable}
	ErrInvalidArgument         = &Error{Kind: InvalidArgument}
)

// NewError returns an *Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError returns an *Error of the given kind wrapping err.  If err is nil,
// nil is returned.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain or UnknownError.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnknownError
}
