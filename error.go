package clvec

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind enumerates the failures surfaced by clvec entry points.
//
// Kinds are split in two classes: "input" kinds, which the caller can fix by changing its arguments
// (see ErrorKind.IsInput), and "environment" kinds, caused by the devices, the driver or the file system.
type ErrorKind int

const (
	// InvalidKind is the zero value, never returned by clvec.
	InvalidKind ErrorKind = iota

	// NoDevice is returned when no accelerator device could be found, or device enumeration failed.
	NoDevice

	// UnsupportedType is returned when the requested element type can't be bound to the device.
	UnsupportedType

	// DirectoryRead is returned when the kernel source directory can't be read.
	DirectoryRead

	// FileRead is returned when one of the kernel source files can't be read.
	FileRead

	// EmptyDirectory is returned when the kernel source directory holds no kernel source file.
	EmptyDirectory

	// Compile is returned when the device compiler rejects the assembled program.
	// The error message includes the compiler diagnostics.
	Compile

	// SizeMismatch is returned when the operands of an elementwise operation have different lengths.
	SizeMismatch

	// EmptyOperand is returned when an operand of an operation is empty.
	EmptyOperand

	// BufferAlloc is returned when a device buffer can't be allocated.
	BufferAlloc

	// Transfer is returned when writing to or reading from a device buffer fails.
	Transfer

	// KernelBuild is returned when a kernel can't be created from the compiled program or its arguments
	// can't be set.
	KernelBuild

	// Enqueue is returned when a kernel invocation can't be enqueued or fails to complete.
	Enqueue

	// Context is returned when the driver context or command queue can't be created.
	Context

	// SelfTest is returned when the capabilities test kernel run right after compilation fails.
	SelfTest

	// NoContext is returned when an operation is requested on a container not bound to a compute context,
	// or whose context was already destroyed.
	NoContext

	// InvalidArgument is returned for invalid configuration values, e.g. a concurrency hint of 0.
	InvalidArgument
)

var kindNames = map[ErrorKind]string{
	InvalidKind:     "InvalidKind",
	NoDevice:        "NoDevice",
	UnsupportedType: "UnsupportedType",
	DirectoryRead:   "DirectoryRead",
	FileRead:        "FileRead",
	EmptyDirectory:  "EmptyDirectory",
	Compile:         "Compile",
	SizeMismatch:    "SizeMismatch",
	EmptyOperand:    "EmptyOperand",
	BufferAlloc:     "BufferAlloc",
	Transfer:        "Transfer",
	KernelBuild:     "KernelBuild",
	Enqueue:         "Enqueue",
	Context:         "Context",
	SelfTest:        "SelfTest",
	NoContext:       "NoContext",
	InvalidArgument: "InvalidArgument",
}

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// IsInput returns whether the kind is caused by the caller's input, as opposed to the environment
// (devices, driver, file system).
func (k ErrorKind) IsInput() bool {
	switch k {
	case SizeMismatch, EmptyOperand, UnsupportedType, NoContext, InvalidArgument:
		return true
	default:
		return false
	}
}

// Error is the tagged error value returned by all fallible clvec entry points.
// Use KindOf or errors.As to retrieve it from a returned error.
type Error struct {
	// Kind of the failure.
	Kind ErrorKind

	// Stage that failed, e.g. "select-device", "compile" or "write".
	Stage string

	// Err is the underlying error, it may be nil.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("clvec %s error at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("clvec %s error at %s: %v", e.Kind, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new *Error of the given kind and stage, with a message formatted from format and args.
// The returned error carries a stack trace.
func Errorf(kind ErrorKind, stage string, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Stage: stage, Err: errors.Errorf(format, args...)})
}

// Wrap err into an *Error of the given kind and stage.
// If err is nil it returns nil.
// If err already is (or wraps) a *Error, it is returned with the extra stage information as a message.
func Wrap(kind ErrorKind, stage string, err error) error {
	if err == nil {
		return nil
	}
	var clErr *Error
	if errors.As(err, &clErr) {
		return errors.WithMessagef(err, "at %s", stage)
	}
	return errors.WithStack(&Error{Kind: kind, Stage: stage, Err: err})
}

// KindOf returns the ErrorKind of err, or InvalidKind if err is nil or not a clvec error.
func KindOf(err error) ErrorKind {
	var clErr *Error
	if errors.As(err, &clErr) {
		return clErr.Kind
	}
	return InvalidKind
}

// IsKind returns whether err is a clvec error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsInputError returns whether err was caused by the caller's input. See ErrorKind.IsInput.
func IsInputError(err error) bool {
	return KindOf(err).IsInput()
}
