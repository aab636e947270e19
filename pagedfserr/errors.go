// Package pagedfserr defines the error taxonomy returned across the
// pagedfs storage and façade layers. Every discriminant below corresponds
// to exactly one POSIX-flavored failure mode; callers compare Code values
// rather than matching on error strings.
package pagedfserr

import "fmt"

// Code is one discriminant of the pagedfs error taxonomy.
type Code int

const (
	_ Code = iota
	NoSuchFileOrDirectory
	FileExists
	IsDirectory
	NotADirectoryOrSymbolicLink
	DirectoryNotEmpty
	OperationNotPermitted
	PermissionDenied
	InvalidArgument
	InvalidSeek
	FileTooLarge
	FilenameTooLong
	TextFileBusy
	DeviceOrResourceBusy
	NoSuchDevice
	BadFileDescriptor
	IllegalByteSequence
	CannotRemoveMountedMemoryFile
)

var names = map[Code]string{
	NoSuchFileOrDirectory:        "no such file or directory",
	FileExists:                   "file exists",
	IsDirectory:                  "is a directory",
	NotADirectoryOrSymbolicLink:  "not a directory or symbolic link",
	DirectoryNotEmpty:            "directory not empty",
	OperationNotPermitted:        "operation not permitted",
	PermissionDenied:             "permission denied",
	InvalidArgument:              "invalid argument",
	InvalidSeek:                  "invalid seek",
	FileTooLarge:                 "file too large",
	FilenameTooLong:              "filename too long",
	TextFileBusy:                 "text file busy",
	DeviceOrResourceBusy:         "device or resource busy",
	NoSuchDevice:                 "no such device",
	BadFileDescriptor:            "bad file descriptor",
	IllegalByteSequence:          "illegal byte sequence",
	CannotRemoveMountedMemoryFile: "cannot remove mounted memory file",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("pagedfserr.Code(%d)", int(c))
}

// Error is the concrete error type returned by pagedfs. It carries a Code
// so callers can branch on failure class, and an optional wrapped cause
// for plumbing errors (I/O against a Memory, CBOR decode failures) that
// bubbled up from a lower layer.
type Error struct {
	Code  Code
	Cause error
}

func New(code Code) error {
	return &Error{Code: code}
}

func Wrap(code Code, cause error) error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, pagedfserr.New(SomeCode)) work without exposing
// field comparisons to callers.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the Code from err, or 0 if err is nil or not a *Error.
func CodeOf(err error) Code {
	e, ok := err.(*Error)
	if !ok {
		return 0
	}
	return e.Code
}
