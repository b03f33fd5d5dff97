package kernel

// Error describes an error reported by one of the memory management
// packages. Errors are declared as package-level pointers to Error and are
// compared by identity, so callers can test for a particular failure with a
// plain equality check:
//
//	if err == pmm.ErrOutOfFrames {
//		// free something and retry
//	}
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error message prefixed by the module that raised it.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
