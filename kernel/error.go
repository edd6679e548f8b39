package kernel

// ErrorKind classifies a kernel Error so that callers can react to a failure
// without comparing against every sentinel defined by the various modules.
type ErrorKind uint8

const (
	// KindUnknown is the zero value for errors that do not fit any of the
	// other kinds.
	KindUnknown ErrorKind = iota

	// KindInvalidArgument is reported when a request is malformed, e.g. a
	// zero-sized allocation or a pointer that does not belong to an
	// allocator.
	KindInvalidArgument

	// KindOutOfMemory is reported when no free region can satisfy a request.
	KindOutOfMemory

	// KindPoolExhausted is reported when a fixed-capacity descriptor arena
	// has no free slot left.
	KindPoolExhausted

	// KindCapacityExceeded is reported when a fixed-capacity bookkeeping
	// table (e.g. the multi-page allocation table) is full.
	KindCapacityExceeded
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindOutOfMemory:
		return "out of memory"
	case KindPoolExhausted:
		return "pool exhausted"
	case KindCapacityExceeded:
		return "capacity exceeded"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that errors are raised by the allocators themselves so the
// error path cannot allocate memory via errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The error classification.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is a kernel Error of the same kind. It allows
// callers to use errors.Is with the kind templates below instead of the
// module-specific sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}

	return e == t || (t.Module == "" && t.Kind != KindUnknown && t.Kind == e.Kind)
}

// Kind templates for use with errors.Is.
var (
	ErrInvalidArgument  = &Error{Message: KindInvalidArgument.String(), Kind: KindInvalidArgument}
	ErrOutOfMemory      = &Error{Message: KindOutOfMemory.String(), Kind: KindOutOfMemory}
	ErrPoolExhausted    = &Error{Message: KindPoolExhausted.String(), Kind: KindPoolExhausted}
	ErrCapacityExceeded = &Error{Message: KindCapacityExceeded.String(), Kind: KindCapacityExceeded}
)
