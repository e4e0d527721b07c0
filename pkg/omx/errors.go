package omx

import "errors"

var (
	ErrInsufficientResources    = errors.New("insufficient resources")
	ErrIncorrectStateTransition = errors.New("incorrect state transition")
	ErrIncorrectStateOperation  = errors.New("incorrect state operation")
	ErrInvalidHeader            = errors.New("invalid buffer header")
	ErrBadParameter             = errors.New("bad parameter")
	ErrBadPortIndex             = errors.New("bad port index")
	ErrContentError             = errors.New("content error")
	ErrTimeout                  = errors.New("timeout")
	ErrInvalidState             = errors.New("invalid state")
	ErrCommandCanceled          = errors.New("command canceled")
	ErrPortsNotCompatible       = errors.New("ports not compatible")
	ErrUnsupportedIndex         = errors.New("unsupported index")
	ErrComponentFreed           = errors.New("component freed")
)

var taxonomy = []error{
	ErrInsufficientResources,
	ErrIncorrectStateTransition,
	ErrIncorrectStateOperation,
	ErrInvalidHeader,
	ErrBadParameter,
	ErrBadPortIndex,
	ErrContentError,
	ErrTimeout,
	ErrInvalidState,
	ErrCommandCanceled,
	ErrPortsNotCompatible,
	ErrUnsupportedIndex,
	ErrComponentFreed,
}

// ErrorName returns the taxonomy entry err wraps, or "undefined".
func ErrorName(err error) string {
	if err == nil {
		return "none"
	}
	for _, e := range taxonomy {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "undefined"
}
