package pipeline

// Kind classifies a handler failure without string-matching a message.
// Handlers return a plain bool and the dispatcher does not classify errors;
// Kind, HandlerError and ClassifyHandlerError are a standalone
// classification type that no handler or dispatcher code path uses.
type Kind int

const (
	// KindMalformed is a codec reject: the frame could not be parsed.
	KindMalformed Kind = iota
	// KindUnauthorized is a policy reject: the frame parsed fine but the
	// source or destination was not entitled to it.
	KindUnauthorized
	// KindUnreachable means no service or no destination could be found
	// for the frame.
	KindUnreachable
	// KindOverloaded means a destination exists but its queue is full.
	KindOverloaded
	// KindTransient is a handler-internal failure with no broader
	// significance; log and move on.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnauthorized:
		return "unauthorized"
	case KindUnreachable:
		return "unreachable"
	case KindOverloaded:
		return "overloaded"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// HandlerError is an error carrying a Kind, recoverable with
// ClassifyHandlerError.
type HandlerError struct {
	Kind Kind
	Msg  string
}

func (e *HandlerError) Error() string {
	return e.Kind.String() + ": " + e.Msg
}

// NewHandlerError constructs a HandlerError of the given kind.
func NewHandlerError(kind Kind, msg string) *HandlerError {
	return &HandlerError{Kind: kind, Msg: msg}
}

// ClassifyHandlerError extracts the Kind from err if it is a *HandlerError,
// defaulting to KindTransient for anything else (including nil, which
// callers should not pass but which is handled defensively).
func ClassifyHandlerError(err error) Kind {
	if he, ok := err.(*HandlerError); ok {
		return he.Kind
	}
	return KindTransient
}
