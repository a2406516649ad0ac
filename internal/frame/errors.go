// errors.go — Error taxonomy surfaced on the wire.
// Every error class maps to a stable errorType code peers can branch on.
// Retryability is a property of the code, not of the individual error.
package frame

import "github.com/zeebo/errs"

// Error classes. The class tag doubles as the wire errorType code.
var (
	// Caller-side validation failures. Not retried.
	ErrInvalidParams = errs.Class("InvalidParams")

	// Routing failures. Retryable after a membership change.
	ErrUnknownTarget        = errs.Class("UnknownTarget")
	ErrExtensionUnavailable = errs.Class("ExtensionUnavailable")
	ErrPeerUnreachable      = errs.Class("PeerUnreachable")

	// Tab busy. Retryable.
	ErrLockTimeout = errs.Class("LockTimeout")

	// Observer not injected in the target tab. Retryable after injection.
	ErrContentScriptMissing = errs.Class("ContentScriptMissing")

	// Operation-manager failures. Not retried.
	ErrOperationNotFound        = errs.Class("OperationNotFound")
	ErrOperationAlreadyTerminal = errs.Class("OperationAlreadyTerminal")

	// Deadline reached. Retryable with judgment.
	ErrTimeout = errs.Class("Timeout")

	// Infrastructure. Retryable.
	ErrPeerDisconnected = errs.Class("PeerDisconnected")
	ErrProcessRestarted = errs.Class("ProcessRestarted")

	// The browser capability reported a failure; its error data is propagated
	// verbatim in the message.
	ErrCapabilityError = errs.Class("CapabilityError")

	// Transport-level rejections.
	ErrFrameTooLarge = errs.Class("FrameTooLarge")

	// Conversation API could not extract an organization id from cookies.
	ErrOrgIDUnavailable = errs.Class("OrgIdUnavailable")

	// Anything that escaped classification.
	ErrInternal = errs.Class("Internal")
)

// classes is ordered so CodeOf resolves the most specific match first.
var classes = []*errs.Class{
	&ErrInvalidParams,
	&ErrUnknownTarget,
	&ErrExtensionUnavailable,
	&ErrPeerUnreachable,
	&ErrLockTimeout,
	&ErrContentScriptMissing,
	&ErrOperationNotFound,
	&ErrOperationAlreadyTerminal,
	&ErrTimeout,
	&ErrPeerDisconnected,
	&ErrProcessRestarted,
	&ErrCapabilityError,
	&ErrFrameTooLarge,
	&ErrOrgIDUnavailable,
}

// retryable codes; everything absent is not retryable.
var retryable = map[string]bool{
	"UnknownTarget":        true,
	"ExtensionUnavailable": true,
	"PeerUnreachable":      true,
	"LockTimeout":          true,
	"ContentScriptMissing": true,
	"Timeout":              true,
	"PeerDisconnected":     true,
	"ProcessRestarted":     true,
}

// CodeOf returns the wire errorType code for err, or "Internal" when the
// error belongs to no known class. A nil error has no code.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	for _, class := range classes {
		if class.Has(err) {
			return string(*class)
		}
	}
	return string(ErrInternal)
}

// ClassFor returns the error class for a wire errorType code, falling back
// to Internal for unknown codes.
func ClassFor(code string) *errs.Class {
	for _, class := range classes {
		if string(*class) == code {
			return class
		}
	}
	return &ErrInternal
}

// Retryable reports whether a peer may retry after receiving this error.
func Retryable(err error) bool {
	return retryable[CodeOf(err)]
}

// Message returns the human-readable error text for the wire, empty for nil.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
