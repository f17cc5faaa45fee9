package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for clients. Kinds are part of the
// API contract and propagate verbatim through the façade.
type Kind string

const (
	KindNotFound              Kind = "NotFound"
	KindBadRequest            Kind = "BadRequest"
	KindInvalidSpec           Kind = "InvalidSpec"
	KindInvalidParameter      Kind = "InvalidParameter"
	KindResourceInUse         Kind = "ResourceInUse"
	KindResourceBusy          Kind = "ResourceBusyError"
	KindPolicyBindingNotFound Kind = "PolicyBindingNotFound"
	KindProfileTypeNotMatch   Kind = "ProfileTypeNotMatch"
	KindNodeNotOrphan         Kind = "NodeNotOrphan"
	KindFeatureNotSupported   Kind = "FeatureNotSupported"
	KindForbidden             Kind = "Forbidden"
	KindInternal              Kind = "Internal"
)

// Error is a kinded engine error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two engine errors by kind, so sentinel-style checks like
// errors.Is(err, &Error{Kind: KindNotFound}) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a kinded error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NotFound reports that an entity of the given kind could not be
// resolved from the given identity.
func NotFound(entity, identity string) *Error {
	return New(KindNotFound, "The %s (%s) could not be found", entity, identity)
}

// BadRequest reports a client request the engine refuses to process.
func BadRequest(format string, args ...interface{}) *Error {
	return New(KindBadRequest, format, args...)
}

// InvalidSpec reports a profile/policy/trigger spec validation failure.
func InvalidSpec(format string, args ...interface{}) *Error {
	return New(KindInvalidSpec, format, args...)
}

// InvalidParameter reports a parameter that failed coercion or bounds.
func InvalidParameter(name string, value interface{}) *Error {
	return New(KindInvalidParameter, "Invalid value %v for parameter %s", value, name)
}

// ResourceInUse reports a delete attempt on a referenced entity.
func ResourceInUse(entity, id string) *Error {
	return New(KindResourceInUse, "The %s (%s) is still in use", entity, id)
}

// ResourceBusy reports an entity occupied by a running action.
func ResourceBusy(entity, id string) *Error {
	return New(KindResourceBusy, "The %s (%s) is busy now", entity, id)
}

// PolicyBindingNotFound reports a missing cluster-policy binding.
func PolicyBindingNotFound(policy, cluster string) *Error {
	return New(KindPolicyBindingNotFound,
		"The policy (%s) is not attached to the specified cluster (%s)",
		policy, cluster)
}

// ProfileTypeNotMatch reports a node/cluster profile type mismatch.
func ProfileTypeNotMatch(format string, args ...interface{}) *Error {
	return New(KindProfileTypeNotMatch, format, args...)
}

// NodeNotOrphan reports an add-nodes attempt on owned nodes.
func NodeNotOrphan(format string, args ...interface{}) *Error {
	return New(KindNodeNotOrphan, format, args...)
}

// FeatureNotSupported reports an operation the engine refuses by design.
func FeatureNotSupported(format string, args ...interface{}) *Error {
	return New(KindFeatureNotSupported, format, args...)
}

// Forbidden reports a permission failure.
func Forbidden() *Error {
	return New(KindForbidden, "You are not authorized to complete this operation")
}

// Internal reports an unexpected engine-side failure.
func Internal(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindInternal, cause, format, args...)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
