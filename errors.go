package urp

import (
	"fmt"

	"github.com/minecraft-podman/urp/internal/syncmap"
)

// NotAMethodError is the error name sent back for a Call naming a method
// the registry has no handler for.
const NotAMethodError = ".NotAMethod"

// ErrorKind is a dynamically named error category. Two ApplicationErrors
// with the same name compare equal by Kind, mirroring how the reference
// implementation lazily creates one exception subclass per distinct error
// name and reuses it: reification is idempotent across an entire process,
// not just within one connection.
type ErrorKind struct {
	name string
}

// Name returns the wire name this kind was reified from.
func (k *ErrorKind) Name() string { return k.name }

// errorKinds is the process-wide cache of ErrorKind by name. It is a
// package-level singleton rather than per-connection state because the
// reference implementation's cache is module-level too: two connections
// reifying the same error name must end up Is-comparable.
var errorKinds syncmap.Map[string, *ErrorKind]

// errorKindFor returns the cached ErrorKind for name, creating it on first
// use. Concurrent first-uses of the same name are resolved to the same
// *ErrorKind via LoadOrStore.
func errorKindFor(name string) *ErrorKind {
	if k, ok := errorKinds.Load(name); ok {
		return k
	}
	k, _ := errorKinds.LoadOrStore(name, &ErrorKind{name: name})
	return k
}

// ApplicationError is a reified remote error: a named error kind raised by
// a server-side method and carried back to the client over an Error
// packet. Its shape mirrors the dynamic additional payload the wire
// carries alongside the name.
type ApplicationError struct {
	Kind *ErrorKind

	// Message is the primary human-readable description, taken from the
	// "msg" key when additional was a map, or left empty otherwise.
	Message string

	// Extra holds any other keys present when additional was a map,
	// excluding "msg".
	Extra map[string]any

	// Args holds positional values when additional was a sequence, or a
	// single value when additional was a bare scalar.
	Args []any
}

// Error implements the error interface.
func (e *ApplicationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind.name, e.Message)
	}
	if len(e.Args) > 0 {
		return fmt.Sprintf("%s: %v", e.Kind.name, e.Args)
	}
	return e.Kind.name
}

// Is reports whether target is an *ApplicationError of the same Kind,
// regardless of Message, Extra, or Args. This lets callers match on error
// name with errors.Is(err, &ApplicationError{Kind: someKind}) without
// needing to reconstruct the full payload.
func (e *ApplicationError) Is(target error) bool {
	other, ok := target.(*ApplicationError)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// NewApplicationError builds an ApplicationError of the named kind carrying
// message and no Extra or Args, for use by local code that wants to raise (return, from a
// registered method) an error the far end will see reified by name.
func NewApplicationError(name string, message string) *ApplicationError {
	return &ApplicationError{Kind: errorKindFor(name), Message: message}
}

// reifyError reconstructs the ApplicationError carried by an Error packet's
// (name, additional) payload. The shape of additional determines how it
// populates the error, mirroring get_error in the reference client:
//
//   - nil: a bare error with no payload.
//   - map[string]any: "msg" becomes Message, every other key becomes Extra.
//   - []any: becomes Args verbatim.
//   - anything else: becomes a single-element Args.
func reifyError(name string, additional any) *ApplicationError {
	kind := errorKindFor(name)

	switch v := additional.(type) {
	case nil:
		return &ApplicationError{Kind: kind}

	case map[string]any:
		msg, _ := v["msg"].(string)
		extra := make(map[string]any, len(v))
		for k, val := range v {
			if k == "msg" {
				continue
			}
			extra[k] = val
		}
		return &ApplicationError{Kind: kind, Message: msg, Extra: extra}

	case []any:
		return &ApplicationError{Kind: kind, Args: v}

	default:
		return &ApplicationError{Kind: kind, Args: []any{v}}
	}
}

// errorAdditional builds the wire "additional" payload for a server-side
// error of the given kind, mirroring the reference server's
// {'args': exc.args, 'msg': str(exc)} plus any extra attributes.
func errorAdditional(err *ApplicationError) any {
	if err.Message == "" && len(err.Extra) == 0 && len(err.Args) == 0 {
		return nil
	}

	m := make(map[string]any, len(err.Extra)+2)
	for k, v := range err.Extra {
		m[k] = v
	}
	m["msg"] = err.Message
	if err.Args != nil {
		m["args"] = err.Args
	}
	return m
}

// errorNameFor determines the wire error name for an arbitrary error
// returned from a registered method. An *ApplicationError carries its own
// reified name; anything else is named after its Go type, mirroring how
// the reference server falls back to the raising exception's fully
// qualified class name.
func errorNameFor(err error) (name string, additional any) {
	if appErr, ok := err.(*ApplicationError); ok {
		return appErr.Kind.name, errorAdditional(appErr)
	}

	return fmt.Sprintf("%T", err), map[string]any{"msg": err.Error()}
}
