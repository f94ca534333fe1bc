package urp

import (
	"context"
	"sync"
)

// EmitFunc is handed to a streaming method so it can produce zero or more
// Return values before returning. A non-nil error from EmitFunc (e.g.
// because the channel was cancelled by the caller) should be treated by the
// method as a signal to stop producing further values.
type EmitFunc func(value any) error

// PlainFunc is a synchronous, single-value method: it runs to completion
// and produces exactly one value or an error.
type PlainFunc func(ctx context.Context, args Args) (any, error)

// CoroutineFunc is a single-value method that may suspend on ctx (I/O,
// timers, sub-calls) before producing its one value. It has the same
// signature as PlainFunc; the distinction exists for registration-site
// documentation, matching the reference framework's separate coroutine and
// plain-function method shapes, even though both compile to the same
// adapter here.
type CoroutineFunc func(ctx context.Context, args Args) (any, error)

// IteratorFunc is a method that produces a sequence of values by calling
// emit any number of times before returning.
type IteratorFunc func(ctx context.Context, args Args, emit EmitFunc) error

// AsyncIteratorFunc is a sequence-producing method whose values arrive from
// a suspending source (a timer, another channel, an external event). Same
// signature as IteratorFunc, kept distinct at the registration API for the
// same reason as CoroutineFunc versus PlainFunc.
type AsyncIteratorFunc func(ctx context.Context, args Args, emit EmitFunc) error

type methodShape int

const (
	shapeSingle methodShape = iota
	shapeStream
)

type registeredMethod struct {
	shape  methodShape
	single func(ctx context.Context, args Args) (any, error)
	stream func(ctx context.Context, args Args, emit EmitFunc) error
}

// MethodRegistry is a name-indexed collection of callable methods, each
// one of four shapes (plain, coroutine, iterator, async iterator). It
// corresponds to framework.py's Service: methods are addressed by a dotted
// "interface.method" name and invoked uniformly regardless of shape.
//
// A MethodRegistry is safe for concurrent registration and invocation.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]*registeredMethod
}

// NewMethodRegistry returns an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]*registeredMethod)}
}

func (r *MethodRegistry) registerSingle(name string, fn func(ctx context.Context, args Args) (any, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = &registeredMethod{shape: shapeSingle, single: fn}
}

func (r *MethodRegistry) registerStream(name string, fn func(ctx context.Context, args Args, emit EmitFunc) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = &registeredMethod{shape: shapeStream, stream: fn}
}

// RegisterPlain registers a plain, single-value method under name.
func (r *MethodRegistry) RegisterPlain(name string, fn PlainFunc) {
	r.registerSingle(name, func(ctx context.Context, args Args) (any, error) { return fn(ctx, args) })
}

// RegisterCoroutine registers a suspending, single-value method under name.
func (r *MethodRegistry) RegisterCoroutine(name string, fn CoroutineFunc) {
	r.registerSingle(name, func(ctx context.Context, args Args) (any, error) { return fn(ctx, args) })
}

// RegisterIterator registers a synchronous, multi-value method under name.
func (r *MethodRegistry) RegisterIterator(name string, fn IteratorFunc) {
	r.registerStream(name, func(ctx context.Context, args Args, emit EmitFunc) error { return fn(ctx, args, emit) })
}

// RegisterAsyncIterator registers a suspending, multi-value method under
// name.
func (r *MethodRegistry) RegisterAsyncIterator(name string, fn AsyncIteratorFunc) {
	r.registerStream(name, func(ctx context.Context, args Args, emit EmitFunc) error { return fn(ctx, args, emit) })
}

func (r *MethodRegistry) lookup(name string) (*registeredMethod, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Len reports the number of registered methods.
func (r *MethodRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.methods)
}

// Invoke runs the method registered under name against args, regardless of
// its shape, emitting each value it produces through emit. Single-value
// methods emit exactly once on success. Invoke returns NotAMethodError,
// reified as an *ApplicationError, if no method is registered under name;
// otherwise it returns whatever error the method itself produced.
func (r *MethodRegistry) Invoke(ctx context.Context, name string, args Args, emit EmitFunc) error {
	m, ok := r.lookup(name)
	if !ok {
		return &ApplicationError{Kind: errorKindFor(NotAMethodError)}
	}

	switch m.shape {
	case shapeSingle:
		v, err := m.single(ctx, args)
		if err != nil {
			return err
		}
		return emit(v)

	case shapeStream:
		return m.stream(ctx, args, emit)

	default:
		panic("urp: unreachable method shape")
	}
}

// Interface is a named group of methods sharing a dotted-name prefix,
// mirroring Service.interface() in the reference framework.
type Interface struct {
	registry *MethodRegistry
	prefix   string
}

// Interface returns a handle for registering methods under the dotted
// prefix name (e.g. "example.spam.egg"), so that RegisterPlain("echo", ...)
// on it registers the full name "example.spam.egg.echo".
func (r *MethodRegistry) Interface(name string) *Interface {
	return &Interface{registry: r, prefix: name}
}

func (i *Interface) qualify(name string) string {
	return i.prefix + "." + name
}

// RegisterPlain registers fn as name within this interface.
func (i *Interface) RegisterPlain(name string, fn PlainFunc) {
	i.registry.RegisterPlain(i.qualify(name), fn)
}

// RegisterCoroutine registers fn as name within this interface.
func (i *Interface) RegisterCoroutine(name string, fn CoroutineFunc) {
	i.registry.RegisterCoroutine(i.qualify(name), fn)
}

// RegisterIterator registers fn as name within this interface.
func (i *Interface) RegisterIterator(name string, fn IteratorFunc) {
	i.registry.RegisterIterator(i.qualify(name), fn)
}

// RegisterAsyncIterator registers fn as name within this interface.
func (i *Interface) RegisterAsyncIterator(name string, fn AsyncIteratorFunc) {
	i.registry.RegisterAsyncIterator(i.qualify(name), fn)
}
