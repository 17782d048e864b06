package runtime

import (
	"reflect"
	"sync"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

// TypeNameResolver maps a Go message type to the stable name carried in the
// message-type header. The mapping must be injective across all registered
// message types.
type TypeNameResolver func(reflect.Type) string

// DefaultTypeName names a type by its package path and type name, with
// pointers stripped. Unnamed types fall back to reflect's string form.
func DefaultTypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

type assignKey struct {
	resolved reflect.Type
	declared reflect.Type
}

// TypeRegistry caches the reflection work the dispatch path would otherwise
// repeat per message: message-type-name lookups and assignability checks
// between a resolved type and each subscriber's declared type. Safe for
// concurrent readers and writers; lookups are read-dominant.
type TypeRegistry struct {
	resolver TypeNameResolver

	mu     sync.RWMutex
	byName map[string]reflect.Type

	assignable sync.Map // assignKey -> bool
}

// NewTypeRegistry builds a registry using the given resolver (nil selects
// DefaultTypeName).
func NewTypeRegistry(resolver TypeNameResolver) *TypeRegistry {
	if resolver == nil {
		resolver = DefaultTypeName
	}
	return &TypeRegistry{
		resolver: resolver,
		byName:   make(map[string]reflect.Type),
	}
}

// NameFor returns the wire name for a message type.
func (r *TypeRegistry) NameFor(t reflect.Type) string {
	return r.resolver(t)
}

// RegisterType records a message type under its resolved name. Registering
// two distinct types under one name is a configuration error.
func (r *TypeRegistry) RegisterType(t reflect.Type) error {
	if t == nil {
		return errspkg.ErrMessageTypeRequired
	}

	name := r.resolver(t)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing != t {
			return errspkg.Configf("message type name %q maps to both %v and %v", name, existing, t)
		}
		return nil
	}
	r.byName[name] = t
	return nil
}

// Lookup resolves a wire name back to the registered Go type.
func (r *TypeRegistry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Matches reports whether a value of the resolved type can be handled by a
// subscriber declaring declared. Interface implementations count. Results
// are cached per (resolved, declared) pair.
func (r *TypeRegistry) Matches(resolved, declared reflect.Type) bool {
	if resolved == nil || declared == nil {
		return false
	}

	key := assignKey{resolved: resolved, declared: declared}
	if cached, ok := r.assignable.Load(key); ok {
		return cached.(bool)
	}

	matches := resolved.AssignableTo(declared)
	r.assignable.Store(key, matches)
	return matches
}
