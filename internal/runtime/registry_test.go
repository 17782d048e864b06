package runtime

import (
	"reflect"
	"strings"
	"testing"
)

func TestDefaultTypeName(t *testing.T) {
	tests := []struct {
		name string
		typ  reflect.Type
		want string
	}{
		{
			name: "struct",
			typ:  reflect.TypeOf(someMessage{}),
			want: "github.com/drblury/busflow/internal/runtime.someMessage",
		},
		{
			name: "pointer is stripped",
			typ:  reflect.TypeOf(&someMessage{}),
			want: "github.com/drblury/busflow/internal/runtime.someMessage",
		},
		{
			name: "builtin",
			typ:  reflect.TypeOf(""),
			want: "string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultTypeName(tt.typ); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewTypeRegistry(nil)

	msgType := reflect.TypeOf(someMessage{})
	if err := r.RegisterType(msgType); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, ok := r.Lookup(r.NameFor(msgType))
	if !ok || got != msgType {
		t.Fatalf("lookup failed: %v %v", got, ok)
	}

	if _, ok := r.Lookup("unknown.Type"); ok {
		t.Fatal("expected miss for unknown name")
	}
}

func TestRegistryRegisterTypeIdempotent(t *testing.T) {
	r := NewTypeRegistry(nil)
	msgType := reflect.TypeOf(someMessage{})

	if err := r.RegisterType(msgType); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.RegisterType(msgType); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestRegistryRejectsNameCollision(t *testing.T) {
	r := NewTypeRegistry(func(reflect.Type) string { return "same" })

	if err := r.RegisterType(reflect.TypeOf(someMessage{})); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.RegisterType(reflect.TypeOf(echoRequest{}))
	if err == nil || !strings.Contains(err.Error(), "same") {
		t.Fatalf("expected collision error, got %v", err)
	}
}

func TestRegistryMatches(t *testing.T) {
	r := NewTypeRegistry(nil)

	derived := reflect.TypeOf(someDerivedMessage{})
	base := reflect.TypeOf(someMessage{})
	markerType := reflect.TypeOf((*marker)(nil)).Elem()

	if !r.Matches(derived, derived) {
		t.Fatal("identical types must match")
	}
	if !r.Matches(derived, markerType) {
		t.Fatal("interface implementation must match")
	}
	if r.Matches(derived, base) {
		t.Fatal("unrelated structs must not match")
	}
	if r.Matches(nil, base) || r.Matches(base, nil) {
		t.Fatal("nil types never match")
	}

	// Second call hits the cache; same answer expected.
	if !r.Matches(derived, markerType) {
		t.Fatal("cached interface match lost")
	}
}
