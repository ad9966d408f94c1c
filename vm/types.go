package vm

import (
	"reflect"
	"sort"
	"sync"
)

// Well-known type tags. Anything outside this set is identified by its
// fully-qualified Go type name.
const (
	TagVoid     = "void"
	TagInt      = "int"
	TagFloat    = "float"
	TagString   = "string"
	TagVector   = "vector"
	TagList     = "list"
	TagObject   = "object"
	TagInstance = "xmrinst"
	TagLSL      = "lsl"
	TagMath     = "math"
	TagDetect   = "detect"
)

// TypeInfo describes one registered type.
type TypeInfo struct {
	Tag  string
	Go   reflect.Type // nil for namespace-only owners such as lsl and math
	zero func() Value
}

// Zero returns a fresh zero value of the type.
func (t *TypeInfo) Zero() Value {
	if t.zero == nil {
		return nil
	}
	return t.zero()
}

// TypeRegistry is the closed two-way mapping between type tags and runtime
// types. A registry is immutable once built.
type TypeRegistry struct {
	byTag map[string]*TypeInfo
	byGo  map[reflect.Type]*TypeInfo
}

var (
	defaultTypesOnce sync.Once
	defaultTypes     *TypeRegistry
)

// DefaultTypes returns the registry of well-known types, built on first use.
func DefaultTypes() *TypeRegistry {
	defaultTypesOnce.Do(func() {
		defaultTypes = NewTypeRegistry()
	})
	return defaultTypes
}

// NewTypeRegistry builds a registry holding the well-known types plus the
// given host types. Host types are tagged with their package path and name.
func NewTypeRegistry(hostTypes ...reflect.Type) *TypeRegistry {
	r := &TypeRegistry{
		byTag: make(map[string]*TypeInfo),
		byGo:  make(map[reflect.Type]*TypeInfo),
	}
	r.add(TagVoid, nil, nil)
	r.add(TagInt, reflect.TypeOf(int32(0)), func() Value { return int32(0) })
	r.add(TagFloat, reflect.TypeOf(float64(0)), func() Value { return float64(0) })
	r.add(TagString, reflect.TypeOf(""), func() Value { return "" })
	r.add(TagVector, reflect.TypeOf(Vector{}), func() Value { return Vector{} })
	r.add(TagList, reflect.TypeOf(List(nil)), func() Value { return List{} })
	r.add(TagObject, reflect.TypeOf((*any)(nil)).Elem(), nil)
	r.add(TagInstance, reflect.TypeOf((*Instance)(nil)), nil)
	r.add(TagLSL, nil, nil)
	r.add(TagMath, nil, nil)
	r.add(TagDetect, reflect.TypeOf((*DetectParams)(nil)), nil)

	for _, t := range hostTypes {
		if _, dup := r.byGo[t]; dup {
			continue
		}
		r.add(GoTypeTag(t), t, nil)
	}
	return r
}

func (r *TypeRegistry) add(tag string, t reflect.Type, zero func() Value) {
	ti := &TypeInfo{Tag: tag, Go: t, zero: zero}
	r.byTag[tag] = ti
	if t != nil {
		r.byGo[t] = ti
	}
}

// GoTypeTag returns the fallback tag for a type outside the well-known set.
func GoTypeTag(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return "*" + GoTypeTag(t.Elem())
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Lookup resolves a tag. Matching is exact; an unknown tag is a
// *ResolutionError.
func (r *TypeRegistry) Lookup(tag string) (*TypeInfo, error) {
	if ti, ok := r.byTag[tag]; ok {
		return ti, nil
	}
	return nil, &ResolutionError{Kind: "type", Name: tag}
}

// TagOf returns the tag registered for a Go type.
func (r *TypeRegistry) TagOf(t reflect.Type) (string, error) {
	if ti, ok := r.byGo[t]; ok {
		return ti.Tag, nil
	}
	return "", &ResolutionError{Kind: "type", Name: GoTypeTag(t)}
}

// Tags returns every registered tag in sorted order.
func (r *TypeRegistry) Tags() []string {
	tags := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
