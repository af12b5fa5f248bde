package cache

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// maxKeyDepth bounds nesting so cyclic pointer graphs fail instead of recursing forever.
const maxKeyDepth = 32

var timeType = reflect.TypeOf(time.Time{})

// Key identifies a query by domain, resource and a canonical parameter encoding.
// Keys are values: build them with BuildKey and compare them with Equal or ==.
type Key struct {
	domain   string
	resource string
	params   string
	encoded  string
}

// Domain returns the first key segment (e.g. "student").
func (k Key) Domain() string { return k.domain }

// Resource returns the second key segment (e.g. "list").
func (k Key) Resource() string { return k.resource }

// Params returns the canonical parameter encoding.
func (k Key) Params() string { return k.params }

// String returns the full encoded key.
func (k Key) String() string { return k.encoded }

// IsZero reports whether k was never built.
func (k Key) IsZero() bool { return k.encoded == "" }

// Equal reports whether both keys identify the same query.
func (k Key) Equal(other Key) bool { return k.encoded == other.encoded }

// Family returns the prefix shared by every key of the same domain.
func (k Key) Family() string { return FamilyPrefix(k.domain) }

// ResourceFamily returns the prefix shared by every key of the same domain and resource.
func (k Key) ResourceFamily() string { return ResourcePrefix(k.domain, k.resource) }

// Hash returns a 64 bit digest of the encoded key.
func (k Key) Hash() uint64 { return xxhash.Sum64String(k.encoded) }

// FamilyPrefix returns the invalidation prefix for a domain.
func FamilyPrefix(domain string) string {
	return domain + KeySeparator
}

// ResourcePrefix returns the invalidation prefix for a domain resource.
func ResourcePrefix(domain, resource string) string {
	return domain + KeySeparator + resource + KeySeparator
}

// KeyBuilder builds cache keys from a domain, a resource and a parameter bag.
// Implementations must return equal keys for logically equal parameters.
type KeyBuilder interface {
	BuildKey(domain, resource string, params any) (Key, error)
}

// defaultKeyBuilder canonicalizes parameters using reflection.
type defaultKeyBuilder struct{}

// NewDefaultKeyBuilder creates the reflection based key builder.
func NewDefaultKeyBuilder() KeyBuilder {
	return defaultKeyBuilder{}
}

// BuildKey builds a key with the default key builder.
func BuildKey(domain, resource string, params any) (Key, error) {
	return defaultKeyBuilder{}.BuildKey(domain, resource, params)
}

// MustBuildKey is like BuildKey but panics on error. Intended for static keys and tests.
func MustBuildKey(domain, resource string, params any) Key {
	key, err := BuildKey(domain, resource, params)
	if err != nil {
		panic(err)
	}
	return key
}

// ParseKey rebuilds a Key from its encoded form, e.g. one carried in a hydration snapshot.
func ParseKey(encoded string) (Key, error) {
	parts := strings.SplitN(encoded, KeySeparator, 3)
	if len(parts) != 3 {
		return Key{}, &InvalidKeyError{Reason: fmt.Sprintf("malformed encoded key %q", encoded)}
	}
	if err := validateSegment(parts[0], parts[1]); err != nil {
		return Key{}, err
	}
	if !strings.HasPrefix(parts[2], "{") || !strings.HasSuffix(parts[2], "}") {
		return Key{}, &InvalidKeyError{Domain: parts[0], Resource: parts[1], Reason: "params segment must be an object"}
	}
	return Key{domain: parts[0], resource: parts[1], params: parts[2], encoded: encoded}, nil
}

// BuildKey canonicalizes params so field order and absent-vs-nil never change the key.
func (b defaultKeyBuilder) BuildKey(domain, resource string, params any) (Key, error) {
	if err := validateSegment(domain, resource); err != nil {
		return Key{}, err
	}

	enc := &encoder{domain: domain, resource: resource}
	encoded, present, err := enc.value(reflect.ValueOf(params), "params", 0)
	if err != nil {
		return Key{}, err
	}
	if !present {
		encoded = "{}"
	}
	if !strings.HasPrefix(encoded, "{") {
		return Key{}, &InvalidKeyError{Domain: domain, Resource: resource, Path: "params", Reason: "params must be a map or struct"}
	}

	return Key{
		domain:   domain,
		resource: resource,
		params:   encoded,
		encoded:  domain + KeySeparator + resource + KeySeparator + encoded,
	}, nil
}

func validateSegment(domain, resource string) error {
	switch {
	case domain == "":
		return &InvalidKeyError{Resource: resource, Reason: "domain is required"}
	case resource == "":
		return &InvalidKeyError{Domain: domain, Reason: "resource is required"}
	case strings.Contains(domain, KeySeparator):
		return &InvalidKeyError{Domain: domain, Resource: resource, Reason: "domain contains the key separator"}
	case strings.Contains(resource, KeySeparator):
		return &InvalidKeyError{Domain: domain, Resource: resource, Reason: "resource contains the key separator"}
	}
	return nil
}

// encoder walks a parameter value and produces a typed canonical string.
// Strings are quoted so "2" and 2 never collide.
type encoder struct {
	domain   string
	resource string
}

func (e *encoder) fail(path, format string, args ...any) error {
	return &InvalidKeyError{
		Domain:   e.domain,
		Resource: e.resource,
		Path:     path,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// value returns the encoding of v and whether v is present; nil values are absent.
func (e *encoder) value(v reflect.Value, path string, depth int) (string, bool, error) {
	if depth > maxKeyDepth {
		return "", false, e.fail(path, "nesting deeper than %d", maxKeyDepth)
	}
	if !v.IsValid() {
		return "", false, nil
	}

	if v.Type() == timeType {
		t := v.Interface().(time.Time)
		return "t" + strconv.Quote(t.UTC().Format(time.RFC3339Nano)), true, nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return "", false, nil
		}
		return e.value(v.Elem(), path, depth+1)

	case reflect.String:
		return strconv.Quote(v.String()), true, nil

	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), true, nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), true, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10), true, nil

	case reflect.Float32, reflect.Float64:
		return e.float(v.Float(), path)

	case reflect.Slice:
		if v.IsNil() {
			return "", false, nil
		}
		return e.list(v, path, depth)

	case reflect.Array:
		return e.list(v, path, depth)

	case reflect.Map:
		if v.IsNil() {
			return "", false, nil
		}
		return e.mapping(v, path, depth)

	case reflect.Struct:
		return e.structure(v, path, depth)
	}

	return "", false, e.fail(path, "unsupported value of kind %s", v.Kind())
}

func (e *encoder) float(f float64, path string) (string, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false, e.fail(path, "non-finite number")
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), true, nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), true, nil
}

func (e *encoder) list(v reflect.Value, path string, depth int) (string, bool, error) {
	parts := make([]string, v.Len())
	for i := range parts {
		elem, present, err := e.value(v.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1)
		if err != nil {
			return "", false, err
		}
		if !present {
			elem = "null"
		}
		parts[i] = elem
	}
	return "[" + strings.Join(parts, ",") + "]", true, nil
}

func (e *encoder) mapping(v reflect.Value, path string, depth int) (string, bool, error) {
	if v.Type().Key().Kind() != reflect.String {
		return "", false, e.fail(path, "map keys must be strings, got %s", v.Type().Key())
	}

	fields := make(map[string]string, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		name := iter.Key().String()
		encoded, present, err := e.value(iter.Value(), path+"."+name, depth+1)
		if err != nil {
			return "", false, err
		}
		if present {
			fields[name] = encoded
		}
	}
	return joinObject(fields), true, nil
}

func (e *encoder) structure(v reflect.Value, path string, depth int) (string, bool, error) {
	t := v.Type()
	fields := make(map[string]string, t.NumField())

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name, omitEmpty, skip := fieldName(field)
		if skip {
			continue
		}

		fv := v.Field(i)
		if omitEmpty && isEmpty(fv) {
			continue
		}

		encoded, present, err := e.value(fv, path+"."+name, depth+1)
		if err != nil {
			return "", false, err
		}
		if present {
			if _, dup := fields[name]; dup {
				return "", false, e.fail(path, "duplicate field name %q", name)
			}
			fields[name] = encoded
		}
	}
	return joinObject(fields), true, nil
}

// isEmpty follows encoding/json omitempty: zero-length maps, slices and
// strings are empty even when non-nil.
func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return v.Len() == 0
	}
	return v.IsZero()
}

// fieldName resolves the parameter name from the `key` tag, then the `json` tag, then the Go name.
func fieldName(field reflect.StructField) (name string, omitEmpty bool, skip bool) {
	tag, ok := field.Tag.Lookup("key")
	if !ok {
		tag = field.Tag.Get("json")
	}
	if tag == "-" {
		return "", false, true
	}

	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = field.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

func joinObject(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(name))
		b.WriteByte(':')
		b.WriteString(fields[name])
	}
	b.WriteByte('}')
	return b.String()
}
