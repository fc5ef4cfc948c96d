// Package opid defines the stable identity of a cacheable operation and the
// canonical argument encoding used to derive it.
package opid

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"sort"

	"github.com/forgebuild/forge/pkg/hashing"
)

// Kind distinguishes the three kinds of Operation the engine can dispatch.
type Kind uint8

const (
	// KindBuild identifies a top-level build invocation.
	KindBuild Kind = iota
	// KindBuildFile identifies a build_file (or build_file_with_comparison)
	// invocation, which produces exactly one output path.
	KindBuildFile
	// KindSubbuild identifies a subbuild invocation, which produces an
	// in-memory value.
	KindSubbuild
)

func (k Kind) String() string {
	switch k {
	case KindBuild:
		return "build"
	case KindBuildFile:
		return "build_file"
	case KindSubbuild:
		return "subbuild"
	default:
		return "unknown"
	}
}

// ID is the stable identity of a cacheable Operation: its kind, the name of
// the function that implements it, a digest over its arguments, an optional
// caller-supplied version, and — for build_file operations — the output
// path the operation produces.
type ID struct {
	Kind                Kind
	Function            string
	ArgumentFingerprint hashing.Fingerprint
	Version             int
	OutputPath          string
}

// String renders an ID into a compact, stable string suitable for use as a
// map key or log field.
func (id ID) String() string {
	if id.Kind == KindBuildFile {
		return fmt.Sprintf("%s(%s)#%s@%d->%s", id.Kind, id.Function, id.ArgumentFingerprint, id.Version, id.OutputPath)
	}
	return fmt.Sprintf("%s(%s)#%s@%d", id.Kind, id.Function, id.ArgumentFingerprint, id.Version)
}

// FingerprintArguments computes a canonical, stable digest over args using
// encoding/gob. gob's struct-field, slice, and array encodings are already
// order-stable, but its map encoder walks Go's randomized map-iteration
// order, so a map-typed argument (or one holding a map, directly or nested
// in a pointer, slice, array, or struct field) would otherwise fingerprint
// differently across runs with identical contents. canonicalizeValue
// rewrites every such map into a slice of concretely-typed key/value pairs
// sorted by each key's own encoding, so the digest depends only on content.
// A value gob cannot encode at all (channels, funcs, unexported-only
// structs) is, per the engine's contract, a programming-error at call time
// rather than at commit time.
func FingerprintArguments(args ...interface{}) (hashing.Fingerprint, error) {
	var buffer bytes.Buffer
	encoder := gob.NewEncoder(&buffer)
	for _, arg := range args {
		canonical, err := canonicalizeValue(reflect.ValueOf(arg))
		if err != nil {
			return hashing.Fingerprint{}, fmt.Errorf("argument not representable as a deterministic byte sequence: %w", err)
		}
		// The canonical value is encoded directly rather than through an
		// interface{}, since gob only encodes an interface value whose
		// concrete type has been registered, and the reflect-built pair and
		// struct types never are. A nil argument is encoded as a nil
		// interface{}.
		if !canonical.IsValid() || (canonical.Kind() == reflect.Ptr && canonical.IsNil()) {
			var none interface{}
			err = encoder.Encode(&none)
		} else {
			err = encoder.EncodeValue(canonical)
		}
		if err != nil {
			return hashing.Fingerprint{}, fmt.Errorf("argument not representable as a deterministic byte sequence: %w", err)
		}
	}
	return hashing.FingerprintBytes(buffer.Bytes()), nil
}

// canonicalizeValue rebuilds v with every reachable map replaced by a
// key-sorted slice of K/V pairs, preserving every other type's shape (a
// struct keeps its exported field layout, a slice keeps its element type).
// A struct is rebuilt with reflect.StructOf and so loses its type name, which
// means the gob encoding of the result can differ from gob's encoding of the
// original even where no map is present; it still depends only on the
// value's content. Only reflect.StructOf/SliceOf-built types ever replace a
// concrete map type, so no field ever ends up with static type
// interface{} that wasn't already interface{} in the original argument —
// gob's interface-registration requirement is therefore never newly
// triggered by this rewrite.
func canonicalizeValue(v reflect.Value) (reflect.Value, error) {
	if !v.IsValid() {
		return v, nil
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return v, nil
		}
		elem, err := canonicalizeValue(v.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		result := reflect.New(elem.Type())
		result.Elem().Set(elem)
		return result, nil
	case reflect.Interface:
		if v.IsNil() {
			return v, nil
		}
		elem, err := canonicalizeValue(v.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		result := reflect.New(v.Type()).Elem()
		result.Set(elem)
		return result, nil
	case reflect.Map:
		return canonicalizeMap(v)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v, nil
		}
		elems := make([]reflect.Value, v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, err := canonicalizeValue(v.Index(i))
			if err != nil {
				return reflect.Value{}, err
			}
			elems[i] = elem
		}
		elemType := v.Type().Elem()
		if len(elems) > 0 {
			elemType = elems[0].Type()
		}
		result := reflect.MakeSlice(reflect.SliceOf(elemType), len(elems), len(elems))
		for i, elem := range elems {
			result.Index(i).Set(elem)
		}
		return result, nil
	case reflect.Array:
		result := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			elem, err := canonicalizeValue(v.Index(i))
			if err != nil {
				return reflect.Value{}, err
			}
			result.Index(i).Set(elem)
		}
		return result, nil
	case reflect.Struct:
		t := v.Type()
		var fields []reflect.StructField
		var values []reflect.Value
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue
			}
			elem, err := canonicalizeValue(v.Field(i))
			if err != nil {
				return reflect.Value{}, err
			}
			fields = append(fields, reflect.StructField{Name: t.Field(i).Name, Type: elem.Type()})
			values = append(values, elem)
		}
		result := reflect.New(reflect.StructOf(fields)).Elem()
		for i, value := range values {
			result.Field(i).Set(value)
		}
		return result, nil
	default:
		return v, nil
	}
}

// canonicalizeMap converts m into a slice of concretely-typed {K, V}
// structs, ordered by each key's own gob encoding rather than m's
// iteration order. Map keys are always comparable (a Go language
// requirement), so they can never themselves contain a map and need no
// recursive canonicalization; values are canonicalized recursively, since
// a map of maps is legal.
func canonicalizeMap(m reflect.Value) (reflect.Value, error) {
	keys := m.MapKeys()
	type entry struct {
		sortKey []byte
		key     reflect.Value
		value   reflect.Value
	}
	entries := make([]entry, len(keys))
	valueType := m.Type().Elem()
	for i, key := range keys {
		sortKey, err := gobEncodeValue(key.Interface())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("map key not representable as a deterministic byte sequence: %w", err)
		}
		value, err := canonicalizeValue(m.MapIndex(key))
		if err != nil {
			return reflect.Value{}, err
		}
		if i == 0 {
			valueType = value.Type()
		}
		entries[i] = entry{sortKey: sortKey, key: key, value: value}
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].sortKey, entries[j].sortKey) < 0
	})

	pairType := reflect.StructOf([]reflect.StructField{
		{Name: "K", Type: m.Type().Key()},
		{Name: "V", Type: valueType},
	})
	result := reflect.MakeSlice(reflect.SliceOf(pairType), len(entries), len(entries))
	for i, e := range entries {
		pair := reflect.New(pairType).Elem()
		pair.Field(0).Set(e.key)
		pair.Field(1).Set(e.value)
		result.Index(i).Set(pair)
	}
	return result, nil
}

// gobEncodeValue gob-encodes value as its own independent top-level
// document, purely so map keys can be compared for a deterministic sort
// order; the bytes it returns are never decoded.
func gobEncodeValue(value interface{}) ([]byte, error) {
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(value); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// New derives the ID for a build or subbuild operation.
func New(kind Kind, function string, version int, argumentFingerprint hashing.Fingerprint) ID {
	return ID{Kind: kind, Function: function, ArgumentFingerprint: argumentFingerprint, Version: version}
}

// NewBuildFile derives the ID for a build_file operation, which is also
// identified by its output path.
func NewBuildFile(function string, version int, argumentFingerprint hashing.Fingerprint, outputPath string) ID {
	return ID{Kind: KindBuildFile, Function: function, ArgumentFingerprint: argumentFingerprint, Version: version, OutputPath: outputPath}
}
