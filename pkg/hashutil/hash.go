// Package hashutil implements the stable content hash that every Job, Path
// and Variable identity is derived from. It is a direct, byte-for-byte port
// of sisyphus.hash.sis_hash_helper: the same object, hashed on two different
// machines running two different Python (or here, Go) versions, must always
// produce the same bytes, because that hash is the job's directory name.
//
// The encoding is a parenthesized, comma-separated "(TAG, part, part, ...)"
// byte string, TAG naming the concrete type and each part being the
// recursive encoding of a child value. Unordered collections (sets, maps)
// sort their encoded children before concatenating, so insertion order never
// leaks into the hash. Any single node whose encoding exceeds 4096 bytes is
// collapsed to the hex SHA-256 digest of that encoding, bounding the size of
// the representation for very large embedded objects (e.g. literal numpy
// arrays smuggled through a kwarg) without bounding its depth.
package hashutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

// maxInlineBytes mirrors hash.py's cutoff for collapsing a node's encoding
// into a digest instead of inlining it.
const maxInlineBytes = 4096

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// SisHasher lets a type contribute its own hash body instead of being
// decomposed generically by encode. pkg/job's Path, Variable and Job
// implement this so that hashing a Job graph hashes the Job's identity
// (creator + sis_hash_exclude-filtered kwargs), not its runtime outputs.
type SisHasher interface {
	SisHash() []byte
}

// Hash returns the canonical byte encoding of obj, the same representation
// sis_hash_helper produces upstream.
func Hash(obj interface{}) []byte {
	visited := make(map[uintptr]bool)
	return compress(encode(obj, visited))
}

// ShortHash returns a base62-encoded, length-truncated digest of Hash(obj),
// the string actually used as a job directory name (sis_hash_helper's
// short_hash companion).
func ShortHash(obj interface{}, length int) string {
	sum := sha256.Sum256(Hash(obj))
	return base62(sum[:], length)
}

func compress(b []byte) []byte {
	if len(b) <= maxInlineBytes {
		return b
	}
	sum := sha256.Sum256(b)
	return []byte(hex.EncodeToString(sum[:]))
}

func tagged(tag string, parts ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('(')
	buf.WriteString(tag)
	for _, p := range parts {
		buf.WriteString(", ")
		buf.Write(p)
	}
	buf.WriteByte(')')
	return compress(buf.Bytes())
}

// encode dispatches on the concrete type of obj the way sis_hash_helper's
// isinstance chain does. visited guards against cycles in pointer-identified
// structures (slices, maps, pointers): a value revisited mid-traversal
// encodes as an opaque cycle marker instead of recursing forever.
func encode(obj interface{}, visited map[uintptr]bool) []byte {
	if obj == nil {
		return tagged("NoneType")
	}
	if h, ok := obj.(SisHasher); ok {
		return h.SisHash()
	}
	switch v := obj.(type) {
	case value.Value:
		return encodeValue(v, visited)
	case bool:
		return encodeBool(v)
	case int:
		return tagged("int", []byte(strconv.Itoa(v)))
	case int32:
		return tagged("int", []byte(strconv.FormatInt(int64(v), 10)))
	case int64:
		return tagged("int", []byte(strconv.FormatInt(v, 10)))
	case uint64:
		return tagged("int", []byte(strconv.FormatUint(v, 10)))
	case float32:
		return tagged("float", []byte(formatFloat(float64(v))))
	case float64:
		return tagged("float", []byte(formatFloat(v)))
	case complex128:
		return tagged("complex", []byte(formatComplex(v)))
	case string:
		return tagged("str", []byte(pyRepr(v)))
	case []byte:
		return tagged("bytes", v)
	default:
		return encodeReflect(obj, visited)
	}
}

func encodeBool(v bool) []byte {
	if v {
		return tagged("bool", []byte("True"))
	}
	return tagged("bool", []byte("False"))
}

func encodeValue(v value.Value, visited map[uintptr]bool) []byte {
	switch t := v.(type) {
	case value.Null:
		return tagged("NoneType")
	case value.Bool:
		return encodeBool(bool(t))
	case value.Int:
		return tagged("int", []byte(strconv.FormatInt(int64(t), 10)))
	case value.Float:
		return tagged("float", []byte(formatFloat(float64(t))))
	case value.Complex:
		return tagged("complex", []byte(formatComplex(complex128(t))))
	case value.Bytes:
		return tagged("bytes", []byte(t))
	case value.Str:
		return tagged("str", []byte(pyRepr(string(t))))
	case value.List:
		parts := make([][]byte, len(t))
		for i, e := range t {
			parts[i] = encode(e, visited)
		}
		return tagged("list", parts...)
	case value.Set:
		parts := make([][]byte, len(t))
		for i, e := range t {
			parts[i] = encode(e, visited)
		}
		sortBytes(parts)
		return tagged("set", parts...)
	case value.Map:
		parts := make([][]byte, len(t))
		for i, e := range t {
			parts[i] = tagged("tuple", encode(e.Key, visited), encode(e.Val, visited))
		}
		sortBytes(parts)
		return tagged("dict", parts...)
	case value.FnRef:
		return tagged("function", tagged("str", []byte(pyRepr(t.Module))), tagged("str", []byte(pyRepr(t.Name))))
	case value.ClassRef:
		return tagged("type", tagged("str", []byte(pyRepr(t.Module))), tagged("str", []byte(pyRepr(t.Name))))
	case value.UserObject:
		parts := make([][]byte, len(t.State))
		for i, e := range t.State {
			parts[i] = tagged("tuple", encode(e.Key, visited), encode(e.Val, visited))
		}
		sortBytes(parts)
		return tagged(t.TypeName, parts...)
	default:
		return tagged("NoneType")
	}
}

var closureSuffix = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

func encodeReflect(obj interface{}, visited map[uintptr]bool) []byte {
	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return tagged("NoneType")
		}
		addr := rv.Pointer()
		if visited[addr] {
			return tagged("cycle")
		}
		visited[addr] = true
		return encode(rv.Elem().Interface(), visited)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				return tagged("NoneType")
			}
			addr := rv.Pointer()
			if visited[addr] {
				return tagged("cycle")
			}
			visited[addr] = true
		}
		parts := make([][]byte, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts[i] = encode(rv.Index(i).Interface(), visited)
		}
		return tagged("list", parts...)
	case reflect.Map:
		if rv.IsNil() {
			return tagged("NoneType")
		}
		addr := rv.Pointer()
		if visited[addr] {
			return tagged("cycle")
		}
		visited[addr] = true
		keys := rv.MapKeys()
		parts := make([][]byte, len(keys))
		for i, k := range keys {
			parts[i] = tagged("tuple", encode(k.Interface(), visited), encode(rv.MapIndex(k).Interface(), visited))
		}
		sortBytes(parts)
		return tagged("dict", parts...)
	case reflect.Func:
		if rv.IsNil() {
			return tagged("NoneType")
		}
		name := runtime.FuncForPC(rv.Pointer()).Name()
		if closureSuffix.MatchString(name) {
			panic(fmt.Sprintf("hashutil: cannot hash anonymous function %s, give it a name", name))
		}
		mod, short := splitQualifiedName(name)
		return tagged("function", tagged("str", []byte(pyRepr(mod))), tagged("str", []byte(pyRepr(short))))
	case reflect.Struct:
		t := rv.Type()
		var parts [][]byte
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if f.Tag.Get("sis_hash_exclude") == "true" {
				continue
			}
			parts = append(parts, tagged("tuple", tagged("str", []byte(pyRepr(f.Name))), encode(rv.Field(i).Interface(), visited)))
		}
		sortBytes(parts)
		return tagged(t.Name(), parts...)
	case reflect.Interface:
		if rv.IsNil() {
			return tagged("NoneType")
		}
		return encode(rv.Elem().Interface(), visited)
	default:
		return tagged(fmt.Sprintf("%v", rv.Kind()), []byte(fmt.Sprintf("%v", obj)))
	}
}

func splitQualifiedName(name string) (mod, short string) {
	idx := strings.LastIndex(name, "/")
	rest := name
	if idx >= 0 {
		rest = name[idx+1:]
	}
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) == 2 {
		pkgPrefix := name[:idx+1]
		return pkgPrefix + parts[0], parts[1]
	}
	return "", name
}

func sortBytes(parts [][]byte) {
	sort.Slice(parts, func(i, j int) bool {
		return bytes.Compare(parts[i], parts[j]) < 0
	})
}

// formatFloat matches Python's repr(float) closely enough for hash
// stability: integral floats keep a trailing ".0", nan/inf use Python's
// lowercase spellings.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'g', 17, 64)
	if shortest := strconv.FormatFloat(f, 'g', -1, 64); len(shortest) < len(s) {
		s = shortest
	}
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func formatComplex(c complex128) string {
	re, im := real(c), imag(c)
	if re == 0 {
		return fmt.Sprintf("%sj", formatFloat(im))
	}
	sign := "+"
	if im < 0 {
		sign = "-"
		im = -im
	}
	return fmt.Sprintf("(%s%s%sj)", formatFloat(re), sign, formatFloat(im))
}

// pyRepr renders a string the way Python's repr() would, closely enough to
// keep hashes stable: single-quoted, with backslash, quote and control
// characters escaped.
func pyRepr(s string) string {
	var buf strings.Builder
	buf.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			buf.WriteString(`\\`)
		case '\'':
			buf.WriteString(`\'`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('\'')
	return buf.String()
}

func base62(digest []byte, length int) string {
	num := new(big.Int).SetBytes(digest)
	base := big.NewInt(int64(len(base62Alphabet)))
	zero := big.NewInt(0)
	mod := new(big.Int)
	var out []byte
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		out = append(out, base62Alphabet[mod.Int64()])
	}
	for len(out) < length {
		out = append(out, base62Alphabet[0])
	}
	if len(out) > length {
		out = out[:length]
	}
	// out was built least-significant-digit first; reverse for conventional
	// most-significant-first display.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
