// Package value defines the tagged dynamic-value representation that job
// construction arguments (kwargs) are normalized into before they reach the
// stable hasher (pkg/hashutil). Python's sis_hash_helper dispatches on
// concrete runtime type; since Go has no equivalent dynamic typing, callers
// build an explicit Value tree (or hand hashutil.Hash a native Go value and
// let it dispatch via reflection — see pkg/hashutil).
package value

// Value is the tagged sum type described in spec.md §9 Design Notes:
//
//	Value = Null | Bool | Int | Float | Complex | Bytes | Str
//	      | List(Value) | Set(Value) | Map(Value,Value)
//	      | FnRef(mod,name) | ClassRef(mod,name) | UserObject(type_name, state)
//
// Job and Path are distinguished subtypes handled outside this package: they
// hook their own hash contribution (pkg/hashutil.SisHasher) rather than being
// decomposed into a Value tree.
type Value interface {
	AsValue()
}

// Null is the absence of a value; encodes with no body, matching Python's
// None.
type Null struct{}

func (Null) AsValue() {}

// Bool is a boolean leaf.
type Bool bool

func (Bool) AsValue() {}

// Int is a signed integer leaf.
type Int int64

func (Int) AsValue() {}

// Float is a floating point leaf.
type Float float64

func (Float) AsValue() {}

// Complex is a complex number leaf.
type Complex complex128

func (Complex) AsValue() {}

// Bytes is a raw byte string, included verbatim in the hash.
type Bytes []byte

func (Bytes) AsValue() {}

// Str is a text leaf.
type Str string

func (Str) AsValue() {}

// List is an ordered sequence (Python list/tuple): element hashes are
// concatenated in order.
type List []Value

func (List) AsValue() {}

// Set is an unordered collection (Python set/frozenset): element hashes are
// sorted lexicographically before concatenation.
type Set []Value

func (Set) AsValue() {}

// MapEntry is one key/value pair of a Map.
type MapEntry struct {
	Key Value
	Val Value
}

// Map is an unordered mapping (Python dict): each (key,value) pair is hashed
// as a 2-tuple, then the pair hashes are sorted before concatenation.
type Map []MapEntry

func (Map) AsValue() {}

// FnRef identifies a (possibly anonymous) function by its declaring package
// and qualified name. Anonymous functions (closures with no stable name) are
// rejected by the hasher, mirroring the upstream lambda restriction.
type FnRef struct {
	Module string
	Name   string
}

func (FnRef) AsValue() {}

// ClassRef identifies a type the same way a Python class is identified: by
// its declaring package and qualified name.
type ClassRef struct {
	Module string
	Name   string
}

func (ClassRef) AsValue() {}

// UserObject is the fallback representation for any value with no more
// specific case: its constructor-restoration state, collected the way
// hash.get_object_state does (field table, preferring an explicit state
// accessor when present).
type UserObject struct {
	TypeName string
	State    Map
}

func (UserObject) AsValue() {}
