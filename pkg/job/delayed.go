package job

import (
	"fmt"

	"github.com/sisyphus-wfm/sisyphus/pkg/hashutil"
	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

// Delayed is a node in a deferred arithmetic/formatting expression tree over
// Paths, Variables and plain values. Evaluation (Get) forces every leaf to
// its concrete value. A bare leaf hashes exactly as its inner value
// ("hash(Delayed(3))==hash(3)"); a composite hashes its operator or format
// spec together with its operands, so identical expressions hash identically
// and differently-shaped expressions over the same leaves hash differently.
type Delayed interface {
	value.Value
	// Get forces the expression, resolving leaves via resolve.
	Get(resolve func(value.Value) (value.Value, error)) (value.Value, error)
	// Leaves returns the concrete leaves this expression was built from, in
	// the order the hash is computed over.
	Leaves() []value.Value
}

// DelayedLeaf wraps a bare Path/Variable/literal as the simplest Delayed: it
// resolves to itself.
type DelayedLeaf struct {
	Inner value.Value
}

func (DelayedLeaf) AsValue() {}

func (d DelayedLeaf) Get(resolve func(value.Value) (value.Value, error)) (value.Value, error) {
	return resolve(d.Inner)
}

func (d DelayedLeaf) Leaves() []value.Value { return []value.Value{d.Inner} }

// SisHash hashes only the inner value, so a bare leaf hashes exactly as
// that value does.
func (d DelayedLeaf) SisHash() []byte { return hashutil.Hash(d.Inner) }

// BinOp is a two-operand composite: Left <op> Right, where op is one of
// "+", "-", "*", "%", "//".
type BinOp struct {
	Op          string
	Left, Right Delayed
}

func (BinOp) AsValue() {}

func (b BinOp) Get(resolve func(value.Value) (value.Value, error)) (value.Value, error) {
	lv, err := b.Left.Get(resolve)
	if err != nil {
		return nil, err
	}
	rv, err := b.Right.Get(resolve)
	if err != nil {
		return nil, err
	}
	return applyBinOp(b.Op, lv, rv)
}

func (b BinOp) Leaves() []value.Value {
	return append(append([]value.Value{}, b.Left.Leaves()...), b.Right.Leaves()...)
}

func (b BinOp) SisHash() []byte {
	return hashutil.Hash(value.List{value.Str(b.Op), value.Bytes(hashutil.Hash(b.Left)), value.Bytes(hashutil.Hash(b.Right))})
}

func applyBinOp(op string, l, r value.Value) (value.Value, error) {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		switch op {
		case "+":
			return value.Float(lf + rf), nil
		case "-":
			return value.Float(lf - rf), nil
		case "*":
			return value.Float(lf * rf), nil
		case "%":
			return value.Float(float64(int64(lf) % int64(rf))), nil
		case "//":
			return value.Int(int64(lf) / int64(rf)), nil
		}
	}
	if op == "+" {
		if ls, ok := l.(value.Str); ok {
			if rs, ok := r.(value.Str); ok {
				return value.Str(string(ls) + string(rs)), nil
			}
		}
	}
	return nil, fmt.Errorf("job: cannot apply delayed op %q to %T, %T", op, l, r)
}

func toFloat(v value.Value) (float64, bool) {
	switch t := v.(type) {
	case value.Int:
		return float64(t), true
	case value.Float:
		return float64(t), true
	}
	return 0, false
}

// Format is the ".format(spec)" delayed node: a Python-style repr format
// string (e.g. "{:05.1f}") applied to the resolved inner value.
type Format struct {
	Inner Delayed
	Spec  string
}

func (Format) AsValue() {}

func (f Format) Get(resolve func(value.Value) (value.Value, error)) (value.Value, error) {
	v, err := f.Inner.Get(resolve)
	if err != nil {
		return nil, err
	}
	return value.Str(applyFormat(f.Spec, v)), nil
}

func (f Format) Leaves() []value.Value { return f.Inner.Leaves() }

func (f Format) SisHash() []byte {
	return hashutil.Hash(value.List{value.Str("format"), value.Str(f.Spec), value.Bytes(hashutil.Hash(f.Inner))})
}

// applyFormat supports the width.precision-f subset used by this module's
// own targets (e.g. "{:05.1f}"); anything else falls back to %v.
func applyFormat(spec string, v value.Value) string {
	f, ok := toFloat(v)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	if spec == "" {
		return fmt.Sprintf("%v", f)
	}
	goFmt := pyFormatSpecToGo(spec)
	return fmt.Sprintf(goFmt, f)
}

// pyFormatSpecToGo translates a bracketed Python mini-format spec like
// "{:05.1f}" into a Go fmt verb like "%05.1f".
func pyFormatSpecToGo(spec string) string {
	inner := spec
	if len(inner) >= 2 && inner[0] == '{' && inner[len(inner)-1] == '}' {
		inner = inner[1 : len(inner)-1]
	}
	if len(inner) > 0 && inner[0] == ':' {
		inner = inner[1:]
	}
	return "%" + inner
}

// Fallback wraps a Delayed with a value to return, unevaluated, while the
// inner expression's leaves are unavailable — the backup/fallback(0) shape
// from S6.
type Fallback struct {
	Inner    Delayed
	Default  value.Value
	Resolved func(value.Value) (value.Value, error)
}

func (Fallback) AsValue() {}

func (fb Fallback) Get(resolve func(value.Value) (value.Value, error)) (value.Value, error) {
	v, err := fb.Inner.Get(resolve)
	if err != nil {
		return fb.Default, nil
	}
	return v, nil
}

func (fb Fallback) Leaves() []value.Value { return fb.Inner.Leaves() }

func (fb Fallback) SisHash() []byte {
	return hashutil.Hash(value.List{value.Str("fallback"), value.Bytes(hashutil.Hash(fb.Inner)), value.Bytes(hashutil.Hash(fb.Default))})
}
