package hashutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

func TestHash_Leaves(t *testing.T) {
	cases := []struct {
		name string
		obj  interface{}
		want string
	}{
		{"int zero", 0, "(int, 0)"},
		{"negative int", -1, "(int, -1)"},
		{"string digit", "0", "(str, '0')"},
		{"bool true", true, "(bool, True)"},
		{"none", nil, "(NoneType)"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, string(Hash(c.obj)))
		})
	}
}

func TestHash_Set(t *testing.T) {
	got := Hash(value.Set{value.Int(1), value.Int(2), value.Int(-1)})
	assert.Equal(t, "(set, (int, -1), (int, 1), (int, 2))", string(got))
}

func TestHash_SetOrderIndependent(t *testing.T) {
	a := Hash(value.Set{value.Int(1), value.Int(2), value.Int(-1)})
	b := Hash(value.Set{value.Int(-1), value.Int(2), value.Int(1)})
	assert.Equal(t, string(a), string(b))
}

func TestHash_Dict(t *testing.T) {
	m := value.Map{
		{Key: value.Str("foo"), Val: value.Int(1)},
		{Key: value.Str("bar"), Val: value.Int(-1)},
	}
	got := Hash(m)
	assert.Equal(t, "(dict, (tuple, (str, 'bar'), (int, -1)), (tuple, (str, 'foo'), (int, 1)))", string(got))
}

func TestHash_DictKeyOrderIndependent(t *testing.T) {
	a := Hash(value.Map{{Key: value.Str("foo"), Val: value.Int(1)}, {Key: value.Str("bar"), Val: value.Int(-1)}})
	b := Hash(value.Map{{Key: value.Str("bar"), Val: value.Int(-1)}, {Key: value.Str("foo"), Val: value.Int(1)}})
	assert.Equal(t, string(a), string(b))
}

func TestHash_List(t *testing.T) {
	got := Hash(value.List{value.Int(1), value.Int(2), value.Int(3)})
	assert.Equal(t, "(list, (int, 1), (int, 2), (int, 3))", string(got))
}

func TestHash_NativeSliceMatchesValueList(t *testing.T) {
	a := Hash([]interface{}{1, 2, 3})
	b := Hash(value.List{value.Int(1), value.Int(2), value.Int(3)})
	assert.Equal(t, string(a), string(b))
}

func TestHash_LargeBodyCollapsesToDigest(t *testing.T) {
	big := make(value.List, 2000)
	for i := range big {
		big[i] = value.Int(i)
	}
	got := Hash(big)
	assert.LessOrEqual(t, len(got), 64)
}

func TestHash_AnonymousFunctionPanics(t *testing.T) {
	fn := func() {}
	assert.Panics(t, func() { Hash(fn) })
}

type cyclicNode struct {
	Next *cyclicNode
}

func TestHash_CycleDoesNotRecurseForever(t *testing.T) {
	a := &cyclicNode{}
	a.Next = a
	assert.NotPanics(t, func() { Hash(a) })
}

func TestShortHash_Deterministic(t *testing.T) {
	obj := value.Map{{Key: value.Str("x"), Val: value.Int(1)}}
	a := ShortHash(obj, 12)
	b := ShortHash(obj, 12)
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)
}

func TestShortHash_DiffersOnDifferentInput(t *testing.T) {
	a := ShortHash(value.Int(1), 12)
	b := ShortHash(value.Int(2), 12)
	assert.NotEqual(t, a, b)
}
