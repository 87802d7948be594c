package job

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

func TestPathAvailability_ExternalInput(t *testing.T) {
	p := NewPath("some/external/file")
	exists := func(string) bool { return true }
	assert.True(t, p.IsAvailable(exists))
}

func TestPathAvailability_MemoizedUntilInvalidated(t *testing.T) {
	calls := 0
	p := NewPath("x")
	stat := func(string) bool { calls++; return false }
	p.IsAvailable(stat)
	p.IsAvailable(stat)
	assert.Equal(t, 1, calls)
	p.Invalidate()
	p.IsAvailable(stat)
	assert.Equal(t, 2, calls)
}

func TestPathHashIgnoresFilesystemState(t *testing.T) {
	r := NewRegistry()
	j := buildTest(r, value.Str("x.gz"))
	out := j.Output("out")
	h1 := out.SisHash()
	out.Invalidate()
	h2 := out.SisHash()
	assert.Equal(t, h1, h2, "I5: directory path is a pure function of id, not of disk state")
}

func TestPathHashOverrideTakesPrecedence(t *testing.T) {
	p1 := &Path{RelPath: "a", Override: []byte("fixed")}
	p2 := &Path{RelPath: "b", Override: []byte("fixed")}
	assert.Equal(t, p1.SisHash(), p2.SisHash())
}
