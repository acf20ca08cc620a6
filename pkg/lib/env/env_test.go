package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicySetReplacesInPlace(t *testing.T) {
	p := Policy{}
	block := []string{"A=1", "B=2", "A=3"}

	out := p.Set(block, "A", "9")
	assert.Equal(t, []string{"A=9", "B=2"}, out)

	out = p.Set(out, "C", "x=y")
	v, ok := p.Get(out, "C")
	assert.True(t, ok)
	assert.Equal(t, "x=y", v)
}

func TestPolicyCaseFolding(t *testing.T) {
	block := []string{"Path=/bin"}

	_, ok := Policy{}.Get(block, "PATH")
	assert.False(t, ok)

	v, ok := Policy{FoldCase: true}.Get(block, "PATH")
	assert.True(t, ok)
	assert.Equal(t, "/bin", v)

	assert.Empty(t, Policy{FoldCase: true}.Unset(block, "path"))
	assert.Len(t, Policy{}.Unset(block, "path"), 1)
}

func TestSplit(t *testing.T) {
	k, v := Split("KEY=a=b")
	assert.Equal(t, "KEY", k)
	assert.Equal(t, "a=b", v)

	k, v = Split("=C:=C:\\")
	assert.Equal(t, "=C:", k)
	assert.Equal(t, "C:\\", v)

	k, v = Split("BARE")
	assert.Equal(t, "BARE", k)
	assert.Equal(t, "", v)
}
