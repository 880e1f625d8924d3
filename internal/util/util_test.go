package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[int](3)
	assert.Empty(t, r.Snapshot())
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())

	r.Reset([]int{7, 8, 9, 10})
	assert.Equal(t, []int{8, 9, 10}, r.Snapshot())
	r.Push(11)
	assert.Equal(t, []int{9, 10, 11}, r.Snapshot())

	r.Reset(nil)
	assert.Equal(t, 0, r.Len())
}

func TestValidateName(t *testing.T) {
	name, err := ValidateName("  lobby ")
	require.NoError(t, err)
	assert.Equal(t, "lobby", name)

	for _, bad := range []string{"", "  ", "a/b", `a\b`, ".."} {
		_, err := ValidateName(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("peer", "data", "k"), ResolvePath("peer", "data/k"))
	assert.Equal(t, "/etc/k", ResolvePath("peer", "/etc//k"))
	assert.Equal(t, "12345678", ShortID("123456789abc"))
	assert.Equal(t, "abc", ShortID("abc"))
}
