package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLExpiresEntries(t *testing.T) {
	c := New[string, int](4, 50*time.Millisecond)
	c.Set("a", 1)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	require.Eventually(t, func() bool {
		_, ok := c.Get("a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestTTLIsBounded(t *testing.T) {
	c := New[int, int](2, time.Minute)
	c.Set(1, 1)
	c.Set(2, 2)
	c.Set(3, 3)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestGetOrLoad(t *testing.T) {
	c := New[string, string](8, time.Minute)
	calls := 0
	load := func() (string, error) {
		calls++
		return "loaded", nil
	}

	v, err := c.GetOrLoad("k", load)
	require.NoError(t, err)
	require.Equal(t, "loaded", v)

	v, err = c.GetOrLoad("k", load)
	require.NoError(t, err)
	require.Equal(t, "loaded", v)
	require.Equal(t, 1, calls)

	_, err = c.GetOrLoad("bad", func() (string, error) { return "", errors.New("boom") })
	require.Error(t, err)
	_, ok := c.Get("bad")
	require.False(t, ok)

	c.Remove("k")
	_, ok = c.Get("k")
	require.False(t, ok)
}
