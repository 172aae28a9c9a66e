package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockSetAndSync(t *testing.T) {
	c := New()
	pinned := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	c.Set(pinned)
	require.Equal(t, pinned, c.Now())

	c.Advance(90 * time.Second)
	require.Equal(t, pinned.Add(90*time.Second), c.Now())

	c.Sync()
	require.WithinDuration(t, time.Now(), c.Now(), time.Second)
}

func TestNilClockFollowsWallTime(t *testing.T) {
	var c *Clock
	require.WithinDuration(t, time.Now(), c.Now(), time.Second)
}
