package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPollinationLevel(t *testing.T) {
	for spread, want := range map[int]int{0: 0, 1: 1, 2: 2, 3: 2, 4: 3, 7: 3, 8: 4} {
		assert.Equal(t, want, pollinationLevel(spread), "spread %d", spread)
	}
}

func TestReachFor(t *testing.T) {
	assert.Equal(t, 0, reachFor(0))
	assert.Equal(t, 1, reachFor(1))
	assert.Equal(t, 3, reachFor(4))
}

func TestFreshCommentReachIgnoresTier(t *testing.T) {
	for tier, want := range map[int]int{1: 200, 2: 40, 3: 8, 4: 1} {
		assert.Equal(t, want, visibilityThreshold(reachFor(0), tier), "tier %d", tier)
	}
}

func TestVisibilityThreshold(t *testing.T) {
	assert.Equal(t, 1000, visibilityThreshold(2, 2))
	assert.Equal(t, 1000, visibilityThreshold(5, 2))
	assert.Equal(t, 200, visibilityThreshold(1, 2))
	assert.Equal(t, 40, visibilityThreshold(0, 2))
}

func TestVisibleIsDeterministic(t *testing.T) {
	for i := 0; i < 50; i++ {
		comment, cell := fmt.Sprintf("c-%d", i), fmt.Sprintf("cell-%d", i)
		assert.Equal(t, Visible(comment, cell, 0, 2), Visible(comment, cell, 0, 2))
	}
	assert.True(t, Visible("any", "cell", 3, 3))
}

func TestVisibleRateFollowsThreshold(t *testing.T) {
	shown := 0
	const n = 5000
	for i := 0; i < n; i++ {
		if Visible(fmt.Sprintf("comment-%d", i), "cell-x", 1, 2) {
			shown++
		}
	}
	// 20% expected; the hash is uniform enough to stay well inside this band.
	assert.InDelta(t, 0.2, float64(shown)/n, 0.04)
}
