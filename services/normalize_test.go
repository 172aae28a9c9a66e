package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "cafe ole", normalizeText("  Café   Olé! "))
	assert.Equal(t, normalizeText("Build a PARK."), normalizeText("build a park"))
	assert.Equal(t, "strasse 42", normalizeText("STRASSE-42"))
	assert.Equal(t, "", normalizeText("?!"))
}

func TestCleanText(t *testing.T) {
	s, err := cleanText("  hello  ", 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	_, err = cleanText("   ", 10)
	assert.ErrorIs(t, err, ErrInvalidText)

	_, err = cleanText(strings.Repeat("é", 11), 10)
	assert.ErrorIs(t, err, ErrInvalidText)

	s, err = cleanText(strings.Repeat("é", 10), 10)
	require.NoError(t, err)
	assert.Len(t, []rune(s), 10)
}

func TestDeliberationSlug(t *testing.T) {
	id := "3f2a9c1e-0000-4000-8000-000000000000"
	assert.Equal(t, "where-should-we-meet-3f2a9c1e", deliberationSlug("Where should we meet?", id))
	assert.Equal(t, "3f2a9c1e", deliberationSlug("???", id))

	long := deliberationSlug(strings.Repeat("word ", 40), id)
	assert.LessOrEqual(t, len(long), 60+1+8)
	assert.True(t, strings.HasSuffix(long, "-3f2a9c1e"))
}

func TestDeliberationInputNormalize(t *testing.T) {
	in := DeliberationInput{Question: "  Where should the bench go? ", CreatorID: "c"}
	require.NoError(t, in.normalize())
	assert.Equal(t, "Where should the bench go?", in.Question)
	assert.Equal(t, "fcfs", in.AllocationMode)
	assert.Equal(t, DefaultCellSize, in.CellSize)

	flow := DeliberationInput{Question: "q", CreatorID: "c", ContinuousFlow: true}
	require.NoError(t, flow.normalize())

	mixed := DeliberationInput{Question: "q", CreatorID: "c", ContinuousFlow: true, AllocationMode: "balanced"}
	assert.ErrorIs(t, mixed.normalize(), ErrInvalidSettings)
}
