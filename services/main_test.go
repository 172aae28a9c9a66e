package services

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"chant-service/clock"
	"chant-service/models"
	"chant-service/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var pg *testutil.Postgres

func TestMain(m *testing.M) {
	flag.Parse()
	ctx := context.Background()
	if !testing.Short() {
		p, err := testutil.StartPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "postgres unavailable, skipping integration tests: %v\n", err)
		} else {
			pg = p
		}
	}
	code := m.Run()
	if pg != nil {
		_ = pg.Terminate(ctx)
	}
	os.Exit(code)
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *clock.Clock) {
	t.Helper()
	if pg == nil {
		t.Skip("integration test needs postgres")
	}
	require.NoError(t, pg.Reset())
	clk := clock.New()
	clk.Set(epoch)
	e := NewEngine(pg.DB, zaptest.NewLogger(t), clk, Settings{TxMaxAttempts: 20})
	return e, clk
}

func seedDeliberation(t *testing.T, e *Engine, in DeliberationInput, ideas int) (*models.Deliberation, []string) {
	t.Helper()
	ctx := context.Background()
	if in.Question == "" {
		in.Question = "What should the neighbourhood fund next?"
	}
	if in.CreatorID == "" {
		in.CreatorID = "creator"
	}
	d, err := e.CreateDeliberation(ctx, in)
	require.NoError(t, err)

	ids := make([]string, 0, ideas)
	for i := 0; i < ideas; i++ {
		idea, err := e.SubmitIdea(ctx, d.ID, fmt.Sprintf("author-%d", i), fmt.Sprintf("Proposal number %d", i))
		require.NoError(t, err)
		ids = append(ids, idea.ID)
	}
	return d, ids
}

func allIn(ideaID string) []Allocation {
	return []Allocation{{IdeaID: ideaID, Points: PointsPerVoter}}
}

func reload(t *testing.T, e *Engine, id string) *models.Deliberation {
	t.Helper()
	d, err := e.GetDeliberation(context.Background(), id)
	require.NoError(t, err)
	return d
}

func ideaStatus(t *testing.T, e *Engine, id string) string {
	t.Helper()
	var idea models.Idea
	require.NoError(t, e.DB.First(&idea, "id = ?", id).Error)
	return idea.Status
}

func countRows(t *testing.T, e *Engine, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.DB.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

// fillAndVote seats n fresh users at the current tier and has each give
// all points to pick(ref).
func fillAndVote(t *testing.T, e *Engine, deliberationID, prefix string, n int, pick func(*CellRef) string) []*CellRef {
	t.Helper()
	ctx := context.Background()
	refs := make([]*CellRef, 0, n)
	for i := 0; i < n; i++ {
		user := fmt.Sprintf("%s-%d", prefix, i)
		ref, err := e.EnterCell(ctx, deliberationID, user)
		require.NoError(t, err)
		_, err = e.CastVote(ctx, ref.CellID, user, allIn(pick(ref)))
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	return refs
}

// assertTotalsMatchVotes checks every idea's counters against a direct
// aggregation of its votes over all tiers.
func assertTotalsMatchVotes(t *testing.T, e *Engine, deliberationID string) {
	t.Helper()
	var ideas []models.Idea
	require.NoError(t, e.DB.Where("deliberation_id = ?", deliberationID).Find(&ideas).Error)
	for _, idea := range ideas {
		var agg struct {
			XP     int
			Voters int
		}
		require.NoError(t, e.DB.Model(&models.Vote{}).
			Select("COALESCE(SUM(xp_points), 0) AS xp, COUNT(DISTINCT user_id) AS voters").
			Where("idea_id = ?", idea.ID).
			Scan(&agg).Error)
		assert.Equal(t, agg.XP, idea.TotalXP, "total_xp of %s", idea.ID)
		assert.Equal(t, agg.Voters, idea.TotalVotes, "total_votes of %s", idea.ID)
	}
}
