package services

import (
	"sort"
)

// Allocation is the XP a voter gives one idea.
type Allocation struct {
	IdeaID string `json:"idea_id"`
	Points int    `json:"points"`
}

// IdeaTally is the aggregate a set of votes gives one idea.
type IdeaTally struct {
	IdeaID string `json:"idea_id"`
	XP     int    `json:"xp"`
	Voters int    `json:"voters"`
}

// validateAllocations checks a ballot against the cell's idea set.
func validateAllocations(cellIdeas map[string]bool, allocs []Allocation) error {
	if len(allocs) == 0 {
		return ErrInvalidAllocation.WithDetail("no allocations")
	}
	seen := make(map[string]bool, len(allocs))
	sum := 0
	for _, a := range allocs {
		if !cellIdeas[a.IdeaID] {
			return ErrUnknownIdea.WithDetail("idea %s", a.IdeaID)
		}
		if seen[a.IdeaID] {
			return ErrDuplicateIdea.WithDetail("idea %s", a.IdeaID)
		}
		seen[a.IdeaID] = true
		if a.Points < 1 {
			return ErrInvalidAllocation.WithDetail("idea %s has %d points", a.IdeaID, a.Points)
		}
		sum += a.Points
	}
	if sum != PointsPerVoter {
		return ErrInvalidAllocation.WithDetail("points total %d", sum)
	}
	return nil
}

// rankTallies orders tallies best first: highest XP, then most distinct
// voters, then lowest idea id.
func rankTallies(tallies []IdeaTally) []IdeaTally {
	out := append([]IdeaTally(nil), tallies...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.XP != b.XP {
			return a.XP > b.XP
		}
		if a.Voters != b.Voters {
			return a.Voters > b.Voters
		}
		return a.IdeaID < b.IdeaID
	})
	return out
}

// pickWinner returns the best tally. tied reports that the top XP was
// shared and the tie-break decided; empty reports that nobody voted.
func pickWinner(tallies []IdeaTally) (winner IdeaTally, tied, empty bool) {
	if len(tallies) == 0 {
		return IdeaTally{}, false, true
	}
	ranked := rankTallies(tallies)
	winner = ranked[0]
	tied = len(ranked) > 1 && ranked[1].XP == winner.XP
	return winner, tied, winner.XP == 0
}

// fillTallies returns one tally per idea id, zero for ideas without votes.
func fillTallies(ideaIDs []string, counted []IdeaTally) []IdeaTally {
	byID := make(map[string]IdeaTally, len(counted))
	for _, t := range counted {
		byID[t.IdeaID] = t
	}
	out := make([]IdeaTally, 0, len(ideaIDs))
	for _, id := range ideaIDs {
		t := byID[id]
		t.IdeaID = id
		out = append(out, t)
	}
	return out
}
