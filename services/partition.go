package services

import (
	"sort"
)

// partitionIdeas splits ideas into ceil(n/size) batches whose sizes differ
// by at most one. Input order is kept; callers sort by id first.
func partitionIdeas(ids []string, size int) [][]string {
	if len(ids) == 0 || size < 1 {
		return nil
	}
	batches := (len(ids) + size - 1) / size
	return splitEven(ids, batches)
}

// challengeBatches seeds every batch with the champion plus up to
// size-1 challengers.
func challengeBatches(championID string, challengers []string, size int) [][]string {
	if len(challengers) == 0 {
		return nil
	}
	per := size - 1
	if per < 1 {
		per = 1
	}
	groups := splitEven(challengers, (len(challengers)+per-1)/per)
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = append([]string{championID}, g...)
	}
	return out
}

func splitEven(ids []string, parts int) [][]string {
	base, extra := len(ids)/parts, len(ids)%parts
	out := make([][]string, 0, parts)
	start := 0
	for i := 0; i < parts; i++ {
		n := base
		if i < extra {
			n++
		}
		out = append(out, append([]string(nil), ids[start:start+n]...))
		start += n
	}
	return out
}

func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// cellPlan is one cell to create at tier start.
type cellPlan struct {
	Batch   int
	Members []string
}

// planBalancedCells spreads members over enough cells that none exceeds
// cellSize and every batch gets at least one cell. Cells are assigned to
// batches round robin; members are shuffled and dealt round robin.
func planBalancedCells(batches int, members []string, cellSize int, shuffle func(n int, swap func(i, j int))) []cellPlan {
	if batches == 0 {
		return nil
	}
	cells := batches
	if need := (len(members) + cellSize - 1) / cellSize; need > cells {
		cells = need
	}
	dealt := append([]string(nil), members...)
	if shuffle != nil {
		shuffle(len(dealt), func(i, j int) { dealt[i], dealt[j] = dealt[j], dealt[i] })
	}

	plans := make([]cellPlan, cells)
	for i := range plans {
		plans[i].Batch = i % batches
	}
	for j, m := range dealt {
		plans[j%cells].Members = append(plans[j%cells].Members, m)
	}
	return plans
}
