package evaluation

import (
	"fmt"

	"github.com/hbollon/go-edlib"
)

// hungarianMatch performs an optimal 1-to-1 assignment between expected
// and actual object lists by pairwise similarity, then reports matched
// (above threshold) vs. mismatched/unmatched counts as a single
// aggregate score and pass/fail verdict for the field.
//
// No third-party Go implementation of the Kuhn-Munkres (Hungarian)
// assignment algorithm appears anywhere in the retrieval pack, so the
// assignment solver itself is hand-rolled standard-library code; only
// the per-pair similarity feeding the cost matrix comes from a library
// (go-edlib, already wired for the FUZZY/LEVENSHTEIN methods above).
func (s *Stage) hungarianMatch(expected, actual []map[string]any, threshold float64) (float64, bool) {
	n := len(expected)
	m := len(actual)
	if n == 0 && m == 0 {
		return 1, true
	}

	sim := make([][]float64, n)
	for i, e := range expected {
		sim[i] = make([]float64, m)
		for j, a := range actual {
			sim[i][j] = objectSimilarity(e, a)
		}
	}

	assignment := solveAssignment(sim)

	matched := 0
	for i, j := range assignment {
		if j >= 0 && sim[i][j] >= threshold {
			matched++
		}
	}

	total := n
	if m > total {
		total = m
	}
	if total == 0 {
		return 1, true
	}
	score := float64(matched) / float64(total)
	return score, matched == total
}

// objectSimilarity compares two flat attribute maps by averaging the
// Jaro-Winkler similarity of their shared keys' string representations;
// a key present on only one side counts as zero similarity for that key.
func objectSimilarity(a, b map[string]any) float64 {
	keys := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	if len(keys) == 0 {
		return 1
	}
	var total float64
	for k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if !aok || !bok {
			continue
		}
		sim, err := edlib.StringsSimilarity(fmt.Sprint(av), fmt.Sprint(bv), edlib.JaroWinkler)
		if err == nil {
			total += float64(sim)
		}
	}
	return total / float64(len(keys))
}

// solveAssignment returns, for each row i of a square-padded cost-free
// similarity matrix sim, the assigned column (-1 if unassigned), chosen
// to maximize total similarity via the Hungarian algorithm on 1-sim
// costs. Handles rectangular matrices by padding with zero-similarity
// dummy rows/columns.
func solveAssignment(sim [][]float64) []int {
	n := len(sim)
	m := 0
	if n > 0 {
		m = len(sim[0])
	}
	size := n
	if m > size {
		size = m
	}
	if size == 0 {
		return nil
	}

	cost := make([][]float64, size)
	for i := 0; i < size; i++ {
		cost[i] = make([]float64, size)
		for j := 0; j < size; j++ {
			s := 0.0
			if i < n && j < m {
				s = sim[i][j]
			}
			cost[i][j] = 1 - s
		}
	}

	colAssign := hungarianSolve(cost)

	rowAssign := make([]int, n)
	for i := range rowAssign {
		rowAssign[i] = -1
	}
	for j, i := range colAssign {
		if i < n && j < m {
			rowAssign[i] = j
		}
	}
	return rowAssign
}

// hungarianSolve implements the O(n^3) Kuhn-Munkres algorithm on a square
// cost matrix, returning for each column the assigned row.
func hungarianSolve(cost [][]float64) []int {
	n := len(cost)
	const inf = 1e18

	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1) // p[j] = row assigned to column j (1-indexed), 0 = none
	way := make([]int, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minV := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := 0; j <= n; j++ {
			minV[j] = inf
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := cost[i0-1][j-1] - u[i0] - v[j]
				if cur < minV[j] {
					minV[j] = cur
					way[j] = j0
				}
				if minV[j] < delta {
					delta = minV[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minV[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	colToRow := make([]int, n)
	for j := 1; j <= n; j++ {
		colToRow[j-1] = p[j] - 1
	}
	return colToRow
}
