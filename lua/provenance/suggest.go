package provenance

import (
	"slices"
	"strings"
)

// Suggest lists up to limit keys of the diagnosed table spelled like the
// missing key, closest first. Keys reachable through __index tables count.
func Suggest(d *Diagnosis, limit int) []string {
	if d == nil || limit <= 0 {
		return nil
	}

	type candidate struct {
		key  string
		dist int
	}
	var cands []candidate
	seen := map[string]bool{}

	maxDist := min(2, len(d.Key)/2)
	t := d.Table
	for range maxIndexChain {
		k, ok := t.(Keyed)
		if !ok {
			break
		}
		for _, key := range k.StringKeys() {
			if seen[key] || key == d.Key {
				continue
			}
			seen[key] = true
			if dist := distance(strings.ToLower(d.Key), strings.ToLower(key)); dist <= maxDist {
				cands = append(cands, candidate{key, dist})
			}
		}
		if t = k.MetaIndex(); t == nil {
			break
		}
	}

	slices.SortFunc(cands, func(a, b candidate) int {
		if a.dist != b.dist {
			return a.dist - b.dist
		}
		return strings.Compare(a.key, b.key)
	})

	var out []string
	for _, c := range cands[:min(limit, len(cands))] {
		out = append(out, c.key)
	}
	return out
}

// distance is the optimal string alignment distance between a and b:
// insertions, deletions, substitutions and adjacent transpositions.
func distance(a, b string) int {
	if len(a) > 64 || len(b) > 64 {
		// only short identifiers are worth comparing
		if a == b {
			return 0
		}
		return len(a) + len(b)
	}

	prev2 := make([]int, len(b)+1)
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && a[i-1] == b[j-2] && a[i-2] == b[j-1] {
				cur[j] = min(cur[j], prev2[j-2]+1)
			}
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[len(b)]
}
