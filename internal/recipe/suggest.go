package recipe

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

const maxSuggestions = 3

type suggestion struct {
	name string
	dist int
}

// suggest ranks recipe names by edit distance to query. Names further away
// than the length-scaled limit are dropped.
func suggest(query string, recipes []*Recipe, limit int) []string {
	q := strings.ToLower(query)
	cands := make([]suggestion, 0, len(recipes))
	for _, r := range recipes {
		name := strings.ToLower(r.Name)
		dist := levenshtein.ComputeDistance(q, name)
		if strings.HasPrefix(name, q) || strings.HasPrefix(strings.ToLower(string(r.ID)), q) {
			dist = 0
		} else if dist > distanceLimit(len(name)) {
			continue
		}
		cands = append(cands, suggestion{name: r.Name, dist: dist})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].dist == cands[j].dist {
			return cands[i].name < cands[j].name
		}
		return cands[i].dist < cands[j].dist
	})
	out := make([]string, 0, limit)
	for _, c := range cands {
		if len(out) >= limit {
			break
		}
		out = append(out, c.name)
	}
	return out
}

func distanceLimit(length int) int {
	switch {
	case length <= 4:
		return 1
	case length <= 8:
		return 2
	default:
		return 3
	}
}
