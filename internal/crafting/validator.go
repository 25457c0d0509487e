package crafting

import (
	"sort"

	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
)

// Deficit is one unmet requirement.
type Deficit struct {
	Ref  inventory.ItemRef `json:"ref"`
	Have int               `json:"have"`
	Need int               `json:"need"`
}

// Evaluation is the outcome of Evaluate. Consumption is only meaningful
// when Satisfiable is true. Unusable lists chosen balls the player does not
// own or that no requirement has room for.
type Evaluation struct {
	Satisfiable bool
	Missing     []Deficit
	Unusable    []inventory.BallID
	Consumption inventory.Consumption
}

type requirement struct {
	ref  inventory.ItemRef
	need int
}

// Evaluate decides whether snap satisfies every ingredient of r and picks the
// exact holdings a craft would consume. It never mutates its inputs.
//
// Requirements naming the same reference are summed. Ball requirements with a
// special filter are served before unfiltered ones of the same species, and
// unfiltered requirements prefer plain instances, then the oldest id, so the
// chosen set does not depend on ingredient order.
func Evaluate(r *recipe.Recipe, snap inventory.Snapshot) Evaluation {
	return EvaluateChosen(r, snap, nil)
}

// EvaluateChosen is Evaluate with a set of ball instances the player picked
// to spend. Chosen balls are taken before any other match, and every one of
// them must be owned and used, or the evaluation is unsatisfiable.
func EvaluateChosen(r *recipe.Recipe, snap inventory.Snapshot, chosen []inventory.BallID) Evaluation {
	reqs := aggregate(r.Ingredients)
	pinned := make(map[inventory.BallID]bool, len(chosen))
	for _, id := range chosen {
		pinned[id] = true
	}

	var (
		missing  []Deficit
		consumed = inventory.Consumption{Items: make(map[inventory.ItemID]int)}
		taken    = make(map[inventory.BallID]bool)
	)

	// Specific specials first so "any" requirements cannot steal their balls.
	order := make([]int, len(reqs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return rank(reqs[order[a]].ref) < rank(reqs[order[b]].ref)
	})

	deficits := make(map[int]Deficit)
	for _, i := range order {
		req := reqs[i]
		switch req.ref.Kind {
		case inventory.RefItem:
			have := snap.ItemQuantity(req.ref.Item)
			if have < req.need {
				deficits[i] = Deficit{Ref: req.ref, Have: have, Need: req.need}
				continue
			}
			consumed.Items[req.ref.Item] += req.need
		case inventory.RefBall:
			cands := candidates(snap.Balls, req.ref, taken, pinned)
			if len(cands) < req.need {
				deficits[i] = Deficit{Ref: req.ref, Have: len(cands), Need: req.need}
				continue
			}
			for _, b := range cands[:req.need] {
				taken[b.ID] = true
				consumed.Balls = append(consumed.Balls, b.ID)
			}
		}
	}

	for i := range reqs {
		if d, ok := deficits[i]; ok {
			missing = append(missing, d)
		}
	}
	var unusable []inventory.BallID
	for id := range pinned {
		if !taken[id] {
			unusable = append(unusable, id)
		}
	}
	sort.Slice(unusable, func(i, j int) bool { return unusable[i] < unusable[j] })
	if len(missing) > 0 || len(unusable) > 0 {
		return Evaluation{Missing: missing, Unusable: unusable}
	}

	sort.Slice(consumed.Balls, func(i, j int) bool { return consumed.Balls[i] < consumed.Balls[j] })
	if len(consumed.Items) == 0 {
		consumed.Items = nil
	}
	return Evaluation{Satisfiable: true, Consumption: consumed}
}

// aggregate sums requirements naming the same reference, keeping the order
// of first appearance.
func aggregate(ingredients []recipe.Ingredient) []requirement {
	index := make(map[inventory.ItemRef]int, len(ingredients))
	out := make([]requirement, 0, len(ingredients))
	for _, in := range ingredients {
		if i, ok := index[in.Ref]; ok {
			out[i].need += in.Quantity
			continue
		}
		index[in.Ref] = len(out)
		out = append(out, requirement{ref: in.Ref, need: in.Quantity})
	}
	return out
}

func rank(ref inventory.ItemRef) int {
	switch {
	case ref.Kind == inventory.RefItem:
		return 0
	case ref.Special != "":
		return 1
	default:
		return 2
	}
}

// candidates returns untaken balls matching ref: chosen instances first, then
// plain ones, then by ascending id.
func candidates(balls []inventory.BallInstance, ref inventory.ItemRef, taken, pinned map[inventory.BallID]bool) []inventory.BallInstance {
	out := make([]inventory.BallInstance, 0)
	for _, b := range balls {
		if !taken[b.ID] && b.Matches(ref) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ci, cj := pinned[out[i].ID], pinned[out[j].ID]; ci != cj {
			return ci
		}
		pi, pj := out[i].Special == "", out[j].Special == ""
		if pi != pj {
			return pi
		}
		return out[i].ID < out[j].ID
	})
	return out
}
