// Package priority combines normalized criterion scores into a ranked list.
// Everything here is a pure function of its inputs, so changing the weights
// never requires re-running curation.
package priority

import (
	"sort"

	"github.com/sells-group/rare-priority/internal/model"
)

// orderedCriteria returns the weighted criteria in canonical order so sums are
// reproducible bit for bit.
func orderedCriteria(weights map[model.Criterion]float64) []model.Criterion {
	var out []model.Criterion
	for _, c := range model.AllCriteria() {
		if _, ok := weights[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Aggregate computes the weighted sum of the normalized scores of one entity.
// A weighted criterion without a usable score contributes 0 and is listed in
// Missing; it is never dropped from the sum.
func Aggregate(entityID string, scores map[model.Criterion]model.NormalizedScore, weights map[model.Criterion]float64) model.PriorityResult {
	res := model.PriorityResult{
		EntityID: entityID,
		Scores:   make(map[model.Criterion]model.NormalizedScore, len(scores)),
		Weights:  make(map[model.Criterion]float64, len(weights)),
	}
	for c, ns := range scores {
		res.Scores[c] = ns
	}

	for _, c := range orderedCriteria(weights) {
		w := weights[c]
		res.Weights[c] = w
		ns, ok := scores[c]
		if !ok || ns.Missing {
			res.Missing = append(res.Missing, c)
			continue
		}
		res.FinalScore += ns.Score * w
	}
	return res
}

// Rank sorts results by final score, highest first, breaking ties by entity
// id, and assigns 1-based ranks in place.
func Rank(results []model.PriorityResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		return results[i].EntityID < results[j].EntityID
	})
	for i := range results {
		results[i].Rank = i + 1
	}
}

// Build groups normalized scores by entity, aggregates and ranks them. Every
// entity appears in the output, even one without any score.
func Build(entities []model.Entity, scores []model.NormalizedScore, weights map[model.Criterion]float64) []model.PriorityResult {
	byEntity := make(map[string]map[model.Criterion]model.NormalizedScore, len(entities))
	for _, ns := range scores {
		m, ok := byEntity[ns.EntityID]
		if !ok {
			m = make(map[model.Criterion]model.NormalizedScore)
			byEntity[ns.EntityID] = m
		}
		m[ns.Criterion] = ns
	}

	results := make([]model.PriorityResult, 0, len(entities))
	for _, e := range entities {
		res := Aggregate(e.ID, byEntity[e.ID], weights)
		res.Name = e.Name
		results = append(results, res)
	}
	Rank(results)
	return results
}

// Recompute re-aggregates existing results under a new weight vector and
// re-ranks them. The input is not modified.
func Recompute(results []model.PriorityResult, weights map[model.Criterion]float64) []model.PriorityResult {
	out := make([]model.PriorityResult, 0, len(results))
	for _, r := range results {
		res := Aggregate(r.EntityID, r.Scores, weights)
		res.Name = r.Name
		out = append(out, res)
	}
	Rank(out)
	return out
}
