package resolve

import (
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/model"
)

// sortBest orders records best first: higher reliability, then more recent
// observation, then source name.
func sortBest(records []model.EvidenceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Reliability != b.Reliability {
			return a.Reliability > b.Reliability
		}
		if !a.ObservedAt.Equal(b.ObservedAt) {
			return a.ObservedAt.After(b.ObservedAt)
		}
		return a.Source < b.Source
	})
}

func best(records []model.EvidenceRecord) (model.EvidenceRecord, bool) {
	if len(records) == 0 {
		return model.EvidenceRecord{}, false
	}
	c := make([]model.EvidenceRecord, len(records))
	copy(c, records)
	sortBest(c)
	return c[0], true
}

func filter(records []model.EvidenceRecord, keep func(model.EvidenceRecord) bool) []model.EvidenceRecord {
	var out []model.EvidenceRecord
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func isGlobal(q model.Qualifiers) bool {
	if q.Geography != "" {
		return q.Geography == model.GeoGlobal
	}
	return q.Region == ""
}

// resolveClass picks a rarity class through five fallback tiers. Records with
// placeholder or unknown labels never win a tier.
func resolveClass(cfg config.ScoringConfig, cv model.CuratedValue, records []model.EvidenceRecord) model.CuratedValue {
	var usable []model.EvidenceRecord
	for _, r := range records {
		_, known := cfg.RarityRank(r.Value.Class)
		if !known || cfg.IsPlaceholder(r.Value.Class) {
			cv.Excluded = append(cv.Excluded, r.Source)
			continue
		}
		usable = append(usable, r)
	}

	// Birth and case-report figures only compete in their own tiers, so a
	// birth record is always shifted even when it is global and reliable.
	ranked := func(m model.MeasurementType) bool {
		return m != model.MeasurementBirth && m != model.MeasurementCaseReport
	}

	tiers := []struct {
		method model.SelectionMethod
		keep   func(model.EvidenceRecord) bool
	}{
		{model.SelectPointInTime, func(r model.EvidenceRecord) bool {
			return r.Qualifiers.Measurement == model.MeasurementPoint
		}},
		{model.SelectGlobal, func(r model.EvidenceRecord) bool {
			return ranked(r.Qualifiers.Measurement) && r.Reliability >= cfg.ReliabilityThreshold && isGlobal(r.Qualifiers)
		}},
		{model.SelectRegional, func(r model.EvidenceRecord) bool {
			return ranked(r.Qualifiers.Measurement) && r.Reliability >= cfg.ReliabilityThreshold && !isGlobal(r.Qualifiers)
		}},
		{model.SelectBirthShifted, func(r model.EvidenceRecord) bool {
			return r.Qualifiers.Measurement == model.MeasurementBirth
		}},
	}

	for i, tier := range tiers {
		winner, ok := best(filter(usable, tier.keep))
		if !ok {
			continue
		}
		class := winner.Value.Class
		if tier.method == model.SelectBirthShifted {
			// Birth prevalence overstates point prevalence: one class rarer.
			rank, _ := cfg.RarityRank(class)
			if rank > 0 {
				rank--
			}
			class = cfg.RarityClasses[rank].Label
		}
		cv.Class = class
		cv.Method = tier.method
		cv.Tier = i + 1
		cv.Source = winner.Source
		cv.Confidence = winner.Reliability
		return cv
	}

	caseReports := filter(records, func(r model.EvidenceRecord) bool {
		return r.Qualifiers.Measurement == model.MeasurementCaseReport
	})
	if winner, ok := best(caseReports); ok {
		cv.Class = cfg.RarityClasses[0].Label
		cv.Method = model.SelectCaseReport
		cv.Tier = 5
		cv.Source = winner.Source
		cv.Confidence = winner.Reliability
		return cv
	}
	return noData(cv)
}

// resolveAmount takes the value of the best record.
func resolveAmount(cv model.CuratedValue, records []model.EvidenceRecord) model.CuratedValue {
	winner, ok := best(filter(records, func(r model.EvidenceRecord) bool { return r.Value.Amount != nil }))
	if !ok {
		return noData(cv)
	}
	amount := *winner.Value.Amount
	cv.Amount = &amount
	cv.Method = model.SelectBestRecord
	cv.Source = winner.Source
	cv.Confidence = winner.Reliability
	return cv
}

// matcher compares statuses and categories case-insensitively. A Caser holds
// state, so each resolution builds its own.
type matcher struct {
	fold cases.Caser
}

func newMatcher() *matcher {
	return &matcher{fold: cases.Fold()}
}

func (m *matcher) key(s string) string {
	return m.fold.String(strings.TrimSpace(s))
}

// qualifying splits records into those passing the allow-list, the
// include_when rule and, when sub-counts are defined, a known category.
// Qualifying records get their category rewritten to the configured
// spelling.
func (r *Resolver) qualifying(c model.Criterion, records []model.EvidenceRecord) (in, out []model.EvidenceRecord) {
	p := r.cfg.Policy(c)
	m := newMatcher()
	allowed := make(map[string]bool, len(p.Qualifying))
	for _, s := range p.Qualifying {
		allowed[m.key(s)] = true
	}
	cats := make(map[string]string, len(p.SubCounts))
	for _, sc := range p.SubCounts {
		cats[m.key(sc.Category)] = sc.Category
	}

	for _, rec := range records {
		ok := allowed[m.key(rec.Qualifiers.Status)]
		if ok && len(cats) > 0 {
			var category string
			if category, ok = cats[m.key(rec.Qualifiers.Category)]; ok {
				rec.Qualifiers.Category = category
			}
		}
		if ok {
			var err error
			ok, err = r.rules.include(c, rec)
			if err != nil {
				zap.L().Warn("resolve: include_when failed, excluding record",
					zap.String("criterion", string(c)),
					zap.String("source", rec.Source),
					zap.Error(err),
				)
			}
		}
		if ok {
			in = append(in, rec)
		} else {
			out = append(out, rec)
		}
	}
	return in, out
}

// resolveCount sums the weight of qualifying records. An empty success is a
// genuine zero.
func (r *Resolver) resolveCount(cv model.CuratedValue, records []model.EvidenceRecord) model.CuratedValue {
	in, out := r.qualifying(cv.Criterion, records)

	var total int
	var relSum float64
	for _, rec := range in {
		total += rec.Weight()
		relSum += rec.Reliability
		cv.Qualifying = append(cv.Qualifying, rec.Source)
	}
	for _, rec := range out {
		cv.Excluded = append(cv.Excluded, rec.Source)
	}

	if subs := r.cfg.Policy(cv.Criterion).SubCounts; len(subs) > 0 {
		cv.SubCounts = make(map[string]int, len(subs))
		for _, sc := range subs {
			cv.SubCounts[sc.Category] = 0
		}
		for _, rec := range in {
			cv.SubCounts[rec.Qualifiers.Category] += rec.Weight()
		}
	}

	cv.Count = &total
	cv.Method = model.SelectCount
	if len(in) > 0 {
		cv.Confidence = relSum / float64(len(in))
	}
	return cv
}

// resolveBinary reports whether at least one record passes the strict
// allow-list.
func (r *Resolver) resolveBinary(cv model.CuratedValue, records []model.EvidenceRecord) model.CuratedValue {
	in, out := r.qualifying(cv.Criterion, records)
	for _, rec := range out {
		cv.Excluded = append(cv.Excluded, rec.Source)
	}

	present := len(in) > 0
	cv.Flag = &present
	cv.Method = model.SelectPresence
	if winner, ok := best(in); ok {
		cv.Source = winner.Source
		cv.Confidence = winner.Reliability
		for _, rec := range in {
			cv.Qualifying = append(cv.Qualifying, rec.Source)
		}
	}
	return cv
}

func noData(cv model.CuratedValue) model.CuratedValue {
	out := model.NoData(cv.EntityID, cv.Criterion)
	out.Excluded = cv.Excluded
	out.RunNumber = cv.RunNumber
	out.ResolvedAt = cv.ResolvedAt
	return out
}
