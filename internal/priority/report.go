package priority

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/model"
)

// KeyStatus is the curation state of one (entity, criterion) key.
type KeyStatus struct {
	Outcome   model.Outcome `json:"outcome"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
}

// Gap is one criterion that did not contribute to an entity's score.
type Gap struct {
	EntityID  string          `json:"entity_id"`
	Name      string          `json:"name,omitempty"`
	Criterion model.Criterion `json:"criterion"`
	Outcome   model.Outcome   `json:"outcome"`
	Reason    string          `json:"reason"`
}

// Report lists every entity that was not fully scored and why.
type Report struct {
	Entities    int   `json:"entities"`
	FullyScored int   `json:"fully_scored"`
	Gaps        []Gap `json:"gaps"`
}

// BuildReport collects the missing criteria of every result. statuses may be
// nil; keys without a status are reported as pending.
func BuildReport(results []model.PriorityResult, statuses map[model.EntityKey]KeyStatus) Report {
	rep := Report{Entities: len(results)}
	for _, r := range results {
		if len(r.Missing) == 0 {
			rep.FullyScored++
			continue
		}
		for _, c := range r.Missing {
			st, ok := statuses[model.EntityKey{EntityID: r.EntityID, Criterion: c}]
			if !ok {
				st.Outcome = model.OutcomePending
			}
			rep.Gaps = append(rep.Gaps, Gap{
				EntityID:  r.EntityID,
				Name:      r.Name,
				Criterion: c,
				Outcome:   st.Outcome,
				Reason:    reason(st),
			})
		}
	}
	sort.SliceStable(rep.Gaps, func(i, j int) bool {
		if rep.Gaps[i].EntityID != rep.Gaps[j].EntityID {
			return rep.Gaps[i].EntityID < rep.Gaps[j].EntityID
		}
		return rep.Gaps[i].Criterion < rep.Gaps[j].Criterion
	})
	return rep
}

func reason(st KeyStatus) string {
	switch st.Outcome {
	case model.OutcomeExhaustedFailed:
		msg := fmt.Sprintf("all %d fetch attempts failed", st.Attempts)
		if st.LastError != "" {
			msg += ": " + st.LastError
		}
		return msg
	case model.OutcomeExhaustedEmpty:
		return fmt.Sprintf("no evidence found after %d attempts", st.Attempts)
	case model.OutcomePopulated:
		return "evidence found but none usable"
	default:
		return "not curated yet"
	}
}

// WriteReport prints the report as plain text.
func WriteReport(w io.Writer, rep Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Entities: %d  fully scored: %d  with gaps: %d\n",
		rep.Entities, rep.FullyScored, rep.Entities-rep.FullyScored)
	if len(rep.Gaps) > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%-14s %-18s %-17s %s\n", "Entity", "Criterion", "Outcome", "Reason")
		b.WriteString(strings.Repeat("-", 80))
		b.WriteString("\n")
		for _, g := range rep.Gaps {
			fmt.Fprintf(&b, "%-14s %-18s %-17s %s\n", g.EntityID, g.Criterion, g.Outcome, g.Reason)
		}
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return eris.Wrap(err, "priority: write report")
	}
	return nil
}
