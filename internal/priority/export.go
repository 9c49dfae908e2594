package priority

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/rare-priority/internal/model"
)

// Columns returns the flat export header: rank, id, name, one column per
// criterion, final score and the missing criteria.
func Columns(criteria []model.Criterion) []string {
	cols := []string{"rank", "entity_id", "name"}
	for _, c := range criteria {
		cols = append(cols, string(c))
	}
	return append(cols, "final_score", "missing")
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func missingList(r model.PriorityResult) string {
	parts := make([]string, len(r.Missing))
	for i, c := range r.Missing {
		parts[i] = string(c)
	}
	return strings.Join(parts, ";")
}

func row(r model.PriorityResult, criteria []model.Criterion) []string {
	out := []string{strconv.Itoa(r.Rank), r.EntityID, r.Name}
	for _, c := range criteria {
		ns, ok := r.Scores[c]
		if !ok || ns.Missing {
			out = append(out, "")
			continue
		}
		out = append(out, formatScore(ns.Score))
	}
	return append(out, formatScore(r.FinalScore), missingList(r))
}

// WriteCSV writes one row per entity. Criteria without usable data are left
// blank.
func WriteCSV(w io.Writer, results []model.PriorityResult, criteria []model.Criterion) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns(criteria)); err != nil {
		return eris.Wrap(err, "priority: write CSV header")
	}
	for _, r := range results {
		if err := cw.Write(row(r, criteria)); err != nil {
			return eris.Wrapf(err, "priority: write CSV row %s", r.EntityID)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "priority: flush CSV")
	}
	return nil
}

// WriteXLSX writes the same table as WriteCSV into a single-sheet workbook.
func WriteXLSX(w io.Writer, results []model.PriorityResult, criteria []model.Criterion) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("priorities")
	if err != nil {
		return eris.Wrap(err, "priority: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range Columns(criteria) {
		header.AddCell().SetString(col)
	}

	for _, r := range results {
		xr := sheet.AddRow()
		xr.AddCell().SetInt(r.Rank)
		xr.AddCell().SetString(r.EntityID)
		xr.AddCell().SetString(r.Name)
		for _, c := range criteria {
			cell := xr.AddCell()
			if ns, ok := r.Scores[c]; ok && !ns.Missing {
				cell.SetFloat(ns.Score)
			}
		}
		xr.AddCell().SetFloat(r.FinalScore)
		xr.AddCell().SetString(missingList(r))
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "priority: write XLSX")
	}
	return nil
}

// WriteTable prints a fixed-width table for terminals.
func WriteTable(w io.Writer, results []model.PriorityResult, criteria []model.Criterion) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %-14s %-36s", "Rank", "Entity", "Name")
	for _, c := range criteria {
		fmt.Fprintf(&b, " %9s", abbreviate(string(c)))
	}
	fmt.Fprintf(&b, " %8s\n", "Final")
	b.WriteString(strings.Repeat("-", 57+10*len(criteria)+9))
	b.WriteString("\n")

	for _, r := range results {
		name := r.Name
		if len(name) > 36 {
			name = name[:33] + "..."
		}
		fmt.Fprintf(&b, "%-5d %-14s %-36s", r.Rank, r.EntityID, name)
		for _, c := range criteria {
			ns, ok := r.Scores[c]
			if !ok || ns.Missing {
				fmt.Fprintf(&b, " %9s", "-")
				continue
			}
			mark := " "
			if ns.LowConfidence {
				mark = "*"
			}
			fmt.Fprintf(&b, " %8.2f%s", ns.Score, mark)
		}
		fmt.Fprintf(&b, " %8.3f\n", r.FinalScore)
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return eris.Wrap(err, "priority: write table")
	}
	return nil
}

func abbreviate(s string) string {
	if len(s) > 9 {
		return s[:9]
	}
	return s
}

// CriterionJustification explains one criterion's contribution to a final
// score.
type CriterionJustification struct {
	Criterion     model.Criterion     `json:"criterion"`
	Weight        float64             `json:"weight"`
	Score         float64             `json:"score"`
	Contribution  float64             `json:"contribution"`
	Strategy      string              `json:"strategy,omitempty"`
	LowConfidence bool                `json:"low_confidence,omitempty"`
	Missing       bool                `json:"missing,omitempty"`
	Curated       *model.CuratedValue `json:"curated,omitempty"`
}

// Justification is the structured per-entity audit record of a ranking.
type Justification struct {
	EntityID   string                   `json:"entity_id"`
	Name       string                   `json:"name,omitempty"`
	Rank       int                      `json:"rank"`
	FinalScore float64                  `json:"final_score"`
	Criteria   []CriterionJustification `json:"criteria"`
}

// Justify pairs every result with the curated values behind its scores.
func Justify(results []model.PriorityResult, curated []model.CuratedValue) []Justification {
	byKey := make(map[model.EntityKey]model.CuratedValue, len(curated))
	for _, cv := range curated {
		byKey[cv.Key()] = cv
	}

	out := make([]Justification, 0, len(results))
	for _, r := range results {
		j := Justification{EntityID: r.EntityID, Name: r.Name, Rank: r.Rank, FinalScore: r.FinalScore}
		for _, c := range orderedCriteria(r.Weights) {
			cj := CriterionJustification{Criterion: c, Weight: r.Weights[c], Missing: true}
			if ns, ok := r.Scores[c]; ok {
				cj.Score = ns.Score
				cj.Strategy = ns.Strategy
				cj.LowConfidence = ns.LowConfidence
				cj.Missing = ns.Missing
				if !ns.Missing {
					cj.Contribution = ns.Score * cj.Weight
				}
			}
			if cv, ok := byKey[model.EntityKey{EntityID: r.EntityID, Criterion: c}]; ok {
				cj.Curated = &cv
			}
			j.Criteria = append(j.Criteria, cj)
		}
		out = append(out, j)
	}
	return out
}

// WriteJSON writes justification records as an indented JSON array.
func WriteJSON(w io.Writer, justifications []Justification) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(justifications); err != nil {
		return eris.Wrap(err, "priority: encode justifications")
	}
	return nil
}
