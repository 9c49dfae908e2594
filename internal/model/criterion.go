package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Criterion identifies one of the six evidence dimensions a disease is scored on.
type Criterion string

const (
	CriterionPrevalence       Criterion = "prevalence"
	CriterionSocioeconomic    Criterion = "socioeconomic"
	CriterionTherapies        Criterion = "therapies"
	CriterionTrials           Criterion = "trials"
	CriterionGene             Criterion = "gene"
	CriterionResearchCapacity Criterion = "research_capacity"
)

var allCriteria = []Criterion{
	CriterionPrevalence,
	CriterionSocioeconomic,
	CriterionTherapies,
	CriterionTrials,
	CriterionGene,
	CriterionResearchCapacity,
}

// AllCriteria returns every known criterion in canonical column order.
func AllCriteria() []Criterion {
	out := make([]Criterion, len(allCriteria))
	copy(out, allCriteria)
	return out
}

// Valid reports whether c is a known criterion.
func (c Criterion) Valid() bool {
	for _, k := range allCriteria {
		if c == k {
			return true
		}
	}
	return false
}

// ParseCriterion converts a user-supplied name into a Criterion.
func ParseCriterion(s string) (Criterion, error) {
	c := Criterion(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", eris.Errorf("model: unknown criterion %q", s)
	}
	return c, nil
}

// ParseCriteria parses a comma-separated criterion list. An empty string
// yields every criterion.
func ParseCriteria(s string) ([]Criterion, error) {
	if strings.TrimSpace(s) == "" {
		return AllCriteria(), nil
	}
	var out []Criterion
	seen := make(map[Criterion]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		c, err := ParseCriterion(part)
		if err != nil {
			return nil, err
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, nil
}
