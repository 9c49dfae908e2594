package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/model"
)

// Direction describes how a criterion's curated value relates to priority.
type Direction string

const (
	FewerIsBetter       Direction = "fewer_is_better"
	MoreIsBetter        Direction = "more_is_better"
	PresenceFavorable   Direction = "presence_favorable"
	PresenceUnfavorable Direction = "presence_unfavorable"
)

// ScoringConfig enumerates every option the scoring engine recognises.
type ScoringConfig struct {
	Weights              map[string]float64         `yaml:"weights" mapstructure:"weights" json:"weights"`
	Winsor               WinsorConfig               `yaml:"winsor" mapstructure:"winsor" json:"winsor"`
	ReliabilityThreshold float64                    `yaml:"reliability_threshold" mapstructure:"reliability_threshold" json:"reliability_threshold"`
	MaxAttempts          int                        `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts"`
	CacheSize            int                        `yaml:"cache_size" mapstructure:"cache_size" json:"-"`
	CacheTTLSecs         int                        `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs" json:"-"`
	RarityClasses        []RarityClass              `yaml:"rarity_classes" mapstructure:"rarity_classes" json:"rarity_classes"`
	PlaceholderClasses   []string                   `yaml:"placeholder_classes" mapstructure:"placeholder_classes" json:"placeholder_classes"`
	Criteria             map[string]CriterionPolicy `yaml:"criteria" mapstructure:"criteria" json:"criteria"`
}

// WinsorConfig configures the upper-fence cap used by winsorized scaling.
type WinsorConfig struct {
	IQRMultiplier float64 `yaml:"iqr_multiplier" mapstructure:"iqr_multiplier" json:"iqr_multiplier"`
}

// RarityClass is one entry of the ordinal rarity scale. The scale is ordered
// rarest first.
type RarityClass struct {
	Label    string  `yaml:"label" mapstructure:"label" json:"label"`
	Midpoint float64 `yaml:"midpoint" mapstructure:"midpoint" json:"midpoint"`
}

// CriterionPolicy configures how a criterion is resolved and normalized.
type CriterionPolicy struct {
	Direction   Direction  `yaml:"direction" mapstructure:"direction" json:"direction"`
	Qualifying  []string   `yaml:"qualifying" mapstructure:"qualifying" json:"qualifying,omitempty"`
	IncludeWhen string     `yaml:"include_when" mapstructure:"include_when" json:"include_when,omitempty"`
	SubCounts   []SubCount `yaml:"sub_counts" mapstructure:"sub_counts" json:"sub_counts,omitempty"`
}

// SubCount is one component of a composite count criterion.
type SubCount struct {
	Category string  `yaml:"category" mapstructure:"category" json:"category"`
	Weight   float64 `yaml:"weight" mapstructure:"weight" json:"weight"`
}

// DefaultWeights returns the default weight vector keyed by criterion name.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		string(model.CriterionPrevalence):       0.20,
		string(model.CriterionSocioeconomic):    0.20,
		string(model.CriterionTherapies):        0.25,
		string(model.CriterionTrials):           0.10,
		string(model.CriterionGene):             0.15,
		string(model.CriterionResearchCapacity): 0.10,
	}
}

// DefaultRarityClasses returns the ordinal rarity scale, rarest first.
func DefaultRarityClasses() []RarityClass {
	return []RarityClass{
		{Label: "<1 / 1 000 000", Midpoint: 2},
		{Label: "1-9 / 1 000 000", Midpoint: 5},
		{Label: "1-9 / 100 000", Midpoint: 7},
		{Label: "1-5 / 10 000", Midpoint: 8.5},
		{Label: "6-9 / 10 000", Midpoint: 9.5},
		{Label: ">1 / 1000", Midpoint: 10},
	}
}

// DefaultPlaceholderClasses returns class labels that mean "no data".
func DefaultPlaceholderClasses() []string {
	return []string{"Unknown", "Not yet documented"}
}

// DefaultCriteria returns the default per-criterion policies.
func DefaultCriteria() map[string]CriterionPolicy {
	return map[string]CriterionPolicy{
		string(model.CriterionPrevalence): {},
		string(model.CriterionSocioeconomic): {
			Direction: MoreIsBetter,
		},
		string(model.CriterionTherapies): {
			Direction:  FewerIsBetter,
			Qualifying: []string{"approved"},
			SubCounts: []SubCount{
				{Category: "tradename", Weight: 0.8},
				{Category: "medical_product", Weight: 0.2},
			},
		},
		string(model.CriterionTrials): {
			Direction: MoreIsBetter,
			Qualifying: []string{
				"recruiting",
				"active_not_recruiting",
				"not_yet_recruiting",
				"enrolling_by_invitation",
			},
		},
		string(model.CriterionGene): {
			Direction: PresenceFavorable,
			Qualifying: []string{
				"disease-causing germline mutation",
				"disease-causing germline loss of function",
				"disease-causing germline gain of function",
				"disease-causing somatic mutation",
			},
		},
		string(model.CriterionResearchCapacity): {
			Direction:  MoreIsBetter,
			Qualifying: []string{"active"},
		},
	}
}

// DefaultScoringConfig returns a fully populated scoring configuration.
func DefaultScoringConfig() ScoringConfig {
	sc := ScoringConfig{
		Weights:              DefaultWeights(),
		Winsor:               WinsorConfig{IQRMultiplier: 1.5},
		ReliabilityThreshold: 6.0,
		MaxAttempts:          3,
		CacheSize:            1024,
		CacheTTLSecs:         30,
	}
	sc.ApplyDefaults()
	return sc
}

// ApplyDefaults fills list and policy options that were left unset.
func (s *ScoringConfig) ApplyDefaults() {
	if len(s.RarityClasses) == 0 {
		s.RarityClasses = DefaultRarityClasses()
	}
	if s.PlaceholderClasses == nil {
		s.PlaceholderClasses = DefaultPlaceholderClasses()
	}
	if s.Weights == nil {
		s.Weights = DefaultWeights()
	}
	defaults := DefaultCriteria()
	if s.Criteria == nil {
		s.Criteria = defaults
		return
	}
	for name, p := range defaults {
		if _, ok := s.Criteria[name]; !ok {
			s.Criteria[name] = p
		}
	}
}

// WeightVector returns the weights keyed by criterion.
func (s ScoringConfig) WeightVector() map[model.Criterion]float64 {
	out := make(map[model.Criterion]float64, len(s.Weights))
	for name, w := range s.Weights {
		out[model.Criterion(name)] = w
	}
	return out
}

// Policy returns the policy configured for c.
func (s ScoringConfig) Policy(c model.Criterion) CriterionPolicy {
	return s.Criteria[string(c)]
}

// RarityRank returns the ordinal position of a class label (0 = rarest).
func (s ScoringConfig) RarityRank(label string) (int, bool) {
	for i, rc := range s.RarityClasses {
		if rc.Label == label {
			return i, true
		}
	}
	return 0, false
}

// IsPlaceholder reports whether label is a "no data" class.
func (s ScoringConfig) IsPlaceholder(label string) bool {
	for _, p := range s.PlaceholderClasses {
		if p == label {
			return true
		}
	}
	return false
}

// Hash returns a short fingerprint of the scoring configuration, stored with
// every saved priority batch.
func (s ScoringConfig) Hash() string {
	data, _ := json.Marshal(s)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:16])
}

// ValidateWeights checks a weight vector on its own. Used for the recompute
// endpoint and the --weights override.
func ValidateWeights(weights map[string]float64) error {
	errs := validateWeights(weights)
	if len(errs) > 0 {
		return eris.Errorf("config: invalid weights: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWeights(weights map[string]float64) []string {
	var errs []string
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum float64
	for _, name := range names {
		w := weights[name]
		if !model.Criterion(name).Valid() {
			errs = append(errs, fmt.Sprintf("weight references unknown criterion %q", name))
			continue
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			errs = append(errs, fmt.Sprintf("weight for %s must be a finite number >= 0", name))
			continue
		}
		sum += w
	}
	if sum <= 0 {
		errs = append(errs, "weights must sum to a positive number")
	}
	return errs
}

func (s ScoringConfig) validate() []string {
	errs := validateWeights(s.Weights)

	if s.Winsor.IQRMultiplier <= 0 {
		errs = append(errs, "scoring.winsor.iqr_multiplier must be > 0")
	}
	if s.ReliabilityThreshold < 0 || s.ReliabilityThreshold > 10 {
		errs = append(errs, "scoring.reliability_threshold must be between 0 and 10")
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, "scoring.max_attempts must be >= 1")
	}
	if s.CacheSize < 1 {
		errs = append(errs, "scoring.cache_size must be >= 1")
	}
	if s.CacheTTLSecs < 1 {
		errs = append(errs, "scoring.cache_ttl_secs must be >= 1")
	}

	if len(s.RarityClasses) == 0 {
		errs = append(errs, "scoring.rarity_classes must not be empty")
	}
	seen := make(map[string]bool)
	for _, rc := range s.RarityClasses {
		if rc.Label == "" {
			errs = append(errs, "scoring.rarity_classes entries need a label")
			continue
		}
		if seen[rc.Label] {
			errs = append(errs, fmt.Sprintf("duplicate rarity class %q", rc.Label))
		}
		seen[rc.Label] = true
		if rc.Midpoint < 0 || rc.Midpoint > 10 {
			errs = append(errs, fmt.Sprintf("rarity class %q midpoint must be between 0 and 10", rc.Label))
		}
	}

	names := make([]string, 0, len(s.Criteria))
	for name := range s.Criteria {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := s.Criteria[name]
		c := model.Criterion(name)
		if !c.Valid() {
			errs = append(errs, fmt.Sprintf("policy references unknown criterion %q", name))
			continue
		}
		switch c {
		case model.CriterionPrevalence:
			continue
		case model.CriterionGene:
			if p.Direction != PresenceFavorable && p.Direction != PresenceUnfavorable {
				errs = append(errs, fmt.Sprintf("%s direction must be presence_favorable or presence_unfavorable", name))
			}
		default:
			if p.Direction != FewerIsBetter && p.Direction != MoreIsBetter {
				errs = append(errs, fmt.Sprintf("%s direction must be fewer_is_better or more_is_better", name))
			}
		}
		if c != model.CriterionSocioeconomic && len(p.Qualifying) == 0 {
			errs = append(errs, fmt.Sprintf("%s needs a qualifying allow-list", name))
		}
		if len(p.SubCounts) > 0 {
			var sum float64
			cats := make(map[string]bool)
			for _, sc := range p.SubCounts {
				if sc.Category == "" || cats[sc.Category] {
					errs = append(errs, fmt.Sprintf("%s sub-count categories must be unique and non-empty", name))
				}
				cats[sc.Category] = true
				if sc.Weight < 0 {
					errs = append(errs, fmt.Sprintf("%s sub-count %q weight must be >= 0", name, sc.Category))
				}
				sum += sc.Weight
			}
			if math.Abs(sum-1) > 1e-9 {
				errs = append(errs, fmt.Sprintf("%s sub-count weights must sum to 1, got %.3f", name, sum))
			}
		}
	}
	return errs
}
