// Package normalize places curated values of every criterion on a common
// 0-10 scale.
package normalize

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/model"
)

// MaxScore is the top of the normalized scale.
const MaxScore = 10.0

// ErrCorpusNotReady is returned when no corpus has been frozen, or the value
// belongs to an entity the frozen corpus does not contain.
var ErrCorpusNotReady = eris.New("corpus not ready")

// Normalizer scores curated values against a frozen corpus.
type Normalizer struct {
	cfg config.ScoringConfig

	mu     sync.RWMutex
	corpus *Corpus
}

// New creates a Normalizer with no corpus. Call Freeze before Normalize.
func New(cfg config.ScoringConfig) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// Freeze installs the corpus every subsequent score is computed against.
func (n *Normalizer) Freeze(c *Corpus) {
	n.mu.Lock()
	n.corpus = c
	n.mu.Unlock()
}

// Corpus returns the frozen corpus, or nil.
func (n *Normalizer) Corpus() *Corpus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.corpus
}

func strategyFor(c model.Criterion) string {
	switch c {
	case model.CriterionPrevalence:
		return model.StrategyClassMidpoint
	case model.CriterionGene:
		return model.StrategyBinary
	default:
		return model.StrategyWinsorized
	}
}

// Normalize scores one curated value. A value without usable data scores 0,
// is marked missing and low-confidence.
func (n *Normalizer) Normalize(cv model.CuratedValue) (model.NormalizedScore, error) {
	corpus := n.Corpus()
	if corpus == nil {
		return model.NormalizedScore{}, eris.Wrap(ErrCorpusNotReady, "normalize: no corpus frozen")
	}
	if !corpus.Contains(cv.EntityID) {
		return model.NormalizedScore{}, eris.Wrapf(ErrCorpusNotReady, "normalize: entity %s not in corpus %s", cv.EntityID, corpus.Fingerprint)
	}

	ns := model.NormalizedScore{
		EntityID:  cv.EntityID,
		Criterion: cv.Criterion,
		Strategy:  strategyFor(cv.Criterion),
	}
	if cv.NoUsableData {
		ns.Missing = true
		ns.LowConfidence = true
		return ns, nil
	}

	var err error
	switch ns.Strategy {
	case model.StrategyClassMidpoint:
		ns.Score, err = n.classMidpoint(cv)
		ns.LowConfidence = cv.Tier >= 4
	case model.StrategyBinary:
		ns.Score, err = n.binary(cv)
	default:
		ns.Score, err = n.winsorized(corpus, cv)
	}
	if err != nil {
		return model.NormalizedScore{}, err
	}
	return ns, nil
}

// NormalizeAll scores every value. The first error aborts.
func (n *Normalizer) NormalizeAll(ctx context.Context, curated []model.CuratedValue) ([]model.NormalizedScore, error) {
	out := make([]model.NormalizedScore, 0, len(curated))
	for _, cv := range curated {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "normalize: interrupted")
		}
		ns, err := n.Normalize(cv)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, nil
}

// classMidpoint maps the class label, and only the label, to its midpoint.
func (n *Normalizer) classMidpoint(cv model.CuratedValue) (float64, error) {
	rank, ok := n.cfg.RarityRank(cv.Class)
	if !ok {
		return 0, eris.Errorf("normalize: %s/%s has unknown rarity class %q", cv.EntityID, cv.Criterion, cv.Class)
	}
	return n.cfg.RarityClasses[rank].Midpoint, nil
}

func (n *Normalizer) binary(cv model.CuratedValue) (float64, error) {
	if cv.Flag == nil {
		return 0, eris.Errorf("normalize: %s/%s has no flag", cv.EntityID, cv.Criterion)
	}
	present := *cv.Flag
	if n.cfg.Policy(cv.Criterion).Direction == config.PresenceUnfavorable {
		present = !present
	}
	if present {
		return MaxScore, nil
	}
	return 0, nil
}

func (n *Normalizer) winsorized(corpus *Corpus, cv model.CuratedValue) (float64, error) {
	p := n.cfg.Policy(cv.Criterion)
	inverse := p.Direction == config.FewerIsBetter

	if len(p.SubCounts) > 0 {
		var score float64
		for _, sc := range p.SubCounts {
			stats := corpus.SubCaps[cv.Criterion][sc.Category]
			score += sc.Weight * scale(float64(cv.SubCounts[sc.Category]), stats.Cap, inverse)
		}
		return score, nil
	}

	v, ok := numeric(cv)
	if !ok {
		return 0, eris.Errorf("normalize: %s/%s has no count or amount", cv.EntityID, cv.Criterion)
	}
	return scale(v, corpus.Caps[cv.Criterion].Cap, inverse), nil
}

// scale maps v onto [0, 10] after capping it. A non-positive cap means the
// whole corpus sits at zero, so every value has ratio 0.
func scale(v, cp float64, inverse bool) float64 {
	var ratio float64
	if cp > 0 {
		ratio = min(max(v, 0), cp) / cp
	}
	if inverse {
		return (1 - ratio) * MaxScore
	}
	return ratio * MaxScore
}
