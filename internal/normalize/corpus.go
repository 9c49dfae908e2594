package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/model"
)

// Stats are the distribution statistics of one count or amount series.
type Stats struct {
	N   int     `json:"n"`
	Q1  float64 `json:"q1"`
	Q3  float64 `json:"q3"`
	IQR float64 `json:"iqr"`
	Max float64 `json:"max"`
	Cap float64 `json:"cap"`
}

// Corpus is the frozen set of winsorization caps computed from every curated
// value of a batch. Scores computed against the same corpus are reproducible.
type Corpus struct {
	Fingerprint string                               `json:"fingerprint"`
	FrozenAt    time.Time                            `json:"frozen_at"`
	Caps        map[model.Criterion]Stats            `json:"caps"`
	SubCaps     map[model.Criterion]map[string]Stats `json:"sub_caps,omitempty"`
	entities    map[string]struct{}
}

// Contains reports whether entityID was part of the corpus when it was frozen.
func (c *Corpus) Contains(entityID string) bool {
	if c == nil {
		return false
	}
	_, ok := c.entities[entityID]
	return ok
}

// Size returns the number of entities in the corpus.
func (c *Corpus) Size() int {
	if c == nil {
		return 0
	}
	return len(c.entities)
}

// Prepare runs the corpus-wide pre-pass. Values without usable data are left
// out of every series so they neither raise nor lower a cap.
func Prepare(cfg config.ScoringConfig, curated []model.CuratedValue) *Corpus {
	series := make(map[model.Criterion][]float64)
	subSeries := make(map[model.Criterion]map[string][]float64)
	corpus := &Corpus{
		FrozenAt: time.Now().UTC(),
		Caps:     make(map[model.Criterion]Stats),
		SubCaps:  make(map[model.Criterion]map[string]Stats),
		entities: make(map[string]struct{}),
	}

	for _, cv := range curated {
		corpus.entities[cv.EntityID] = struct{}{}
		if cv.NoUsableData || strategyFor(cv.Criterion) != model.StrategyWinsorized {
			continue
		}
		v, ok := numeric(cv)
		if !ok {
			continue
		}
		series[cv.Criterion] = append(series[cv.Criterion], v)

		subs := cfg.Policy(cv.Criterion).SubCounts
		if len(subs) == 0 {
			continue
		}
		if subSeries[cv.Criterion] == nil {
			subSeries[cv.Criterion] = make(map[string][]float64)
		}
		for _, sc := range subs {
			subSeries[cv.Criterion][sc.Category] = append(subSeries[cv.Criterion][sc.Category], float64(cv.SubCounts[sc.Category]))
		}
	}

	mult := cfg.Winsor.IQRMultiplier
	for c, values := range series {
		corpus.Caps[c] = computeStats(values, mult)
	}
	for c, cats := range subSeries {
		corpus.SubCaps[c] = make(map[string]Stats, len(cats))
		for cat, values := range cats {
			corpus.SubCaps[c][cat] = computeStats(values, mult)
		}
	}
	corpus.Fingerprint = fingerprint(corpus.entities)

	zap.L().Info("normalize: corpus frozen",
		zap.Int("entities", len(corpus.entities)),
		zap.String("fingerprint", corpus.Fingerprint),
	)
	return corpus
}

func numeric(cv model.CuratedValue) (float64, bool) {
	switch {
	case cv.Count != nil:
		return float64(*cv.Count), true
	case cv.Amount != nil:
		return *cv.Amount, true
	}
	return 0, false
}

func computeStats(values []float64, multiplier float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	s := Stats{
		N:   len(sorted),
		Q1:  quantile(sorted, 0.25),
		Q3:  quantile(sorted, 0.75),
		Max: sorted[len(sorted)-1],
	}
	s.IQR = s.Q3 - s.Q1
	s.Cap = s.Q3 + multiplier*s.IQR
	return s
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func fingerprint(entities map[string]struct{}) string {
	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
