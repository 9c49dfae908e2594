package resolve

import (
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/model"
)

// Rules holds the compiled include_when expressions keyed by criterion.
type Rules map[model.Criterion]cel.Program

// newEnv declares the single "record" variable visible to include_when
// expressions, e.g. `record.source_type == "peer_reviewed" && record.count > 0`.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// CompileRules compiles every include_when expression in cfg. It fails on the
// first expression that does not parse, type-check or yield a bool, so it is
// run once at startup.
func CompileRules(cfg config.ScoringConfig) (Rules, error) {
	env, err := newEnv()
	if err != nil {
		return nil, eris.Wrap(err, "resolve: create cel env")
	}

	names := make([]string, 0, len(cfg.Criteria))
	for name := range cfg.Criteria {
		names = append(names, name)
	}
	sort.Strings(names)

	rules := make(Rules)
	for _, name := range names {
		expr := cfg.Criteria[name].IncludeWhen
		if expr == "" {
			continue
		}
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, eris.Wrapf(iss.Err(), "resolve: compile include_when for %s", name)
		}
		// Bare field access such as `record.validated` checks as dyn.
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, eris.Errorf("resolve: include_when for %s must return bool, got %s", name, out)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve: build include_when program for %s", name)
		}
		rules[model.Criterion(name)] = prg
	}
	return rules, nil
}

// include reports whether r passes the include_when rule of c. Criteria
// without a rule include everything. An evaluation error excludes the record.
func (rs Rules) include(c model.Criterion, r model.EvidenceRecord) (bool, error) {
	prg, ok := rs[c]
	if !ok {
		return true, nil
	}
	out, _, err := prg.Eval(map[string]any{"record": activation(r)})
	if err != nil {
		return false, eris.Wrapf(err, "resolve: evaluate include_when for %s", c)
	}
	v, ok := out.Value().(bool)
	return ok && v, nil
}

func activation(r model.EvidenceRecord) map[string]any {
	q := r.Qualifiers
	m := map[string]any{
		"source":      r.Source,
		"status":      q.Status,
		"category":    q.Category,
		"validated":   q.Validated,
		"source_type": string(q.SourceType),
		"data_kind":   string(q.DataKind),
		"measurement": string(q.Measurement),
		"geography":   string(q.Geography),
		"region":      q.Region,
		"reliability": r.Reliability,
		"class":       r.Value.Class,
		"label":       r.Value.Label,
		"count":       int64(r.Weight()),
		"amount":      0.0,
		"flag":        false,
	}
	if r.Value.Amount != nil {
		m["amount"] = *r.Value.Amount
	}
	if r.Value.Flag != nil {
		m["flag"] = *r.Value.Flag
	}
	return m
}
