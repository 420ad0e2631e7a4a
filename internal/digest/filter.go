package digest

import (
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/cel-go/cel"

	"remindflow/internal/domain"
)

// Filters compiles and caches CEL item filters. An item is exposed as the
// map variable "item" with keys title, url, source, summary, published
// (RFC 3339) and age_hours.
type Filters struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewFilters() (*Filters, error) {
	env, err := cel.NewEnv(
		cel.Variable("item", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &Filters{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile validates expr and caches its program.
func (f *Filters) Compile(expr string) (cel.Program, error) {
	f.mu.RLock()
	prg, ok := f.programs[expr]
	f.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, domain.Errorf(domain.ErrInvalidExpression, "filter %q: %v", expr, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, domain.Errorf(domain.ErrInvalidExpression, "filter %q must return a boolean", expr)
	}
	prg, err := f.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("creating program: %w", err)
	}

	f.mu.Lock()
	f.programs[expr] = prg
	f.mu.Unlock()
	return prg, nil
}

func (f *Filters) Match(prg cel.Program, it Item, now time.Time) (bool, error) {
	vars := map[string]any{
		"item": map[string]any{
			"title":     it.Title,
			"url":       it.URL,
			"source":    it.Source,
			"summary":   it.Summary,
			"published": formatPublished(it.Published),
			"age_hours": ageHours(it.Published, now),
		},
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluating filter: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("filter did not return a boolean")
	}
	return ok, nil
}

func formatPublished(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func ageHours(t, now time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return now.Sub(t).Hours()
}

// SelectSources returns the sources whose names match any pattern. No
// patterns selects every source.
func SelectSources(sources []Source, patterns []string) ([]Source, error) {
	if len(patterns) == 0 {
		return sources, nil
	}
	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, domain.Errorf(domain.ErrInvalidExpression, "source pattern %q: %v", p, err)
		}
		matchers = append(matchers, g)
	}

	var out []Source
	for _, s := range sources {
		for _, m := range matchers {
			if m.Match(s.Name()) {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}
