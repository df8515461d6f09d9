package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"taskrunner/internal/task/model"
	"taskrunner/internal/task/registry"
)

const (
	FieldName     = "name"
	FieldCategory = "category"
	FieldParent   = "parent"
)

var ErrUnknownStrategy = errors.New("unknown dispatch strategy")

// Strategy reduces a task to ordered registry candidates. The first candidate
// with a registered factory wins.
type Strategy interface {
	Name() string
	Fields() []string
	Candidates(t *model.Task) []registry.Match
}

type strategy struct {
	name       string
	fields     []string
	candidates func(t *model.Task) []registry.Match
}

func (s strategy) Name() string                             { return s.name }
func (s strategy) Fields() []string                         { return append([]string(nil), s.fields...) }
func (s strategy) Candidates(t *model.Task) []registry.Match { return s.candidates(t) }

var (
	Name = strategy{
		name:   "Name",
		fields: []string{FieldName},
		candidates: func(t *model.Task) []registry.Match {
			return []registry.Match{{FieldName: t.Name}}
		},
	}
	CategoryAndName = strategy{
		name:   "CategoryAndName",
		fields: []string{FieldCategory, FieldName},
		candidates: func(t *model.Task) []registry.Match {
			return []registry.Match{{FieldCategory: t.CategoryName(), FieldName: t.Name}}
		},
	}
	ParentName = strategy{
		name:   "ParentName",
		fields: []string{FieldParent, FieldName},
		candidates: func(t *model.Task) []registry.Match {
			return []registry.Match{{FieldParent: t.ParentName(), FieldName: t.Name}}
		},
	}
	CategoryParentName = strategy{
		name:   "CategoryParentName",
		fields: []string{FieldCategory, FieldParent, FieldName},
		candidates: func(t *model.Task) []registry.Match {
			return []registry.Match{{FieldCategory: t.CategoryName(), FieldParent: t.ParentName(), FieldName: t.Name}}
		},
	}
	// FullCategoryAndName joins the whole ancestor chain with "-" for both the
	// task name and the category name.
	FullCategoryAndName = strategy{
		name:   "FullCategoryAndName",
		fields: []string{FieldCategory, FieldName},
		candidates: func(t *model.Task) []registry.Match {
			cat := ""
			if t.Category.Valid() {
				cat = strings.Join(t.Category.Lineage(), "-")
			}
			return []registry.Match{{FieldCategory: cat, FieldName: strings.Join(t.Lineage(), "-")}}
		},
	}
	CategoryParentAndOptionalName = strategy{
		name:   "CategoryParentAndOptionalName",
		fields: []string{FieldCategory, FieldParent, FieldName},
		candidates: func(t *model.Task) []registry.Match {
			full := registry.Match{FieldCategory: t.CategoryName(), FieldParent: t.ParentName(), FieldName: t.Name}
			return withOptionalName(full)
		},
	}
	ParentAndOptionalName = strategy{
		name:   "ParentAndOptionalName",
		fields: []string{FieldParent, FieldName},
		candidates: func(t *model.Task) []registry.Match {
			return withOptionalName(registry.Match{FieldParent: t.ParentName(), FieldName: t.Name})
		},
	}
)

// Strategies lists every built-in strategy.
var Strategies = []Strategy{
	Name,
	CategoryAndName,
	ParentName,
	CategoryParentName,
	FullCategoryAndName,
	CategoryParentAndOptionalName,
	ParentAndOptionalName,
}

// StrategyByName resolves a strategy from its config name. Both
// "category_and_name" and "CategoryAndName" are accepted.
func StrategyByName(name string) (Strategy, error) {
	want := normalizeName(name)
	for _, s := range Strategies {
		if normalizeName(s.Name()) == want {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

func withOptionalName(full registry.Match) []registry.Match {
	if full[FieldName] == registry.Wildcard {
		return []registry.Match{full}
	}
	wild := make(registry.Match, len(full))
	for k, v := range full {
		wild[k] = v
	}
	wild[FieldName] = registry.Wildcard
	return []registry.Match{full, wild}
}
