package upgrade

import (
	"path"
	"strings"

	"metaupgrade/pkg/record"
)

// Resolver determines the entity kind of a record.
type Resolver interface {
	Resolve(rec record.Record) (string, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(rec record.Record) (string, bool)

func (f ResolverFunc) Resolve(rec record.Record) (string, bool) { return f(rec) }

// NormalizeKind lower-cases s and joins words with underscores, so
// "Quality control" and "quality-control" both become "quality_control".
func NormalizeKind(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

// FieldResolver reads the kind from a string field, normalised.
func FieldResolver(field string) Resolver {
	return ResolverFunc(func(rec record.Record) (string, bool) {
		s, ok := rec.String(field)
		if !ok || strings.TrimSpace(s) == "" {
			return "", false
		}
		return NormalizeKind(s), true
	})
}

// DescribedByResolver derives the kind from the basename of a schema URL
// such as ".../src/aind_data_schema/core/procedures.py".
func DescribedByResolver(field string) Resolver {
	return ResolverFunc(func(rec record.Record) (string, bool) {
		s, ok := rec.String(field)
		if !ok || s == "" {
			return "", false
		}
		base := path.Base(strings.TrimRight(s, "/"))
		base = strings.TrimSuffix(base, path.Ext(base))
		if base == "" || base == "." || base == "/" {
			return "", false
		}
		return NormalizeKind(base), true
	})
}

// Shape is a structural signature: a record matches when it has every field
// in All and at least one in Any (when Any is set).
type Shape struct {
	Kind string
	All  []string
	Any  []string
}

// ShapeResolver infers the kind from field presence; shapes are tried in order.
func ShapeResolver(shapes ...Shape) Resolver {
	return ResolverFunc(func(rec record.Record) (string, bool) {
		for _, s := range shapes {
			if matchesShape(rec, s) {
				return s.Kind, true
			}
		}
		return "", false
	})
}

func matchesShape(rec record.Record, s Shape) bool {
	for _, f := range s.All {
		if !rec.Has(f) {
			return false
		}
	}
	if len(s.Any) == 0 {
		return len(s.All) > 0
	}
	for _, f := range s.Any {
		if rec.Has(f) {
			return true
		}
	}
	return false
}

// FirstOf tries resolvers in order and returns the first answer.
func FirstOf(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(rec record.Record) (string, bool) {
		for _, r := range resolvers {
			if kind, ok := r.Resolve(rec); ok {
				return kind, true
			}
		}
		return "", false
	})
}

// Aliased maps the kinds r reports through aliases, for kinds that were
// renamed between schema generations.
func Aliased(r Resolver, aliases map[string]string) Resolver {
	return ResolverFunc(func(rec record.Record) (string, bool) {
		kind, ok := r.Resolve(rec)
		if !ok {
			return "", false
		}
		if to, found := aliases[kind]; found {
			return to, true
		}
		return kind, true
	})
}
