package upgrade

import (
	"fmt"

	"metaupgrade/pkg/record"
)

// Contract declares the fields a rule expects before it runs and the fields
// it guarantees afterwards. Requires is checked before Apply; Provides and
// Removes are checked after it.
type Contract struct {
	Requires []string
	Provides []string
	Removes  []string
}

// Rule is one named transformation of a record at a single nesting level.
// Apply mutates rec, which is always a working copy owned by the engine.
type Rule interface {
	Name() string
	Contract() Contract
	Apply(rec record.Record) error
}

// Predicate selects records for conditional rules.
type Predicate func(record.Record) bool

// Converter maps a field value onto its new representation.
type Converter func(any) (any, error)

// DeriveFunc computes a value from the inputs of a Derive rule, in order.
type DeriveFunc func(inputs []any) (any, error)

// SplitFunc produces the replacement fields for a Split rule.
type SplitFunc func(value any) (map[string]any, error)

// MergeFunc combines the present source fields of a Merge rule.
type MergeFunc func(parts map[string]any) (any, error)

// applyRule runs r against rec and enforces its contract.
func applyRule(r Rule, rec record.Record) error {
	c := r.Contract()
	for _, f := range c.Requires {
		if !rec.Present(f) {
			return missingField(f, "required by "+r.Name())
		}
	}
	if err := r.Apply(rec); err != nil {
		return err
	}
	for _, f := range c.Provides {
		if !rec.Has(f) {
			return &Failure{Kind: KindInternal, Path: f, Detail: r.Name() + " did not provide field"}
		}
	}
	for _, f := range c.Removes {
		if rec.Has(f) {
			return &Failure{Kind: KindInternal, Path: f, Detail: r.Name() + " did not remove field"}
		}
	}
	return nil
}

func applyRules(rules []Rule, rec record.Record) error {
	for _, r := range rules {
		if err := applyRule(r, rec); err != nil {
			return err
		}
	}
	return nil
}

type funcRule struct {
	name     string
	contract Contract
	fn       func(record.Record) error
}

func (r *funcRule) Name() string                  { return r.name }
func (r *funcRule) Contract() Contract            { return r.contract }
func (r *funcRule) Apply(rec record.Record) error { return r.fn(rec) }

// Func wraps a bespoke named transformation. Use it for restructures the
// primitives cannot express, and declare what it guarantees in c.
func Func(name string, c Contract, fn func(record.Record) error) Rule {
	return &funcRule{name: name, contract: c, fn: fn}
}

// Rename moves the value at old to new. It is a no-op when old is absent.
func Rename(old, new string) Rule {
	c := Contract{}
	if old != new {
		c.Removes = []string{old}
	}
	return &funcRule{
		name:     "rename " + old + " to " + new,
		contract: c,
		fn: func(rec record.Record) error {
			v, ok := rec[old]
			if !ok || old == new {
				return nil
			}
			delete(rec, old)
			rec[new] = v
			return nil
		},
	}
}

// DefaultRule fills a field when it is absent.
type DefaultRule struct {
	field        string
	value        any
	thunk        func(record.Record) any
	nullAsAbsent bool
}

// Default sets field to a copy of value when the field is absent.
func Default(field string, value any) *DefaultRule {
	return &DefaultRule{field: field, value: value}
}

// DefaultFunc sets field to thunk(rec) when the field is absent.
func DefaultFunc(field string, thunk func(record.Record) any) *DefaultRule {
	return &DefaultRule{field: field, thunk: thunk}
}

// NullAsAbsent makes an explicit null count as absent.
func (r *DefaultRule) NullAsAbsent() *DefaultRule {
	cp := *r
	cp.nullAsAbsent = true
	return &cp
}

func (r *DefaultRule) Name() string { return "default " + r.field }

func (r *DefaultRule) Contract() Contract { return Contract{Provides: []string{r.field}} }

func (r *DefaultRule) Apply(rec record.Record) error {
	v, ok := rec[r.field]
	if ok && (v != nil || !r.nullAsAbsent) {
		return nil
	}
	if r.thunk != nil {
		rec[r.field] = r.thunk(rec)
		return nil
	}
	rec[r.field] = record.CloneValue(r.value)
	return nil
}

// Coerce converts a present, non-null field with conv. A conversion error is
// reported as a missing required field at that path.
func Coerce(field string, conv Converter) Rule {
	return &funcRule{
		name: "coerce " + field,
		fn: func(rec record.Record) error {
			v, ok := rec[field]
			if !ok || v == nil {
				return nil
			}
			out, err := conv(v)
			if err != nil {
				return &Failure{Kind: KindMissingRequiredField, Path: field, Detail: "cannot coerce value", Err: err}
			}
			rec[field] = out
			return nil
		},
	}
}

// Derive computes target from inputs. Every input must be present.
func Derive(target string, fn DeriveFunc, inputs ...string) Rule {
	return &funcRule{
		name:     "derive " + target,
		contract: Contract{Requires: inputs, Provides: []string{target}},
		fn: func(rec record.Record) error {
			args := make([]any, len(inputs))
			for i, in := range inputs {
				args[i] = rec[in]
			}
			v, err := fn(args)
			if err != nil {
				return &Failure{Kind: KindMissingRequiredField, Path: target, Detail: "cannot derive value", Err: err}
			}
			rec[target] = v
			return nil
		},
	}
}

// Drop removes fields unconditionally.
func Drop(fields ...string) Rule {
	return &funcRule{
		name:     fmt.Sprintf("drop %v", fields),
		contract: Contract{Removes: fields},
		fn: func(rec record.Record) error {
			for _, f := range fields {
				delete(rec, f)
			}
			return nil
		},
	}
}

// Split replaces field with the entries fn returns for the names in into.
// It is a no-op when field is absent.
func Split(field string, into []string, fn SplitFunc) Rule {
	removes := []string{}
	if !contains(into, field) {
		removes = append(removes, field)
	}
	return &funcRule{
		name:     fmt.Sprintf("split %s into %v", field, into),
		contract: Contract{Removes: removes},
		fn: func(rec record.Record) error {
			v, ok := rec[field]
			if !ok {
				return nil
			}
			parts, err := fn(v)
			if err != nil {
				return &Failure{Kind: KindMissingRequiredField, Path: field, Detail: "cannot split value", Err: err}
			}
			delete(rec, field)
			for _, name := range into {
				if pv, ok := parts[name]; ok {
					rec[name] = pv
				}
			}
			return nil
		},
	}
}

// Merge replaces the present fields among sources with a single field. It is
// a no-op when none of the sources is present.
func Merge(sources []string, into string, fn MergeFunc) Rule {
	removes := make([]string, 0, len(sources))
	for _, s := range sources {
		if s != into {
			removes = append(removes, s)
		}
	}
	return &funcRule{
		name:     fmt.Sprintf("merge %v into %s", sources, into),
		contract: Contract{Removes: removes},
		fn: func(rec record.Record) error {
			parts := make(map[string]any, len(sources))
			for _, s := range sources {
				if v, ok := rec[s]; ok {
					parts[s] = v
				}
			}
			if len(parts) == 0 {
				return nil
			}
			v, err := fn(parts)
			if err != nil {
				return &Failure{Kind: KindMissingRequiredField, Path: into, Detail: "cannot merge fields", Err: err}
			}
			for _, s := range sources {
				delete(rec, s)
			}
			rec[into] = v
			return nil
		},
	}
}

// IntoMapping is a MergeFunc that nests the sources in a mapping, renaming
// keys listed in rename. Explicit nulls are omitted.
func IntoMapping(rename map[string]string) MergeFunc {
	return func(parts map[string]any) (any, error) {
		out := make(map[string]any, len(parts))
		for k, v := range parts {
			if v == nil {
				continue
			}
			if to, ok := rename[k]; ok {
				k = to
			}
			out[k] = v
		}
		return out, nil
	}
}

// Nested applies rules to the mapping stored at field. Absent or null
// fields are left alone.
func Nested(field string, rules ...Rule) Rule {
	return &funcRule{
		name: "nested " + field,
		fn: func(rec record.Record) error {
			v, ok := rec[field]
			if !ok || v == nil {
				return nil
			}
			child, ok := record.AsRecord(v)
			if !ok {
				return missingField(field, fmt.Sprintf("expected mapping, found %T", v))
			}
			if err := applyRules(rules, child); err != nil {
				return withPrefix(err, field)
			}
			return nil
		},
	}
}

// When applies rules only to records matching pred.
func When(name string, pred Predicate, rules ...Rule) Rule {
	return &funcRule{
		name: name,
		fn: func(rec record.Record) error {
			if !pred(rec) {
				return nil
			}
			return applyRules(rules, rec)
		},
	}
}

// Embedded upgrades a document of another entity kind stored at field.
func Embedded(field string, u *EntityUpgrader) Rule {
	return &funcRule{
		name: "embedded " + field,
		fn: func(rec record.Record) error {
			v, ok := rec[field]
			if !ok || v == nil {
				return nil
			}
			child, ok := record.AsRecord(v)
			if !ok {
				return missingField(field, fmt.Sprintf("expected %s document, found %T", u.Kind(), v))
			}
			out, err := u.Upgrade(child)
			if err != nil {
				return withPrefix(err, field)
			}
			rec[field] = map[string]any(out.Record)
			return nil
		},
	}
}

// FieldEquals matches records whose field holds value.
func FieldEquals(field string, value any) Predicate {
	return func(rec record.Record) bool {
		v, ok := rec[field]
		return ok && v == value
	}
}

// Missing matches records where field is absent or null.
func Missing(field string) Predicate {
	return func(rec record.Record) bool { return !rec.Present(field) }
}

// Present matches records where field holds a non-null value.
func Present(field string) Predicate {
	return func(rec record.Record) bool { return rec.Present(field) }
}

// All matches records satisfying every predicate.
func All(preds ...Predicate) Predicate {
	return func(rec record.Record) bool {
		for _, p := range preds {
			if !p(rec) {
				return false
			}
		}
		return true
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
