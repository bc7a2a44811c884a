package upgrade

import (
	"fmt"
	"sort"

	"metaupgrade/pkg/record"
)

// Discriminator returns the variant tag of a sub-record.
type Discriminator func(record.Record) (string, bool)

// ByField discriminates on a string field of the sub-record.
func ByField(field string) Discriminator {
	return func(rec record.Record) (string, bool) {
		s, ok := rec.String(field)
		return s, ok && s != ""
	}
}

// Constant treats every element as the same variant.
func Constant(tag string) Discriminator {
	return func(record.Record) (string, bool) { return tag, true }
}

// Variant is the rule set for one sub-record kind. A variant with no rules
// accepts its elements unchanged.
type Variant struct {
	Tag   string
	Rules []Rule
}

// SubRecordUpgrader upgrades each element of a list field according to the
// element's variant. Elements are upgraded independently and the list keeps
// its length and order. An element whose variant is not registered fails the
// record rather than passing through.
type SubRecordUpgrader struct {
	field         string
	discriminator Discriminator
	variants      map[string]Variant
}

var _ Rule = (*SubRecordUpgrader)(nil)

// NewSubRecordUpgrader panics on duplicate variant tags.
func NewSubRecordUpgrader(field string, d Discriminator, variants ...Variant) *SubRecordUpgrader {
	byTag := make(map[string]Variant, len(variants))
	for _, v := range variants {
		if _, dup := byTag[v.Tag]; dup {
			panic(fmt.Sprintf("upgrade: duplicate variant %q for %s", v.Tag, field))
		}
		byTag[v.Tag] = v
	}
	return &SubRecordUpgrader{field: field, discriminator: d, variants: byTag}
}

func (s *SubRecordUpgrader) Name() string { return "sub-records " + s.field }

func (s *SubRecordUpgrader) Contract() Contract { return Contract{} }

// Tags lists the registered variants.
func (s *SubRecordUpgrader) Tags() []string {
	tags := make([]string, 0, len(s.variants))
	for t := range s.variants {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

func (s *SubRecordUpgrader) Apply(rec record.Record) error {
	v, ok := rec[s.field]
	if !ok || v == nil {
		return nil
	}
	items, ok := record.AsList(v)
	if !ok {
		return missingField(s.field, fmt.Sprintf("expected list, found %T", v))
	}
	out := make([]any, len(items))
	for i, item := range items {
		path := fmt.Sprintf("%s[%d]", s.field, i)
		elem, ok := record.AsRecord(item)
		if !ok {
			return NewFailure(KindUnrecognizedEntity, path, fmt.Sprintf("expected mapping, found %T", item))
		}
		tag, ok := s.discriminator(elem)
		if !ok {
			return NewFailure(KindUnrecognizedEntity, path, "no variant tag")
		}
		variant, ok := s.variants[tag]
		if !ok {
			return NewFailure(KindUnrecognizedEntity, path, fmt.Sprintf("unregistered variant %q", tag))
		}
		work := elem.Clone()
		if err := applyRules(variant.Rules, work); err != nil {
			return withPrefix(err, path)
		}
		out[i] = map[string]any(work)
	}
	rec[s.field] = out
	return nil
}
