package upgrade

import (
	"fmt"

	"metaupgrade/pkg/record"
)

// Step upgrades records whose version lies in Range to Range.To.
type Step struct {
	Name  string
	Range Range
	Rules []Rule
}

// NewStep builds a step from version literals.
func NewStep(name, from, to string, rules ...Rule) Step {
	return Step{Name: name, Range: MustRange(from, to), Rules: rules}
}

// EntityConfig describes one entity kind's upgrade chain.
type EntityConfig struct {
	Kind string
	// Current is the newest schema version; the chain must end there.
	Current string
	// VersionField defaults to DefaultVersionField.
	VersionField string
	// Steps are ordered oldest first and must be contiguous.
	Steps []Step
	// Required lists top-level fields every current record must carry with a
	// non-null value.
	Required []string
}

// Outcome is the result of a successful entity upgrade.
type Outcome struct {
	Record  record.Record
	From    Version
	To      Version
	Applied []string
}

// EntityUpgrader owns the ordered chain of steps for one entity kind.
type EntityUpgrader struct {
	kind         string
	current      Version
	versionField string
	steps        []Step
	required     []string
}

// NewEntityUpgrader validates the chain: it must be non-empty, contiguous,
// free of empty or inverted ranges, and end at the current version.
func NewEntityUpgrader(cfg EntityConfig) (*EntityUpgrader, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("%w: entity kind is empty", ErrRuleConflict)
	}
	current, err := ParseVersion(cfg.Current)
	if err != nil {
		return nil, fmt.Errorf("%w: %s current version: %v", ErrRuleConflict, cfg.Kind, err)
	}
	field := cfg.VersionField
	if field == "" {
		field = DefaultVersionField
	}
	u := &EntityUpgrader{
		kind:         cfg.Kind,
		current:      current,
		versionField: field,
		steps:        append([]Step(nil), cfg.Steps...),
		required:     append([]string(nil), cfg.Required...),
	}
	if err := u.validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// MustEntityUpgrader panics when the chain is invalid.
func MustEntityUpgrader(cfg EntityConfig) *EntityUpgrader {
	u, err := NewEntityUpgrader(cfg)
	if err != nil {
		panic(err)
	}
	return u
}

func (u *EntityUpgrader) validate() error {
	if len(u.steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrRuleConflict, u.kind)
	}
	for i, s := range u.steps {
		if s.Range.From.IsZero() || s.Range.To.IsZero() {
			return fmt.Errorf("%w: %s step %q has an unset bound", ErrRuleConflict, u.kind, s.Name)
		}
		if !s.Range.From.Less(s.Range.To) {
			return fmt.Errorf("%w: %s step %q has empty range %s", ErrRuleConflict, u.kind, s.Name, s.Range)
		}
		if i == 0 {
			continue
		}
		prev := u.steps[i-1]
		switch c := prev.Range.To.Compare(s.Range.From); {
		case c < 0:
			return fmt.Errorf("%w: %s gap between %q %s and %q %s", ErrRuleConflict, u.kind, prev.Name, prev.Range, s.Name, s.Range)
		case c > 0:
			return fmt.Errorf("%w: %s overlap between %q %s and %q %s", ErrRuleConflict, u.kind, prev.Name, prev.Range, s.Name, s.Range)
		}
	}
	if last := u.steps[len(u.steps)-1]; last.Range.To.Compare(u.current) != 0 {
		return fmt.Errorf("%w: %s chain ends at %s, current is %s", ErrRuleConflict, u.kind, last.Range.To, u.current)
	}
	return nil
}

// Kind returns the entity discriminator value this upgrader serves.
func (u *EntityUpgrader) Kind() string { return u.kind }

// Current returns the newest schema version.
func (u *EntityUpgrader) Current() Version { return u.current }

// Oldest returns the lowest version the chain accepts.
func (u *EntityUpgrader) Oldest() Version { return u.steps[0].Range.From }

// VersionField returns the field holding the version marker.
func (u *EntityUpgrader) VersionField() string { return u.versionField }

// StepInfo describes one step of a chain.
type StepInfo struct {
	Name  string `json:"name"`
	From  string `json:"from"`
	To    string `json:"to"`
	Rules int    `json:"rules"`
}

// Steps describes the chain, oldest first.
func (u *EntityUpgrader) Steps() []StepInfo {
	out := make([]StepInfo, len(u.steps))
	for i, s := range u.steps {
		out[i] = StepInfo{Name: s.Name, From: s.Range.From.String(), To: s.Range.To.String(), Rules: len(s.Rules)}
	}
	return out
}

// Upgrade returns an upgraded copy of rec; rec itself is never modified.
// Records at or above the current version come back unchanged once the
// required fields are confirmed. Each applied step writes its upper bound
// into the version field, so a record is never transformed twice by a step.
func (u *EntityUpgrader) Upgrade(rec record.Record) (Outcome, error) {
	from, err := ReadVersion(rec, u.versionField)
	if err != nil {
		return Outcome{}, u.annotate(err, "", "")
	}
	if from.Less(u.Oldest()) {
		return Outcome{}, &Failure{
			Kind:    KindUnsupportedVersion,
			Entity:  u.kind,
			Version: from.String(),
			Path:    u.versionField,
			Detail:  fmt.Sprintf("older than oldest supported version %s", u.Oldest()),
		}
	}

	work := rec.Clone()
	out := Outcome{Record: work, From: from, To: from}
	if from.Compare(u.current) < 0 {
		start := -1
		for i, s := range u.steps {
			if s.Range.Contains(from) {
				start = i
				break
			}
		}
		if start < 0 {
			// Unreachable for a validated chain.
			return Outcome{}, &Failure{Kind: KindInternal, Entity: u.kind, Version: from.String(), Detail: "no step covers version"}
		}
		for _, s := range u.steps[start:] {
			if err := applyRules(s.Rules, work); err != nil {
				return Outcome{}, u.annotate(err, from.String(), s.Name)
			}
			work[u.versionField] = s.Range.To.String()
			out.Applied = append(out.Applied, s.Name)
		}
		out.To = u.current
	}

	for _, f := range u.required {
		if !work.Present(f) {
			return Outcome{}, u.annotate(missingField(f, "required in current schema"), from.String(), "")
		}
	}
	return out, nil
}

func (u *EntityUpgrader) annotate(err error, version, step string) error {
	f := asFailure(err)
	if f.Entity == "" {
		f.Entity = u.kind
	}
	if f.Version == "" {
		f.Version = version
	}
	if f.Step == "" {
		f.Step = step
	}
	return f
}
