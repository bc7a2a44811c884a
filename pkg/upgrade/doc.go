// Package upgrade is a version-aware engine that rewrites metadata records
// written against older schema versions into the current schema.
//
// Each entity kind owns an EntityUpgrader: an ordered, contiguous chain of
// Steps, each covering a half-open version range [From, To) and holding
// declarative Rules (rename, default, coerce, derive, drop, split, merge).
// Polymorphic list fields are handled by a SubRecordUpgrader that dispatches
// each element to the rule set registered for its variant tag.
//
// A Registry holds every EntityUpgrader and validates their chains when it is
// built; it is immutable afterwards. Upgrades never mutate their input.
package upgrade
