package upgrade

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"metaupgrade/pkg/record"
)

// DefaultVersionField is the field carrying a record's schema version.
const DefaultVersionField = "schema_version"

// Version is a parsed MAJOR.MINOR.PATCH[-PRERELEASE] schema version.
// The zero value is invalid.
type Version struct {
	canonical string // "v" prefixed, as understood by semver
}

// ParseVersion parses a schema version marker. A leading "v" is accepted;
// abbreviated forms such as "1.2" and build metadata are rejected.
func ParseVersion(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Version{}, fmt.Errorf("empty version")
	}
	v := raw
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	core := v
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	if strings.Count(core, ".") != 2 || strings.Contains(v, "+") || !semver.IsValid(v) {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	return Version{canonical: semver.Canonical(v)}, nil
}

// MustParseVersion is ParseVersion for literals; it panics on malformed input.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsZero reports whether v is the zero (unparsed) version.
func (v Version) IsZero() bool { return v.canonical == "" }

// Compare returns -1, 0 or +1 as v is less than, equal to or greater than o.
func (v Version) Compare(o Version) int { return semver.Compare(v.canonical, o.canonical) }

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// String renders the version without the "v" prefix, the form written into records.
func (v Version) String() string { return strings.TrimPrefix(v.canonical, "v") }

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// Range is the half-open version interval [From, To).
type Range struct {
	From Version
	To   Version
}

// MustRange builds a Range from literals.
func MustRange(from, to string) Range {
	return Range{From: MustParseVersion(from), To: MustParseVersion(to)}
}

// Contains reports whether From <= v < To.
func (r Range) Contains(v Version) bool {
	return r.From.Compare(v) <= 0 && v.Compare(r.To) < 0
}

func (r Range) String() string { return "[" + r.From.String() + ", " + r.To.String() + ")" }

// ReadVersion extracts and parses the version marker stored at field.
// Missing markers, non-scalar markers and markers that do not match the
// grammar produce an UnsupportedVersion failure carrying the raw marker.
func ReadVersion(rec record.Record, field string) (Version, error) {
	raw, ok := rec[field]
	if !ok {
		return Version{}, &Failure{Kind: KindUnsupportedVersion, Path: field, Detail: "version marker missing"}
	}
	var marker string
	switch t := raw.(type) {
	case string:
		marker = t
	case float64:
		marker = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		marker = strconv.Itoa(t)
	case int64:
		marker = strconv.FormatInt(t, 10)
	default:
		return Version{}, &Failure{Kind: KindUnsupportedVersion, Path: field, Detail: fmt.Sprintf("version marker has type %T", raw)}
	}
	v, err := ParseVersion(marker)
	if err != nil {
		return Version{}, &Failure{Kind: KindUnsupportedVersion, Path: field, Version: strconv.Quote(marker), Err: err}
	}
	return v, nil
}
