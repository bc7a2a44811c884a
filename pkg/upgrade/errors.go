package upgrade

import (
	"errors"
	"strings"
)

// Kind classifies why a record could not be upgraded.
type Kind string

const (
	KindUnrecognizedEntity   Kind = "UnrecognizedEntity"
	KindUnsupportedVersion   Kind = "UnsupportedVersion"
	KindMissingRequiredField Kind = "MissingRequiredField"
	KindRuleConflict         Kind = "RuleConflict"
	KindValidation           Kind = "PostUpgradeValidationFailure"
	KindStore                Kind = "StoreError"
	// KindInternal marks a recovered panic inside an upgrader.
	KindInternal Kind = "Internal"
)

// Sentinels matched by errors.Is against a *Failure of the same kind.
var (
	ErrUnrecognizedEntity   = errors.New("unrecognized entity")
	ErrUnsupportedVersion   = errors.New("unsupported version")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrRuleConflict         = errors.New("rule conflict")
	ErrValidation           = errors.New("post-upgrade validation failure")
	ErrStore                = errors.New("store error")
	ErrInternal             = errors.New("internal upgrader error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindUnrecognizedEntity:
		return ErrUnrecognizedEntity
	case KindUnsupportedVersion:
		return ErrUnsupportedVersion
	case KindMissingRequiredField:
		return ErrMissingRequiredField
	case KindRuleConflict:
		return ErrRuleConflict
	case KindValidation:
		return ErrValidation
	case KindStore:
		return ErrStore
	default:
		return ErrInternal
	}
}

// Violation is a single validator finding on an upgraded record.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Failure describes a per-record upgrade failure. Entity, Version and Step
// are filled in as the failure propagates out of the engine.
type Failure struct {
	Kind       Kind        `json:"kind"`
	Entity     string      `json:"entity,omitempty"`
	Version    string      `json:"version,omitempty"`
	Step       string      `json:"step,omitempty"`
	Path       string      `json:"path,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Err        error       `json:"-"`
}

func (f *Failure) Error() string {
	var b strings.Builder
	if f.Entity != "" {
		b.WriteString(f.Entity)
		if f.Version != "" {
			b.WriteString(" ")
			b.WriteString(f.Version)
		}
		b.WriteString(": ")
	}
	if f.Step != "" {
		b.WriteString("step ")
		b.WriteString(f.Step)
		b.WriteString(": ")
	}
	if f.Path != "" {
		b.WriteString(f.Path)
		b.WriteString(": ")
	}
	b.WriteString(f.Kind.sentinel().Error())
	if f.Detail != "" {
		b.WriteString(": ")
		b.WriteString(f.Detail)
	}
	if len(f.Violations) > 0 {
		parts := make([]string, 0, len(f.Violations))
		for _, v := range f.Violations {
			parts = append(parts, v.Field+" "+v.Message)
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString("]")
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches the sentinel for the failure's kind.
func (f *Failure) Is(target error) bool {
	return target == f.Kind.sentinel()
}

// AsFailure extracts the *Failure carried by err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindOf returns the failure kind carried by err, or KindInternal for errors
// that did not originate in the engine. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if f, ok := AsFailure(err); ok {
		return f.Kind
	}
	return KindInternal
}

// NewFailure builds a failure of the given kind at path.
func NewFailure(kind Kind, path, detail string) *Failure {
	return &Failure{Kind: kind, Path: path, Detail: detail}
}

func missingField(path, detail string) *Failure {
	return NewFailure(KindMissingRequiredField, path, detail)
}

// asFailure converts any rule error into a *Failure. Foreign errors are
// treated as data errors on the record.
func asFailure(err error) *Failure {
	if f, ok := AsFailure(err); ok {
		cp := *f
		return &cp
	}
	return &Failure{Kind: KindMissingRequiredField, Err: err}
}

func joinPath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "":
		return prefix
	case strings.HasPrefix(path, "["):
		return prefix + path
	default:
		return prefix + "." + path
	}
}

// withPrefix re-roots a failure path under prefix.
func withPrefix(err error, prefix string) error {
	f := asFailure(err)
	f.Path = joinPath(prefix, f.Path)
	return f
}
