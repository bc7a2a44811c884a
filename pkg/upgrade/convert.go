package upgrade

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"metaupgrade/pkg/record"
)

// ToNumber converts numeric strings and integer kinds to a finite float64.
// NaN and infinities are rejected because they have no JSON form.
func ToNumber(v any) (any, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		var err error
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", t)
		}
	default:
		return nil, fmt.Errorf("not a number: %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("not a finite number: %v", v)
	}
	return f, nil
}

// ToString renders scalars as strings.
func ToString(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return nil, fmt.Errorf("not a scalar: %T", v)
	}
}

// ToList wraps a single value in a list; lists pass through.
func ToList(v any) (any, error) {
	if l, ok := record.AsList(v); ok {
		return l, nil
	}
	return []any{v}, nil
}

// ToStringList converts a scalar or a list of scalars to a list of strings.
func ToStringList(v any) (any, error) {
	items, err := ToList(v)
	if err != nil {
		return nil, err
	}
	list := items.([]any)
	out := make([]any, 0, len(list))
	for i, item := range list {
		s, err := ToString(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Capitalize upper-cases the first letter and lower-cases the rest.
func Capitalize(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("not a string: %T", v)
	}
	if s == "" {
		return s, nil
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:]), nil
}

// MapValue translates string values through table. Values missing from the
// table pass through unchanged when passThrough is set and fail otherwise.
func MapValue(table map[string]any, passThrough bool) Converter {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			if passThrough {
				return v, nil
			}
			return nil, fmt.Errorf("not a string: %T", v)
		}
		if out, ok := table[s]; ok {
			return record.CloneValue(out), nil
		}
		if passThrough {
			return v, nil
		}
		return nil, fmt.Errorf("unknown value %q", s)
	}
}

// ReplaceAll substitutes old with new inside string values.
func ReplaceAll(old, new string) Converter {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("not a string: %T", v)
		}
		return strings.ReplaceAll(s, old, new), nil
	}
}

// Each applies conv to every item of a list value.
func Each(conv Converter) Converter {
	return func(v any) (any, error) {
		list, ok := record.AsList(v)
		if !ok {
			return nil, fmt.Errorf("not a list: %T", v)
		}
		out := make([]any, len(list))
		for i, item := range list {
			c, err := conv(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	}
}

// Chain composes converters left to right.
func Chain(convs ...Converter) Converter {
	return func(v any) (any, error) {
		var err error
		for _, c := range convs {
			if v, err = c(v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}
}
