package entities

import (
	"fmt"
	"regexp"
	"strings"

	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

// DataDescriptionCurrent is the newest data description schema version.
const DataDescriptionCurrent = "1.0.0"

// legacyModalities maps historical modality spellings to abbreviations.
var legacyModalities = map[string]string{
	"exaspim":         "SPIM",
	"smartspim":       "SPIM",
	"SmartSPIM":       "SPIM",
	"spim":            "SPIM",
	"ecephys":         "ecephys",
	"ephys":           "ecephys",
	"mri":             "MRI",
	"MRI-14T":         "MRI",
	"ophys":           "pophys",
	"pophys":          "pophys",
	"fib":             "fib",
	"merfish":         "merfish",
	"confocal":        "confocal",
	"behavior":        "behavior",
	"behavior-videos": "behavior-videos",
	"hsfp":            "HSFP",
}

// platformForModality derives a platform for records that predate it.
var platformForModality = map[string]string{
	"SPIM":            "SmartSPIM",
	"ecephys":         "ecephys",
	"MRI":             "MRI",
	"pophys":          "multiplane-ophys",
	"fib":             "FIP",
	"merfish":         "MERFISH",
	"confocal":        "confocal",
	"behavior":        "behavior",
	"behavior-videos": "behavior",
	"HSFP":            "HSFP",
}

var institutions = map[string]any{
	"Allen Institute for Neural Dynamics": "AIND",
	"Allen Institute for Brain Science":   "AIBS",
}

// funders collapses the Allen funding entities into a single abbreviation.
var funders = map[string]any{
	"AIND":                                "AI",
	"AIBS":                                "AI",
	"Allen Institute":                     "AI",
	"Allen Institute for Neural Dynamics": "AI",
	"Allen Institute for Brain Science":   "AI",
}

var dataLevels = map[string]any{
	"raw level":     "raw",
	"raw data":      "raw",
	"derived level": "derived",
	"derived data":  "derived",
}

// assetTime matches the acquisition timestamp suffix of asset names such as
// "ecephys_655565_2023-04-03_13-34-16".
var assetTime = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})_(\d{2})-(\d{2})-(\d{2})$`)

func dataDescriptionUpgrader() (*upgrade.EntityUpgrader, error) {
	return upgrade.NewEntityUpgrader(upgrade.EntityConfig{
		Kind:    KindDataDescription,
		Current: DataDescriptionCurrent,
		Steps: []upgrade.Step{
			upgrade.NewStep("creation-time", "0.3.0", "0.6.0",
				upgrade.Merge([]string{"creation_date", "creation_time"}, "creation_time", combineCreation),
				upgrade.DefaultFunc("creation_time", creationTimeFromName).NullAsAbsent(),
				upgrade.Rename("experiment_type", "platform"),
			),
			upgrade.NewStep("modality-list", "0.6.0", "0.8.0",
				upgrade.Coerce("modality", modalityList),
				upgrade.DefaultFunc("platform", platformFromModality).NullAsAbsent(),
			),
			upgrade.NewStep("normalize-organizations", "0.8.0", "1.0.0",
				upgrade.Coerce("institution", upgrade.Chain(upgrade.MapValue(institutions, true), abbreviationObject)),
				upgrade.Default("funding_source", []any{}).NullAsAbsent(),
				upgrade.Coerce("funding_source", upgrade.Chain(upgrade.ToList, upgrade.Each(fundingObject))),
				upgrade.Coerce("investigators", upgrade.Chain(upgrade.ToList, upgrade.Each(personObject))),
				upgrade.Default("investigators", []any{}).NullAsAbsent(),
				upgrade.Coerce("data_level", upgrade.MapValue(dataLevels, true)),
				upgrade.Coerce("platform", abbreviationObject),
				upgrade.Default("related_data", []any{}).NullAsAbsent(),
				upgrade.Default("restrictions", nil),
				upgrade.Default("group", nil),
				upgrade.Default("project_name", nil),
			),
		},
		Required: []string{
			"schema_version", "creation_time", "institution", "funding_source", "data_level",
			"investigators", "modality", "platform", "subject_id",
		},
	})
}

func combineCreation(parts map[string]any) (any, error) {
	date, _ := parts["creation_date"].(string)
	tm, _ := parts["creation_time"].(string)
	switch {
	case date != "" && tm != "" && !strings.Contains(tm, "T"):
		return date + "T" + tm, nil
	case tm != "":
		return tm, nil
	case date != "":
		return date + "T00:00:00", nil
	}
	return nil, fmt.Errorf("no usable creation date or time")
}

func creationTimeFromName(rec record.Record) any {
	name, _ := rec.String("name")
	m := assetTime.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	return m[1] + "T" + m[2] + ":" + m[3] + ":" + m[4]
}

func modalityList(v any) (any, error) {
	items, _ := upgrade.ToList(v)
	list := items.([]any)
	out := make([]any, 0, len(list))
	for i, item := range list {
		var name string
		switch t := item.(type) {
		case string:
			name = t
		default:
			m, ok := record.AsRecord(item)
			if !ok {
				return nil, fmt.Errorf("modality %d has type %T", i, item)
			}
			name, _ = m.String("abbreviation")
			if name == "" {
				name, _ = m.String("name")
			}
		}
		abbr, ok := legacyModalities[name]
		if !ok {
			abbr, ok = legacyModalities[strings.ToLower(name)]
		}
		if !ok {
			return nil, fmt.Errorf("unknown modality %q", name)
		}
		out = append(out, map[string]any{"abbreviation": abbr})
	}
	return out, nil
}

func platformFromModality(rec record.Record) any {
	mods, _ := rec.List("modality")
	if len(mods) == 0 {
		return nil
	}
	m, _ := record.AsRecord(mods[0])
	abbr, _ := m.String("abbreviation")
	if p, ok := platformForModality[abbr]; ok {
		return p
	}
	return nil
}

func abbreviationObject(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return map[string]any{"abbreviation": t}, nil
	default:
		if _, ok := record.AsRecord(v); ok {
			return v, nil
		}
		return nil, fmt.Errorf("expected name or object, found %T", v)
	}
}

func fundingObject(v any) (any, error) {
	switch t := v.(type) {
	case string:
		abbr, _ := upgrade.MapValue(funders, true)(t)
		return map[string]any{"funder": map[string]any{"abbreviation": abbr}}, nil
	default:
		m, ok := record.AsRecord(v)
		if !ok {
			return nil, fmt.Errorf("funding source has type %T", v)
		}
		out := map[string]any(m.Clone())
		if s, ok := out["funder"].(string); ok {
			abbr, _ := upgrade.MapValue(funders, true)(s)
			out["funder"] = map[string]any{"abbreviation": abbr}
		}
		return out, nil
	}
}

func personObject(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return map[string]any{"name": t}, nil
	default:
		if _, ok := record.AsRecord(v); ok {
			return v, nil
		}
		return nil, fmt.Errorf("investigator has type %T", v)
	}
}
