package entities

import (
	"fmt"
	"strings"
	"time"

	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

// SubjectCurrent is the newest subject schema version.
const SubjectCurrent = "0.5.0"

func subjectUpgrader() (*upgrade.EntityUpgrader, error) {
	return upgrade.NewEntityUpgrader(upgrade.EntityConfig{
		Kind:    KindSubject,
		Current: SubjectCurrent,
		Steps: []upgrade.Step{
			upgrade.NewStep("species-and-light-cycle", "0.2.0", "0.3.0",
				upgrade.Coerce("subject_id", upgrade.ToString),
				upgrade.Coerce("sex", upgrade.Capitalize),
				upgrade.Coerce("species", speciesObject),
				upgrade.Split("light_cycle", []string{"lights_on_time", "lights_off_time"}, splitLightCycle),
			),
			upgrade.NewStep("housing-and-breeding", "0.3.0", "0.4.0",
				upgrade.Merge([]string{"lights_on_time", "lights_off_time"}, "light_cycle", upgrade.IntoMapping(nil)),
				upgrade.Coerce("home_cage_enrichment", upgrade.ToList),
				upgrade.Merge([]string{"light_cycle", "home_cage_enrichment", "cage_number"}, "housing",
					upgrade.IntoMapping(map[string]string{"cage_number": "cage_id"})),
				upgrade.Merge([]string{"breeding_group", "maternal_id", "maternal_genotype", "paternal_id", "paternal_genotype"},
					"breeding_info", upgrade.IntoMapping(nil)),
				upgrade.Rename("mgi_allele_ids", "alleles"),
			),
			upgrade.NewStep("wellness-and-dates", "0.4.0", "0.5.0",
				upgrade.Coerce("date_of_birth", dateOnly),
				upgrade.Default("wellness_reports", []any{}).NullAsAbsent(),
				upgrade.Default("alleles", []any{}).NullAsAbsent(),
			),
		},
		Required: []string{"schema_version", "subject_id", "sex", "date_of_birth", "species"},
	})
}

func speciesObject(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return map[string]any{"name": t}, nil
	default:
		if _, ok := record.AsRecord(v); ok {
			return v, nil
		}
		return nil, fmt.Errorf("species has type %T", v)
	}
}

// splitLightCycle accepts "07:00-19:00" or a mapping with the two times.
func splitLightCycle(v any) (map[string]any, error) {
	if m, ok := record.AsRecord(v); ok {
		return map[string]any{"lights_on_time": m["lights_on_time"], "lights_off_time": m["lights_off_time"]}, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("light cycle has type %T", v)
	}
	on, off, found := strings.Cut(s, "-")
	if !found {
		return nil, fmt.Errorf("light cycle %q is not a time range", s)
	}
	return map[string]any{"lights_on_time": strings.TrimSpace(on), "lights_off_time": strings.TrimSpace(off)}, nil
}

// dateOnly trims datetimes to their calendar date.
func dateOnly(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("date has type %T", v)
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.DateOnly), nil
		}
	}
	return nil, fmt.Errorf("unrecognised date %q", s)
}
