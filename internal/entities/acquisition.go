package entities

import (
	"fmt"
	"slices"
	"strings"
	"time"
	_ "time/tzdata"

	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

// AcquisitionCurrent is the newest acquisition schema version.
const AcquisitionCurrent = "2.0.0"

// sessionZone is assumed for acquisition times recorded without an offset.
var sessionZone = mustLoadLocation("America/Los_Angeles")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// subjectDetailFields are the session fields describing the animal during
// the acquisition.
var subjectDetailFields = []string{
	"animal_weight_prior", "animal_weight_post", "weight_unit", "anaesthesia",
	"mouse_platform_name", "reward_consumed_total", "reward_consumed_unit",
}

// spimModality is the modality of every tile-based acquisition.
var spimModality = map[string]any{"abbreviation": "SPIM"}

// Acquisition history:
//
//	<2.0  two documents: a session (behavior and physiology, with data
//	      streams) and an imaging acquisition (with tiles)
//	2.0.0 one acquisition document; times carry an offset, tiles become a
//	      data stream and the subject's session details nest
func acquisitionUpgrader() (*upgrade.EntityUpgrader, error) {
	return upgrade.NewEntityUpgrader(upgrade.EntityConfig{
		Kind:    KindAcquisition,
		Current: AcquisitionCurrent,
		Steps: []upgrade.Step{
			upgrade.NewStep("session-to-acquisition", "0.0.1", "2.0.0",
				upgrade.Rename("session_start_time", "acquisition_start_time"),
				upgrade.Rename("session_end_time", "acquisition_end_time"),
				upgrade.Rename("rig_id", "instrument_id"),
				upgrade.Rename("experimenter_full_name", "experimenters"),
				upgrade.Coerce("experimenters", trimmedNames),
				upgrade.Default("experimenters", []any{}).NullAsAbsent(),
				upgrade.Coerce("protocol_id", optionalList),
				upgrade.Default("protocol_id", nil),
				upgrade.Rename("iacuc_protocol", "ethics_review_id"),
				upgrade.Coerce("ethics_review_id", optionalList),
				upgrade.Default("ethics_review_id", nil),
				upgrade.DefaultFunc("acquisition_type", acquisitionType).NullAsAbsent(),
				upgrade.Drop("session_type", "local_storage_directory", "external_storage_directory"),
				upgrade.Func("acquisition window",
					upgrade.Contract{Requires: []string{"acquisition_start_time", "acquisition_end_time"}},
					acquisitionWindow),
				upgrade.When("imaging acquisition", upgrade.Present("tiles"),
					upgrade.Func("specimen id", upgrade.Contract{Provides: []string{"specimen_id"}}, defaultSpecimenID),
					upgrade.Func("tiles to data stream",
						upgrade.Contract{Provides: []string{"data_streams"}, Removes: []string{"tiles", "active_objectives"}},
						tilesToDataStream),
					upgrade.Drop("axes", "software", "chamber_immersion", "sample_immersion"),
				),
				upgrade.Merge(subjectDetailFields, "subject_details", upgrade.IntoMapping(nil)),
				upgrade.Nested("subject_details",
					upgrade.Default("mouse_platform_name", "Unknown Platform").NullAsAbsent()),
				upgrade.Default("subject_details", map[string]any{"mouse_platform_name": "N/A"}).NullAsAbsent(),
				upgrade.Default("object_type", "Acquisition"),
				upgrade.Default("specimen_id", nil),
				upgrade.Default("data_streams", []any{}).NullAsAbsent(),
				upgrade.Default("stimulus_epochs", []any{}).NullAsAbsent(),
				upgrade.Default("calibrations", []any{}).NullAsAbsent(),
				upgrade.Default("maintenance", []any{}).NullAsAbsent(),
				upgrade.Default("coordinate_system", nil),
				upgrade.Default("notes", nil),
			),
		},
		Required: []string{
			"schema_version", "subject_id", "instrument_id", "acquisition_type",
			"acquisition_start_time", "acquisition_end_time", "data_streams",
		},
	})
}

// trimmedNames keeps the non-blank names of a name list, trimmed.
func trimmedNames(v any) (any, error) {
	list, err := upgrade.ToStringList(v)
	if err != nil {
		return nil, err
	}
	out := []any{}
	for _, item := range list.([]any) {
		if s := strings.TrimSpace(item.(string)); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// optionalList wraps a scalar in a list and turns an empty list into null.
func optionalList(v any) (any, error) {
	out, err := upgrade.ToList(v)
	if err != nil {
		return nil, err
	}
	if len(out.([]any)) == 0 {
		return nil, nil
	}
	return out, nil
}

func acquisitionType(rec record.Record) any {
	if s, _ := rec.String("session_type"); s != "" {
		return s
	}
	if tiles, _ := rec.List("tiles"); len(tiles) > 0 {
		return "Imaging session"
	}
	return "Acquisition session"
}

// defaultSpecimenID names the first specimen of the subject when the
// acquisition leaves specimen_id blank.
func defaultSpecimenID(rec record.Record) error {
	if s, _ := rec.String("specimen_id"); s != "" {
		return nil
	}
	id, _ := upgrade.ToString(rec["subject_id"])
	rec["specimen_id"] = fmt.Sprintf("%v_001", id)
	return nil
}

// acquisitionWindow gives both acquisition times an offset, puts them in
// order, and widens the window to cover every data stream and stimulus
// epoch. Each widening is noted on the record.
func acquisitionWindow(rec record.Record) error {
	start, err := zonedTime(rec["acquisition_start_time"])
	if err != nil {
		return upgrade.NewFailure(upgrade.KindMissingRequiredField, "acquisition_start_time", err.Error())
	}
	end, err := zonedTime(rec["acquisition_end_time"])
	if err != nil {
		return upgrade.NewFailure(upgrade.KindMissingRequiredField, "acquisition_end_time", err.Error())
	}
	if start.After(end) {
		start, end = end, start
	}

	var notes []string
	if s, _ := rec.String("notes"); s != "" {
		notes = append(notes, s)
	}
	widen := func(list, startField, endField string) {
		items, _ := rec.List(list)
		for _, item := range items {
			m, ok := record.AsRecord(item)
			if !ok {
				continue
			}
			if t, err := zonedTime(m[startField]); err == nil && t.Before(start) {
				notes = append(notes, fmt.Sprintf("(upgrade) acquisition start time moved from %s to %s", formatTime(start), formatTime(t)))
				start = t
			}
			if t, err := zonedTime(m[endField]); err == nil && t.After(end) {
				notes = append(notes, fmt.Sprintf("(upgrade) acquisition end time moved from %s to %s", formatTime(end), formatTime(t)))
				end = t
			}
		}
	}
	widen("data_streams", "stream_start_time", "stream_end_time")
	widen("stimulus_epochs", "stimulus_start_time", "stimulus_end_time")

	rec["acquisition_start_time"] = formatTime(start)
	rec["acquisition_end_time"] = formatTime(end)
	if len(notes) > 0 {
		rec["notes"] = strings.Join(notes, " ")
	}
	return nil
}

var zonedLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999Z07:00"}

var naiveLayouts = []string{"2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999", time.DateOnly}

// zonedTime parses an ISO timestamp. Timestamps without an offset are read
// in sessionZone.
func zonedTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("time has type %T", v)
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, sessionZone); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

// tilesToDataStream folds the tiles of an imaging acquisition into a single
// data stream spanning the tiles' own times, or the acquisition's when the
// tiles carry none.
func tilesToDataStream(rec record.Record) error {
	tiles, _ := rec.List("tiles")
	objectives, _ := rec.List("active_objectives")
	delete(rec, "tiles")
	delete(rec, "active_objectives")
	if rec.Present("data_streams") {
		return nil
	}
	if len(tiles) == 0 {
		rec["data_streams"] = []any{}
		return nil
	}

	start, _ := rec.String("acquisition_start_time")
	end, _ := rec.String("acquisition_end_time")
	var (
		tileStart, tileEnd time.Time
		devices            []string
		notes              []string
	)
	for _, item := range tiles {
		tile, ok := record.AsRecord(item)
		if !ok {
			continue
		}
		if t, err := zonedTime(tile["acquisition_start_time"]); err == nil && (tileStart.IsZero() || t.Before(tileStart)) {
			tileStart = t
		}
		if t, err := zonedTime(tile["acquisition_end_time"]); err == nil && t.After(tileEnd) {
			tileEnd = t
		}
		if n, _ := tile.String("notes"); n != "" {
			notes = append(notes, n)
		}
		channel, _ := tile.Map("channel")
		for _, f := range []string{"light_source_name", "detector_name"} {
			if name, _ := channel.String(f); name != "" {
				devices = append(devices, name)
			}
		}
		for _, f := range []string{"filter_names", "additional_device_names"} {
			names, _ := channel.List(f)
			for _, n := range names {
				if s, ok := n.(string); ok && s != "" {
					devices = append(devices, s)
				}
			}
		}
	}
	if !tileStart.IsZero() {
		start = formatTime(tileStart)
	}
	if !tileEnd.IsZero() {
		end = formatTime(tileEnd)
	}
	slices.Sort(devices)
	active := make([]any, 0, len(devices)+len(objectives))
	for _, d := range slices.Compact(devices) {
		active = append(active, d)
	}
	active = append(active, objectives...)

	var streamNotes any
	if len(notes) > 0 {
		streamNotes = strings.Join(notes, "; ")
	}
	rec["data_streams"] = []any{map[string]any{
		"stream_start_time": start,
		"stream_end_time":   end,
		"modalities":        []any{record.CloneValue(spimModality)},
		"code":              nil,
		"notes":             streamNotes,
		"active_devices":    active,
		"configurations": []any{map[string]any{
			"object_type": "Imaging configuration",
			"device_name": "Imaging Device",
			"channels":    []any{},
			"images":      []any{},
		}},
		"connections": []any{},
	}}
	return nil
}
