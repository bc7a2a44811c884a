package entities

import (
	"fmt"
	"regexp"
	"strings"

	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

// InstrumentCurrent is the newest instrument schema version.
const InstrumentCurrent = "2.0.0"

// instrumentName matches ids such as "323_EPHYS1_2024-01-01", which carry
// the location and the modification date around the instrument id.
var instrumentName = regexp.MustCompile(`^[a-zA-Z0-9]+_[a-zA-Z0-9]+_\d{4}-\d{2}-\d{2}$`)

// instrumentTypeModality maps the instrument_type of imaging instruments
// onto a modality abbreviation.
var instrumentTypeModality = map[string]string{
	"confocal":   "confocal",
	"diSPIM":     "SPIM",
	"exaSPIM":    "SPIM",
	"mesoSPIM":   "SPIM",
	"smartSPIM":  "SPIM",
	"Two photon": "pophys",
	"ecephys":    "ecephys",
}

// deviceFields lists the device collections of rigs and instruments, in
// component order, with the object_type given to devices that lack one.
var deviceFields = []struct {
	field, objectType string
	single            bool
}{
	{"enclosure", "Enclosure", true},
	{"mouse_platform", "Mouse platform", true},
	{"objectives", "Objective", false},
	{"detectors", "Detector", false},
	{"light_sources", "Light source", false},
	{"lenses", "Lens", false},
	{"fluorescence_filters", "Fluorescence filter", false},
	{"filters", "Filter", false},
	{"motorized_stages", "Motorized stage", false},
	{"scanning_stages", "Scanning stage", false},
	{"cameras", "Camera assembly", false},
	{"stick_microscopes", "Camera assembly", false},
	{"ephys_assemblies", "Ephys assembly", false},
	{"fiber_assemblies", "Fiber assembly", false},
	{"laser_assemblies", "Laser assembly", false},
	{"patch_cords", "Patch cord", false},
	{"digital_micromirror_devices", "Digital micromirror device", false},
	{"polygonal_scanners", "Polygonal scanner", false},
	{"pockels_cells", "Pockels cell", false},
	{"stimulus_devices", "Device", false},
	{"daqs", "DAQ device", false},
	{"additional_devices", "Device", false},
}

func deviceFieldNames() []string {
	out := make([]string, 0, len(deviceFields))
	for _, d := range deviceFields {
		out = append(out, d.field)
	}
	return out
}

func coordinateSystem(name, ml, si string) map[string]any {
	return map[string]any{
		"object_type": "Coordinate system",
		"name":        name,
		"origin":      "Bregma",
		"axis_unit":   "millimeter",
		"axes": []any{
			map[string]any{"object_type": "Axis", "name": "AP", "direction": "Posterior_to_anterior"},
			map[string]any{"object_type": "Axis", "name": "ML", "direction": ml},
			map[string]any{"object_type": "Axis", "name": "SI", "direction": si},
		},
	}
}

var (
	bregmaARI = coordinateSystem("BREGMA_ARI", "Left_to_right", "Superior_to_inferior")
	bregmaALS = coordinateSystem("BREGMA_ALS", "Right_to_left", "Inferior_to_superior")
)

// Instrument history:
//
//	<2.0  rigs (behavior and physiology) and instruments (imaging) are
//	      separate documents with one list per device category
//	2.0.0 one instrument document; the location moves out of the id,
//	      devices become typed components, and a coordinate system is named
func instrumentUpgrader() (*upgrade.EntityUpgrader, error) {
	return upgrade.NewEntityUpgrader(upgrade.EntityConfig{
		Kind:    KindInstrument,
		Current: InstrumentCurrent,
		Steps: []upgrade.Step{
			upgrade.NewStep("rig-to-instrument", "0.0.1", "2.0.0",
				upgrade.Rename("rig_id", "instrument_id"),
				upgrade.Coerce("instrument_id", upgrade.ToString),
				upgrade.Func("split instrument location", upgrade.Contract{Requires: []string{"instrument_id"}}, splitInstrumentLocation),
				upgrade.Default("location", nil),
				upgrade.Func("modalities",
					upgrade.Contract{Provides: []string{"modalities"}, Removes: []string{"modality", "instrument_type", "type"}},
					instrumentModalities),
				upgrade.Func("calibration file",
					upgrade.Contract{Removes: []string{"calibration_data", "calibration_date"}},
					calibrationFile),
				upgrade.Default("calibrations", []any{}).NullAsAbsent(),
				upgrade.Func("coordinate system",
					upgrade.Contract{Provides: []string{"coordinate_system"}, Removes: []string{"origin", "rig_axes"}},
					instrumentCoordinateSystem),
				upgrade.Func("typed components",
					upgrade.Contract{Provides: []string{"components"}, Removes: deviceFieldNames()},
					typedComponents),
				upgrade.Drop("optical_tables", "com_ports"),
				upgrade.Default("connections", []any{}).NullAsAbsent(),
				upgrade.Default("temperature_control", nil),
				upgrade.Default("object_type", "Instrument"),
				upgrade.Default("notes", nil),
			),
		},
		Required: []string{"schema_version", "instrument_id", "modification_date", "modalities", "coordinate_system", "components"},
	})
}

// splitInstrumentLocation moves the location prefix of a dated instrument id
// into location, unless the record already names one.
func splitInstrumentLocation(rec record.Record) error {
	id, _ := rec.String("instrument_id")
	if rec.Present("location") || !instrumentName.MatchString(id) {
		return nil
	}
	parts := strings.Split(id, "_")
	rec["location"] = parts[0]
	rec["instrument_id"] = parts[1]
	return nil
}

// instrumentModalities reads rig modality lists, or derives the modality of
// an imaging instrument from its type.
func instrumentModalities(rec record.Record) error {
	defer func() {
		delete(rec, "modality")
		delete(rec, "instrument_type")
		delete(rec, "type")
	}()
	if rec.Present("modalities") {
		return nil
	}
	if v := rec["modality"]; v != nil {
		mods, err := modalityList(v)
		if err != nil {
			return &upgrade.Failure{Kind: upgrade.KindMissingRequiredField, Path: "modality", Detail: "cannot coerce value", Err: err}
		}
		rec["modalities"] = mods
		return nil
	}
	kind, _ := rec.String("instrument_type")
	if kind == "" {
		kind, _ = rec.String("type")
	}
	switch kind {
	case "":
		return upgrade.NewFailure(upgrade.KindMissingRequiredField, "instrument_type", "instrument type is required")
	case "Other":
		return upgrade.NewFailure(upgrade.KindUnrecognizedEntity, "instrument_type", `instrument type "Other" names no modality`)
	}
	mods := []any{}
	if abbr, ok := instrumentTypeModality[kind]; ok {
		mods = append(mods, map[string]any{"abbreviation": abbr})
	}
	rec["modalities"] = mods
	return nil
}

// calibrationFile wraps the calibration file of an imaging instrument in a
// calibration whose notes point at the file.
func calibrationFile(rec record.Record) error {
	data := rec["calibration_data"]
	date := rec["calibration_date"]
	delete(rec, "calibration_data")
	delete(rec, "calibration_date")
	if data == nil || data == "" {
		return nil
	}
	cals, _ := rec.List("calibrations")
	rec["calibrations"] = append(cals, map[string]any{
		"calibration_date": date,
		"device_name":      rec["instrument_id"],
		"input":            []any{},
		"output":           []any{},
		"input_unit":       "micrometer",
		"output_unit":      "micrometer",
		"description":      "Calibration data from a v1 instrument, see notes for the file path.",
		"notes":            data,
	})
	return nil
}

// instrumentCoordinateSystem names the coordinate system a rig describes in
// prose. Records without an origin or axes use BREGMA_ARI.
func instrumentCoordinateSystem(rec record.Record) error {
	origin, _ := rec.String("origin")
	axes, _ := rec.List("rig_axes")
	delete(rec, "origin")
	delete(rec, "rig_axes")
	if rec.Present("coordinate_system") {
		return nil
	}
	if origin == "" && len(axes) == 0 {
		rec["coordinate_system"] = record.CloneValue(bregmaARI)
		return nil
	}
	dirs := make([]string, 3)
	for i := 0; i < len(axes) && i < 3; i++ {
		axis, _ := record.AsRecord(axes[i])
		dirs[i], _ = axis.String("direction")
	}
	sagittal := strings.Contains(dirs[0], "lays on the Mouse Sagittal Plane, Positive direction is towards the nose of the mouse") &&
		strings.Contains(dirs[1], "positive pointing UP opposite the direction from the force of gravity") &&
		strings.Contains(dirs[2], "defined by the right hand rule and the other two axis")
	bregma := origin == "Bregma" &&
		strings.Contains(dirs[0], "towards the nose of the mouse") &&
		strings.Contains(dirs[1], "away from the nose of the mouse") &&
		strings.Contains(dirs[2], "Positive pointing up")
	if sagittal || bregma {
		rec["coordinate_system"] = record.CloneValue(bregmaALS)
		return nil
	}
	return upgrade.NewFailure(upgrade.KindUnrecognizedEntity, "rig_axes", fmt.Sprintf("unrecognised coordinate system with origin %q", origin))
}

// typedComponents flattens the device collections into components. Each
// device keeps its device_type as object_type and unnamed devices are
// numbered within their collection.
func typedComponents(rec record.Record) error {
	components, _ := rec.List("components")
	components = append([]any(nil), components...)
	for _, d := range deviceFields {
		v, ok := rec[d.field]
		delete(rec, d.field)
		if !ok || v == nil {
			continue
		}
		items := []any{v}
		if !d.single {
			list, ok := record.AsList(v)
			if !ok {
				return upgrade.NewFailure(upgrade.KindMissingRequiredField, d.field, fmt.Sprintf("expected list, found %T", v))
			}
			items = list
		}
		for i, item := range items {
			dev, ok := record.AsRecord(item)
			if !ok {
				return upgrade.NewFailure(upgrade.KindMissingRequiredField, fmt.Sprintf("%s[%d]", d.field, i), fmt.Sprintf("expected mapping, found %T", item))
			}
			objectType := d.objectType
			if t, _ := dev.String("device_type"); t != "" {
				objectType = t
			}
			delete(dev, "device_type")
			dev["object_type"] = objectType
			if name, _ := dev.String("name"); name == "" {
				dev["name"] = fmt.Sprintf("%s %d", objectType, i+1)
			}
			components = append(components, map[string]any(dev))
		}
	}
	rec["components"] = components
	return nil
}
