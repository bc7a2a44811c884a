// Package validation checks upgraded records against the current schema of
// their entity kind.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"metaupgrade/internal/entities"
	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

type schema struct {
	newDoc func() any
	// forbidden lists legacy top-level fields that must not survive an upgrade.
	forbidden []string
	check     func(v *SchemaValidator, rec record.Record) []upgrade.Violation
}

// SchemaValidator validates records with go-playground/validator over typed
// views of each current schema.
type SchemaValidator struct {
	validate *validator.Validate
	schemas  map[string]schema
}

// NewSchemaValidator returns a validator covering every entity kind.
func NewSchemaValidator() *SchemaValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("semver", validateSemver)
	_ = v.RegisterValidation("isodate", validateISODate)
	_ = v.RegisterValidation("isodatetime", validateISODateTime)
	_ = v.RegisterValidation("zoned", validateZoned)

	return &SchemaValidator{
		validate: v,
		schemas: map[string]schema{
			entities.KindProcessing: {
				newDoc:    func() any { return &processingDoc{} },
				forbidden: []string{"data_processes", "pipeline_version", "pipeline_url"},
				check:     checkProcessing,
			},
			entities.KindProcedures: {
				newDoc: func() any { return &proceduresDoc{} },
				check:  checkProcedures,
			},
			entities.KindSubject: {
				newDoc: func() any { return &subjectDoc{} },
				forbidden: []string{
					"light_cycle", "lights_on_time", "lights_off_time", "home_cage_enrichment", "cage_number",
					"breeding_group", "maternal_id", "maternal_genotype", "paternal_id", "paternal_genotype",
					"mgi_allele_ids",
				},
			},
			entities.KindDataDescription: {
				newDoc:    func() any { return &dataDescriptionDoc{} },
				forbidden: []string{"creation_date", "experiment_type"},
			},
			entities.KindQualityControl: {
				newDoc: func() any { return &qualityControlDoc{} },
				check:  checkQualityControl,
			},
			entities.KindAcquisition: {
				newDoc: func() any { return &acquisitionDoc{} },
				forbidden: []string{
					"session_start_time", "session_end_time", "rig_id", "experimenter_full_name", "iacuc_protocol",
					"session_type", "tiles", "active_objectives", "local_storage_directory", "external_storage_directory",
					"animal_weight_prior", "animal_weight_post", "mouse_platform_name",
				},
			},
			entities.KindInstrument: {
				newDoc: func() any { return &instrumentDoc{} },
				forbidden: []string{
					"rig_id", "instrument_type", "modality", "calibration_data", "calibration_date", "origin", "rig_axes",
					"optical_tables", "com_ports", "enclosure", "mouse_platform", "objectives", "detectors", "light_sources",
					"lenses", "cameras", "stick_microscopes", "daqs", "stimulus_devices", "additional_devices",
				},
			},
			entities.KindMetadata: {
				newDoc:    func() any { return &metadataDoc{} },
				forbidden: []string{"id", "created", "last_modified", "external_links"},
				check:     checkMetadata,
			},
		},
	}
}

// Validate returns the violations of rec against the current schema of kind.
// An empty result means the record is valid.
func (v *SchemaValidator) Validate(rec record.Record, kind string) []upgrade.Violation {
	s, ok := v.schemas[kind]
	if !ok {
		return []upgrade.Violation{{Message: fmt.Sprintf("no schema for entity kind %q", kind)}}
	}
	out := v.decodeAndValidate(rec, s.newDoc())
	for _, f := range s.forbidden {
		if rec.Has(f) {
			out = append(out, upgrade.Violation{Field: f, Message: "legacy field present"})
		}
	}
	if s.check != nil {
		out = append(out, s.check(v, rec)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// decodeAndValidate maps value into doc through JSON and runs the struct
// validator on the result.
func (v *SchemaValidator) decodeAndValidate(value any, doc any) []upgrade.Violation {
	raw, err := json.Marshal(value)
	if err != nil {
		return []upgrade.Violation{{Message: "record is not JSON encodable: " + err.Error()}}
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return []upgrade.Violation{{Field: typeErr.Field, Message: fmt.Sprintf("expected %s, found %s", typeErr.Type, typeErr.Value)}}
		}
		return []upgrade.Violation{{Message: err.Error()}}
	}
	err = v.validate.Struct(doc)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []upgrade.Violation{{Message: err.Error()}}
	}
	out := make([]upgrade.Violation, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, upgrade.Violation{Field: trimRoot(fe.Namespace()), Message: describe(fe)})
	}
	return out
}

// trimRoot drops the struct type name validator prefixes namespaces with.
func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return "failed " + fe.Tag()
}

func prefixed(prefix string, vs []upgrade.Violation) []upgrade.Violation {
	for i := range vs {
		if vs[i].Field == "" {
			vs[i].Field = prefix
		} else {
			vs[i].Field = prefix + "." + vs[i].Field
		}
	}
	return vs
}

func validateSemver(fl validator.FieldLevel) bool {
	_, err := upgrade.ParseVersion(fl.Field().String())
	return err == nil
}

func validateISODate(fl validator.FieldLevel) bool {
	_, err := time.Parse(time.DateOnly, fl.Field().String())
	return err == nil
}

var dateTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"}

// validateZoned accepts timestamps that carry a UTC offset.
func validateZoned(fl validator.FieldLevel) bool {
	_, err := time.Parse(time.RFC3339Nano, fl.Field().String())
	return err == nil
}

func validateISODateTime(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	for _, layout := range dateTimeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
