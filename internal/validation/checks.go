package validation

import (
	"fmt"

	"metaupgrade/internal/entities"
	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

var endpointKeys = map[string]bool{"source": true, "destination": true, "code_repo_location": true}

func checkProcessing(_ *SchemaValidator, rec record.Record) []upgrade.Violation {
	var out []upgrade.Violation
	pipeline, _ := rec.Map("processing_pipeline")
	procs, _ := pipeline.List("data_processes")
	analyses, _ := rec.List("analyses")
	check := func(prefix string, items []any) {
		for i, item := range items {
			p, ok := record.AsRecord(item)
			if !ok {
				continue
			}
			path := fmt.Sprintf("%s[%d]", prefix, i)
			if p.Has("version") {
				out = append(out, upgrade.Violation{Field: path + ".version", Message: "legacy field present"})
			}
			params, _ := p.Map("parameters")
			if jobs, ok := params.Map("jobs"); ok && jobs.Has("register_to_codeocean") {
				out = append(out, upgrade.Violation{Field: path + ".parameters.jobs.register_to_codeocean", Message: "legacy field present"})
			}
			endpoints, ok := params.Map("endpoints")
			if !ok {
				continue
			}
			for _, k := range endpoints.Keys() {
				if !endpointKeys[k] {
					out = append(out, upgrade.Violation{Field: path + ".parameters.endpoints." + k, Message: "unexpected endpoint field"})
				}
			}
			if d, ok := endpoints["destination"]; ok && d != nil {
				if _, ok := record.AsRecord(d); !ok {
					out = append(out, upgrade.Violation{Field: path + ".parameters.endpoints.destination", Message: "expected mapping"})
				}
			}
		}
	}
	check("processing_pipeline.data_processes", procs)
	check("analyses", analyses)
	return out
}

func checkProcedures(v *SchemaValidator, rec record.Record) []upgrade.Violation {
	var out []upgrade.Violation
	items, _ := rec.List("subject_procedures")
	for i, item := range items {
		path := fmt.Sprintf("subject_procedures[%d]", i)
		p, ok := record.AsRecord(item)
		if !ok {
			out = append(out, upgrade.Violation{Field: path, Message: "expected mapping"})
			continue
		}
		if p.Has("experimenter_full_name") {
			out = append(out, upgrade.Violation{Field: path + ".experimenter_full_name", Message: "legacy field present"})
		}
		switch kind, _ := p.String("procedure_type"); kind {
		case entities.ProcSurgery:
			out = append(out, prefixed(path, v.decodeAndValidate(p, &surgery{}))...)
			procs, _ := p.List("procedures")
			for j, proc := range procs {
				out = append(out, v.checkSurgicalProcedure(fmt.Sprintf("%s.procedures[%d]", path, j), proc)...)
			}
		case entities.ProcWater, entities.ProcTraining, entities.ProcOtherSubject:
			out = append(out, prefixed(path, v.decodeAndValidate(p, &subjectProcedure{}))...)
		default:
			out = append(out, upgrade.Violation{Field: path + ".procedure_type", Message: fmt.Sprintf("unknown subject procedure %q", kind)})
		}
	}
	return out
}

func (v *SchemaValidator) checkSurgicalProcedure(path string, item any) []upgrade.Violation {
	p, ok := record.AsRecord(item)
	if !ok {
		return []upgrade.Violation{{Field: path, Message: "expected mapping"}}
	}
	var doc any
	switch kind, _ := p.String("procedure_type"); kind {
	case entities.ProcCraniotomy:
		doc = &craniotomy{}
	case entities.ProcFiberImplant:
		doc = &fiberImplant{}
	case entities.ProcHeadframe:
		doc = &headframe{}
	case entities.ProcNanoject:
		doc = &nanojectInjection{}
	case entities.ProcPerfusion:
		doc = &perfusion{}
	case entities.ProcRetroOrbital:
		doc = &retroOrbitalInjection{}
	default:
		return []upgrade.Violation{{Field: path + ".procedure_type", Message: fmt.Sprintf("unknown surgical procedure %q", kind)}}
	}
	return prefixed(path, v.decodeAndValidate(p, doc))
}

var legacyEvaluationFields = []string{"evaluation_modality", "evaluation_stage", "qc_metrics"}

func checkQualityControl(_ *SchemaValidator, rec record.Record) []upgrade.Violation {
	var out []upgrade.Violation
	evals, _ := rec.List("evaluations")
	for i, item := range evals {
		e, ok := record.AsRecord(item)
		if !ok {
			continue
		}
		for _, f := range legacyEvaluationFields {
			if e.Has(f) {
				out = append(out, upgrade.Violation{Field: fmt.Sprintf("evaluations[%d].%s", i, f), Message: "legacy field present"})
			}
		}
		metrics, _ := e.List("metrics")
		for j, m := range metrics {
			mr, ok := record.AsRecord(m)
			if !ok || mr["object_type"] != "Curation metric" {
				continue
			}
			if _, ok := mr.List("curation_history"); !ok {
				out = append(out, upgrade.Violation{Field: fmt.Sprintf("evaluations[%d].metrics[%d].curation_history", i, j), Message: "failed required"})
			}
		}
	}
	return out
}

var metadataCoreKinds = []string{
	entities.KindSubject, entities.KindProcedures, entities.KindProcessing,
	entities.KindDataDescription, entities.KindQualityControl,
	entities.KindAcquisition, entities.KindInstrument,
}

// checkMetadata validates each embedded core document against its own schema.
func checkMetadata(v *SchemaValidator, rec record.Record) []upgrade.Violation {
	var out []upgrade.Violation
	for _, kind := range metadataCoreKinds {
		child, ok := rec.Map(kind)
		if !ok {
			continue
		}
		out = append(out, prefixed(kind, v.Validate(child, kind))...)
	}
	return out
}
