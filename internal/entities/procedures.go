package entities

import (
	"fmt"
	"strings"

	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

// ProceduresCurrent is the newest procedures schema version.
const ProceduresCurrent = "0.13.0"

// Procedure variant tags.
const (
	ProcCraniotomy    = "Craniotomy"
	ProcFiberImplant  = "Fiber implant"
	ProcHeadframe     = "Headframe"
	ProcNanoject      = "Nanoject injection"
	ProcPerfusion     = "Perfusion"
	ProcRetroOrbital  = "Retro-orbital injection"
	ProcSurgery       = "Surgery"
	ProcWater         = "Water restriction"
	ProcTraining      = "Training protocol"
	ProcOtherSubject  = "Other Subject Procedure"
	perfusionProtocol = "dx.doi.org/10.17504/protocols.io.bg5vjy66"
	nanojectProtocol  = "dx.doi.org/10.17504/protocols.io.bgpujvnw"
	unknownProtocol   = "unknown"
)

// surgicalKinds are the procedures recorded flat before 0.12.0 and grouped
// into surgeries afterwards.
var surgicalKinds = []string{ProcCraniotomy, ProcFiberImplant, ProcHeadframe, ProcNanoject, ProcPerfusion, ProcRetroOrbital}

// surgeryFields move from each flat procedure onto its surgery.
var surgeryFields = []string{
	"start_date", "experimenter_full_name", "iacuc_protocol", "animal_weight_prior",
	"animal_weight_post", "weight_unit", "anaesthesia", "workstation_id", "protocol_id",
}

// Procedures history:
//
//	0.6.x–0.9.x  flat subject_procedures with loosely typed fields
//	0.10.0       numeric coordinates, typed injection materials
//	0.10.3       injection_angle_unit and bregma_to_lambda_unit (defaults
//	             "degrees" and "millimeter")
//	0.11.0       weight_unit ("gram") and protocol_id ("unknown") on every procedure
//	0.12.0       procedures sharing a start_date grouped into one Surgery
//	0.13.0       experimenter_full_name becomes an experimenters list
func proceduresUpgrader() (*upgrade.EntityUpgrader, error) {
	return upgrade.NewEntityUpgrader(upgrade.EntityConfig{
		Kind:    KindProcedures,
		Current: ProceduresCurrent,
		Steps: []upgrade.Step{
			upgrade.NewStep("normalize-procedure-variants", "0.6.0", "0.10.0",
				upgrade.Default("subject_procedures", []any{}).NullAsAbsent(),
				upgrade.Default("specimen_procedures", []any{}).NullAsAbsent(),
				upgrade.NewSubRecordUpgrader("subject_procedures", upgrade.ByField("procedure_type"),
					upgrade.Variant{Tag: ProcCraniotomy, Rules: []upgrade.Rule{
						upgrade.DefaultFunc("craniotomy_type", craniotomyTypeFromSize).NullAsAbsent(),
						upgrade.Coerce("craniotomy_type", upgrade.MapValue(map[string]any{"3mm": "3 mm", "5mm": "5 mm"}, true)),
						upgrade.Drop("craniotomy_size"),
					}},
					upgrade.Variant{Tag: ProcFiberImplant, Rules: []upgrade.Rule{
						upgrade.Default("probes", []any{}).NullAsAbsent(),
						upgrade.Coerce("probes", upgrade.ToList),
						upgrade.NewSubRecordUpgrader("probes", upgrade.Constant("fiber"),
							upgrade.Variant{Tag: "fiber", Rules: []upgrade.Rule{
								upgrade.Coerce("stereotactic_coordinate_ap", upgrade.ToNumber),
								upgrade.Coerce("stereotactic_coordinate_ml", upgrade.ToNumber),
								upgrade.Coerce("stereotactic_coordinate_dv", upgrade.ToNumber),
								upgrade.Coerce("angle", upgrade.ToNumber),
								upgrade.Coerce("core_diameter", upgrade.ToNumber),
								upgrade.Coerce("core_diameter_unit", upgrade.ReplaceAll("μm", "um")),
							}}),
					}},
					upgrade.Variant{Tag: ProcHeadframe, Rules: []upgrade.Rule{
						upgrade.Default("headframe_type", "unknown").NullAsAbsent(),
						upgrade.Default("headframe_part_number", "unknown").NullAsAbsent(),
					}},
					upgrade.Variant{Tag: ProcNanoject, Rules: append([]upgrade.Rule{
						upgrade.Coerce("injection_coordinate_ap", upgrade.ToNumber),
						upgrade.Coerce("injection_coordinate_ml", upgrade.ToNumber),
						upgrade.Coerce("injection_coordinate_depth", upgrade.Chain(upgrade.ToList, upgrade.Each(upgrade.ToNumber))),
						upgrade.Coerce("injection_volume", upgrade.Chain(upgrade.ToList, upgrade.Each(upgrade.ToNumber))),
						upgrade.Coerce("injection_angle", upgrade.ToNumber),
						upgrade.Default("protocol_id", nanojectProtocol).NullAsAbsent(),
					}, injectionMaterials()...)},
					upgrade.Variant{Tag: ProcPerfusion, Rules: []upgrade.Rule{
						upgrade.Coerce("output_specimen_ids", upgrade.ToStringList),
						upgrade.Default("protocol_id", perfusionProtocol).NullAsAbsent(),
					}},
					upgrade.Variant{Tag: ProcRetroOrbital, Rules: append([]upgrade.Rule{
						upgrade.Coerce("injection_volume", upgrade.ToNumber),
					}, injectionMaterials()...)},
				),
			),
			upgrade.NewStep("injection-units", "0.10.0", "0.10.3",
				upgrade.NewSubRecordUpgrader("subject_procedures", upgrade.ByField("procedure_type"),
					upgrade.Variant{Tag: ProcCraniotomy, Rules: []upgrade.Rule{
						upgrade.Default("bregma_to_lambda_unit", "millimeter").NullAsAbsent(),
					}},
					upgrade.Variant{Tag: ProcNanoject, Rules: []upgrade.Rule{
						upgrade.Default("injection_angle_unit", "degrees").NullAsAbsent(),
						upgrade.Default("bregma_to_lambda_unit", "millimeter").NullAsAbsent(),
						upgrade.Default("injection_volume_unit", "nanoliter").NullAsAbsent(),
					}},
					upgrade.Variant{Tag: ProcRetroOrbital, Rules: []upgrade.Rule{
						upgrade.Default("injection_volume_unit", "microliter").NullAsAbsent(),
					}},
					upgrade.Variant{Tag: ProcFiberImplant},
					upgrade.Variant{Tag: ProcHeadframe},
					upgrade.Variant{Tag: ProcPerfusion},
				),
			),
			upgrade.NewStep("procedure-weight-and-protocol", "0.10.3", "0.11.0",
				upgrade.NewSubRecordUpgrader("subject_procedures", upgrade.ByField("procedure_type"),
					sameRules(surgicalKinds,
						upgrade.Default("weight_unit", "gram").NullAsAbsent(),
						upgrade.Default("protocol_id", unknownProtocol).NullAsAbsent(),
					)...,
				),
			),
			upgrade.NewStep("group-into-surgeries", "0.11.0", "0.12.0",
				upgrade.Func("group procedures by start_date", upgrade.Contract{Requires: []string{"subject_procedures"}}, groupSurgeries),
			),
			upgrade.NewStep("experimenters-list", "0.12.0", "0.13.0",
				upgrade.Coerce("subject_id", upgrade.ToString),
				upgrade.NewSubRecordUpgrader("subject_procedures", upgrade.ByField("procedure_type"),
					upgrade.Variant{Tag: ProcSurgery, Rules: append(experimentersRules(),
						upgrade.NewSubRecordUpgrader("procedures", upgrade.ByField("procedure_type"), sameRules(surgicalKinds)...),
					)},
					upgrade.Variant{Tag: ProcWater, Rules: experimentersRules()},
					upgrade.Variant{Tag: ProcTraining, Rules: experimentersRules()},
					upgrade.Variant{Tag: ProcOtherSubject, Rules: experimentersRules()},
				),
			),
		},
		Required: []string{"schema_version", "subject_id", "subject_procedures", "specimen_procedures"},
	})
}

func sameRules(tags []string, rules ...upgrade.Rule) []upgrade.Variant {
	out := make([]upgrade.Variant, len(tags))
	for i, tag := range tags {
		out[i] = upgrade.Variant{Tag: tag, Rules: rules}
	}
	return out
}

func experimentersRules() []upgrade.Rule {
	return []upgrade.Rule{
		upgrade.Rename("experimenter_full_name", "experimenters"),
		upgrade.Coerce("experimenters", upgrade.ToStringList),
		upgrade.Default("experimenters", []any{}).NullAsAbsent(),
	}
}

func injectionMaterials() []upgrade.Rule {
	return []upgrade.Rule{
		upgrade.Default("injection_materials", []any{}).NullAsAbsent(),
		upgrade.Coerce("injection_materials", upgrade.ToList),
		upgrade.NewSubRecordUpgrader("injection_materials", materialKind,
			upgrade.Variant{Tag: "Virus", Rules: []upgrade.Rule{
				upgrade.Default("material_type", "Virus"),
				upgrade.Default("name", "unknown").NullAsAbsent(),
				upgrade.Coerce("titer", upgrade.ToNumber),
			}},
			upgrade.Variant{Tag: "Reagent", Rules: []upgrade.Rule{
				upgrade.Default("material_type", "Reagent"),
				upgrade.Default("name", "unknown").NullAsAbsent(),
				upgrade.Coerce("concentration", upgrade.ToNumber),
			}},
		),
	}
}

// materialKind prefers an explicit material_type and otherwise infers viral
// material from a titer and reagents from a concentration.
func materialKind(rec record.Record) (string, bool) {
	if t, ok := rec.String("material_type"); ok && t != "" {
		return t, true
	}
	switch {
	case rec.Present("titer"):
		return "Virus", true
	case rec.Present("concentration"):
		return "Reagent", true
	}
	return "", false
}

func craniotomyTypeFromSize(rec record.Record) any {
	switch size, _ := upgrade.ToNumber(rec["craniotomy_size"]); size {
	case 3.0:
		return "3 mm"
	case 5.0:
		return "5 mm"
	}
	return nil
}

// groupSurgeries replaces the flat procedure list with one Surgery per
// distinct start_date, in first-seen order. Surgery-level fields take the
// first non-null value in the group; fiber implants on the same day merge
// their fibers into the first implant.
func groupSurgeries(rec record.Record) error {
	items, ok := rec.List("subject_procedures")
	if !ok {
		return upgrade.NewFailure(upgrade.KindMissingRequiredField, "subject_procedures", "expected list")
	}
	type group struct {
		surgery record.Record
		procs   []any
		notes   []string
		implant record.Record
	}
	var order []string
	groups := map[string]*group{}
	for i, item := range items {
		proc, ok := record.AsRecord(item)
		if !ok {
			return upgrade.NewFailure(upgrade.KindUnrecognizedEntity, fmt.Sprintf("subject_procedures[%d]", i), "expected mapping")
		}
		kind, _ := proc.String("procedure_type")
		if !contains(surgicalKinds, kind) {
			return upgrade.NewFailure(upgrade.KindUnrecognizedEntity, fmt.Sprintf("subject_procedures[%d]", i), fmt.Sprintf("unregistered variant %q", kind))
		}
		proc = proc.Clone()
		date, _ := upgrade.ToString(proc["start_date"])
		key, _ := date.(string)
		g, ok := groups[key]
		if !ok {
			g = &group{surgery: record.Record{"procedure_type": ProcSurgery}}
			groups[key] = g
			order = append(order, key)
		}
		for _, f := range surgeryFields {
			if v, ok := proc[f]; ok {
				if !g.surgery.Present(f) {
					g.surgery[f] = v
				}
				delete(proc, f)
			}
		}
		if n, ok := proc.String("notes"); ok && n != "" {
			g.notes = append(g.notes, n)
		}
		delete(proc, "notes")

		if kind == ProcFiberImplant {
			if g.implant != nil {
				fibers, _ := g.implant.List("probes")
				more, _ := proc.List("probes")
				g.implant["probes"] = append(fibers, more...)
				continue
			}
			g.implant = proc
		}
		g.procs = append(g.procs, map[string]any(proc))
	}

	out := make([]any, 0, len(order))
	for _, key := range order {
		g := groups[key]
		applyHeadframeCraniotomyType(g.procs)
		for _, f := range surgeryFields {
			if !g.surgery.Has(f) {
				g.surgery[f] = nil
			}
		}
		if !g.surgery.Present("protocol_id") {
			g.surgery["protocol_id"] = unknownProtocol
		}
		if len(g.notes) > 0 {
			g.surgery["notes"] = strings.Join(g.notes, "; ")
		} else {
			g.surgery["notes"] = nil
		}
		g.surgery["procedures"] = g.procs
		out = append(out, map[string]any(g.surgery))
	}
	rec["subject_procedures"] = out
	return nil
}

// applyHeadframeCraniotomyType fills an unset craniotomy type from a
// headframe performed in the same surgery.
func applyHeadframeCraniotomyType(procs []any) {
	var fromHeadframe string
	for _, p := range procs {
		m := p.(map[string]any)
		if m["procedure_type"] != ProcHeadframe {
			continue
		}
		ht, _ := m["headframe_type"].(string)
		switch {
		case strings.Contains(ht, "WHC"):
			fromHeadframe = "WHC"
		case strings.Contains(ht, "Ctx"):
			fromHeadframe = "Visual Cortex"
		}
	}
	if fromHeadframe == "" {
		return
	}
	for _, p := range procs {
		m := p.(map[string]any)
		if m["procedure_type"] == ProcCraniotomy && m["craniotomy_type"] == nil {
			m["craniotomy_type"] = fromHeadframe
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
