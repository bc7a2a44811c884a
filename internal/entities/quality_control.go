package entities

import (
	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

// QualityControlCurrent is the newest quality control schema version.
const QualityControlCurrent = "2.0.0"

const (
	qcMetric       = "QC metric"
	curationMetric = "Curation metric"
)

func qualityControlUpgrader() (*upgrade.EntityUpgrader, error) {
	metrics := upgrade.NewSubRecordUpgrader("metrics", metricKind,
		upgrade.Variant{Tag: qcMetric, Rules: []upgrade.Rule{
			upgrade.Default("object_type", qcMetric),
			upgrade.Default("status_history", []any{}).NullAsAbsent(),
			upgrade.Default("evaluated_assets", nil),
		}},
		upgrade.Variant{Tag: curationMetric, Rules: []upgrade.Rule{
			upgrade.Func("lift curations", upgrade.Contract{Provides: []string{"curation_history"}}, liftCuration),
			upgrade.Default("status_history", []any{}).NullAsAbsent(),
			upgrade.Default("evaluated_assets", []any{}).NullAsAbsent(),
		}},
	)
	return upgrade.NewEntityUpgrader(upgrade.EntityConfig{
		Kind:    KindQualityControl,
		Current: QualityControlCurrent,
		Steps: []upgrade.Step{
			upgrade.NewStep("typed-evaluations", "1.0.0", "2.0.0",
				upgrade.Default("object_type", "Quality control"),
				upgrade.Default("evaluations", []any{}).NullAsAbsent(),
				upgrade.NewSubRecordUpgrader("evaluations", upgrade.Constant("evaluation"),
					upgrade.Variant{Tag: "evaluation", Rules: []upgrade.Rule{
						upgrade.Default("object_type", "QC evaluation"),
						upgrade.Rename("evaluation_modality", "modality"),
						upgrade.Rename("evaluation_stage", "stage"),
						upgrade.Rename("qc_metrics", "metrics"),
						upgrade.Default("metrics", []any{}).NullAsAbsent(),
						metrics,
					}}),
				upgrade.Default("notes", nil),
			),
		},
		Required: []string{"schema_version", "object_type", "evaluations"},
	})
}

// metricKind separates metrics carrying a curation payload from plain
// metrics. The payload wins over a declared object_type, which older records
// set to "QC metric" for every metric.
func metricKind(rec record.Record) (string, bool) {
	if curationPayload(rec) != nil {
		return curationMetric, true
	}
	if t, _ := rec.String("object_type"); t != "" {
		return t, true
	}
	return qcMetric, true
}

func curationPayload(rec record.Record) record.Record {
	if v, ok := rec.Map("value"); ok && v["type"] == "curation" {
		return v
	}
	return nil
}

// liftCuration replaces a curation payload with its curations. The metric
// keeps its own curation_history and the curation type becomes "unknown".
func liftCuration(rec record.Record) error {
	if v := curationPayload(rec); v != nil {
		curations, ok := v["curations"]
		if !ok || curations == nil {
			curations = map[string]any{}
		}
		rec["value"] = curations
		rec["type"] = "unknown"
	}
	rec["object_type"] = curationMetric
	if !rec.Present("curation_history") {
		rec["curation_history"] = []any{}
	}
	if !rec.Present("type") {
		rec["type"] = "unknown"
	}
	return nil
}
