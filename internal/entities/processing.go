package entities

import "metaupgrade/pkg/upgrade"

// ProcessingCurrent is the newest processing schema version.
const ProcessingCurrent = "1.0.0"

// dataProcesses upgrades every element of a data_processes list with rules.
func dataProcesses(rules ...upgrade.Rule) upgrade.Rule {
	return upgrade.NewSubRecordUpgrader("data_processes", upgrade.Constant("data_process"),
		upgrade.Variant{Tag: "data_process", Rules: rules})
}

// Processing history:
//
//	0.0.x  flat data_processes; parameters carry legacy endpoint and job keys
//	0.1.x  endpoints use source/destination, version is software_version
//	0.2.x  every process has outputs; "Other" processes carry notes
//	0.3.x  processes, pipeline version and url nest under processing_pipeline
//	1.0.0  analyses list
func processingUpgrader() (*upgrade.EntityUpgrader, error) {
	return upgrade.NewEntityUpgrader(upgrade.EntityConfig{
		Kind:    KindProcessing,
		Current: ProcessingCurrent,
		Steps: []upgrade.Step{
			upgrade.NewStep("restructure-endpoints", "0.0.1", "0.1.0",
				dataProcesses(
					upgrade.Rename("version", "software_version"),
					upgrade.Nested("parameters",
						upgrade.Nested("endpoints",
							upgrade.Drop("metadata_schemas"),
							upgrade.Rename("raw_data_dir", "source"),
							upgrade.Merge([]string{"dest_data_dir", "s3_bucket", "s3_prefix"}, "destination",
								upgrade.IntoMapping(map[string]string{
									"dest_data_dir": "path",
									"s3_bucket":     "bucket",
									"s3_prefix":     "prefix",
								})),
						),
						upgrade.Nested("jobs", upgrade.Drop("register_to_codeocean")),
					),
				),
			),
			upgrade.NewStep("process-outputs", "0.1.0", "0.2.0",
				dataProcesses(
					upgrade.Default("outputs", map[string]any{}).NullAsAbsent(),
					upgrade.When("notes for Other process",
						upgrade.All(upgrade.FieldEquals("name", "Other"), upgrade.Missing("notes")),
						upgrade.Default("notes", "missing notes").NullAsAbsent()),
				),
			),
			upgrade.NewStep("processing-pipeline", "0.2.0", "0.3.0",
				upgrade.Merge([]string{"data_processes", "pipeline_version", "pipeline_url", "processor_full_name"},
					"processing_pipeline", upgrade.IntoMapping(nil)),
				upgrade.Nested("processing_pipeline",
					upgrade.Default("processor_full_name", "Unknown").NullAsAbsent(),
					upgrade.Default("data_processes", []any{}).NullAsAbsent(),
				),
			),
			upgrade.NewStep("analyses", "0.3.0", "1.0.0",
				upgrade.Nested("processing_pipeline",
					dataProcesses(
						upgrade.Default("parameters", map[string]any{}).NullAsAbsent(),
						upgrade.Default("outputs", map[string]any{}).NullAsAbsent(),
					),
				),
				upgrade.Default("analyses", []any{}).NullAsAbsent(),
				upgrade.NewSubRecordUpgrader("analyses", upgrade.Constant("analysis"),
					upgrade.Variant{Tag: "analysis", Rules: []upgrade.Rule{
						upgrade.Rename("version", "software_version"),
						upgrade.Default("parameters", map[string]any{}).NullAsAbsent(),
						upgrade.Default("outputs", map[string]any{}).NullAsAbsent(),
						upgrade.Default("analyst_full_name", "unknown").NullAsAbsent(),
					}}),
				upgrade.Default("notes", nil),
			),
		},
		Required: []string{"schema_version", "processing_pipeline", "analyses"},
	})
}
