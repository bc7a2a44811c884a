package entities

import "metaupgrade/pkg/upgrade"

// MetadataCurrent is the newest metadata schema version.
const MetadataCurrent = "2.0.0"

// embeddedCoreFields are the metadata fields holding core documents.
var embeddedCoreFields = []string{
	KindSubject, KindProcedures, KindProcessing, KindDataDescription, KindQualityControl,
	KindAcquisition, KindInstrument, "session", "rig",
}

// embeddedKinds are upgraded in place, in this order.
var embeddedKinds = []string{
	KindSubject, KindProcedures, KindProcessing, KindDataDescription, KindQualityControl,
	KindAcquisition, KindInstrument,
}

func metadataUpgrader(core map[string]*upgrade.EntityUpgrader) (*upgrade.EntityUpgrader, error) {
	rules := []upgrade.Rule{
		upgrade.Drop("id", "created", "last_modified"),
		upgrade.Rename("external_links", "other_identifiers"),
		upgrade.Default("other_identifiers", map[string]any{}).NullAsAbsent(),
	}
	// A session or rig moves to its new field unless the record already
	// carries the replacement; then it passes through untouched.
	rules = append(rules,
		upgrade.When("session as acquisition", upgrade.Missing(KindAcquisition), upgrade.Rename("session", KindAcquisition)),
		upgrade.When("rig as instrument", upgrade.Missing(KindInstrument), upgrade.Rename("rig", KindInstrument)),
	)
	for _, kind := range embeddedKinds {
		u, ok := core[kind]
		if !ok {
			continue
		}
		rules = append(rules, upgrade.Embedded(kind, u))
	}
	return upgrade.NewEntityUpgrader(upgrade.EntityConfig{
		Kind:    KindMetadata,
		Current: MetadataCurrent,
		Steps: []upgrade.Step{
			upgrade.NewStep("core-files", "1.0.0", "2.0.0", rules...),
		},
		Required: []string{"schema_version", "name", "location"},
	})
}
