// Package entities declares the upgrade chains for every metadata entity kind
// and the conventions used to recognise a record's kind.
package entities

import (
	"fmt"

	"metaupgrade/pkg/upgrade"
)

// Entity kinds, as produced by Resolver.
const (
	KindSubject         = "subject"
	KindProcedures      = "procedures"
	KindProcessing      = "processing"
	KindDataDescription = "data_description"
	KindQualityControl  = "quality_control"
	KindAcquisition     = "acquisition"
	KindInstrument      = "instrument"
	KindMetadata        = "metadata"
)

// renamedKinds maps the kinds of earlier schema generations onto the kind
// that replaced them.
var renamedKinds = map[string]string{
	"session": KindAcquisition,
	"rig":     KindInstrument,
}

// Upgraders builds one upgrader per entity kind. The metadata upgrader embeds
// the others for its core-file fields.
func Upgraders() ([]*upgrade.EntityUpgrader, error) {
	builders := []struct {
		kind  string
		build func() (*upgrade.EntityUpgrader, error)
	}{
		{KindSubject, subjectUpgrader},
		{KindProcedures, proceduresUpgrader},
		{KindProcessing, processingUpgrader},
		{KindDataDescription, dataDescriptionUpgrader},
		{KindQualityControl, qualityControlUpgrader},
		{KindAcquisition, acquisitionUpgrader},
		{KindInstrument, instrumentUpgrader},
	}
	out := make([]*upgrade.EntityUpgrader, 0, len(builders)+1)
	core := make(map[string]*upgrade.EntityUpgrader, len(builders))
	for _, b := range builders {
		u, err := b.build()
		if err != nil {
			return nil, fmt.Errorf("build %s upgrader: %w", b.kind, err)
		}
		core[b.kind] = u
		out = append(out, u)
	}
	meta, err := metadataUpgrader(core)
	if err != nil {
		return nil, fmt.Errorf("build %s upgrader: %w", KindMetadata, err)
	}
	return append(out, meta), nil
}

// NewRegistry returns the registry of every entity upgrader.
func NewRegistry() (*upgrade.Registry, error) {
	ups, err := Upgraders()
	if err != nil {
		return nil, err
	}
	return upgrade.NewRegistry(ups...)
}

// Resolver recognises a record's kind from its object_type, then from the
// basename of its describedBy URL, then from its shape. Sessions resolve as
// acquisitions and rigs as instruments.
func Resolver() upgrade.Resolver {
	return upgrade.Aliased(upgrade.FirstOf(
		upgrade.FieldResolver("object_type"),
		upgrade.DescribedByResolver("describedBy"),
		upgrade.ShapeResolver(
			upgrade.Shape{Kind: KindMetadata, All: []string{"location"}, Any: embeddedCoreFields},
			upgrade.Shape{Kind: KindProcedures, Any: []string{"subject_procedures", "specimen_procedures"}},
			upgrade.Shape{Kind: KindProcessing, Any: []string{"processing_pipeline", "data_processes"}},
			upgrade.Shape{Kind: KindQualityControl, Any: []string{"evaluations"}},
			upgrade.Shape{Kind: KindAcquisition, Any: []string{"session_start_time", "acquisition_start_time", "tiles"}},
			upgrade.Shape{Kind: KindInstrument, All: []string{"modification_date"}, Any: []string{"rig_id", "instrument_id", "instrument_type"}},
			upgrade.Shape{Kind: KindDataDescription, All: []string{"modality"}, Any: []string{"data_level", "platform", "creation_time", "creation_date", "experiment_type"}},
			upgrade.Shape{Kind: KindSubject, All: []string{"subject_id"}, Any: []string{"species", "sex", "date_of_birth", "genotype"}},
		),
	), renamedKinds)
}
