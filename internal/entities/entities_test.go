package entities_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"metaupgrade/internal/entities"
	"metaupgrade/internal/validation"
	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

func loadFixture(t *testing.T, name string) record.Record {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	var rec record.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode fixture %s: %v", name, err)
	}
	return rec
}

func mustRegistry(t *testing.T) *upgrade.Registry {
	t.Helper()
	reg, err := entities.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func upgradeAs(t *testing.T, kind string, rec record.Record) upgrade.Outcome {
	t.Helper()
	u, ok := mustRegistry(t).Lookup(kind)
	if !ok {
		t.Fatalf("no upgrader for %s", kind)
	}
	out, err := u.Upgrade(rec)
	if err != nil {
		t.Fatalf("upgrade %s: %v", kind, err)
	}
	return out
}

var fixtures = map[string]string{
	entities.KindProcessing:      "processing_0.0.1.json",
	entities.KindProcedures:      "procedures_0.9.0.json",
	entities.KindSubject:         "subject_0.2.0.json",
	entities.KindDataDescription: "data_description_0.3.0.json",
	entities.KindQualityControl:  "quality_control_1.0.0.json",
	entities.KindAcquisition:     "session_0.3.4.json",
	entities.KindInstrument:      "rig_0.5.4.json",
}

func TestChainsCoverEveryKind(t *testing.T) {
	reg := mustRegistry(t)
	want := []string{"acquisition", "data_description", "instrument", "metadata", "procedures", "processing", "quality_control", "subject"}
	if !reflect.DeepEqual(reg.Kinds(), want) {
		t.Fatalf("unexpected kinds %v", reg.Kinds())
	}
	for _, kind := range reg.Kinds() {
		u, _ := reg.Lookup(kind)
		steps := u.Steps()
		if steps[0].From != u.Oldest().String() || steps[len(steps)-1].To != u.Current().String() {
			t.Fatalf("%s chain does not span oldest..current: %+v", kind, steps)
		}
		for i := 1; i < len(steps); i++ {
			if steps[i-1].To != steps[i].From {
				t.Fatalf("%s chain has a hole at %s", kind, steps[i].Name)
			}
		}
	}
}

func TestResolverRecognisesFixtures(t *testing.T) {
	resolver := entities.Resolver()
	for kind, name := range fixtures {
		got, ok := resolver.Resolve(loadFixture(t, name))
		if !ok || got != kind {
			t.Fatalf("%s resolved as %q (%v)", name, got, ok)
		}
	}
	for name, kind := range map[string]string{
		"acquisition_0.6.20.json": entities.KindAcquisition,
		"instrument_0.10.26.json": entities.KindInstrument,
	} {
		rec := loadFixture(t, name)
		if got, ok := resolver.Resolve(rec); !ok || got != kind {
			t.Fatalf("%s resolved as %q (%v)", name, got, ok)
		}
		upgraded := upgradeAs(t, kind, rec).Record
		if got, ok := resolver.Resolve(upgraded); !ok || got != kind {
			t.Fatalf("upgraded %s resolved as %q (%v)", name, got, ok)
		}
	}
	if _, ok := resolver.Resolve(record.Record{"schema_version": "1.0.0"}); ok {
		t.Fatalf("expected shapeless record to be unresolved")
	}
}

func TestProcessingLegacyEndpoints(t *testing.T) {
	in := loadFixture(t, "processing_0.0.1.json")
	out := upgradeAs(t, entities.KindProcessing, in).Record

	if out["schema_version"] != entities.ProcessingCurrent {
		t.Fatalf("unexpected version %v", out["schema_version"])
	}
	pipeline, ok := out.Map("processing_pipeline")
	if !ok || pipeline["processor_full_name"] != "Unknown" || pipeline["pipeline_version"] != "0.1.0" {
		t.Fatalf("unexpected pipeline %v", pipeline)
	}
	procs, _ := pipeline.List("data_processes")
	first := record.Record(procs[0].(map[string]any))
	if v, ok := record.Lookup(first, "parameters.endpoints.metadata_schemas"); ok {
		t.Fatalf("metadata_schemas survived: %v", v)
	}
	if v, ok := record.Lookup(first, "parameters.jobs.register_to_codeocean"); ok {
		t.Fatalf("register_to_codeocean survived: %v", v)
	}
	endpoints, _ := record.Lookup(first, "parameters.endpoints")
	wantEndpoints := map[string]any{
		"source": "/allen/programs/aind/ecephys_655565",
		"destination": map[string]any{
			"path":   "/scratch/ecephys_655565",
			"bucket": "aind-ephys-data",
			"prefix": "ecephys_655565_2023-04-03_13-34-16",
		},
		"code_repo_location": "https://github.com/AllenNeuralDynamics/aind-data-transfer",
	}
	if !reflect.DeepEqual(endpoints, wantEndpoints) {
		t.Fatalf("endpoints = %v", endpoints)
	}
	origProcs, _ := in.List("data_processes")
	orig := origProcs[0].(map[string]any)
	for _, f := range []string{"start_date_time", "end_date_time", "code_url"} {
		if first[f] != orig[f] {
			t.Fatalf("%s changed: %v -> %v", f, orig[f], first[f])
		}
	}
	if first["software_version"] != "0.1.5" || first.Has("version") {
		t.Fatalf("version not renamed: %v", first)
	}
	other := procs[1].(map[string]any)
	if other["notes"] != "missing notes" {
		t.Fatalf("Other process notes = %v", other["notes"])
	}
	if _, ok := in["processing_pipeline"]; ok {
		t.Fatalf("input record mutated")
	}
}

func TestProceduresGroupedIntoSurgeries(t *testing.T) {
	out := upgradeAs(t, entities.KindProcedures, loadFixture(t, "procedures_0.9.0.json")).Record

	if out["subject_id"] != "655565" {
		t.Fatalf("subject_id = %#v", out["subject_id"])
	}
	surgeries, _ := out.List("subject_procedures")
	if len(surgeries) != 3 {
		t.Fatalf("expected one surgery per start date, got %d", len(surgeries))
	}
	first := record.Record(surgeries[0].(map[string]any))
	if first["start_date"] != "2023-03-01" || first["protocol_id"] != "unknown" || first["notes"] != "Small bleed, resolved" {
		t.Fatalf("unexpected first surgery %v", first)
	}
	if !reflect.DeepEqual(first["experimenters"], []any{"Jane Doe"}) {
		t.Fatalf("experimenters = %v", first["experimenters"])
	}
	procs, _ := first.List("procedures")
	crani := procs[1].(map[string]any)
	if crani["craniotomy_type"] != "5 mm" || crani["bregma_to_lambda_unit"] != "millimeter" {
		t.Fatalf("craniotomy = %v", crani)
	}
	if _, ok := crani["start_date"]; ok {
		t.Fatalf("surgery field left on procedure: %v", crani)
	}

	second := record.Record(surgeries[1].(map[string]any))
	procs, _ = second.List("procedures")
	if len(procs) != 2 {
		t.Fatalf("expected injection plus merged implant, got %d procedures", len(procs))
	}
	nanoject := procs[0].(map[string]any)
	if nanoject["injection_angle_unit"] != "degrees" || !reflect.DeepEqual(nanoject["injection_coordinate_depth"], []any{3.2}) {
		t.Fatalf("nanoject = %v", nanoject)
	}
	materials := nanoject["injection_materials"].([]any)
	if m := materials[0].(map[string]any); m["material_type"] != "Virus" || m["titer"] != 2.3e12 {
		t.Fatalf("material = %v", m)
	}
	fibers := procs[1].(map[string]any)["probes"].([]any)
	if len(fibers) != 2 {
		t.Fatalf("expected same-day implants to merge fibers, got %d", len(fibers))
	}
	if p := fibers[0].(map[string]any); p["core_diameter_unit"] != "um" || p["stereotactic_coordinate_ap"] != -1.5 {
		t.Fatalf("fiber = %v", p)
	}
	if second["protocol_id"] != "dx.doi.org/10.17504/protocols.io.bgpujvnw" {
		t.Fatalf("second surgery protocol = %v", second["protocol_id"])
	}

	third := record.Record(surgeries[2].(map[string]any))
	perf := third["procedures"].([]any)[0].(map[string]any)
	if !reflect.DeepEqual(perf["output_specimen_ids"], []any{"655565", "655566"}) {
		t.Fatalf("specimen ids = %v", perf["output_specimen_ids"])
	}
	if third["animal_weight_prior"] != nil || !third.Has("animal_weight_prior") {
		t.Fatalf("expected explicit null surgery weight, got %v", third)
	}
}

func TestProceduresAngleUnitDefault(t *testing.T) {
	in := record.Record{
		"schema_version": "0.10.0",
		"subject_id":     "1",
		"subject_procedures": []any{map[string]any{
			"procedure_type":      "Nanoject injection",
			"start_date":          "2023-05-01",
			"injection_angle":     10.0,
			"injection_materials": []any{},
		}},
		"specimen_procedures": []any{},
	}
	out := upgradeAs(t, entities.KindProcedures, in).Record
	surgery := out["subject_procedures"].([]any)[0].(map[string]any)
	inj := surgery["procedures"].([]any)[0].(map[string]any)
	if inj["injection_angle_unit"] != "degrees" {
		t.Fatalf("injection_angle_unit = %v", inj["injection_angle_unit"])
	}
}

func TestProceduresUnknownVariant(t *testing.T) {
	in := loadFixture(t, "procedures_0.9.0.json")
	procs, _ := in.List("subject_procedures")
	procs[2].(map[string]any)["procedure_type"] = "Laser ablation"
	u, _ := mustRegistry(t).Lookup(entities.KindProcedures)
	_, err := u.Upgrade(in)
	if !errors.Is(err, upgrade.ErrUnrecognizedEntity) {
		t.Fatalf("expected unrecognized entity, got %v", err)
	}
	if f, _ := upgrade.AsFailure(err); f.Path != "subject_procedures[2]" || f.Step != "normalize-procedure-variants" {
		t.Fatalf("unexpected failure %+v", f)
	}
}

func TestEmptyVersionMarker(t *testing.T) {
	in := loadFixture(t, "procedures_0.9.0.json")
	in["schema_version"] = ""
	u, _ := mustRegistry(t).Lookup(entities.KindProcedures)
	_, err := u.Upgrade(in)
	f, ok := upgrade.AsFailure(err)
	if !ok || f.Kind != upgrade.KindUnsupportedVersion || f.Entity != entities.KindProcedures || f.Version != `""` {
		t.Fatalf("unexpected failure %+v", err)
	}
}

func TestSubjectHousing(t *testing.T) {
	out := upgradeAs(t, entities.KindSubject, loadFixture(t, "subject_0.2.0.json")).Record
	want := map[string]any{
		"light_cycle":          map[string]any{"lights_on_time": "07:00", "lights_off_time": "19:00"},
		"home_cage_enrichment": []any{"Running wheel"},
		"cage_id":              "C12",
	}
	if !reflect.DeepEqual(out["housing"], want) {
		t.Fatalf("housing = %v", out["housing"])
	}
	if out["sex"] != "Female" || out["date_of_birth"] != "2022-05-01" || out["subject_id"] != "632269" {
		t.Fatalf("unexpected subject %v", out)
	}
	if !reflect.DeepEqual(out["species"], map[string]any{"name": "Mus musculus"}) {
		t.Fatalf("species = %v", out["species"])
	}
}

func TestDataDescriptionNormalised(t *testing.T) {
	out := upgradeAs(t, entities.KindDataDescription, loadFixture(t, "data_description_0.3.0.json")).Record
	checks := map[string]any{
		"creation_time":  "2023-04-03T13:34:16",
		"data_level":     "raw",
		"institution":    map[string]any{"abbreviation": "AIND"},
		"platform":       map[string]any{"abbreviation": "ecephys"},
		"modality":       []any{map[string]any{"abbreviation": "ecephys"}},
		"investigators":  []any{map[string]any{"name": "Jane Doe"}},
		"funding_source": []any{map[string]any{"funder": map[string]any{"abbreviation": "AI"}}},
	}
	for field, want := range checks {
		if !reflect.DeepEqual(out[field], want) {
			t.Fatalf("%s = %v want %v", field, out[field], want)
		}
	}
	if out.Has("creation_date") || out.Has("experiment_type") {
		t.Fatalf("legacy fields survived: %v", out)
	}
}

func TestDataDescriptionCreationTimeFromName(t *testing.T) {
	in := loadFixture(t, "data_description_0.3.0.json")
	delete(in, "creation_date")
	delete(in, "creation_time")
	out := upgradeAs(t, entities.KindDataDescription, in).Record
	if out["creation_time"] != "2023-04-03T13:34:16" {
		t.Fatalf("creation_time = %v", out["creation_time"])
	}
}

func TestQualityControlCuration(t *testing.T) {
	out := upgradeAs(t, entities.KindQualityControl, loadFixture(t, "quality_control_1.0.0.json")).Record
	if out["object_type"] != "Quality control" {
		t.Fatalf("object_type = %v", out["object_type"])
	}
	eval := out["evaluations"].([]any)[0].(map[string]any)
	if eval["object_type"] != "QC evaluation" || eval["stage"] != "Raw data" {
		t.Fatalf("evaluation = %v", eval)
	}
	metrics := eval["metrics"].([]any)
	if m := metrics[0].(map[string]any); m["object_type"] != "QC metric" {
		t.Fatalf("metric = %v", m)
	}
	// A payload typed "curation" wins over a declared "QC metric".
	cur := metrics[1].(map[string]any)
	if cur["object_type"] != "Curation metric" || cur["type"] != "unknown" {
		t.Fatalf("curation metric = %v", cur)
	}
	if !reflect.DeepEqual(cur["value"], []any{map[string]any{"channel": 1.0, "keep": true}}) {
		t.Fatalf("curation value = %v", cur["value"])
	}
	history := []any{map[string]any{"curator": "Jane Doe", "timestamp": "2023-04-05T00:00:00"}}
	if !reflect.DeepEqual(cur["curation_history"], history) {
		t.Fatalf("curation history = %v", cur["curation_history"])
	}
	bare := metrics[2].(map[string]any)
	if bare["object_type"] != "Curation metric" || !reflect.DeepEqual(bare["curation_history"], []any{}) {
		t.Fatalf("metric without history = %v", bare)
	}
	if !reflect.DeepEqual(bare["evaluated_assets"], []any{}) {
		t.Fatalf("evaluated assets = %v", bare["evaluated_assets"])
	}
}

func metadataFixture(t *testing.T) record.Record {
	return record.Record{
		"id":               "b1c0d3f6-0000-4000-8000-000000000001",
		"name":             "ecephys_655565_2023-04-03_13-34-16",
		"location":         "s3://aind-ephys-data/ecephys_655565_2023-04-03_13-34-16",
		"created":          "2023-04-05T00:00:00",
		"last_modified":    "2023-04-06T00:00:00",
		"schema_version":   "1.0.0",
		"external_links":   map[string]any{"Code Ocean": []any{"4d5e"}},
		"subject":          map[string]any(loadFixture(t, "subject_0.2.0.json")),
		"procedures":       map[string]any(loadFixture(t, "procedures_0.9.0.json")),
		"processing":       map[string]any(loadFixture(t, "processing_0.0.1.json")),
		"data_description": map[string]any(loadFixture(t, "data_description_0.3.0.json")),
		"quality_control":  nil,
		"session":          map[string]any(loadFixture(t, "session_0.3.4.json")),
		"rig":              map[string]any(loadFixture(t, "rig_0.5.4.json")),
	}
}

func TestMetadataUpgradesEmbeddedDocuments(t *testing.T) {
	out := upgradeAs(t, entities.KindMetadata, metadataFixture(t)).Record
	for _, f := range []string{"id", "created", "last_modified", "external_links"} {
		if out.Has(f) {
			t.Fatalf("%s survived", f)
		}
	}
	if !reflect.DeepEqual(out["other_identifiers"], map[string]any{"Code Ocean": []any{"4d5e"}}) {
		t.Fatalf("other_identifiers = %v", out["other_identifiers"])
	}
	subject, _ := out.Map("subject")
	if subject["schema_version"] != entities.SubjectCurrent {
		t.Fatalf("embedded subject not upgraded: %v", subject["schema_version"])
	}
	if out.Has("session") || out.Has("rig") {
		t.Fatalf("session or rig left beside their replacements: %v", out.Keys())
	}
	acq, _ := out.Map("acquisition")
	if acq["schema_version"] != entities.AcquisitionCurrent || acq["instrument_id"] != "323_EPHYS1_2024-01-01" {
		t.Fatalf("embedded session not upgraded: %v", acq)
	}
	inst, _ := out.Map("instrument")
	if inst["schema_version"] != entities.InstrumentCurrent || inst["instrument_id"] != "EPHYS1" {
		t.Fatalf("embedded rig not upgraded: %v", inst)
	}
}

func TestMetadataKeepsRigBesideInstrument(t *testing.T) {
	in := metadataFixture(t)
	in["instrument"] = map[string]any(loadFixture(t, "instrument_0.10.26.json"))
	rig := in["rig"]
	out := upgradeAs(t, entities.KindMetadata, in).Record
	if !reflect.DeepEqual(out["rig"], rig) {
		t.Fatalf("rig changed although an instrument is present: %v", out["rig"])
	}
	inst, _ := out.Map("instrument")
	if inst["instrument_id"] != "exaSPIM1" {
		t.Fatalf("instrument = %v", inst)
	}
}

func TestUpgradesAreIdempotent(t *testing.T) {
	reg := mustRegistry(t)
	inputs := map[string]record.Record{entities.KindMetadata: metadataFixture(t)}
	for kind, name := range fixtures {
		inputs[kind] = loadFixture(t, name)
	}
	for kind, in := range inputs {
		u, _ := reg.Lookup(kind)
		once, err := u.Upgrade(in)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		twice, err := u.Upgrade(once.Record)
		if err != nil {
			t.Fatalf("%s second pass: %v", kind, err)
		}
		if !reflect.DeepEqual(once.Record, twice.Record) {
			t.Fatalf("%s: second upgrade changed the record", kind)
		}
	}
}

func TestUpgradedFixturesValidate(t *testing.T) {
	v := validation.NewSchemaValidator()
	inputs := map[string]record.Record{entities.KindMetadata: metadataFixture(t)}
	for kind, name := range fixtures {
		inputs[kind] = loadFixture(t, name)
	}
	for kind, in := range inputs {
		out := upgradeAs(t, kind, in).Record
		if vs := v.Validate(out, kind); len(vs) > 0 {
			t.Fatalf("%s: upgraded record invalid: %+v", kind, vs)
		}
		if vs := v.Validate(in, kind); len(vs) == 0 {
			t.Fatalf("%s: legacy record unexpectedly valid", kind)
		}
	}
}

func TestSessionBecomesAcquisition(t *testing.T) {
	out := upgradeAs(t, entities.KindAcquisition, loadFixture(t, "session_0.3.4.json")).Record
	checks := map[string]any{
		"object_type":            "Acquisition",
		"acquisition_type":       "Receptive field mapping",
		"instrument_id":          "323_EPHYS1_2024-01-01",
		"acquisition_start_time": "2023-04-03T13:30:00-07:00",
		"acquisition_end_time":   "2023-04-03T14:40:16-07:00",
		"experimenters":          []any{"Jane Doe"},
		"protocol_id":            []any{"dx.doi.org/10.17504/protocols.io.bgpujvnw"},
		"ethics_review_id":       []any{"2109"},
		"subject_details": map[string]any{
			"animal_weight_prior": 21.2,
			"animal_weight_post":  21.0,
			"weight_unit":         "gram",
			"mouse_platform_name": "Running disc",
		},
	}
	for field, want := range checks {
		if !reflect.DeepEqual(out[field], want) {
			t.Fatalf("%s = %v want %v", field, out[field], want)
		}
	}
	wantNotes := "Good session" +
		" (upgrade) acquisition start time moved from 2023-04-03T13:34:16-07:00 to 2023-04-03T13:30:00-07:00" +
		" (upgrade) acquisition end time moved from 2023-04-03T14:34:16-07:00 to 2023-04-03T14:40:16-07:00"
	if out["notes"] != wantNotes {
		t.Fatalf("notes = %q", out["notes"])
	}
	for _, f := range []string{"session_start_time", "rig_id", "experimenter_full_name", "iacuc_protocol", "session_type", "animal_weight_prior"} {
		if out.Has(f) {
			t.Fatalf("%s survived", f)
		}
	}
}

func TestImagingAcquisitionTiles(t *testing.T) {
	out := upgradeAs(t, entities.KindAcquisition, loadFixture(t, "acquisition_0.6.20.json")).Record
	// The inverted window is swapped and read as Pacific standard time.
	if out["acquisition_start_time"] != "2024-02-10T10:00:00-08:00" || out["acquisition_end_time"] != "2024-02-10T18:00:00-08:00" {
		t.Fatalf("window = %v..%v", out["acquisition_start_time"], out["acquisition_end_time"])
	}
	if out["specimen_id"] != "706301_001" || out["acquisition_type"] != "Imaging session" {
		t.Fatalf("unexpected acquisition %v", out)
	}
	if !reflect.DeepEqual(out["subject_details"], map[string]any{"mouse_platform_name": "N/A"}) {
		t.Fatalf("subject_details = %v", out["subject_details"])
	}
	streams, _ := out.List("data_streams")
	if len(streams) != 1 {
		t.Fatalf("expected one stream from the tiles, got %d", len(streams))
	}
	stream := streams[0].(map[string]any)
	if stream["stream_start_time"] != "2024-02-10T10:05:00-08:00" || stream["stream_end_time"] != "2024-02-10T17:30:00-08:00" {
		t.Fatalf("stream window = %v..%v", stream["stream_start_time"], stream["stream_end_time"])
	}
	wantDevices := []any{"Camera 1", "Filter 525", "Filter 600", "Laser 488", "Laser 561", "Objective 1"}
	if !reflect.DeepEqual(stream["active_devices"], wantDevices) {
		t.Fatalf("active devices = %v", stream["active_devices"])
	}
	if stream["notes"] != "tile 0" || !reflect.DeepEqual(stream["modalities"], []any{map[string]any{"abbreviation": "SPIM"}}) {
		t.Fatalf("stream = %v", stream)
	}
	for _, f := range []string{"tiles", "active_objectives", "axes", "software", "chamber_immersion", "local_storage_directory"} {
		if out.Has(f) {
			t.Fatalf("%s survived", f)
		}
	}
	if !reflect.DeepEqual(out["calibrations"], []any{}) {
		t.Fatalf("calibrations = %v", out["calibrations"])
	}
}

func TestRigBecomesInstrument(t *testing.T) {
	out := upgradeAs(t, entities.KindInstrument, loadFixture(t, "rig_0.5.4.json")).Record
	if out["instrument_id"] != "EPHYS1" || out["location"] != "323" || out["object_type"] != "Instrument" {
		t.Fatalf("unexpected instrument %v", out)
	}
	cs, _ := out.Map("coordinate_system")
	if cs["name"] != "BREGMA_ALS" {
		t.Fatalf("coordinate system = %v", cs)
	}
	components, _ := out.List("components")
	var got []string
	for _, c := range components {
		m := c.(map[string]any)
		got = append(got, m["object_type"].(string)+"/"+m["name"].(string))
	}
	want := []string{"Disc/Running disc", "Camera assembly/Face camera", "Monitor/Stimulus screen", "Harp device/Behavior board", "Photodiode/Photodiode 1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("components = %v", got)
	}
	if c := components[0].(map[string]any); c["radius"] != 8.5 || c["device_type"] != nil {
		t.Fatalf("mouse platform = %v", c)
	}
	for _, f := range []string{"rig_id", "origin", "rig_axes", "mouse_platform", "cameras", "daqs", "com_ports"} {
		if out.Has(f) {
			t.Fatalf("%s survived", f)
		}
	}
}

func TestImagingInstrument(t *testing.T) {
	out := upgradeAs(t, entities.KindInstrument, loadFixture(t, "instrument_0.10.26.json")).Record
	if out["instrument_id"] != "exaSPIM1" || out["location"] != nil {
		t.Fatalf("unexpected id %v at %v", out["instrument_id"], out["location"])
	}
	if !reflect.DeepEqual(out["modalities"], []any{map[string]any{"abbreviation": "SPIM"}}) {
		t.Fatalf("modalities = %v", out["modalities"])
	}
	if cs, _ := out.Map("coordinate_system"); cs["name"] != "BREGMA_ARI" {
		t.Fatalf("coordinate system = %v", cs)
	}
	cals, _ := out.List("calibrations")
	if len(cals) != 1 {
		t.Fatalf("calibrations = %v", cals)
	}
	if cal := cals[0].(map[string]any); cal["notes"] != "//allen/aind/calibrations/exaspim1.json" || cal["device_name"] != "exaSPIM1" || cal["calibration_date"] != "2024-01-15" {
		t.Fatalf("calibration = %v", cal)
	}
	components, _ := out.List("components")
	if len(components) != 3 {
		t.Fatalf("components = %v", components)
	}
	if d := components[1].(map[string]any); d["object_type"] != "Detector" || d["name"] != "Detector 1" {
		t.Fatalf("unnamed detector = %v", d)
	}
	if out.Has("optical_tables") || out.Has("instrument_type") || out.Has("calibration_data") {
		t.Fatalf("legacy fields survived: %v", out.Keys())
	}
}

func TestRenamedKindFailures(t *testing.T) {
	cases := []struct {
		name    string
		kind    string
		fixture string
		edit    func(record.Record)
		want    upgrade.Kind
		path    string
	}{
		{"instrument type Other", entities.KindInstrument, "instrument_0.10.26.json",
			func(r record.Record) { r["instrument_type"] = "Other" }, upgrade.KindUnrecognizedEntity, "instrument_type"},
		{"no instrument type", entities.KindInstrument, "instrument_0.10.26.json",
			func(r record.Record) { delete(r, "instrument_type") }, upgrade.KindMissingRequiredField, "instrument_type"},
		{"unreadable rig axes", entities.KindInstrument, "rig_0.5.4.json",
			func(r record.Record) { r["origin"] = "Lambda" }, upgrade.KindUnrecognizedEntity, "rig_axes"},
		{"no modification date", entities.KindInstrument, "rig_0.5.4.json",
			func(r record.Record) { delete(r, "modification_date") }, upgrade.KindMissingRequiredField, "modification_date"},
		{"no session start", entities.KindAcquisition, "session_0.3.4.json",
			func(r record.Record) { r["session_start_time"] = nil }, upgrade.KindMissingRequiredField, "acquisition_start_time"},
		{"unparseable session end", entities.KindAcquisition, "session_0.3.4.json",
			func(r record.Record) { r["session_end_time"] = "yesterday" }, upgrade.KindMissingRequiredField, "acquisition_end_time"},
	}
	reg := mustRegistry(t)
	for _, tc := range cases {
		in := loadFixture(t, tc.fixture)
		tc.edit(in)
		u, _ := reg.Lookup(tc.kind)
		_, err := u.Upgrade(in)
		f, ok := upgrade.AsFailure(err)
		if !ok || f.Kind != tc.want || f.Path != tc.path {
			t.Fatalf("%s: unexpected failure %v", tc.name, err)
		}
	}
}

func decodeRecord(t *testing.T, raw string) record.Record {
	t.Helper()
	var rec record.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return rec
}

func atVersion(rec record.Record, version string) record.Record {
	rec["schema_version"] = version
	return rec
}

// TestUpgradeFromEveryStep starts records at the lower bound of every step
// (and at versions inside a step) and checks the result against the
// current schema.
func TestUpgradeFromEveryStep(t *testing.T) {
	cases := []struct {
		kind    string
		version string
		rec     record.Record
		check   func(out record.Record) bool
	}{
		{entities.KindProcessing, "0.0.1", loadFixture(t, "processing_0.0.1.json"), nil},
		{entities.KindProcessing, "0.1.0", decodeRecord(t, `{
			"schema_version": "0.1.0", "pipeline_version": "0.2.0",
			"data_processes": [
				{"name": "Ephys preprocessing", "software_version": "0.1.5", "start_date_time": "2023-04-03T13:34:16",
				 "end_date_time": "2023-04-03T14:00:00", "input_location": "/in", "output_location": "/out",
				 "code_url": "https://github.com/AllenNeuralDynamics/aind-ephys-pipeline",
				 "parameters": {"endpoints": {"source": "/in", "destination": {"path": "/out"}}}},
				{"name": "Other", "start_date_time": "2023-04-03T14:00:00", "end_date_time": "2023-04-03T14:10:00",
				 "code_url": "https://example.org/qc", "parameters": {}}
			]}`), func(out record.Record) bool {
			other, _ := record.Lookup(out, "processing_pipeline.data_processes")
			return other.([]any)[1].(map[string]any)["notes"] == "missing notes"
		}},
		{entities.KindProcessing, "0.2.0", decodeRecord(t, `{
			"schema_version": "0.2.0", "pipeline_url": "https://example.org/pipeline", "processor_full_name": "Jane Doe",
			"data_processes": [
				{"name": "Spike sorting", "software_version": "1.0", "start_date_time": "2023-04-03T13:34:16",
				 "end_date_time": "2023-04-03T14:00:00", "code_url": "https://example.org/sorter",
				 "parameters": {}, "outputs": {"units": 120}}
			]}`), func(out record.Record) bool {
			name, _ := record.Lookup(out, "processing_pipeline.processor_full_name")
			return name == "Jane Doe"
		}},
		{entities.KindProcessing, "0.3.0", decodeRecord(t, `{
			"schema_version": "0.3.0",
			"processing_pipeline": {"processor_full_name": "Jane Doe", "data_processes": [
				{"name": "Spike sorting", "software_version": "1.0", "start_date_time": "2023-04-03T13:34:16",
				 "end_date_time": "2023-04-03T14:00:00", "code_url": "https://example.org/sorter"}
			]}}`), func(out record.Record) bool {
			analyses, _ := out.List("analyses")
			return analyses != nil && len(analyses) == 0
		}},

		{entities.KindSubject, "0.2.0", loadFixture(t, "subject_0.2.0.json"), nil},
		{entities.KindSubject, "0.3.0", decodeRecord(t, `{
			"schema_version": "0.3.0", "subject_id": "632269", "sex": "Female", "date_of_birth": "2022-05-01",
			"genotype": "wt/wt", "species": {"name": "Mus musculus"},
			"lights_on_time": "07:00", "lights_off_time": "19:00", "home_cage_enrichment": "Running wheel",
			"cage_number": "C12", "mgi_allele_ids": [{"mgi_id": "MGI:1"}]}`), func(out record.Record) bool {
			cage, _ := record.Lookup(out, "housing.cage_id")
			return cage == "C12" && !out.Has("mgi_allele_ids")
		}},
		{entities.KindSubject, "0.4.0", decodeRecord(t, `{
			"schema_version": "0.4.0", "subject_id": "632269", "sex": "Female", "date_of_birth": "2022-05-01T00:00:00",
			"species": {"name": "Mus musculus"},
			"housing": {"light_cycle": {"lights_on_time": "07:00", "lights_off_time": "19:00"}, "cage_id": "C12"}}`),
			func(out record.Record) bool { return out["date_of_birth"] == "2022-05-01" }},

		{entities.KindProcedures, "0.6.0", atVersion(loadFixture(t, "procedures_0.9.0.json"), "0.6.0"), nil},
		{entities.KindProcedures, "0.9.7", decodeRecord(t, `{
			"schema_version": "0.9.7", "subject_id": 655565, "specimen_procedures": [],
			"subject_procedures": [
				{"procedure_type": "Nanoject injection", "start_date": "2023-03-15", "experimenter_full_name": "John Smith",
				 "injection_coordinate_ap": "-1.5", "injection_coordinate_ml": "2.0", "injection_coordinate_depth": "3.2",
				 "injection_angle": 0, "injection_volume": [50], "injection_materials": [{"name": "AAV", "titer": "2.3e12"}]}
			]}`), func(out record.Record) bool {
			inj, _ := record.Lookup(out, "subject_procedures")
			proc := inj.([]any)[0].(map[string]any)["procedures"].([]any)[0].(map[string]any)
			return proc["injection_angle_unit"] == "degrees" && proc["bregma_to_lambda_unit"] == "millimeter"
		}},
		{entities.KindProcedures, "0.10.0", decodeRecord(t, `{
			"schema_version": "0.10.0", "subject_id": "655565", "specimen_procedures": [],
			"subject_procedures": [
				{"procedure_type": "Nanoject injection", "start_date": "2023-03-15", "experimenter_full_name": "John Smith",
				 "injection_coordinate_depth": [3.2], "injection_angle": 10, "injection_volume": [50],
				 "protocol_id": "dx.doi.org/10.17504/protocols.io.bgpujvnw",
				 "injection_materials": [{"material_type": "Virus", "name": "AAV", "titer": 2.3e12}]}
			]}`), nil},
		{entities.KindProcedures, "0.10.3", decodeRecord(t, `{
			"schema_version": "0.10.3", "subject_id": "655565", "specimen_procedures": [],
			"subject_procedures": [
				{"procedure_type": "Headframe", "start_date": "2023-03-01", "experimenter_full_name": "Jane Doe",
				 "headframe_type": "WHC NP", "headframe_part_number": "0160-100-10"}
			]}`), func(out record.Record) bool {
			s, _ := record.Lookup(out, "subject_procedures")
			surgery := s.([]any)[0].(map[string]any)
			return surgery["protocol_id"] == "unknown" && surgery["weight_unit"] == "gram"
		}},
		{entities.KindProcedures, "0.11.0", decodeRecord(t, `{
			"schema_version": "0.11.0", "subject_id": "655565", "specimen_procedures": [],
			"subject_procedures": [
				{"procedure_type": "Perfusion", "start_date": "2023-04-01", "experimenter_full_name": "Jane Doe",
				 "protocol_id": "dx.doi.org/10.17504/protocols.io.bg5vjy66", "weight_unit": "gram",
				 "output_specimen_ids": ["655565"]}
			]}`), nil},
		{entities.KindProcedures, "0.12.0", decodeRecord(t, `{
			"schema_version": "0.12.0", "subject_id": 655565, "specimen_procedures": [],
			"subject_procedures": [
				{"procedure_type": "Surgery", "start_date": "2023-03-01", "experimenter_full_name": "Jane Doe",
				 "protocol_id": "unknown",
				 "procedures": [{"procedure_type": "Craniotomy", "craniotomy_type": "5 mm", "bregma_to_lambda_unit": "millimeter"}]},
				{"procedure_type": "Water restriction", "experimenter_full_name": "Jane Doe"}
			]}`), func(out record.Record) bool {
			s, _ := record.Lookup(out, "subject_procedures")
			water := s.([]any)[1].(map[string]any)
			return out["subject_id"] == "655565" && reflect.DeepEqual(water["experimenters"], []any{"Jane Doe"})
		}},

		{entities.KindDataDescription, "0.3.0", loadFixture(t, "data_description_0.3.0.json"), nil},
		{entities.KindDataDescription, "0.6.0", decodeRecord(t, `{
			"schema_version": "0.6.0", "name": "ecephys_655565_2023-04-03_13-34-16", "creation_time": "2023-04-03T13:34:16",
			"institution": "Allen Institute for Neural Dynamics", "funding_source": "Allen Institute",
			"data_level": "raw level", "investigators": ["Jane Doe"], "modality": "ecephys", "subject_id": "655565"}`),
			func(out record.Record) bool {
				return reflect.DeepEqual(out["platform"], map[string]any{"abbreviation": "ecephys"})
			}},
		{entities.KindDataDescription, "0.8.0", decodeRecord(t, `{
			"schema_version": "0.8.0", "name": "SmartSPIM_706301_2024-02-10_10-00-00", "creation_time": "2024-02-10T10:00:00",
			"institution": "AIND", "funding_source": [{"funder": "AIND", "grant_number": "1"}],
			"data_level": "derived data", "investigators": "John Smith",
			"modality": [{"abbreviation": "SPIM"}], "platform": "SmartSPIM", "subject_id": "706301"}`),
			func(out record.Record) bool { return out["data_level"] == "derived" }},

		{entities.KindQualityControl, "1.0.0", loadFixture(t, "quality_control_1.0.0.json"), nil},
		{entities.KindAcquisition, "0.0.1", atVersion(loadFixture(t, "session_0.3.4.json"), "0.0.1"), nil},
		{entities.KindAcquisition, "0.6.20", loadFixture(t, "acquisition_0.6.20.json"), nil},
		{entities.KindInstrument, "0.0.1", atVersion(loadFixture(t, "rig_0.5.4.json"), "0.0.1"), nil},
		{entities.KindInstrument, "0.10.26", loadFixture(t, "instrument_0.10.26.json"), nil},
		{entities.KindMetadata, "1.0.0", metadataFixture(t), nil},
	}

	reg := mustRegistry(t)
	v := validation.NewSchemaValidator()
	covered := map[string]bool{}
	for _, tc := range cases {
		name := tc.kind + "@" + tc.version
		covered[name] = true
		u, _ := reg.Lookup(tc.kind)
		out, err := u.Upgrade(tc.rec)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if out.From.String() != tc.version || out.To != u.Current() {
			t.Fatalf("%s: upgraded %s to %s", name, out.From, out.To)
		}
		start := upgrade.MustParseVersion(tc.version)
		want := 0
		for _, s := range u.Steps() {
			if upgrade.MustParseVersion(s.To).Compare(start) > 0 {
				want++
			}
		}
		if len(out.Applied) != want {
			t.Fatalf("%s: applied %v, want %d steps", name, out.Applied, want)
		}
		if vs := v.Validate(out.Record, tc.kind); len(vs) > 0 {
			t.Fatalf("%s: upgraded record invalid: %+v", name, vs)
		}
		if tc.check != nil && !tc.check(out.Record) {
			t.Fatalf("%s: unexpected record %v", name, out.Record)
		}
	}
	for _, kind := range reg.Kinds() {
		u, _ := reg.Lookup(kind)
		for _, s := range u.Steps() {
			if !covered[kind+"@"+s.From] {
				t.Fatalf("no case starts at %s@%s (step %s)", kind, s.From, s.Name)
			}
		}
	}
}
