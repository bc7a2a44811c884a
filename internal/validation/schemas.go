package validation

// Typed views of the current schema of each entity kind. Only the fields the
// upgrade chains produce or normalise are typed; everything else decodes
// loosely.

type processingDoc struct {
	SchemaVersion      string              `json:"schema_version" validate:"required,semver"`
	ProcessingPipeline *processingPipeline `json:"processing_pipeline" validate:"required"`
	Analyses           []dataProcess       `json:"analyses" validate:"dive"`
	Notes              *string             `json:"notes"`
}

type processingPipeline struct {
	DataProcesses     []dataProcess `json:"data_processes" validate:"dive"`
	ProcessorFullName string        `json:"processor_full_name" validate:"required"`
	PipelineVersion   *string       `json:"pipeline_version"`
	PipelineURL       *string       `json:"pipeline_url"`
}

type dataProcess struct {
	Name            string         `json:"name" validate:"required"`
	SoftwareVersion *string        `json:"software_version"`
	StartDateTime   string         `json:"start_date_time" validate:"required,isodatetime"`
	EndDateTime     string         `json:"end_date_time" validate:"required,isodatetime"`
	InputLocation   string         `json:"input_location"`
	OutputLocation  string         `json:"output_location"`
	CodeURL         string         `json:"code_url" validate:"required"`
	Parameters      map[string]any `json:"parameters" validate:"required"`
	Outputs         map[string]any `json:"outputs" validate:"required"`
	Notes           *string        `json:"notes" validate:"required_if=Name Other"`
}

type proceduresDoc struct {
	SchemaVersion      string           `json:"schema_version" validate:"required,semver"`
	SubjectID          string           `json:"subject_id" validate:"required"`
	SubjectProcedures  []map[string]any `json:"subject_procedures" validate:"required"`
	SpecimenProcedures []map[string]any `json:"specimen_procedures" validate:"required"`
	Notes              *string          `json:"notes"`
}

type surgery struct {
	ProcedureType     string           `json:"procedure_type" validate:"eq=Surgery"`
	StartDate         *string          `json:"start_date" validate:"omitempty,isodate"`
	Experimenters     []string         `json:"experimenters" validate:"required"`
	IacucProtocol     *string          `json:"iacuc_protocol"`
	AnimalWeightPrior *float64         `json:"animal_weight_prior"`
	AnimalWeightPost  *float64         `json:"animal_weight_post"`
	WeightUnit        *string          `json:"weight_unit"`
	Anaesthesia       map[string]any   `json:"anaesthesia"`
	WorkstationID     *string          `json:"workstation_id"`
	ProtocolID        string           `json:"protocol_id" validate:"required"`
	Notes             *string          `json:"notes"`
	Procedures        []map[string]any `json:"procedures" validate:"required"`
}

type subjectProcedure struct {
	ProcedureType string   `json:"procedure_type" validate:"required"`
	Experimenters []string `json:"experimenters" validate:"required"`
}

type craniotomy struct {
	CraniotomyType     *string `json:"craniotomy_type"`
	BregmaToLambdaUnit *string `json:"bregma_to_lambda_unit"`
}

type fiberImplant struct {
	Fibers []fiber `json:"probes" validate:"required,dive"`
}

type fiber struct {
	Name                     any      `json:"name"`
	StereotacticCoordinateAP *float64 `json:"stereotactic_coordinate_ap"`
	StereotacticCoordinateML *float64 `json:"stereotactic_coordinate_ml"`
	StereotacticCoordinateDV *float64 `json:"stereotactic_coordinate_dv"`
	Angle                    *float64 `json:"angle"`
	CoreDiameter             *float64 `json:"core_diameter"`
	CoreDiameterUnit         *string  `json:"core_diameter_unit" validate:"omitempty,ne=μm"`
}

type headframe struct {
	HeadframeType       string `json:"headframe_type" validate:"required"`
	HeadframePartNumber string `json:"headframe_part_number" validate:"required"`
}

type nanojectInjection struct {
	InjectionCoordinateAP    *float64            `json:"injection_coordinate_ap"`
	InjectionCoordinateML    *float64            `json:"injection_coordinate_ml"`
	InjectionCoordinateDepth []float64           `json:"injection_coordinate_depth"`
	InjectionAngle           *float64            `json:"injection_angle"`
	InjectionAngleUnit       string              `json:"injection_angle_unit" validate:"required"`
	BregmaToLambdaUnit       string              `json:"bregma_to_lambda_unit" validate:"required"`
	InjectionVolume          []float64           `json:"injection_volume"`
	InjectionVolumeUnit      string              `json:"injection_volume_unit" validate:"required"`
	InjectionMaterials       []injectionMaterial `json:"injection_materials" validate:"required,dive"`
}

type retroOrbitalInjection struct {
	InjectionVolume     *float64            `json:"injection_volume"`
	InjectionVolumeUnit string              `json:"injection_volume_unit" validate:"required"`
	InjectionMaterials  []injectionMaterial `json:"injection_materials" validate:"required,dive"`
}

type injectionMaterial struct {
	MaterialType  string   `json:"material_type" validate:"required,oneof=Virus Reagent"`
	Name          string   `json:"name" validate:"required"`
	Titer         *float64 `json:"titer"`
	Concentration *float64 `json:"concentration"`
}

type perfusion struct {
	OutputSpecimenIDs []string `json:"output_specimen_ids"`
}

type subjectDoc struct {
	SchemaVersion   string           `json:"schema_version" validate:"required,semver"`
	SubjectID       string           `json:"subject_id" validate:"required"`
	Sex             string           `json:"sex" validate:"required,oneof=Male Female"`
	DateOfBirth     string           `json:"date_of_birth" validate:"required,isodate"`
	Genotype        *string          `json:"genotype"`
	Species         *species         `json:"species" validate:"required"`
	Alleles         []map[string]any `json:"alleles" validate:"required"`
	Housing         *housing         `json:"housing"`
	BreedingInfo    map[string]any   `json:"breeding_info"`
	WellnessReports []map[string]any `json:"wellness_reports" validate:"required"`
	Notes           *string          `json:"notes"`
}

type species struct {
	Name string `json:"name" validate:"required"`
}

type housing struct {
	LightCycle         *lightCycle `json:"light_cycle"`
	HomeCageEnrichment []string    `json:"home_cage_enrichment"`
	CageID             *string     `json:"cage_id"`
}

type lightCycle struct {
	LightsOnTime  string `json:"lights_on_time" validate:"required"`
	LightsOffTime string `json:"lights_off_time" validate:"required"`
}

type dataDescriptionDoc struct {
	SchemaVersion string           `json:"schema_version" validate:"required,semver"`
	Name          *string          `json:"name"`
	CreationTime  string           `json:"creation_time" validate:"required,isodatetime"`
	Institution   *organization    `json:"institution" validate:"required"`
	FundingSource []funding        `json:"funding_source" validate:"required,dive"`
	DataLevel     string           `json:"data_level" validate:"required,oneof=raw derived"`
	Investigators []person         `json:"investigators" validate:"required,dive"`
	Modality      []organization   `json:"modality" validate:"required,min=1,dive"`
	Platform      *organization    `json:"platform" validate:"required"`
	SubjectID     string           `json:"subject_id" validate:"required"`
	RelatedData   []map[string]any `json:"related_data"`
	Restrictions  *string          `json:"restrictions"`
	Group         *string          `json:"group"`
	ProjectName   *string          `json:"project_name"`
}

type organization struct {
	Abbreviation string  `json:"abbreviation" validate:"required"`
	Name         *string `json:"name"`
}

type funding struct {
	Funder      *organization `json:"funder" validate:"required"`
	GrantNumber *string       `json:"grant_number"`
}

type person struct {
	Name string `json:"name" validate:"required"`
}

type qualityControlDoc struct {
	SchemaVersion string       `json:"schema_version" validate:"required,semver"`
	ObjectType    string       `json:"object_type" validate:"eq=Quality control"`
	Evaluations   []evaluation `json:"evaluations" validate:"required,dive"`
	Notes         *string      `json:"notes"`
}

type evaluation struct {
	ObjectType  string   `json:"object_type" validate:"eq=QC evaluation"`
	Name        string   `json:"name" validate:"required"`
	Modality    any      `json:"modality" validate:"required"`
	Stage       string   `json:"stage" validate:"required"`
	Metrics     []metric `json:"metrics" validate:"required,dive"`
	Description *string  `json:"description"`
}

type metric struct {
	ObjectType    string           `json:"object_type" validate:"oneof='QC metric' 'Curation metric'"`
	Name          string           `json:"name" validate:"required"`
	Value         any              `json:"value"`
	StatusHistory []map[string]any `json:"status_history" validate:"required"`
}

type acquisitionDoc struct {
	SchemaVersion        string           `json:"schema_version" validate:"required,semver"`
	ObjectType           string           `json:"object_type" validate:"eq=Acquisition"`
	SubjectID            string           `json:"subject_id" validate:"required"`
	SpecimenID           *string          `json:"specimen_id"`
	AcquisitionStartTime string           `json:"acquisition_start_time" validate:"required,isodatetime,zoned"`
	AcquisitionEndTime   string           `json:"acquisition_end_time" validate:"required,isodatetime,zoned"`
	Experimenters        []string         `json:"experimenters" validate:"required"`
	ProtocolID           []string         `json:"protocol_id" validate:"omitempty,min=1"`
	EthicsReviewID       []string         `json:"ethics_review_id" validate:"omitempty,min=1"`
	InstrumentID         string           `json:"instrument_id" validate:"required"`
	AcquisitionType      string           `json:"acquisition_type" validate:"required"`
	DataStreams          []dataStream     `json:"data_streams" validate:"required,dive"`
	StimulusEpochs       []map[string]any `json:"stimulus_epochs" validate:"required"`
	Calibrations         []map[string]any `json:"calibrations" validate:"required"`
	Maintenance          []map[string]any `json:"maintenance" validate:"required"`
	SubjectDetails       *subjectDetails  `json:"subject_details" validate:"required"`
	Notes                *string          `json:"notes"`
}

type dataStream struct {
	StreamStartTime *string          `json:"stream_start_time" validate:"omitempty,isodatetime"`
	StreamEndTime   *string          `json:"stream_end_time" validate:"omitempty,isodatetime"`
	Modalities      []organization   `json:"modalities" validate:"omitempty,dive"`
	ActiveDevices   []string         `json:"active_devices"`
	Configurations  []map[string]any `json:"configurations"`
}

type subjectDetails struct {
	MousePlatformName string   `json:"mouse_platform_name" validate:"required"`
	AnimalWeightPrior *float64 `json:"animal_weight_prior"`
	AnimalWeightPost  *float64 `json:"animal_weight_post"`
}

type instrumentDoc struct {
	SchemaVersion      string            `json:"schema_version" validate:"required,semver"`
	ObjectType         string            `json:"object_type" validate:"eq=Instrument"`
	InstrumentID       string            `json:"instrument_id" validate:"required"`
	Location           *string           `json:"location"`
	ModificationDate   string            `json:"modification_date" validate:"required,isodate"`
	Modalities         []organization    `json:"modalities" validate:"required,dive"`
	Calibrations       []map[string]any  `json:"calibrations" validate:"required"`
	CoordinateSystem   *coordinateSystem `json:"coordinate_system" validate:"required"`
	Components         []component       `json:"components" validate:"required,dive"`
	Connections        []map[string]any  `json:"connections" validate:"required"`
	TemperatureControl *bool             `json:"temperature_control"`
	Notes              *string           `json:"notes"`
}

type coordinateSystem struct {
	Name   string `json:"name" validate:"required"`
	Origin string `json:"origin" validate:"required"`
	Axes   []axis `json:"axes" validate:"len=3,dive"`
}

type axis struct {
	Name      string `json:"name" validate:"required"`
	Direction string `json:"direction" validate:"required"`
}

type component struct {
	ObjectType string `json:"object_type" validate:"required"`
	Name       string `json:"name" validate:"required"`
}

type metadataDoc struct {
	SchemaVersion    string         `json:"schema_version" validate:"required,semver"`
	Name             string         `json:"name" validate:"required"`
	Location         string         `json:"location" validate:"required"`
	OtherIdentifiers map[string]any `json:"other_identifiers" validate:"required"`
}
