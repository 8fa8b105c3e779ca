package domain

import "fmt"

type SectionID string

const (
	SectionProjectSummary     SectionID = "projectSummary"
	SectionSiteGrounds        SectionID = "siteGrounds"
	SectionBuildingEnvelope   SectionID = "buildingEnvelope"
	SectionMechanicalSystems  SectionID = "mechanicalSystems"
	SectionInteriorConditions SectionID = "interiorConditions"
)

type FieldKind int

const (
	KindText FieldKind = iota
	KindNumber
	KindSelect
	KindMultiSelect
	KindAssessment
)

type Field struct {
	Name    string
	Kind    FieldKind
	Options []string
}

type StepSchema struct {
	ID     string
	Fields []Field
}

func (s StepSchema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// SectionSchema describes one form section. Table is the remote table the
// section is upserted into; its step columns are fixed by Steps.
type SectionSchema struct {
	ID    SectionID
	Table string
	Steps []StepSchema
}

func (s SectionSchema) Step(id string) (StepSchema, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return StepSchema{}, false
}

// The nested assessment sub-record carried by most steps.
const (
	FieldAssessment     = "assessment"
	FieldCondition      = "condition"
	FieldRepairStatus   = "repairStatus"
	FieldAmountToRepair = "amountToRepair"
)

var (
	conditionOptions    = []string{string(ConditionGood), string(ConditionFair), string(ConditionPoor)}
	repairStatusOptions = []string{
		string(RepairImmediate), string(RepairShortTerm), string(RepairReserve),
		string(RepairMaintenance), string(RepairInvestigate), string(RepairNA),
	}
)

func text(name string) Field   { return Field{Name: name, Kind: KindText} }
func number(name string) Field { return Field{Name: name, Kind: KindNumber} }
func assessment() Field        { return Field{Name: FieldAssessment, Kind: KindAssessment} }

func selectOne(name string, opts ...string) Field {
	return Field{Name: name, Kind: KindSelect, Options: opts}
}

func selectMany(name string, opts ...string) Field {
	return Field{Name: name, Kind: KindMultiSelect, Options: opts}
}

// conditionStep is the common shape of an inspected component: what is
// there, how it looks, and free-form notes.
func conditionStep(id string, extra ...Field) StepSchema {
	fields := append([]Field{}, extra...)
	fields = append(fields, assessment(), text("notes"))
	return StepSchema{ID: id, Fields: fields}
}

// Sections is the form schema in display order.
var Sections = []SectionSchema{
	{
		ID:    SectionProjectSummary,
		Table: "project_summaries",
		Steps: []StepSchema{
			{ID: "projectInfo", Fields: []Field{
				text("projectName"), text("projectNumber"), text("clientName"),
				text("inspectionDate"), text("inspectorName"),
			}},
			{ID: "propertyDetails", Fields: []Field{
				text("propertyAddress"), number("yearBuilt"), number("buildingArea"), number("numberOfStories"),
				selectOne("occupancyType", "office", "retail", "residential", "industrial", "mixed"),
			}},
			{ID: "summary", Fields: []Field{
				assessment(), text("executiveSummary"), text("recommendations"),
			}},
		},
	},
	{
		ID:    SectionSiteGrounds,
		Table: "site_grounds",
		Steps: []StepSchema{
			conditionStep("paving", selectMany("pavingTypes", "asphalt", "concrete", "pavers", "gravel")),
			conditionStep("drainage", selectMany("drainageFeatures", "catchBasins", "swales", "detentionPond", "downspouts")),
			conditionStep("landscaping", selectMany("landscapingFeatures", "lawn", "trees", "shrubs", "irrigation")),
			conditionStep("siteUtilities", selectMany("utilityTypes", "water", "sewer", "gas", "electric", "telecom")),
		},
	},
	{
		ID:    SectionBuildingEnvelope,
		Table: "building_envelopes",
		Steps: []StepSchema{
			conditionStep("roofing",
				selectOne("roofType", "flat", "pitched", "mansard", "other"),
				selectMany("roofMaterials", "membrane", "shingle", "metal", "tile"),
				number("roofAge")),
			conditionStep("exteriorWalls", selectMany("wallMaterials", "brick", "stucco", "siding", "curtainWall", "concrete")),
			conditionStep("windowsDoors", selectOne("glazing", "single", "double", "triple")),
		},
	},
	{
		ID:    SectionMechanicalSystems,
		Table: "mechanical_systems",
		Steps: []StepSchema{
			conditionStep("hvac",
				selectMany("hvacEquipment", "rooftopUnit", "boiler", "chiller", "splitSystem", "heatPump"),
				number("equipmentAge")),
			conditionStep("plumbing", selectMany("pipeMaterials", "copper", "pvc", "castIron", "galvanized", "pex")),
			conditionStep("electrical", number("serviceAmperage"), selectOne("panelType", "breaker", "fuse")),
			conditionStep("fireProtection", selectMany("fireSystems", "sprinklers", "alarm", "extinguishers", "standpipe")),
		},
	},
	{
		ID:    SectionInteriorConditions,
		Table: "interior_conditions",
		Steps: []StepSchema{
			conditionStep("finishes", selectMany("floorFinishes", "carpet", "tile", "vinyl", "wood", "concrete")),
			conditionStep("accessibility", selectOne("accessibleEntrance", "yes", "no", "partial")),
			conditionStep("verticalTransport", number("elevatorCount")),
		},
	},
}

// LookupSection returns the schema for id.
func LookupSection(id SectionID) (SectionSchema, error) {
	for _, s := range Sections {
		if s.ID == id {
			return s, nil
		}
	}
	return SectionSchema{}, fmt.Errorf("%w: %q", ErrUnknownSection, id)
}

// LookupStep returns the schema for a step within a section.
func LookupStep(section SectionID, step string) (StepSchema, error) {
	sec, err := LookupSection(section)
	if err != nil {
		return StepSchema{}, err
	}
	st, ok := sec.Step(step)
	if !ok {
		return StepSchema{}, fmt.Errorf("%w: %s/%q", ErrUnknownStep, section, step)
	}
	return st, nil
}
