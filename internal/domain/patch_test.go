package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPatchNestedAssessmentKeepsSiblings(t *testing.T) {
	current := StepData{
		"assessment": map[string]any{"condition": "good", "repairStatus": "IR"},
		"notes":      "cracked joint",
	}
	patch, err := NormalizePatch(SectionSiteGrounds, "paving", map[string]any{
		"assessment": map[string]any{"repairStatus": "ST"},
	})
	require.NoError(t, err)

	got := ApplyPatch(current, patch)

	assert.Equal(t, map[string]any{"condition": "good", "repairStatus": "ST"}, got["assessment"])
	assert.Equal(t, "cracked joint", got["notes"])
	// current must not be modified
	assert.Equal(t, "IR", current["assessment"].(map[string]any)["repairStatus"])
}

func TestApplyPatchReplacesListsWholesale(t *testing.T) {
	current := StepData{"pavingTypes": []string{"asphalt", "concrete", "gravel"}}
	patch, err := NormalizePatch(SectionSiteGrounds, "paving", map[string]any{
		"pavingTypes": []any{"pavers"},
	})
	require.NoError(t, err)

	got := ApplyPatch(current, patch)
	assert.Equal(t, []string{"pavers"}, got["pavingTypes"])
}

func TestApplyPatchOnlyTouchesPresentKeys(t *testing.T) {
	current := StepData{"projectName": "Depot", "clientName": "City", "projectNumber": "P-1"}
	patch, err := NormalizePatch(SectionProjectSummary, "projectInfo", map[string]any{"clientName": "County"})
	require.NoError(t, err)

	got := ApplyPatch(current, patch)
	assert.Equal(t, StepData{"projectName": "Depot", "clientName": "County", "projectNumber": "P-1"}, got)
}

func TestApplyPatchNilClearsField(t *testing.T) {
	current := StepData{"notes": "old"}
	got := ApplyPatch(current, StepData{"notes": nil})
	v, present := got["notes"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestNormalizePatchRejectsUnknownKeys(t *testing.T) {
	_, err := NormalizePatch(SectionSiteGrounds, "paving", map[string]any{"colour": "red"})
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = NormalizePatch(SectionSiteGrounds, "paving", map[string]any{
		"assessment": map[string]any{"severity": "high"},
	})
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestNormalizePatchRejectsUnknownStepAndSection(t *testing.T) {
	_, err := NormalizePatch(SectionSiteGrounds, "parking", map[string]any{})
	assert.ErrorIs(t, err, ErrUnknownStep)

	_, err = NormalizePatch("basement", "paving", map[string]any{})
	assert.ErrorIs(t, err, ErrUnknownSection)
}

func TestNormalizePatchValues(t *testing.T) {
	tests := []struct {
		name    string
		section SectionID
		step    string
		patch   map[string]any
		want    StepData
		wantErr error
	}{
		{
			name:    "int becomes float64",
			section: SectionProjectSummary, step: "propertyDetails",
			patch: map[string]any{"yearBuilt": 1974},
			want:  StepData{"yearBuilt": float64(1974)},
		},
		{
			name:    "json number",
			section: SectionProjectSummary, step: "propertyDetails",
			patch: map[string]any{"buildingArea": json.Number("1250.5")},
			want:  StepData{"buildingArea": 1250.5},
		},
		{
			name:    "text for number",
			section: SectionProjectSummary, step: "propertyDetails",
			patch:   map[string]any{"yearBuilt": "1974"},
			wantErr: ErrInvalidValue,
		},
		{
			name:    "select outside options",
			section: SectionProjectSummary, step: "propertyDetails",
			patch:   map[string]any{"occupancyType": "castle"},
			wantErr: ErrInvalidValue,
		},
		{
			name:    "bad repair status",
			section: SectionMechanicalSystems, step: "hvac",
			patch:   map[string]any{"assessment": map[string]any{"repairStatus": "SOON"}},
			wantErr: ErrInvalidValue,
		},
		{
			name:    "assessment amount",
			section: SectionMechanicalSystems, step: "hvac",
			patch: map[string]any{"assessment": map[string]any{"condition": "poor", "amountToRepair": 1500}},
			want:  StepData{"assessment": map[string]any{"condition": "poor", "amountToRepair": float64(1500)}},
		},
		{
			name:    "multi select item outside options",
			section: SectionSiteGrounds, step: "drainage",
			patch:   map[string]any{"drainageFeatures": []string{"moat"}},
			wantErr: ErrInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePatch(tt.section, tt.step, tt.patch)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSiteGroundsHasFourSteps(t *testing.T) {
	sec, err := LookupSection(SectionSiteGrounds)
	require.NoError(t, err)
	assert.Len(t, sec.Steps, 4)
}
