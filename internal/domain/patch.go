package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// NormalizePatch checks a partial update against the step schema and returns
// it in canonical form: numbers as float64, lists as []string, assessment
// sub-records as map[string]any. A nil value is kept and clears the field.
func NormalizePatch(section SectionID, step string, patch map[string]any) (StepData, error) {
	schema, err := LookupStep(section, step)
	if err != nil {
		return nil, err
	}
	out := make(StepData, len(patch))
	for key, raw := range patch {
		field, ok := schema.Field(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s.%s", ErrUnknownField, section, step, key)
		}
		v, err := normalizeValue(field, raw)
		if err != nil {
			return nil, fmt.Errorf("%s/%s.%s: %w", section, step, key, err)
		}
		out[key] = v
	}
	return out, nil
}

var assessmentFields = []Field{
	{Name: FieldCondition, Kind: KindSelect, Options: conditionOptions},
	{Name: FieldRepairStatus, Kind: KindSelect, Options: repairStatusOptions},
	{Name: FieldAmountToRepair, Kind: KindNumber},
}

func normalizeValue(field Field, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch field.Kind {
	case KindText:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: want text, got %T", ErrInvalidValue, raw)
		}
		return s, nil
	case KindNumber:
		return toFloat(raw)
	case KindSelect:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: want option, got %T", ErrInvalidValue, raw)
		}
		if s != "" && !slices.Contains(field.Options, s) {
			return nil, fmt.Errorf("%w: %q is not an option", ErrInvalidValue, s)
		}
		return s, nil
	case KindMultiSelect:
		list, err := toStrings(raw)
		if err != nil {
			return nil, err
		}
		for _, s := range list {
			if !slices.Contains(field.Options, s) {
				return nil, fmt.Errorf("%w: %q is not an option", ErrInvalidValue, s)
			}
		}
		return list, nil
	case KindAssessment:
		m, ok := toMap(raw)
		if !ok {
			return nil, fmt.Errorf("%w: want assessment object, got %T", ErrInvalidValue, raw)
		}
		out := make(map[string]any, len(m))
		for key, v := range m {
			idx := slices.IndexFunc(assessmentFields, func(f Field) bool { return f.Name == key })
			if idx < 0 {
				return nil, fmt.Errorf("%w: assessment.%s", ErrUnknownField, key)
			}
			nv, err := normalizeValue(assessmentFields[idx], v)
			if err != nil {
				return nil, fmt.Errorf("assessment.%s: %w", key, err)
			}
			out[key] = nv
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported field kind %d", ErrInvalidValue, field.Kind)
}

func toFloat(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: want number, got %T", ErrInvalidValue, raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: number must be finite", ErrInvalidValue)
	}
	return f, nil
}

func toStrings(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return slices.Clone(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: list item is %T", ErrInvalidValue, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: want list, got %T", ErrInvalidValue, raw)
}

func toMap(raw any) (map[string]any, bool) {
	switch v := raw.(type) {
	case map[string]any:
		return v, true
	case StepData:
		return v, true
	}
	return nil, false
}

// ApplyPatch returns current with patch merged in. Keys absent from patch
// keep their value, present keys overwrite, nested objects merge key by key
// and lists are replaced as a whole. Neither argument is modified.
func ApplyPatch(current, patch StepData) StepData {
	out := CloneStepData(current)
	if out == nil {
		out = make(StepData, len(patch))
	}
	for key, v := range patch {
		strong, strongIsMap := v.(map[string]any)
		weak, weakIsMap := out[key].(map[string]any)
		if strongIsMap && weakIsMap {
			merged := cloneMap(weak)
			for k, nv := range strong {
				merged[k] = cloneValue(nv)
			}
			out[key] = merged
			continue
		}
		out[key] = cloneValue(v)
	}
	return out
}

func CloneStepData(d StepData) StepData {
	if d == nil {
		return nil
	}
	return StepData(cloneMap(d))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case StepData:
		return cloneMap(t)
	case []string:
		return slices.Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
