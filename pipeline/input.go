package pipeline

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseInput pulls one finite number per feature, in schema order. JSON numbers
// and numeric strings are accepted; the first bad or missing feature is reported.
func ParseInput(features []string, input map[string]interface{}) ([]float64, error) {
	vector := make([]float64, len(features))
	for i, name := range features {
		raw, ok := input[name]
		if !ok {
			return nil, &ValidationError{Field: name}
		}
		value, ok := toFloat(raw)
		if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, &ValidationError{Field: name}
		}
		vector[i] = value
	}
	return vector, nil
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
