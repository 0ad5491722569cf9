package models

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// AnalysisResponse is the raw body returned by the classification endpoints.
// Backends disagree on field names and types, so decoding is lenient: ids may
// be strings or numbers and every field may be missing.
type AnalysisResponse struct {
	Success  *bool        `json:"success,omitempty"`
	ID       string       `json:"id,omitempty"`
	Analysis *RawAnalysis `json:"analysis,omitempty"`
	ImageURL string       `json:"image_url,omitempty"`
	Message  string       `json:"message,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// RawAnalysis holds the nutrition fields of a backend analysis. A nil pointer
// means the field was absent or null.
type RawAnalysis struct {
	ID                *string          `json:"id,omitempty"`
	Name              *string          `json:"name,omitempty"`
	Calories          *float64         `json:"calories,omitempty"`
	Carbs             *float64         `json:"carbs,omitempty"`
	Protein           *float64         `json:"protein,omitempty"`
	Fat               *float64         `json:"fat,omitempty"` // "fat" or "fats"
	Confidence        *float64         `json:"confidence,omitempty"`
	HealthScore       *float64         `json:"health_score,omitempty"`
	HealthScoreReason *string          `json:"health_score_reason,omitempty"`
	Fiber             *float64         `json:"fiber,omitempty"`
	Sugar             *float64         `json:"sugar,omitempty"`
	Sodium            *float64         `json:"sodium,omitempty"`
	SaturatedFat      *float64         `json:"saturated_fat,omitempty"`
	UnsaturatedFat    *float64         `json:"unsaturated_fat,omitempty"`
	Vitamins          json.RawMessage  `json:"vitamins,omitempty"`
	Minerals          json.RawMessage  `json:"minerals,omitempty"`
	IdentifiedItems   []IdentifiedItem `json:"identified_items,omitempty"`
	ImageURL          *string          `json:"image_url,omitempty"`
}

// IdentifiedItem is one food the backend found in the photo.
type IdentifiedItem struct {
	Name     string  `json:"name"`
	Quantity string  `json:"quantity,omitempty"`
	Calories float64 `json:"calories,omitempty"`
}

// Field aliases seen across backend versions.
var (
	idKeys          = []string{"id", "food_analysis_id", "foodAnalysisId", "analysis_id"}
	nameKeys        = []string{"name", "food_name", "foodName", "meal_name", "mealName", "detected_food", "detectedFood"}
	imageKeys       = []string{"image_url", "imageUrl", "url"}
	healthKeys      = []string{"healthScore", "health_score"}
	healthWhyKeys   = []string{"healthScoreReason", "health_score_reason"}
	saturatedKeys   = []string{"saturatedFat", "saturated_fat"}
	unsaturatedKeys = []string{"unsaturatedFat", "unsaturated_fat"}
	itemKeys        = []string{"identifiedItems", "identified_items", "items"}
	nestedKeys      = []string{"nutritionData", "nutrition_data", "nutrients"}
)

// UnmarshalJSON implements json.Unmarshaler.
func (r *AnalysisResponse) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	*r = AnalysisResponse{}
	if raw, ok := lookup(m, "success"); ok {
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			r.Success = &b
		}
	}
	if id := decodeID(m, idKeys...); id != nil {
		r.ID = *id
	}
	if s := decodeString(m, imageKeys...); s != nil {
		r.ImageURL = *s
	}
	if s := decodeString(m, "message"); s != nil {
		r.Message = *s
	}
	r.Error = decodeErrorText(m)

	for _, key := range []string{"analysis", "result", "data"} {
		raw, ok := lookup(m, key)
		if !ok || !isObject(raw) {
			continue
		}
		var a RawAnalysis
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		r.Analysis = &a
		return nil
	}

	// Flat payloads carry the analysis fields at the top level.
	var a RawAnalysis
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.Analysis = &a
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *RawAnalysis) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	// Detail fields may live in a nested object; top-level values win.
	detail := m
	for _, key := range nestedKeys {
		raw, ok := lookup(m, key)
		if !ok || !isObject(raw) {
			continue
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err == nil {
			detail = merge(m, nested)
		}
		break
	}

	*a = RawAnalysis{
		ID:                decodeID(m, idKeys...),
		Name:              decodeString(m, nameKeys...),
		Calories:          decodeFloat(detail, "calories", "kcal", "energy"),
		Carbs:             decodeFloat(detail, "carbs", "carbohydrates"),
		Protein:           decodeFloat(detail, "protein", "proteins"),
		Fat:               decodeFloat(detail, "fat", "fats"),
		Confidence:        decodeFloat(m, "confidence"),
		HealthScore:       decodeFloat(m, healthKeys...),
		HealthScoreReason: decodeString(m, healthWhyKeys...),
		Fiber:             decodeFloat(detail, "fiber"),
		Sugar:             decodeFloat(detail, "sugar", "sugars"),
		Sodium:            decodeFloat(detail, "sodium"),
		SaturatedFat:      decodeFloat(detail, saturatedKeys...),
		UnsaturatedFat:    decodeFloat(detail, unsaturatedKeys...),
		Vitamins:          decodeLoose(detail, "vitamins"),
		Minerals:          decodeLoose(detail, "minerals"),
		IdentifiedItems:   decodeItems(m, itemKeys...),
		ImageURL:          decodeString(m, imageKeys...),
	}
	return nil
}

func merge(top, nested map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(top)+len(nested))
	for k, v := range nested {
		out[k] = v
	}
	for k, v := range top {
		if !isNull(v) {
			out[k] = v
		}
	}
	return out
}

func lookup(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func isNull(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func isObject(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) > 0 && t[0] == '{'
}

// decodeString returns a trimmed non-empty string. Numbers are formatted.
func decodeString(m map[string]json.RawMessage, keys ...string) *string {
	for _, k := range keys {
		raw, ok := lookup(m, k)
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			return &s
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			s := n.String()
			return &s
		}
	}
	return nil
}

func decodeID(m map[string]json.RawMessage, keys ...string) *string {
	return decodeString(m, keys...)
}

var leadingNumber = regexp.MustCompile(`^-?\d+(\.\d+)?`)

// decodeFloat accepts JSON numbers and strings such as "400" or "12.5g".
func decodeFloat(m map[string]json.RawMessage, keys ...string) *float64 {
	for _, k := range keys {
		raw, ok := lookup(m, k)
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return &f
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		num := leadingNumber.FindString(strings.TrimSpace(s))
		if num == "" {
			continue
		}
		if f, err := strconv.ParseFloat(num, 64); err == nil {
			return &f
		}
	}
	return nil
}

// decodeLoose keeps any non-empty JSON value as-is.
func decodeLoose(m map[string]json.RawMessage, keys ...string) json.RawMessage {
	raw, ok := lookup(m, keys...)
	if !ok {
		return nil
	}
	switch string(bytes.TrimSpace(raw)) {
	case `""`, `{}`, `[]`:
		return nil
	}
	return raw
}

func decodeItems(m map[string]json.RawMessage, keys ...string) []IdentifiedItem {
	raw, ok := lookup(m, keys...)
	if !ok {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}

	items := make([]IdentifiedItem, 0, len(elems))
	for _, e := range elems {
		var name string
		if err := json.Unmarshal(e, &name); err == nil {
			if name = strings.TrimSpace(name); name != "" {
				items = append(items, IdentifiedItem{Name: name})
			}
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(e, &obj); err != nil {
			continue
		}
		item := IdentifiedItem{}
		if s := decodeString(obj, nameKeys...); s != nil {
			item.Name = *s
		}
		if s := decodeString(obj, "quantity", "portion", "serving"); s != nil {
			item.Quantity = *s
		}
		if f := decodeFloat(obj, "calories"); f != nil {
			item.Calories = *f
		}
		if item.Name != "" {
			items = append(items, item)
		}
	}
	return items
}

func decodeErrorText(m map[string]json.RawMessage) string {
	raw, ok := lookup(m, "error")
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		if msg := decodeString(obj, "message", "error_reason"); msg != nil {
			return *msg
		}
	}
	return ""
}
