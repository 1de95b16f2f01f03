package compliance

import (
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/ssdp-platform/trust/trust/internal/models"
)

// present reports whether key holds a non-empty value.
func present(r map[string]any, key string) bool {
	v, ok := r[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case []map[string]any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// number coerces key to a float. ok is false when the key is absent; a
// value that cannot be read as a finite number is a structural error.
func number(r map[string]any, key string) (float64, bool, error) {
	if !present(r, key) {
		return 0, false, nil
	}
	v := r[key]
	if _, isBool := v.(bool); isBool {
		return 0, true, models.NewValidationError(key, "must be numeric, got bool")
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, true, models.NewValidationError(key, "must be numeric, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, true, models.NewValidationError(key, "must be a finite number")
	}
	return f, true, nil
}

// text renders key as a string, or "" when absent.
func text(r map[string]any, key string) string {
	if !present(r, key) {
		return ""
	}
	return cast.ToString(r[key])
}

// timestamp coerces key to a time. ok is false when the key is absent.
func timestamp(r map[string]any, key string) (time.Time, bool, error) {
	if !present(r, key) {
		return time.Time{}, false, nil
	}
	t, err := cast.ToTimeE(r[key])
	if err != nil {
		return time.Time{}, true, models.NewValidationError(key, "is not a recognizable time")
	}
	return t, true, nil
}

// lineItems returns the invoice's line items. A present value that is not a
// list of objects is a structural error.
func lineItems(r map[string]any) ([]map[string]any, error) {
	v, ok := r["line_items"]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []map[string]any:
		return t, nil
	case []any:
		items := make([]map[string]any, len(t))
		for i, raw := range t {
			item, ok := raw.(map[string]any)
			if !ok {
				return nil, models.NewValidationError("line_items", "item %d must be an object, got %T", i, raw)
			}
			items[i] = item
		}
		return items, nil
	}
	return nil, models.NewValidationError("line_items", "must be a list, got %T", v)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
