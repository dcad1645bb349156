package telemetry

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// denyKeys mark attributes that could carry patient identifiers or secrets.
var denyKeys = []string{
	"filename",
	"file",
	"path",
	"patient",
	"subject",
	"email",
	"authorization",
	"token",
	"api_key",
}

// SafeAttributes drops identifying keys and oversized values and converts
// the rest to OTEL attributes.
func SafeAttributes(values map[string]interface{}) []attribute.KeyValue {
	if len(values) == 0 {
		return nil
	}
	var attrs []attribute.KeyValue
	for k, v := range values {
		if denied(k) {
			continue
		}
		switch val := v.(type) {
		case string:
			if len(val) > 256 {
				continue
			}
			attrs = append(attrs, attribute.String(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case []string:
			if len(val) > 16 {
				val = val[:16]
			}
			attrs = append(attrs, attribute.StringSlice(k, val))
		}
	}
	return attrs
}

func denied(key string) bool {
	lk := strings.ToLower(key)
	for _, bad := range denyKeys {
		if strings.Contains(lk, bad) {
			return true
		}
	}
	return false
}
