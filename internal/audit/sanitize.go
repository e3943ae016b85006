package audit

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// MaxPayloadDepth bounds how deep payload snapshots are copied.
const MaxPayloadDepth = 8

// SanitizePayload returns a JSON-safe deep copy of payload. Values nested
// deeper than MaxPayloadDepth, and values that cannot be encoded, are
// replaced with short descriptive strings.
func SanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out, _ := sanitize(payload, 0, map[uintptr]struct{}{}).(map[string]any)
	return out
}

func sanitize(value any, depth int, seen map[uintptr]struct{}) any {
	if depth > MaxPayloadDepth {
		return fmt.Sprintf("<max depth %d exceeded>", MaxPayloadDepth)
	}

	switch v := value.(type) {
	case nil, bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return v.String()
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	case map[string]any:
		if circular(v, seen) {
			return "<circular reference>"
		}
		defer release(v, seen)
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = sanitize(item, depth+1, seen)
		}
		return out
	case []any:
		if circular(v, seen) {
			return "<circular reference>"
		}
		defer release(v, seen)
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitize(item, depth+1, seen)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	}

	if _, err := json.Marshal(value); err != nil {
		return fmt.Sprintf("<unserializable %T>", value)
	}
	return value
}

func circular(v any, seen map[uintptr]struct{}) bool {
	ptr := pointerOf(v)
	if ptr == 0 {
		return false
	}
	if _, ok := seen[ptr]; ok {
		return true
	}
	seen[ptr] = struct{}{}
	return false
}

func release(v any, seen map[uintptr]struct{}) {
	if ptr := pointerOf(v); ptr != 0 {
		delete(seen, ptr)
	}
}

func pointerOf(v any) uintptr {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.Len() == 0 {
			return 0
		}
		return rv.Pointer()
	default:
		return 0
	}
}
