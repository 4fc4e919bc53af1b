package gateway

import "strings"

const masked = "***"

var sensitiveHeaderFragments = []string{"authorization", "token", "secret"}

var sensitiveBodyKeys = map[string]struct{}{
	"ssn": {},
	"dob": {},
}

// SanitizeHeaders masks any header whose lowercased name contains
// authorization, token or secret.
func SanitizeHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		lower := strings.ToLower(name)
		for _, fragment := range sensitiveHeaderFragments {
			if strings.Contains(lower, fragment) {
				value = masked
				break
			}
		}
		out[name] = value
	}
	return out
}

// MaskBody masks ssn and dob values at any depth, descending through nested
// objects and arrays. The input is not mutated.
func MaskBody(body map[string]interface{}) map[string]interface{} {
	if body == nil {
		return nil
	}
	out := make(map[string]interface{}, len(body))
	for key, value := range body {
		if _, sensitive := sensitiveBodyKeys[strings.ToLower(key)]; sensitive {
			out[key] = masked
			continue
		}
		out[key] = maskValue(value)
	}
	return out
}

func maskValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return MaskBody(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = maskValue(item)
		}
		return out
	default:
		return value
	}
}
