package tools

import "encoding/json"

// NormalizeArguments coerces whatever shape a provider decoded tool
// arguments into onto a plain map. Maps pass through, JSON text is parsed,
// and anything unparseable becomes an empty map so a malformed call fails
// schema validation instead of crashing the turn.
func NormalizeArguments(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		if v != nil {
			return v
		}
	case string:
		return parseArguments([]byte(v))
	case []byte:
		return parseArguments(v)
	case json.RawMessage:
		return parseArguments(v)
	}
	return map[string]any{}
}

func parseArguments(data []byte) map[string]any {
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
