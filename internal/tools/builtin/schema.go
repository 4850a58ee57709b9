package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// mustSchema reflects a parameter struct into the JSON Schema map a tool
// definition carries. Required fields come from jsonschema tags and the
// schema is fully inlined. Panics on marshal failure so a broken parameter
// struct fails at startup, not mid-conversation.
func mustSchema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("builtin: marshal schema: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("builtin: decode schema: %v", err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// stringArg returns the named argument as a trimmed string.
func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg returns the named argument as an int, tolerating the float64 that
// JSON decoding produces.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
