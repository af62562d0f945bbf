package llm

// CleanSchemaForProvider adapts a tool's JSON schema to one provider's
// accepted dialect. Anthropic's tool-use schema rejects a handful of
// standard JSON Schema keywords its validator doesn't understand; strip
// them recursively rather than let the call fail with an opaque 400.
func CleanSchemaForProvider(provider string, schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	switch provider {
	case "anthropic":
		return cleanAnthropicSchema(schema)
	default:
		return schema
	}
}

var anthropicUnsupportedKeys = map[string]bool{
	"$schema":              true,
	"$id":                  true,
	"additionalProperties": true,
	"default":              true,
}

func cleanAnthropicSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if anthropicUnsupportedKeys[k] {
			continue
		}
		out[k] = cleanAnthropicValue(v)
	}
	return out
}

func cleanAnthropicValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cleanAnthropicSchema(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cleanAnthropicValue(item)
		}
		return out
	default:
		return v
	}
}
