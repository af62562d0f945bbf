package llm

import "testing"

func TestCleanSchemaForProviderStripsUnsupportedKeysRecursively(t *testing.T) {
	schema := map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":                 "string",
				"additionalProperties": false,
			},
		},
	}

	cleaned := CleanSchemaForProvider("anthropic", schema)
	if _, ok := cleaned["$schema"]; ok {
		t.Fatalf("expected $schema stripped")
	}
	props := cleaned["properties"].(map[string]any)
	name := props["name"].(map[string]any)
	if _, ok := name["additionalProperties"]; ok {
		t.Fatalf("expected nested additionalProperties stripped")
	}
	if name["type"] != "string" {
		t.Fatalf("expected supported keys preserved, got %v", name)
	}
}

func TestCleanSchemaForProviderUnknownProviderPassesThrough(t *testing.T) {
	schema := map[string]any{"$schema": "x"}
	cleaned := CleanSchemaForProvider("other", schema)
	if _, ok := cleaned["$schema"]; !ok {
		t.Fatalf("expected unknown provider to pass schema through unchanged")
	}
}
