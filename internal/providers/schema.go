package providers

// CleanSchemaForProvider strips JSON Schema keywords a given provider's tool
// schema validator rejects. Tool parameter schemas are authored once,
// generically, and every provider gets a pass over the same map before it's
// sent on the wire.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	cleaned := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "$id", "additionalProperties":
			// Anthropic and Gemini both reject these at the top level of a
			// tool's input_schema.
			continue
		}
		switch nested := v.(type) {
		case map[string]interface{}:
			cleaned[k] = CleanSchemaForProvider(provider, nested)
		case []interface{}:
			cleaned[k] = cleanSchemaList(provider, nested)
		default:
			cleaned[k] = v
		}
	}
	return cleaned
}

func cleanSchemaList(provider string, list []interface{}) []interface{} {
	out := make([]interface{}, len(list))
	for i, v := range list {
		if m, ok := v.(map[string]interface{}); ok {
			out[i] = CleanSchemaForProvider(provider, m)
		} else {
			out[i] = v
		}
	}
	return out
}

// CleanToolSchemas converts a batch of tool definitions to the OpenAI wire
// shape ({"type":"function","function":{...}}), running each one's
// parameters through CleanSchemaForProvider first.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}
