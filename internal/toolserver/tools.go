package toolserver

// ToolHandler executes one tool call on behalf of a registered agent.
type ToolHandler func(caller AgentContext, params map[string]interface{}) (interface{}, error)

// ToolDefinition describes a tool exposed to child agents.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]ParameterDef
	// FullAccess restricts the tool to agents whose role carries the
	// agent-draft permission.
	FullAccess bool
	Handler    ToolHandler
}

// ParameterDef describes one tool parameter.
type ParameterDef struct {
	Type        string
	Description string
	Required    bool
}

// schema renders the tool's input schema for tools/list.
func (d ToolDefinition) schema() map[string]interface{} {
	props := make(map[string]interface{}, len(d.Parameters))
	required := []string{}
	for name, def := range d.Parameters {
		props[name] = map[string]interface{}{
			"type":        def.Type,
			"description": def.Description,
		}
		if def.Required {
			required = append(required, name)
		}
	}
	return map[string]interface{}{
		"name":        d.Name,
		"description": d.Description,
		"inputSchema": map[string]interface{}{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func stringParam(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}
