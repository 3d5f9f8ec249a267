package agent

import (
	"fmt"
	"sort"
	"strings"
)

// SummarizeSchema renders one prompt line per descriptor, ordered by schema key.
func SummarizeSchema(schema map[string]ToolSpec) []string {
	keys := make([]string, 0, len(schema))
	for k := range schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		spec := schema[k]
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			name = k
		}
		line := fmt.Sprintf("- %s: %s", name, strings.TrimSpace(spec.Description))
		if spec.RequiresApproval {
			line += " (requires approval)"
		}
		lines = append(lines, line)
	}
	return lines
}

func schemaFromTools(tools []Tool) map[string]ToolSpec {
	schema := make(map[string]ToolSpec, len(tools))
	for _, t := range tools {
		if t == nil {
			continue
		}
		spec := t.Spec()
		schema[spec.Name] = spec
	}
	return schema
}

// appendMetadata extends the agent's metadata block with lines from one factory.
func (a *Agent) appendMetadata(lines []string) {
	if len(lines) == 0 {
		return
	}
	block := strings.Join(lines, "\n")

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.metadata == "" {
		a.metadata = block
		return
	}
	a.metadata += "\n" + block
}
