package agent

import (
	"fmt"
	"strings"
	"sync"
)

// ToolCatalog is the in-memory name → Tool mapping owned by one agent. Keys are
// case-insensitive. Registering a name that already exists replaces the earlier tool
// in place, so the catalog never holds two entries for one name.
type ToolCatalog struct {
	mu    sync.RWMutex
	tools map[string]Tool
	specs map[string]ToolSpec
	order []string
}

// NewToolCatalog constructs a catalog seeded with the provided tools.
func NewToolCatalog(tools ...Tool) *ToolCatalog {
	catalog := &ToolCatalog{
		tools: make(map[string]Tool),
		specs: make(map[string]ToolSpec),
	}
	for _, tool := range tools {
		_, _ = catalog.Register(tool)
	}
	return catalog
}

func catalogKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces a tool. It reports whether an existing entry was replaced.
func (c *ToolCatalog) Register(tool Tool) (bool, error) {
	if tool == nil {
		return false, fmt.Errorf("tool is nil")
	}
	spec := tool.Spec()
	key := catalogKey(spec.Name)
	if key == "" {
		return false, fmt.Errorf("tool name is empty")
	}
	if isInvalidToolSentinel(spec.Name) {
		return false, fmt.Errorf("tool name %q uses the reserved %s prefix", spec.Name, InvalidToolPrefix)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.tools[key]
	c.tools[key] = tool
	c.specs[key] = spec
	if !exists {
		c.order = append(c.order, key)
	}
	return exists, nil
}

// Lookup returns the tool and its specification if present.
func (c *ToolCatalog) Lookup(name string) (Tool, ToolSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := catalogKey(name)
	tool, ok := c.tools[key]
	if !ok {
		return nil, ToolSpec{}, false
	}
	return tool, c.specs[key], true
}

// Specs returns a snapshot of the tool specifications in registration order.
func (c *ToolCatalog) Specs() []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(c.order))
	for _, key := range c.order {
		specs = append(specs, c.specs[key])
	}
	return specs
}

// Tools returns the registered tools in order.
func (c *ToolCatalog) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools := make([]Tool, 0, len(c.order))
	for _, key := range c.order {
		tools = append(tools, c.tools[key])
	}
	return tools
}

// Names returns the declared tool names in registration order.
func (c *ToolCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.order))
	for _, key := range c.order {
		names = append(names, c.specs[key].Name)
	}
	return names
}

// Len reports the number of distinct tools.
func (c *ToolCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
