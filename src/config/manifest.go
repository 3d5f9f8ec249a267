package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tool source kinds accepted in a manifest.
const (
	KindBuiltin = "builtin"
	KindUTCP    = "utcp"
	KindMCP     = "mcp"
)

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// Manifest declares the tool factories a server offers. Factories named in Core are
// loaded by every agent; the rest are chosen per agent by position in Tools.
type Manifest struct {
	Core  []string    `yaml:"core"`
	Tools []ToolEntry `yaml:"tools"`
}

// ToolEntry declares one named factory.
type ToolEntry struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// builtin
	Builtin string `yaml:"builtin,omitempty"`

	// utcp
	Providers string `yaml:"providers,omitempty"`
	Query     string `yaml:"query,omitempty"`
	Limit     int    `yaml:"limit,omitempty"`

	// mcp
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Prefix  string            `yaml:"prefix,omitempty"`
	Allow   []string          `yaml:"allow,omitempty"`
}

// DefaultManifest offers the built-in tools when no manifest file is configured.
func DefaultManifest() *Manifest {
	return &Manifest{
		Tools: []ToolEntry{
			{Name: "echo", Kind: KindBuiltin, Builtin: "echo"},
			{Name: "calculator", Kind: KindBuiltin, Builtin: "calculator"},
			{Name: "time", Kind: KindBuiltin, Builtin: "time"},
		},
	}
}

// LoadManifest reads, expands and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes a manifest document. Unknown fields are rejected.
func ParseManifest(raw []byte) (*Manifest, error) {
	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks names are unique and each entry carries what its kind needs.
func (m *Manifest) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(m.Tools))
	for i, e := range m.Tools {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("config: tools[%d]: name is required", i))
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			errs = append(errs, fmt.Errorf("config: tools[%d]: duplicate name %q", i, name))
		}
		seen[key] = true

		switch strings.ToLower(e.Kind) {
		case KindBuiltin:
			if e.Builtin == "" {
				errs = append(errs, fmt.Errorf("config: tool %q: builtin is required", name))
			}
		case KindUTCP:
			if e.Providers == "" {
				errs = append(errs, fmt.Errorf("config: tool %q: providers file is required", name))
			}
			if e.Limit < 0 {
				errs = append(errs, fmt.Errorf("config: tool %q: limit must not be negative", name))
			}
		case KindMCP:
			if (e.Command == "") == (e.URL == "") {
				errs = append(errs, fmt.Errorf("config: tool %q: exactly one of command or url is required", name))
			}
		default:
			errs = append(errs, fmt.Errorf("config: tool %q: unknown kind %q", name, e.Kind))
		}
	}
	for _, c := range m.Core {
		if !seen[strings.ToLower(strings.TrimSpace(c))] {
			errs = append(errs, fmt.Errorf("config: core: unknown tool %q", c))
		}
	}
	return errors.Join(errs...)
}

// Entry returns the entry with the given name.
func (m *Manifest) Entry(name string) (ToolEntry, bool) {
	for _, e := range m.Tools {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return ToolEntry{}, false
}

func expandEnv(input string) (string, error) {
	var errs []error
	result := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envPattern.FindStringSubmatch(match)
		name := sub[1]
		hasDefault := strings.Contains(match, ":-")

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return unescapeDefault(sub[2])
		}
		errs = append(errs, fmt.Errorf("config: environment variable %q is not set", name))
		return match
	})
	return result, errors.Join(errs...)
}

func unescapeDefault(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
