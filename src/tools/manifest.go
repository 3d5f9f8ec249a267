package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	agent "github.com/Protocol-Lattice/go-agent-server"
	"github.com/Protocol-Lattice/go-agent-server/src/config"
)

// Toolbox holds the factories a server offers, built from a manifest. Core factories
// load for every agent; Optional ones are picked per agent by index or by name.
type Toolbox struct {
	Registry *agent.Registry
	Core     []agent.NamedFactory
	Optional []agent.NamedFactory

	closers []func() error
}

// FromManifest builds a Toolbox. Remote sources connect lazily, so no network traffic
// happens here.
func FromManifest(m *config.Manifest) (*Toolbox, error) {
	if m == nil {
		m = config.DefaultManifest()
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	core := make(map[string]bool, len(m.Core))
	for _, name := range m.Core {
		core[strings.ToLower(strings.TrimSpace(name))] = true
	}

	box := &Toolbox{Registry: agent.NewRegistry()}
	for _, entry := range m.Tools {
		factory, err := box.factoryFor(entry)
		if err != nil {
			_ = box.Close()
			return nil, fmt.Errorf("tool %q: %w", entry.Name, err)
		}
		if err := box.Registry.Register(entry.Name, factory); err != nil {
			_ = box.Close()
			return nil, err
		}
		named := agent.NamedFactory{Name: strings.ToLower(strings.TrimSpace(entry.Name)), Factory: factory}
		if core[named.Name] {
			box.Core = append(box.Core, named)
		} else {
			box.Optional = append(box.Optional, named)
		}
	}
	return box, nil
}

func (b *Toolbox) factoryFor(entry config.ToolEntry) (agent.Factory, error) {
	switch strings.ToLower(entry.Kind) {
	case config.KindBuiltin:
		return Builtin(entry.Builtin)
	case config.KindUTCP:
		src := NewUTCPSource(UTCPConfig{ProvidersFile: entry.Providers, Query: entry.Query, Limit: entry.Limit})
		return src.Factory, nil
	case config.KindMCP:
		src := NewMCPSource(MCPConfig{
			Command: entry.Command,
			Args:    entry.Args,
			Env:     envList(entry.Env),
			URL:     entry.URL,
			Prefix:  entry.Prefix,
			Allow:   entry.Allow,
		})
		b.closers = append(b.closers, src.Close)
		return src.Factory, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", entry.Kind)
	}
}

// Names lists the optional factories in index order.
func (b *Toolbox) Names() []string {
	out := make([]string, len(b.Optional))
	for i, f := range b.Optional {
		out[i] = f.Name
	}
	return out
}

// Close shuts down every remote session the toolbox opened.
func (b *Toolbox) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
