// Package manager keeps the live agents of a server, keyed by thread id.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	agent "github.com/Protocol-Lattice/go-agent-server"
	"github.com/Protocol-Lattice/go-agent-server/src/concurrent"
)

var (
	ErrAgentExists   = errors.New("manager: agent already exists for thread")
	ErrAgentNotFound = errors.New("manager: agent not found")
)

// Options configures a Manager.
type Options struct {
	// IdleTTL evicts agents without traffic for this long. Zero keeps agents until removed.
	IdleTTL time.Duration
	// SweepSchedule is a cron expression or descriptor such as "@every 1m".
	SweepSchedule string
	// CloseWorkers bounds concurrent Close calls during shutdown.
	CloseWorkers int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Info is a snapshot of one live agent.
type Info struct {
	ThreadID  string    `json:"threadId"`
	Name      string    `json:"name"`
	ToolCount int       `json:"toolCount"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

type entry struct {
	agent   *agent.Agent
	created time.Time

	// turn serialises messages on one thread.
	turn sync.Mutex

	mu       sync.Mutex
	lastUsed time.Time
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastUsed = now
	e.mu.Unlock()
}

func (e *entry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

// Manager owns live agents. Messages to one thread run one at a time; different threads
// run concurrently.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*entry

	sweeper *sweeper
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CloseWorkers <= 0 {
		opts.CloseWorkers = 8
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger,
		agents: make(map[string]*entry),
	}
}

// Exists reports whether a live agent holds threadID.
func (m *Manager) Exists(threadID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[threadID]
	return ok
}

// Add takes ownership of a. It fails with ErrAgentExists when the thread is taken.
func (m *Manager) Add(a *agent.Agent) error {
	if a == nil {
		return errors.New("manager: nil agent")
	}
	id := a.ThreadID()
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, id)
	}
	m.agents[id] = &entry{agent: a, created: now, lastUsed: now}
	m.logger.Info("agent registered", "thread", id, "agent", a.Name(), "tools", a.ToolCount())
	return nil
}

func (m *Manager) lookup(threadID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, threadID)
	}
	return e, nil
}

func (m *Manager) Get(threadID string) (*agent.Agent, error) {
	e, err := m.lookup(threadID)
	if err != nil {
		return nil, err
	}
	return e.agent, nil
}

// Send delivers message to the thread's agent, waiting for any turn already running on
// that thread.
func (m *Manager) Send(ctx context.Context, threadID, message string) (agent.Reply, error) {
	e, err := m.lookup(threadID)
	if err != nil {
		return agent.Reply{}, err
	}
	e.turn.Lock()
	defer e.turn.Unlock()
	// Remove or Sweep may have detached the entry while this call waited for its turn.
	m.mu.RLock()
	live := m.agents[threadID] == e
	m.mu.RUnlock()
	if !live {
		return agent.Reply{}, fmt.Errorf("%w: %s", ErrAgentNotFound, threadID)
	}
	e.touch(m.opts.Now())
	defer func() { e.touch(m.opts.Now()) }()
	return e.agent.SendMessage(ctx, message)
}

// Remove detaches the thread's agent and closes it.
func (m *Manager) Remove(ctx context.Context, threadID string) error {
	m.mu.Lock()
	e, ok := m.agents[threadID]
	if ok {
		delete(m.agents, threadID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, threadID)
	}

	e.turn.Lock()
	defer e.turn.Unlock()
	if err := e.agent.Close(ctx); err != nil {
		return fmt.Errorf("manager: close %s: %w", threadID, err)
	}
	m.logger.Info("agent removed", "thread", threadID)
	return nil
}

// List returns a snapshot of live agents sorted by thread id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.agents))
	for _, e := range m.agents {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, Info{
			ThreadID:  e.agent.ThreadID(),
			Name:      e.agent.Name(),
			ToolCount: e.agent.ToolCount(),
			CreatedAt: e.created,
			LastUsed:  e.idleSince(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Sweep closes agents idle longer than IdleTTL and returns how many it evicted. Agents
// in the middle of a turn are never idle.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := m.opts.Now().Add(-m.opts.IdleTTL)

	m.mu.Lock()
	var stale []*entry
	for id, e := range m.agents {
		if !e.turn.TryLock() {
			continue
		}
		if e.idleSince().Before(cutoff) {
			delete(m.agents, id)
			stale = append(stale, e)
			continue
		}
		e.turn.Unlock()
	}
	m.mu.Unlock()

	for _, e := range stale {
		if err := e.agent.Close(ctx); err != nil {
			m.logger.Warn("closing idle agent failed", "thread", e.agent.ThreadID(), "err", err)
		}
		e.turn.Unlock()
	}
	if len(stale) > 0 {
		m.logger.Info("evicted idle agents", "count", len(stale), "ttl", m.opts.IdleTTL)
	}
	return len(stale)
}

// CloseAll removes and closes every agent with bounded concurrency.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.agents))
	for _, e := range m.agents {
		entries = append(entries, e)
	}
	m.agents = make(map[string]*entry)
	m.mu.Unlock()

	pool := concurrent.NewWorkerPool(m.opts.CloseWorkers)
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			err := pool.Do(ctx, func() error {
				e.turn.Lock()
				defer e.turn.Unlock()
				return e.agent.Close(ctx)
			})
			if err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", e.agent.ThreadID(), err))
				errMu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	return errors.Join(errs...)
}
