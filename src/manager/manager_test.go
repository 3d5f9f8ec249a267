package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	agent "github.com/Protocol-Lattice/go-agent-server"
	"github.com/Protocol-Lattice/go-agent-server/src/models"
)

// stubModel answers every message with a fixed reply, optionally blocking until
// release is closed, and counts Close calls.
type stubModel struct {
	reply   string
	started chan struct{}
	release chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
	closed  atomic.Int32
}

func (s *stubModel) Generate(ctx context.Context, prompt string) (any, error) {
	return s.GenerateMessages(ctx, []models.Message{{Role: models.RoleUser, Content: prompt}})
}

func (s *stubModel) GenerateMessages(ctx context.Context, _ []models.Message) (any, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		cur := s.maxSeen.Load()
		if n <= cur || s.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.reply, nil
}

func (s *stubModel) Close() error {
	s.closed.Add(1)
	return nil
}

var _ io.Closer = (*stubModel)(nil)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAgent(t *testing.T, thread string, model models.Agent) *agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Options{
		Model:      model,
		ThreadID:   thread,
		Persistent: agent.PersistentParams{Name: "agent-" + thread},
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	if _, err := a.Initialize(context.Background(), agent.InitOptions{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return a
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAddGetRemove(t *testing.T) {
	m := New(Options{Logger: quietLogger()})
	model := &stubModel{reply: "hi"}
	a := newAgent(t, "t1", model)

	if err := m.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(newAgent(t, "t1", &stubModel{})); !errors.Is(err, ErrAgentExists) {
		t.Fatalf("expected ErrAgentExists, got %v", err)
	}
	if got, err := m.Get("t1"); err != nil || got != a {
		t.Fatalf("Get: %v %v", got, err)
	}
	if !m.Exists("t1") || m.Len() != 1 {
		t.Fatal("agent should be live")
	}

	if err := m.Remove(context.Background(), "t1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if model.closed.Load() != 1 {
		t.Fatal("removed agent should be closed")
	}
	if _, err := m.Get("t1"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if err := m.Remove(context.Background(), "t1"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound on second remove, got %v", err)
	}
}

func TestSendRoutesToThread(t *testing.T) {
	m := New(Options{Logger: quietLogger()})
	if err := m.Add(newAgent(t, "a", &stubModel{reply: "from a"})); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(newAgent(t, "b", &stubModel{reply: "from b"})); err != nil {
		t.Fatal(err)
	}

	reply, err := m.Send(context.Background(), "b", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Text != "from b" {
		t.Fatalf("unexpected reply %q", reply.Text)
	}
	if _, err := m.Send(context.Background(), "zzz", "hello"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestSendSerialisesPerThread(t *testing.T) {
	model := &stubModel{reply: "ok", started: make(chan struct{}, 4), release: make(chan struct{})}
	m := New(Options{Logger: quietLogger()})
	if err := m.Add(newAgent(t, "t", model)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Send(context.Background(), "t", "msg"); err != nil {
				t.Errorf("Send: %v", err)
			}
		}()
	}
	for i := 0; i < 3; i++ {
		<-model.started
		model.release <- struct{}{}
	}
	wg.Wait()
	if model.maxSeen.Load() != 1 {
		t.Fatalf("turns on one thread overlapped: %d concurrent", model.maxSeen.Load())
	}
}

func TestSendAfterRemovalWhileWaiting(t *testing.T) {
	model := &stubModel{reply: "late"}
	m := New(Options{Logger: quietLogger()})
	if err := m.Add(newAgent(t, "t", model)); err != nil {
		t.Fatal(err)
	}

	m.mu.RLock()
	e := m.agents["t"]
	m.mu.RUnlock()
	e.turn.Lock()

	done := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), "t", "hello")
		done <- err
	}()
	// Give Send time to pass the lookup and queue on the turn lock.
	time.Sleep(20 * time.Millisecond)

	m.mu.Lock()
	delete(m.agents, "t")
	m.mu.Unlock()
	e.turn.Unlock()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAgentNotFound) {
			t.Fatalf("expected ErrAgentNotFound, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return")
	}
	if model.maxSeen.Load() != 0 {
		t.Fatal("detached agent should not run a turn")
	}
}

func TestList(t *testing.T) {
	m := New(Options{Logger: quietLogger()})
	for _, id := range []string{"c", "a", "b"} {
		if err := m.Add(newAgent(t, id, &stubModel{})); err != nil {
			t.Fatal(err)
		}
	}
	list := m.List()
	if len(list) != 3 || list[0].ThreadID != "a" || list[2].ThreadID != "c" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[1].Name != "agent-b" {
		t.Fatalf("unexpected name %q", list[1].Name)
	}
}

func TestSweepEvictsIdleAgents(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := New(Options{IdleTTL: 10 * time.Minute, Logger: quietLogger(), Now: clk.Now})

	idle := &stubModel{reply: "x"}
	busy := &stubModel{reply: "y"}
	if err := m.Add(newAgent(t, "idle", idle)); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(newAgent(t, "busy", busy)); err != nil {
		t.Fatal(err)
	}

	clk.Advance(9 * time.Minute)
	if _, err := m.Send(context.Background(), "busy", "ping"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Minute)

	if n := m.Sweep(context.Background()); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if m.Exists("idle") || !m.Exists("busy") {
		t.Fatal("wrong agent evicted")
	}
	if idle.closed.Load() != 1 || busy.closed.Load() != 0 {
		t.Fatal("evicted agent should be closed, active agent kept open")
	}
}

func TestSweepDisabledWithoutTTL(t *testing.T) {
	m := New(Options{Logger: quietLogger()})
	if err := m.Add(newAgent(t, "t", &stubModel{})); err != nil {
		t.Fatal(err)
	}
	if n := m.Sweep(context.Background()); n != 0 || m.Len() != 1 {
		t.Fatal("sweep without TTL should keep agents")
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start without TTL: %v", err)
	}
	m.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	m := New(Options{IdleTTL: time.Minute, SweepSchedule: "whenever", Logger: quietLogger()})
	if err := m.Start(); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestStartStop(t *testing.T) {
	m := New(Options{IdleTTL: time.Minute, SweepSchedule: "@every 1h", Logger: quietLogger()})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	m.Stop()
	m.Stop()
}

func TestCloseAll(t *testing.T) {
	m := New(Options{CloseWorkers: 2, Logger: quietLogger()})
	var stubs []*stubModel
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		s := &stubModel{}
		stubs = append(stubs, s)
		if err := m.Add(newAgent(t, id, s)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if m.Len() != 0 {
		t.Fatal("manager should be empty")
	}
	for i, s := range stubs {
		if s.closed.Load() != 1 {
			t.Fatalf("agent %d closed %d times", i, s.closed.Load())
		}
	}
}
