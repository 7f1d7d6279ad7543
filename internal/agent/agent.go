// Package agent holds the controller-side bookkeeping for agents and
// the nodes backing them.  Each agent guards its own mutable state
// (connection flags, current build id) with its own mutex; agents are
// never locked across each other.
package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/terrpan/codebuild-agents/internal/launcher"
)

// Node is a registry entry backing one agent.
type Node struct {
	name      string
	ephemeral bool
}

// Compile-time check.
var _ launcher.Node = (*Node)(nil)

func (n *Node) DisplayName() string { return n.name }

// Ephemeral reports whether the launcher owns this node's lifecycle.
func (n *Node) Ephemeral() bool { return n.ephemeral }

// Agent is the concrete launcher.CodeBuildAgent.  The secret is fixed
// at creation; everything else is mutable and mutex-guarded.
type Agent struct {
	name   string
	secret string
	node   *Node

	mu            sync.Mutex
	online        bool
	acceptingWork bool
	buildID       string
}

// Compile-time check.
var _ launcher.CodeBuildAgent = (*Agent)(nil)

func (a *Agent) Name() string   { return a.name }
func (a *Agent) Secret() string { return a.secret }

func (a *Agent) Node() launcher.Node {
	if a.node == nil {
		return nil
	}
	return a.node
}

func (a *Agent) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

func (a *Agent) AcceptingWork() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acceptingWork
}

func (a *Agent) BuildID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buildID
}

func (a *Agent) SetBuildID(id string) {
	a.mu.Lock()
	a.buildID = id
	a.mu.Unlock()
}

// MarkConnected records that the agent established its control-plane
// connection and is accepting work.
func (a *Agent) MarkConnected() {
	a.mu.Lock()
	a.online = true
	a.acceptingWork = true
	a.mu.Unlock()
}

// MarkDisconnected records that the agent's connection dropped.
func (a *Agent) MarkDisconnected() {
	a.mu.Lock()
	a.online = false
	a.acceptingWork = false
	a.mu.Unlock()
}

// Registry tracks agents by name.
type Registry struct {
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

// Compile-time check that Registry can deprovision nodes for the launcher.
var _ launcher.NodeRemover = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		agents: make(map[string]*Agent),
	}
}

// Create registers a new agent backed by an ephemeral node.  If name is
// empty a unique one is generated.  The agent's secret is a fresh
// opaque token.
func (r *Registry) Create(name string) *Agent {
	if name == "" {
		name = "agent-" + uuid.NewString()[:8]
	}

	a := &Agent{
		name:   name,
		secret: uuid.NewString(),
		node:   &Node{name: name, ephemeral: true},
	}

	r.mu.Lock()
	r.agents[name] = a
	r.mu.Unlock()

	r.logger.Info("agent registered", slog.String("agent", name))
	return a
}

// Get returns the agent with the given name, or nil.
func (r *Registry) Get(name string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[name]
}

// Names returns the registered agent names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// RemoveNode deprovisions the agent backed by node.  Removing an
// unknown node is not an error; deprovisioning races with disconnects.
func (r *Registry) RemoveNode(_ context.Context, node launcher.Node) error {
	r.mu.Lock()
	_, ok := r.agents[node.DisplayName()]
	delete(r.agents, node.DisplayName())
	r.mu.Unlock()

	if ok {
		r.logger.Info("agent deprovisioned", slog.String("agent", node.DisplayName()))
	}
	return nil
}
