// Package lifecycle manages an ordered set of start/stop nodes.
//
// The Client Facade registers exactly the subsystems it owns directly — the
// environment reachability prober today — and needs them started once, in
// registration order, and torn down in the exact reverse order with each
// node's context cancelled first. Earlier revisions carried a full
// parent/child dependency graph with cycle detection and per-node context
// bridging, generality the module never exercises (every node here attaches
// to the same root and declares no dependencies); this keeps the same
// Register/StartAll/Shutdown shape without it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"webphone/internal/logging"
)

// StartFunc starts a node. Its ctx is cancelled once Shutdown reaches this
// node, so long-running work should watch it.
type StartFunc func(ctx context.Context) error

// StopFunc stops a node. By the time it runs, the node's context is already
// cancelled, so the implementation only needs to wait out in-flight work.
type StopFunc func(ctx context.Context) error

type node struct {
	name  string
	start StartFunc
	stop  StopFunc

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// Manager starts a set of nodes in registration order and stops them in the
// exact reverse order. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	root  context.Context
	nodes []*node
}

// New creates a manager whose nodes all derive from rootCtx. A nil rootCtx
// defaults to context.Background().
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{root: rootCtx}
}

// Register adds a node under name, started and stopped in registration
// order relative to every other registered node.
func (m *Manager) Register(name string, start StartFunc, stop StopFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.nodes {
		if n.name == name {
			return fmt.Errorf("lifecycle: node %q already registered", name)
		}
	}
	m.nodes = append(m.nodes, &node{name: name, start: start, stop: stop})
	return nil
}

// StartAll starts every registered node in registration order, returning a
// joined error for any node whose StartFunc failed. A failed node is left
// out of the running set, so Shutdown won't try to stop it.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	nodes := append([]*node(nil), m.nodes...)
	root := m.root
	m.mu.Unlock()

	var errs error
	for _, n := range nodes {
		ctx, cancel := context.WithCancel(root)

		if n.start != nil {
			if err := n.start(ctx); err != nil {
				cancel()
				errs = errors.Join(errs, fmt.Errorf("lifecycle: start %q: %w", n.name, err))
				continue
			}
		}

		m.mu.Lock()
		n.ctx = ctx
		n.cancel = cancel
		n.running = true
		m.mu.Unlock()
	}
	logging.Debugf("lifecycle: started %d of %d node(s)", countRunning(nodes), len(nodes))
	return errs
}

func countRunning(nodes []*node) int {
	n := 0
	for _, nd := range nodes {
		if nd.running {
			n++
		}
	}
	return n
}

// Shutdown stops every running node in the exact reverse of its start
// order: cancels its context, then runs its StopFunc, returning a joined
// error for any that failed. Idempotent — a second call stops nothing.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	nodes := append([]*node(nil), m.nodes...)
	m.mu.Unlock()

	var errs error
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]

		m.mu.Lock()
		if !n.running {
			m.mu.Unlock()
			continue
		}
		n.running = false
		cancel := n.cancel
		ctx := n.ctx
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		if n.stop == nil {
			continue
		}
		if err := n.stop(ctx); err != nil {
			logging.Errorf("lifecycle: node %s stopped with error: %v", n.name, err)
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
