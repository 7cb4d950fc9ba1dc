package hierarchy

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory Persistence with failure injection.
type memStore struct {
	mu    sync.Mutex
	nodes map[string]*Node
	limit int

	// failSetActive fails the nth SetActive call (1-based) with setActiveErr.
	failSetActive  int
	setActiveErr   error
	setActiveCalls int

	// afterSetActive runs after each successful SetActive call.
	afterSetActive func(call int)

	// beforeUpdate runs before Update checks versions.
	beforeUpdate func()

	// listFailures makes the next n ListByParent calls fail transiently.
	listFailures int
	listCalls    int

	// insertErr fails every Insert.
	insertErr   error
	insertCalls int
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[string]*Node)}
}

// put stores n directly, bypassing every check.
func (m *memStore) put(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.Version == 0 {
		n.Version = 1
	}
	m.nodes[n.ID] = n.Clone()
}

func (m *memStore) node(id string) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[id].Clone()
}

func (m *memStore) Insert(_ context.Context, n *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	if m.insertErr != nil {
		return m.insertErr
	}
	for _, other := range m.nodes {
		if other.Name == n.Name {
			return ErrDuplicateName
		}
	}
	if n.ParentID != "" {
		if _, ok := m.nodes[n.ParentID]; !ok {
			return ErrParentNotFound
		}
	}
	m.nodes[n.ID] = n.Clone()
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return n.Clone(), nil
}

func (m *memStore) GetByName(_ context.Context, name string) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.Name == name {
			return n.Clone(), nil
		}
	}
	return nil, ErrNodeNotFound
}

func (m *memStore) ListByParent(_ context.Context, parentID string) ([]*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listFailures > 0 {
		m.listFailures--
		return nil, fmt.Errorf("%w: throttled", ErrPersistenceUnavailable)
	}
	var out []*Node
	for _, n := range m.nodes {
		if n.ParentID == parentID {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, n *Node, expectedVersion int64, guards []Guard) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range guards {
		cur, ok := m.nodes[g.ID]
		if !ok || cur.Version != g.Version {
			return ErrConcurrentModification
		}
	}
	cur, ok := m.nodes[n.ID]
	if !ok {
		return ErrNodeNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConcurrentModification
	}
	for _, other := range m.nodes {
		if other.ID != n.ID && other.Name == n.Name {
			return ErrDuplicateName
		}
	}
	next := n.Clone()
	next.IsActive = cur.IsActive
	next.CascadeRoot = cur.CascadeRoot
	next.CreatedAt = cur.CreatedAt
	next.Version = expectedVersion + 1
	m.nodes[n.ID] = next
	n.Version = next.Version
	return nil
}

func (m *memStore) SetActive(_ context.Context, change ActiveChange) error {
	m.mu.Lock()
	m.setActiveCalls++
	call := m.setActiveCalls
	if call == m.failSetActive {
		m.mu.Unlock()
		return m.setActiveErr
	}
	for _, id := range change.IDs {
		if _, ok := m.nodes[id]; !ok {
			m.mu.Unlock()
			return ErrNodeNotFound
		}
	}
	for _, id := range change.IDs {
		n := m.nodes[id]
		n.IsActive = change.Active
		n.CascadeRoot = change.CascadeRoot
		n.UpdatedBy = change.By
		n.UpdatedAt = change.At
		n.Version++
	}
	hook := m.afterSetActive
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return nil
}

func (m *memStore) BatchLimit() int {
	return m.limit
}

// recordingSink collects audit entries.
type recordingSink struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (r *recordingSink) Record(_ context.Context, e AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingSink) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

var testClock = func() time.Time {
	return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
}

func nodeIDs(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
