package firewall

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Call records one mutating call made against a Memory provider.
type Call struct {
	Op         string // "revoke" or "authorize"
	ResourceID string
	Fragments  []Fragment
}

// Memory is an in-process Provider. It applies mutations with the same merge
// semantics as EC2 security groups: fragments are keyed by protocol and port
// range, authorizing into an existing key appends CIDRs, and revoking removes
// the listed CIDRs, dropping the fragment when it becomes empty.
type Memory struct {
	mu        sync.Mutex
	resources map[string]*Resource
	calls     []Call

	// Fail makes the next mutating call against a resource ID return the error.
	fail map[string]error
}

// NewMemory creates a Memory provider seeded with resources.
func NewMemory(resources ...Resource) *Memory {
	m := &Memory{
		resources: make(map[string]*Resource),
		fail:      make(map[string]error),
	}
	for _, r := range resources {
		c := r.Clone()
		m.resources[r.ID] = &c
	}
	return m
}

// ListMatching implements Provider.
func (m *Memory) ListMatching(ctx context.Context, selector Selector) ([]Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.fail["list"]; ok {
		delete(m.fail, "list")
		return nil, err
	}

	var out []Resource
	for _, r := range m.resources {
		if selector.Matches(r.Tags) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Revoke implements Provider.
func (m *Memory) Revoke(ctx context.Context, resourceID string, fragments []Fragment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: "revoke", ResourceID: resourceID, Fragments: cloneFragments(fragments)})
	if err := m.takeFailure(resourceID); err != nil {
		return err
	}

	r, ok := m.resources[resourceID]
	if !ok {
		return fmt.Errorf("resource %s not found", resourceID)
	}

	for _, f := range fragments {
		idx := findFragment(r.Fragments, f)
		if idx < 0 {
			return fmt.Errorf("resource %s: no %s %d-%d permission to revoke", resourceID, f.Protocol, f.FromPort, f.ToPort)
		}
		drop := make(map[string]bool, len(f.CIDRs))
		for _, c := range f.CIDRs {
			drop[c] = true
		}
		kept := r.Fragments[idx].CIDRs[:0]
		for _, c := range r.Fragments[idx].CIDRs {
			if !drop[c] {
				kept = append(kept, c)
			}
		}
		r.Fragments[idx].CIDRs = kept
		if len(kept) == 0 {
			r.Fragments = append(r.Fragments[:idx], r.Fragments[idx+1:]...)
		}
	}
	return nil
}

// Authorize implements Provider.
func (m *Memory) Authorize(ctx context.Context, resourceID string, fragment Fragment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: "authorize", ResourceID: resourceID, Fragments: []Fragment{fragment.Clone()}})
	if err := m.takeFailure(resourceID); err != nil {
		return err
	}

	r, ok := m.resources[resourceID]
	if !ok {
		return fmt.Errorf("resource %s not found", resourceID)
	}

	idx := findFragment(r.Fragments, fragment)
	if idx < 0 {
		r.Fragments = append(r.Fragments, Fragment{
			Protocol: fragment.Protocol,
			FromPort: fragment.FromPort,
			ToPort:   fragment.ToPort,
		})
		idx = len(r.Fragments) - 1
	}
	existing := make(map[string]bool, len(r.Fragments[idx].CIDRs))
	for _, c := range r.Fragments[idx].CIDRs {
		existing[c] = true
	}
	for _, c := range fragment.CIDRs {
		if existing[c] {
			return fmt.Errorf("resource %s: duplicate permission %s", resourceID, c)
		}
	}
	r.Fragments[idx].CIDRs = append(r.Fragments[idx].CIDRs, fragment.CIDRs...)
	return nil
}

// FailNext makes the next mutating call against resourceID fail with err.
// The key "list" fails the next ListMatching call instead.
func (m *Memory) FailNext(resourceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[resourceID] = err
}

// Calls returns the mutating calls made so far.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// ResetCalls clears the call log.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Resource returns a copy of a stored resource.
func (m *Memory) Resource(id string) (Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return Resource{}, false
	}
	return r.Clone(), true
}

func (m *Memory) takeFailure(resourceID string) error {
	if err, ok := m.fail[resourceID]; ok {
		delete(m.fail, resourceID)
		return err
	}
	return nil
}

func findFragment(fragments []Fragment, f Fragment) int {
	proto := NormalizeProtocol(f.Protocol)
	for i, existing := range fragments {
		if NormalizeProtocol(existing.Protocol) == proto && existing.FromPort == f.FromPort && existing.ToPort == f.ToPort {
			return i
		}
	}
	return -1
}

func cloneFragments(fragments []Fragment) []Fragment {
	out := make([]Fragment, len(fragments))
	for i, f := range fragments {
		out[i] = f.Clone()
	}
	return out
}
