package graph

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rsml-lang/rsmlc/internal/alias"
)

// UnresolvedDeriveError reports a derive reference whose target is not
// present in the index. The reference is kept as a pending edge and blocks
// the referencing file until the target appears.
type UnresolvedDeriveError struct {
	Reference string
	Target    string
}

func (e *UnresolvedDeriveError) Error() string {
	return fmt.Sprintf("unresolved derive %q: no source file at %s", e.Reference, e.Target)
}

// CycleError reports a derive cycle. Every member of the cycle carries the
// same error and is excluded from compile ordering until an edge changes.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("derive cycle detected involving %s", strings.Join(e.Members, " -> "))
}

// DependencyError marks a file blocked because something it derives from
// (directly or transitively) is itself blocked or cyclic.
type DependencyError struct {
	ID         string
	Dependency string
	Cause      error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s blocked by dependency %s: %v", e.ID, e.Dependency, e.Cause)
}

func (e *DependencyError) Unwrap() error { return e.Cause }

// node is one vertex. deps/dependents hold satisfied edges only; references
// to missing or alias-unresolvable targets live in pending/unresolved.
type node struct {
	id         string
	rawDerives []string
	resolved   map[string]string   // reference -> target id (edge exists)
	pending    map[string][]string // reference -> candidate ids, none existing yet
	unresolved map[string]error    // reference -> alias failure
	selfRef    bool                // a derive reference resolved to the file itself
	deps       map[string]*node
	dependents map[string]*node
}

// Manager maintains the directed derive graph over the source index. The
// invariant mirrors the index exactly: a graph node exists for every indexed
// file and for nothing else; an edge never points at a missing node.
//
// Structural mutation (UpsertNode, RemoveNode) is serialized by the caller;
// the mutex exists so read paths used during parallel compilation stay safe.
type Manager struct {
	mu      sync.RWMutex
	aliases *alias.Table
	nodes   map[string]*node
	// waiters indexes pending references by their missing target, so the
	// target's later creation re-satisfies dependents without touching them.
	waiters map[string]map[string]struct{}
	// cyclic holds the nodes currently on a derive cycle.
	cyclic map[string]*CycleError
}

// New creates an empty graph manager resolving references through the given
// alias table.
func New(aliases *alias.Table) *Manager {
	return &Manager{
		aliases: aliases,
		nodes:   make(map[string]*node),
		waiters: make(map[string]map[string]struct{}),
		cyclic:  make(map[string]*CycleError),
	}
}

// Has reports whether id is a node.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[id]
	return ok
}

// Len returns the node count.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Dependencies returns the ids this node's satisfied edges point at, sorted.
func (m *Manager) Dependencies(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil
	}
	return sortedKeys(n.deps)
}

// Dependents returns the ids of nodes with a satisfied edge to id, sorted.
func (m *Manager) Dependents(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil
	}
	return sortedKeys(n.dependents)
}

// ResolvedDeps returns the reference -> target mapping for id's satisfied
// edges, in the file's derive declaration order.
func (m *Manager) ResolvedDeps(id string) []ResolvedRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil
	}
	var out []ResolvedRef
	for _, ref := range n.rawDerives {
		if target, ok := n.resolved[ref]; ok {
			out = append(out, ResolvedRef{Reference: ref, Target: target})
		}
	}
	return out
}

// ResolvedRef pairs a raw derive reference with the id it resolved to.
type ResolvedRef struct {
	Reference string
	Target    string
}

// UpsertNode creates or refreshes the node for id with its raw derive
// references, resolving each through the alias table and replacing the
// node's outgoing edge set. A reference binds to its first candidate that is
// a node; a reference with no existing candidate waits on all of them, so
// whichever appears first satisfies it. It returns the ids of dependents
// whose pending reference this upsert satisfied; those need recompilation.
func (m *Manager) UpsertNode(id string, rawDerives []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.ensureNode(id)
	m.dropOutgoing(n)
	n.rawDerives = append([]string(nil), rawDerives...)

	for _, ref := range rawDerives {
		candidates, err := m.aliases.Resolve(ref, id)
		if err != nil {
			n.unresolved[ref] = err
			continue
		}

		target := ""
		for _, cand := range candidates {
			if cand == id || m.nodes[cand] != nil {
				target = cand
				break
			}
		}
		if target == "" {
			n.pending[ref] = candidates
			for _, cand := range candidates {
				m.addWaiter(cand, id)
			}
			continue
		}

		n.resolved[ref] = target
		if target == id {
			// A self-derive is the smallest cycle.
			n.selfRef = true
			continue
		}
		dep := m.nodes[target]
		n.deps[target] = dep
		dep.dependents[id] = n
	}

	satisfied := m.satisfyWaiters(n)
	m.refreshCycles(append(satisfied, id))
	return satisfied
}

// RemoveNode deletes id from the graph. Outgoing edges disappear; incoming
// edges are re-resolved: a reference with another existing candidate rebinds
// to it, anything else is demoted to a pending reference so dependents
// become blocked rather than silently dropped, and a later re-creation of a
// candidate path re-satisfies them. The affected dependents are returned.
func (m *Manager) RemoveNode(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return nil
	}

	m.dropOutgoing(n)

	var demoted []string
	for depID, dep := range n.dependents {
		for ref, target := range dep.resolved {
			if target != id {
				continue
			}
			delete(dep.resolved, ref)
			delete(dep.deps, id)

			candidates, err := m.aliases.Resolve(ref, depID)
			if err != nil {
				dep.unresolved[ref] = err
				continue
			}
			rebound := ""
			for _, cand := range candidates {
				if cand == id {
					continue
				}
				if m.nodes[cand] != nil {
					rebound = cand
					break
				}
			}
			if rebound != "" {
				dep.resolved[ref] = rebound
				other := m.nodes[rebound]
				dep.deps[rebound] = other
				other.dependents[depID] = dep
				continue
			}
			dep.pending[ref] = candidates
			for _, cand := range candidates {
				m.addWaiter(cand, depID)
			}
		}
		demoted = append(demoted, depID)
	}
	sort.Strings(demoted)

	delete(m.nodes, id)
	delete(m.cyclic, id)
	m.refreshCycles(demoted)
	return demoted
}

// AffectedBy returns the transitive reverse-dependency closure of id: every
// node whose compilation consumes id's macro set, directly or indirectly.
// id itself is not included.
func (m *Manager) AffectedBy(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start, ok := m.nodes[id]
	if !ok {
		return nil
	}

	seen := map[string]bool{id: true}
	queue := []*node{start}
	var closure []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for depID, dep := range cur.dependents {
			if seen[depID] {
				continue
			}
			seen[depID] = true
			closure = append(closure, depID)
			queue = append(queue, dep)
		}
	}
	sort.Strings(closure)
	return closure
}

func (m *Manager) ensureNode(id string) *node {
	if n, ok := m.nodes[id]; ok {
		return n
	}
	n := &node{
		id:         id,
		resolved:   make(map[string]string),
		pending:    make(map[string][]string),
		unresolved: make(map[string]error),
		deps:       make(map[string]*node),
		dependents: make(map[string]*node),
	}
	m.nodes[id] = n
	return n
}

// dropOutgoing clears the node's outgoing edge set and its waiter entries.
func (m *Manager) dropOutgoing(n *node) {
	for target := range n.deps {
		delete(m.nodes[target].dependents, n.id)
	}
	for _, candidates := range n.pending {
		for _, cand := range candidates {
			m.removeWaiter(cand, n.id)
		}
	}
	n.resolved = make(map[string]string)
	n.pending = make(map[string][]string)
	n.unresolved = make(map[string]error)
	n.selfRef = false
	n.deps = make(map[string]*node)
}

func (m *Manager) addWaiter(target, waiter string) {
	set, ok := m.waiters[target]
	if !ok {
		set = make(map[string]struct{})
		m.waiters[target] = set
	}
	set[waiter] = struct{}{}
}

func (m *Manager) removeWaiter(target, waiter string) {
	if set, ok := m.waiters[target]; ok {
		delete(set, waiter)
		if len(set) == 0 {
			delete(m.waiters, target)
		}
	}
}

// satisfyWaiters converts pending references with n among their candidates
// into real edges, dropping the waiters held on the other candidates.
func (m *Manager) satisfyWaiters(n *node) []string {
	set, ok := m.waiters[n.id]
	if !ok {
		return nil
	}
	delete(m.waiters, n.id)

	var satisfied []string
	for waiterID := range set {
		w, ok := m.nodes[waiterID]
		if !ok {
			continue
		}
		bound := false
		for ref, candidates := range w.pending {
			if !slices.Contains(candidates, n.id) {
				continue
			}
			delete(w.pending, ref)
			for _, cand := range candidates {
				if cand != n.id {
					m.removeWaiter(cand, waiterID)
				}
			}
			w.resolved[ref] = n.id
			w.deps[n.id] = n
			n.dependents[waiterID] = w
			bound = true
		}
		if bound {
			satisfied = append(satisfied, waiterID)
		}
	}
	sort.Strings(satisfied)
	return satisfied
}

// refreshCycles re-runs cycle detection for the touched nodes plus every
// node previously marked cyclic, clearing marks for broken cycles and
// setting them for new ones. Detection is a depth-first walk over outgoing
// edges that treats the start node as an ancestor: reaching it again yields
// the cycle path.
func (m *Manager) refreshCycles(touched []string) {
	candidates := make(map[string]bool, len(touched)+len(m.cyclic))
	for _, id := range touched {
		candidates[id] = true
	}
	for id := range m.cyclic {
		candidates[id] = true
	}

	next := make(map[string]*CycleError)
	for id := range candidates {
		n, ok := m.nodes[id]
		if !ok {
			continue
		}
		if _, done := next[id]; done {
			continue
		}
		if n.selfRef {
			next[id] = &CycleError{Members: []string{id}}
			continue
		}
		if cycle := m.findCycleFrom(n); cycle != nil {
			err := &CycleError{Members: cycle}
			for _, member := range cycle {
				next[member] = err
			}
		}
	}
	m.cyclic = next
}

// findCycleFrom returns the path of a cycle that passes through start, or
// nil. Nodes whose full exploration never reached start are memoized as
// safe, so diamond-shaped graphs are walked once per node instead of once
// per path. The result is rotated so it begins at the lexicographically
// smallest member, making the reported cycle deterministic.
func (m *Manager) findCycleFrom(start *node) []string {
	var path []string
	onPath := make(map[string]bool)
	safe := make(map[string]bool)

	var visit func(n *node) []string
	visit = func(n *node) []string {
		if n == start && len(path) > 0 {
			return append([]string(nil), path...)
		}
		if onPath[n.id] || safe[n.id] {
			return nil
		}
		onPath[n.id] = true
		path = append(path, n.id)
		for _, dep := range n.deps {
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		delete(onPath, n.id)
		safe[n.id] = true
		return nil
	}

	cycle := visit(start)
	if cycle == nil {
		return nil
	}
	return rotateToSmallest(cycle)
}

func rotateToSmallest(cycle []string) []string {
	smallest := 0
	for i, id := range cycle {
		if id < cycle[smallest] {
			smallest = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[smallest:]...)
	out = append(out, cycle[:smallest]...)
	return out
}

func sortedKeys(nodes map[string]*node) []string {
	keys := make([]string, 0, len(nodes))
	for k := range nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
