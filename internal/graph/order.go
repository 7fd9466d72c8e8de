package graph

import "sort"

// Order is the result of a compile ordering pass. Levels holds the nodes in
// topological layers: every dependency of a level-N node is either outside
// the ordered set (and therefore already compiled) or in a level before N.
// Nodes within one level are independent and may compile concurrently.
// Blocked holds the nodes excluded from every level, with the reason.
type Order struct {
	Levels  [][]string
	Blocked map[string]error
}

// Total returns the number of nodes across all levels.
func (o *Order) Total() int {
	n := 0
	for _, level := range o.Levels {
		n += len(level)
	}
	return n
}

// CompileOrder computes a topological leveling (Kahn's algorithm) over the
// given root set. Nodes with unresolved aliases, pending derive targets or a
// cycle mark are blocked, as is anything in the set that depends on a
// blocked node. Dependencies outside the set do not gate ordering; callers
// only pass sets that are closed under invalidation, so out-of-set
// dependencies are compiled already.
func (m *Manager) CompileOrder(roots []string) *Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := make(map[string]*node, len(roots))
	for _, id := range roots {
		if n, ok := m.nodes[id]; ok {
			set[id] = n
		}
	}

	blocked := make(map[string]error)
	for id, n := range set {
		if err, ok := m.cyclic[id]; ok {
			blocked[id] = err
			continue
		}
		if err := firstRefError(n); err != nil {
			blocked[id] = err
		}
	}

	// Blocked status propagates along in-set edges: a file deriving from a
	// blocked file must not compile with partial macro data.
	for changed := true; changed; {
		changed = false
		for id, n := range set {
			if _, done := blocked[id]; done {
				continue
			}
			for depID := range n.deps {
				cause, isBlocked := blocked[depID]
				if !isBlocked {
					continue
				}
				blocked[id] = &DependencyError{ID: id, Dependency: depID, Cause: cause}
				changed = true
				break
			}
		}
	}

	indegree := make(map[string]int, len(set))
	for id, n := range set {
		if _, isBlocked := blocked[id]; isBlocked {
			continue
		}
		count := 0
		for depID := range n.deps {
			if _, inSet := set[depID]; !inSet {
				continue
			}
			if _, isBlocked := blocked[depID]; isBlocked {
				continue
			}
			count++
		}
		indegree[id] = count
	}

	order := &Order{Blocked: blocked}
	current := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		order.Levels = append(order.Levels, current)

		var next []string
		for _, id := range current {
			delete(indegree, id)
			for depID := range set[id].dependents {
				if _, pending := indegree[depID]; !pending {
					continue
				}
				indegree[depID]--
				if indegree[depID] == 0 {
					next = append(next, depID)
				}
			}
		}
		current = next
	}

	// Anything left never reached indegree zero, meaning an in-set
	// dependency chain never became ready. With cycles excluded above the
	// loop body is unreachable; nodes must still never be dropped silently.
	for id := range indegree {
		if _, done := blocked[id]; !done {
			blocked[id] = &CycleError{Members: []string{id}}
		}
	}

	return order
}

// firstRefError returns the node's own blocking condition, if any: the first
// unresolved alias or pending derive target, in derive declaration order.
func firstRefError(n *node) error {
	for _, ref := range n.rawDerives {
		if err, ok := n.unresolved[ref]; ok {
			return err
		}
		if candidates, ok := n.pending[ref]; ok {
			return &UnresolvedDeriveError{Reference: ref, Target: candidates[0]}
		}
	}
	return nil
}
