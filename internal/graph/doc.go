// Package graph maintains the directed derive graph over the source index:
// edge resolution through the alias table, pending references for targets
// that do not exist yet, reverse-closure invalidation lookup, cycle
// detection, and topological compile ordering.
package graph
