package procscan

import "sort"

// Tree is a parent/child view over one scan.
type Tree struct {
	parent   map[int]int
	children map[int][]int
}

// NewTree builds a tree from a pid to parent-pid map.
func NewTree(ancestry map[int]int) *Tree {
	t := &Tree{
		parent:   ancestry,
		children: make(map[int][]int, len(ancestry)),
	}
	for pid, ppid := range ancestry {
		if pid == ppid {
			continue
		}
		t.children[ppid] = append(t.children[ppid], pid)
	}
	for _, kids := range t.children {
		sort.Ints(kids)
	}
	return t
}

// Parent returns the parent pid, or 0.
func (t *Tree) Parent(pid int) int {
	return t.parent[pid]
}

// Children returns the direct children of pid.
func (t *Tree) Children(pid int) []int {
	return t.children[pid]
}

// Ancestors walks up from pid, excluding pid itself, for at most maxDepth
// hops. The walk stops at pid 0/1 and on cycles.
func (t *Tree) Ancestors(pid, maxDepth int) []int {
	var out []int
	seen := map[int]bool{pid: true}
	cur := pid
	for depth := 0; depth < maxDepth; depth++ {
		ppid, ok := t.parent[cur]
		if !ok || ppid <= 1 || seen[ppid] {
			break
		}
		out = append(out, ppid)
		seen[ppid] = true
		cur = ppid
	}
	return out
}

// Descendants returns every process below root within maxDepth levels,
// breadth first. root itself is not included.
func (t *Tree) Descendants(root, maxDepth int) []int {
	var out []int
	seen := map[int]bool{root: true}
	frontier := []int{root}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []int
		for _, pid := range frontier {
			for _, child := range t.children[pid] {
				if seen[child] {
					continue
				}
				seen[child] = true
				out = append(out, child)
				next = append(next, child)
			}
		}
		frontier = next
	}
	return out
}

// RootIndex maps every descendant of each root (within maxDepth) back to
// that root. When trees overlap, the first root in roots wins.
func (t *Tree) RootIndex(roots []int, maxDepth int) map[int]int {
	idx := make(map[int]int)
	for _, root := range roots {
		for _, pid := range t.Descendants(root, maxDepth) {
			if _, taken := idx[pid]; !taken {
				idx[pid] = root
			}
		}
	}
	return idx
}
