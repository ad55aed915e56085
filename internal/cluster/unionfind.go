package cluster

import "sort"

// UnionFind is a disjoint-set forest over addresses with path compression
// and union by rank. Addresses are mapped to dense indexes on first use.
type UnionFind struct {
	index  map[string]int
	names  []string
	parent []int
	rank   []int
}

// NewUnionFind creates an empty forest.
func NewUnionFind() *UnionFind {
	return &UnionFind{index: make(map[string]int)}
}

// Add inserts addr as a singleton set if it is not present and returns its
// index.
func (u *UnionFind) Add(addr string) int {
	if i, ok := u.index[addr]; ok {
		return i
	}
	i := len(u.names)
	u.index[addr] = i
	u.names = append(u.names, addr)
	u.parent = append(u.parent, i)
	u.rank = append(u.rank, 0)
	return i
}

// Has reports whether addr was added.
func (u *UnionFind) Has(addr string) bool {
	_, ok := u.index[addr]
	return ok
}

// Len returns the number of addresses in the forest.
func (u *UnionFind) Len() int {
	return len(u.names)
}

// Find returns the representative of addr's set, adding addr if needed.
func (u *UnionFind) Find(addr string) string {
	return u.names[u.find(u.Add(addr))]
}

func (u *UnionFind) find(i int) int {
	root := i
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[i] != root {
		next := u.parent[i]
		u.parent[i] = root
		i = next
	}
	return root
}

// Union merges the sets of a and b and reports whether they were distinct.
// On equal rank the earlier added root wins, which keeps representatives
// stable for a fixed insertion order.
func (u *UnionFind) Union(a, b string) bool {
	ra, rb := u.find(u.Add(a)), u.find(u.Add(b))
	if ra == rb {
		return false
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		ra, rb = rb, ra
	case u.rank[ra] == u.rank[rb]:
		if rb < ra {
			ra, rb = rb, ra
		}
		u.rank[ra]++
	}
	u.parent[rb] = ra
	return true
}

// Connected reports whether a and b are in the same set.
func (u *UnionFind) Connected(a, b string) bool {
	ia, ok := u.index[a]
	if !ok {
		return false
	}
	ib, ok := u.index[b]
	if !ok {
		return false
	}
	return u.find(ia) == u.find(ib)
}

// Members returns the sorted members of addr's set.
func (u *UnionFind) Members(addr string) []string {
	i, ok := u.index[addr]
	if !ok {
		return []string{addr}
	}
	root := u.find(i)
	var out []string
	for j, name := range u.names {
		if u.find(j) == root {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
