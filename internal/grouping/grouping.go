// Package grouping clusters images into duplicate groups by fingerprint
// distance. Grouping is a pure function of the fingerprint set and the
// distance threshold: it never re-reads pixels, so the threshold can be
// adjusted and groups rebuilt from cached fingerprints alone.
package grouping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kazukittin/dupsnap/internal/fingerprint"
)

// Item is the grouping view of one image: identity, fingerprint and the
// attributes the representative policy ranks by.
type Item struct {
	Path        string
	Fingerprint fingerprint.Fingerprint
	// Resolution is the pixel count (width * height), the primary
	// representative criterion.
	Resolution int64
	// FileSize breaks resolution ties; bigger files tend to be the less
	// recompressed copy.
	FileSize int64
}

// Group is a set of images mutually reachable under the distance threshold.
// Reachability chains: A~B and B~C places A and C in one group even when
// they are not directly similar. That recall-over-precision tradeoff is the
// intended policy; the distance matrix exists to inspect its artifacts.
type Group struct {
	// ID is 1-based and assigned only to groups of size > 1; singleton
	// groups carry ID 0 (no duplicate decision applies to them).
	ID      int
	Members []Item

	repIndex int
	// overridden is set when the user picked the representative manually.
	// The override holds until group membership changes.
	overridden bool
}

// Size returns the member count.
func (g *Group) Size() int { return len(g.Members) }

// Representative returns the member designated to be kept.
func (g *Group) Representative() Item { return g.Members[g.repIndex] }

// Overridden reports whether the representative was chosen manually.
func (g *Group) Overridden() bool { return g.overridden }

// Key is a canonical identity for the group's membership, stable across
// rebuilds. Manual representative overrides are keyed by it so they expire
// exactly when membership changes.
func (g *Group) Key() string {
	paths := make([]string, len(g.Members))
	for i, m := range g.Members {
		paths[i] = m.Path
	}
	return strings.Join(paths, "\x00")
}

// SetRepresentative overrides the default representative choice.
func (g *Group) SetRepresentative(path string) error {
	for i, m := range g.Members {
		if m.Path == path {
			g.repIndex = i
			g.overridden = true
			return nil
		}
	}
	return fmt.Errorf("grouping: %s is not a member of group %d", path, g.ID)
}

// defaultRepresentative picks the member with the highest resolution score,
// breaking ties by file size, then lexicographically smallest path.
func (g *Group) defaultRepresentative() {
	best := 0
	for i := 1; i < len(g.Members); i++ {
		a, b := g.Members[i], g.Members[best]
		switch {
		case a.Resolution != b.Resolution:
			if a.Resolution > b.Resolution {
				best = i
			}
		case a.FileSize != b.FileSize:
			if a.FileSize > b.FileSize {
				best = i
			}
		case a.Path < b.Path:
			best = i
		}
	}
	g.repIndex = best
	g.overridden = false
}

// Overrides maps a group membership key to the manually chosen
// representative path. Entries whose key no longer matches any group are
// simply ignored, which is how overrides expire on membership change.
type Overrides map[string]string

// Build computes groups as connected components of the graph with an edge
// between every pair of images whose fingerprint distance is <= threshold.
// The result depends only on the fingerprint set and the threshold, not on
// input order: members and groups are sorted canonically.
func Build(items []Item, threshold int, overrides Overrides) []*Group {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	uf := newUnionFind(len(sorted))
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i].Fingerprint.Distance(sorted[j].Fingerprint) <= threshold {
				uf.union(i, j)
			}
		}
	}

	components := make(map[int][]Item)
	for i, item := range sorted {
		root := uf.find(i)
		components[root] = append(components[root], item)
	}

	groups := make([]*Group, 0, len(components))
	for _, members := range components {
		// Members arrive in path order because the source slice is sorted.
		g := &Group{Members: members}
		g.defaultRepresentative()
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Members[0].Path < groups[j].Members[0].Path })

	id := 0
	for _, g := range groups {
		if g.Size() > 1 {
			id++
			g.ID = id
		}
		if rep, ok := overrides[g.Key()]; ok {
			// Stale overrides (member gone) fall back to the default.
			_ = g.SetRepresentative(rep)
		}
	}
	return groups
}

// DistanceMatrix returns the symmetric pairwise Hamming distance matrix for
// the items in path-sorted order, for diagnostics and chaining inspection.
func DistanceMatrix(items []Item) [][]int {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	matrix := make([][]int, len(sorted))
	for i := range matrix {
		matrix[i] = make([]int, len(sorted))
	}
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			d := sorted[i].Fingerprint.Distance(sorted[j].Fingerprint)
			matrix[i][j] = d
			matrix[j][i] = d
		}
	}
	return matrix
}

// unionFind is a classic disjoint-set with path compression and union by
// rank, so grouping does not depend on merge order.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
}
