// Package topology computes the join tree of a scalar volume: where
// sublevel-set components are born (minima), where they merge (saddles)
// and where the last one ends (the global maximum). The result is the
// extremum graph the viewer front end draws next to the volume.
package topology

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/volrnd/server/internal/volume"
)

// CriticalType classifies a graph node. The numeric values are the critical
// point codes the front end colors by.
type CriticalType int

const (
	Minimum CriticalType = 0
	Saddle  CriticalType = 1
	Maximum CriticalType = 3
)

func (t CriticalType) String() string {
	switch t {
	case Minimum:
		return "minimum"
	case Saddle:
		return "saddle"
	case Maximum:
		return "maximum"
	}
	return fmt.Sprintf("CriticalType(%d)", int(t))
}

// DefaultMaxVertices bounds the grids JoinTree accepts when Options leaves
// MaxVertices unset.
const DefaultMaxVertices = 1 << 24

// ErrTooLarge is returned for grids above the vertex limit.
var ErrTooLarge = errors.New("volume too large for extremum graph")

// Node is a critical point. X, Y and Z are world coordinates.
type Node struct {
	ID     int          `json:"id"`
	Type   CriticalType `json:"type"`
	Scalar float64      `json:"scalar"`
	X      float64      `json:"x"`
	Y      float64      `json:"y"`
	Z      float64      `json:"z"`
	// Index is the grid point the node sits on.
	Index [3]int `json:"index"`
}

// Link is a tree arc from the lower node to the upper one.
type Link struct {
	Source int `json:"source"`
	Target int `json:"target"`
}

// Graph is the join tree. Node IDs are indices into Nodes.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// Counts returns the number of minima, saddles and maxima.
func (g *Graph) Counts() (minima, saddles, maxima int) {
	for _, n := range g.Nodes {
		switch n.Type {
		case Minimum:
			minima++
		case Saddle:
			saddles++
		case Maximum:
			maxima++
		}
	}
	return minima, saddles, maxima
}

// Options tunes JoinTree.
type Options struct {
	// MinPersistence prunes minima whose branch spans no more than this
	// fraction of the scalar range. Zero keeps every minimum with a
	// non-zero branch.
	MinPersistence float64
	// MaxVertices caps the grid size. Zero means DefaultMaxVertices.
	MaxVertices int
}

// JoinTree sweeps the grid points of vol in ascending scalar order over the
// 6-connected neighbourhood. Ties are broken by grid index and NaN samples
// are skipped. When components merge, the one born lowest survives.
func JoinTree(vol *volume.ImageVolume, opts Options) (*Graph, error) {
	if vol == nil || vol.Len() == 0 {
		return nil, errors.New("extremum graph: empty volume")
	}
	limit := opts.MaxVertices
	if limit <= 0 {
		limit = DefaultMaxVertices
	}
	limit = min(limit, math.MaxInt32)
	if vol.Len() > limit {
		return nil, fmt.Errorf("%w: %d vertices (max %d)", ErrTooLarge, vol.Len(), limit)
	}

	b := newBuilder(vol)
	lo, hi := vol.ScalarRange()
	if t := opts.MinPersistence * (hi - lo); t > 0 {
		b.threshold = t
	}
	b.sweep()
	return &b.g, nil
}

type builder struct {
	vol       *volume.ImageVolume
	dims      [3]int
	s         []float32
	threshold float64

	// parent is -1 until a vertex is swept. birth and head are only
	// meaningful on roots: the oldest minimum of the component and the
	// node at the top of its arc, or -1 while that minimum is not emitted.
	parent []int32
	birth  []int32
	head   []int32

	nodeVertex []int32
	g          Graph
}

func newBuilder(vol *volume.ImageVolume) *builder {
	n := vol.Len()
	b := &builder{
		vol:    vol,
		dims:   vol.Dimensions(),
		s:      vol.Scalars(),
		parent: make([]int32, n),
		birth:  make([]int32, n),
		head:   make([]int32, n),
		g:      Graph{Nodes: []Node{}, Links: []Link{}},
	}
	for i := range b.parent {
		b.parent[i] = -1
	}
	return b
}

// older reports whether vertex a comes before b in the sweep.
func (b *builder) older(a, c int32) bool {
	if b.s[a] != b.s[c] {
		return b.s[a] < b.s[c]
	}
	return a < c
}

func (b *builder) sweep() {
	order := make([]int32, 0, len(b.s))
	for i, v := range b.s {
		if !math.IsNaN(float64(v)) {
			order = append(order, int32(i))
		}
	}
	slices.SortFunc(order, func(a, c int32) int {
		if r := cmp.Compare(b.s[a], b.s[c]); r != 0 {
			return r
		}
		return cmp.Compare(a, c)
	})

	roots := make([]int32, 0, 6)
	live := make([]int32, 0, 6)
	for _, v := range order {
		b.parent[v] = v
		b.birth[v] = v
		b.head[v] = -1
		roots = b.neighbourRoots(v, roots[:0])
		if len(roots) > 0 {
			live = b.merge(v, roots, live[:0])
		}
	}

	// The last swept vertex of each component is its maximum.
	done := make(map[int32]bool)
	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		r := b.find(v)
		if done[r] {
			continue
		}
		done[r] = true
		h := b.arcHead(r)
		if b.nodeVertex[h] != v {
			b.link(h, b.emit(Maximum, v))
		}
	}
}

// merge joins v and the components in roots. Younger components whose
// branch is too short are absorbed without a saddle.
func (b *builder) merge(v int32, roots, live []int32) []int32 {
	slices.SortFunc(roots, func(a, c int32) int {
		if b.older(b.birth[a], b.birth[c]) {
			return -1
		}
		return 1
	})
	elder := roots[0]
	live = append(live, elder)
	for _, r := range roots[1:] {
		if float64(b.s[v])-float64(b.s[b.birth[r]]) > b.threshold {
			live = append(live, r)
		}
	}

	head := int(b.head[elder])
	if len(live) > 1 {
		heads := make([]int, len(live))
		for i, r := range live {
			heads[i] = b.arcHead(r)
		}
		head = b.emit(Saddle, v)
		for _, h := range heads {
			b.link(h, head)
		}
	}

	for _, r := range roots[1:] {
		b.parent[r] = elder
	}
	b.parent[v] = elder
	b.head[elder] = int32(head)
	return live
}

// neighbourRoots appends the distinct components among v's swept
// neighbours.
func (b *builder) neighbourRoots(v int32, roots []int32) []int32 {
	nx, ny, nz := b.dims[0], b.dims[1], b.dims[2]
	i := int(v)
	x, y, z := i%nx, (i/nx)%ny, i/(nx*ny)

	add := func(u int) {
		if b.parent[u] < 0 {
			return
		}
		r := b.find(int32(u))
		if !slices.Contains(roots, r) {
			roots = append(roots, r)
		}
	}
	if x > 0 {
		add(i - 1)
	}
	if x < nx-1 {
		add(i + 1)
	}
	if y > 0 {
		add(i - nx)
	}
	if y < ny-1 {
		add(i + nx)
	}
	if z > 0 {
		add(i - nx*ny)
	}
	if z < nz-1 {
		add(i + nx*ny)
	}
	return roots
}

func (b *builder) find(v int32) int32 {
	for b.parent[v] != v {
		b.parent[v] = b.parent[b.parent[v]]
		v = b.parent[v]
	}
	return v
}

// arcHead returns the top node of root's arc, emitting its minimum first
// if needed.
func (b *builder) arcHead(root int32) int {
	if b.head[root] < 0 {
		b.head[root] = int32(b.emit(Minimum, b.birth[root]))
	}
	return int(b.head[root])
}

func (b *builder) emit(t CriticalType, v int32) int {
	nx, ny := b.dims[0], b.dims[1]
	i := int(v)
	idx := [3]int{i % nx, (i / nx) % ny, i / (nx * ny)}
	sp, org := b.vol.Spacing(), b.vol.Origin()
	id := len(b.g.Nodes)
	b.g.Nodes = append(b.g.Nodes, Node{
		ID:     id,
		Type:   t,
		Scalar: float64(b.s[v]),
		X:      org[0] + sp[0]*float64(idx[0]),
		Y:      org[1] + sp[1]*float64(idx[1]),
		Z:      org[2] + sp[2]*float64(idx[2]),
		Index:  idx,
	})
	b.nodeVertex = append(b.nodeVertex, v)
	return id
}

func (b *builder) link(source, target int) {
	b.g.Links = append(b.g.Links, Link{Source: source, Target: target})
}
