package localize

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a nearest-neighbor result. Distance is Euclidean.
type Neighbor struct {
	Index    int
	Distance float64
}

// DescriptorIndex answers k-nearest-neighbor queries over one keyframe's
// descriptors. Implementations must be safe for concurrent queries.
type DescriptorIndex interface {
	Nearest(q []float64, k int) []Neighbor
	Len() int
}

// IndexFactory builds a DescriptorIndex over a descriptor set.
type IndexFactory func(descriptors [][]float64) DescriptorIndex

// Index backends.
const (
	IndexKDTree = "kdtree"
	IndexLinear = "linear"
)

// NewIndexFactory returns the factory for a backend name.
func NewIndexFactory(backend string) (IndexFactory, error) {
	switch backend {
	case "", IndexKDTree:
		return NewKDTreeIndex, nil
	case IndexLinear:
		return NewLinearIndex, nil
	default:
		return nil, fmt.Errorf("unknown descriptor index %q", backend)
	}
}

// -----------------------------------------------------------------------------
// k-d tree backend

// descPoint is a descriptor that remembers its position in the keyframe.
type descPoint struct {
	idx int
	v   []float64
}

func (p descPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.v[d] - c.(descPoint).v[d]
}

func (p descPoint) Dims() int { return len(p.v) }

func (p descPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(descPoint).v
	var sum float64
	for i, x := range p.v {
		d := x - q[i]
		sum += d * d
	}
	return sum
}

type descPoints []descPoint

func (p descPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p descPoints) Len() int                      { return len(p) }
func (p descPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p descPoints) Pivot(d kdtree.Dim) int {
	return descPlane{descPoints: p, Dim: d}.Pivot()
}

// descPlane orders descriptors along one dimension for median partitioning.
type descPlane struct {
	kdtree.Dim
	descPoints
}

func (p descPlane) Less(i, j int) bool {
	return p.descPoints[i].v[p.Dim] < p.descPoints[j].v[p.Dim]
}
func (p descPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p descPlane) Slice(start, end int) kdtree.SortSlicer {
	p.descPoints = p.descPoints[start:end]
	return p
}
func (p descPlane) Swap(i, j int) {
	p.descPoints[i], p.descPoints[j] = p.descPoints[j], p.descPoints[i]
}

type kdTreeIndex struct {
	tree *kdtree.Tree
	n    int
}

// NewKDTreeIndex builds a k-d tree over the descriptors.
func NewKDTreeIndex(descriptors [][]float64) DescriptorIndex {
	pts := make(descPoints, len(descriptors))
	for i, d := range descriptors {
		pts[i] = descPoint{idx: i, v: d}
	}
	idx := &kdTreeIndex{n: len(pts)}
	if len(pts) > 0 {
		idx.tree = kdtree.New(pts, false)
	}
	return idx
}

func (t *kdTreeIndex) Len() int { return t.n }

func (t *kdTreeIndex) Nearest(q []float64, k int) []Neighbor {
	if t.tree == nil || k <= 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keeper, descPoint{idx: -1, v: q})

	out := make([]Neighbor, 0, k)
	for _, c := range keeper.Heap {
		if c.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{
			Index:    c.Comparable.(descPoint).idx,
			Distance: math.Sqrt(c.Dist),
		})
	}
	sortNeighbors(out)
	return out
}

// -----------------------------------------------------------------------------
// Exhaustive backend

type linearIndex struct {
	descriptors [][]float64
}

// NewLinearIndex scans every descriptor on each query. It is exact and is
// the better choice for small keyframes or high-dimensional descriptors.
func NewLinearIndex(descriptors [][]float64) DescriptorIndex {
	return &linearIndex{descriptors: descriptors}
}

func (l *linearIndex) Len() int { return len(l.descriptors) }

func (l *linearIndex) Nearest(q []float64, k int) []Neighbor {
	if k <= 0 || len(l.descriptors) == 0 {
		return nil
	}
	best := make([]Neighbor, 0, k+1)
	for i, d := range l.descriptors {
		dist := floats.Distance(q, d, 2)
		if len(best) == k && dist >= best[k-1].Distance {
			continue
		}
		best = append(best, Neighbor{Index: i, Distance: dist})
		sortNeighbors(best)
		if len(best) > k {
			best = best[:k]
		}
	}
	return best
}

func sortNeighbors(n []Neighbor) {
	sort.Slice(n, func(i, j int) bool {
		if n[i].Distance != n[j].Distance {
			return n[i].Distance < n[j].Distance
		}
		return n[i].Index < n[j].Index
	})
}
