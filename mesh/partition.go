package mesh

import (
	"fmt"
	"sort"

	"github.com/notargets/gocouple/geometry"
	"github.com/notargets/gocouple/utils"
	"gonum.org/v1/gonum/spatial/r3"
)

// Axis selects a coordinate direction.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) of(v r3.Vec) float64 {
	switch a {
	case AxisX:
		return v.X
	case AxisY:
		return v.Y
	}
	return v.Z
}

// SlabPartition cuts the mesh into nparts slabs of nearly equal element
// count along axis, ordering elements by centroid, and stores the result in
// EToP.
func SlabPartition(m *Mesh, nparts int, axis Axis) error {
	if nparts < 1 || nparts > m.NumElements {
		return fmt.Errorf("%w: %d parts for %d elements", ErrPartition, nparts, m.NumElements)
	}
	order := make([]int, m.NumElements)
	keys := make([]float64, m.NumElements)
	for e := range order {
		order[e] = e
		keys[e] = axis.of(m.Centroid(e))
	}
	sort.SliceStable(order, func(i, j int) bool { return keys[order[i]] < keys[order[j]] })

	pm := utils.NewPartitionMap(nparts, m.NumElements)
	m.EToP = make([]int, m.NumElements)
	for k, e := range order {
		bn, _, _ := pm.GetBucket(k)
		m.EToP[e] = bn
	}
	return nil
}

// Partition is the part of a partitioned mesh owned by one rank. Its cells
// are the owned elements, sampled at their centroids and identified by
// their element number in the whole mesh.
type Partition struct {
	mesh     *Mesh
	part     int
	elements []int
	points   []r3.Vec
	boxes    []r3.Box
	tol      float64
}

// NewPartition extracts part from a mesh whose EToP is set. tol is the
// relative tolerance of the point in element test.
func NewPartition(m *Mesh, part int, tol float64) (*Partition, error) {
	if len(m.EToP) != m.NumElements {
		return nil, fmt.Errorf("%w: mesh is not partitioned", ErrPartition)
	}
	p := &Partition{mesh: m, part: part, tol: tol}
	for e, owner := range m.EToP {
		if owner != part {
			continue
		}
		p.elements = append(p.elements, e)
		p.points = append(p.points, m.Centroid(e))
		p.boxes = append(p.boxes, m.ElementBox(e))
	}
	return p, nil
}

func (p *Partition) Part() int { return p.part }

func (p *Partition) NumCells() int { return len(p.elements) }

func (p *Partition) Points() []r3.Vec { return p.points }

func (p *Partition) IDs() []int { return p.elements }

// Vertices lists every vertex of the owned elements, shared ones repeated.
func (p *Partition) Vertices() (verts []r3.Vec) {
	for _, e := range p.elements {
		verts = append(verts, p.mesh.ElementVertices(e)...)
	}
	return
}

// Locate returns the first owned element containing q.
func (p *Partition) Locate(q r3.Vec) (int, bool) {
	for cell, e := range p.elements {
		b := p.boxes[cell]
		pad := p.tol * r3.Norm(r3.Sub(b.Max, b.Min))
		b.Min = r3.Sub(b.Min, r3.Vec{X: pad, Y: pad, Z: pad})
		b.Max = r3.Add(b.Max, r3.Vec{X: pad, Y: pad, Z: pad})
		if !geometry.Contains(b, q) {
			continue
		}
		if p.mesh.Contains(e, q, pad) {
			return cell, true
		}
	}
	return 0, false
}

// Box is the bounding box of the owned elements.
func (p *Partition) Box() r3.Box {
	return geometry.BoundingBox(p.Vertices())
}
