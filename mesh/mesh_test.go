package mesh

import (
	"bytes"
	"strings"
	"testing"

	"github.com/notargets/gocouple/coupling"
	"github.com/notargets/gocouple/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

const twoTetSU2 = `% two tets sharing the face 1-2-3
NDIME= 3
NELEM= 3
10 0 1 2 3 0
5 1 2 3 1
10 1 2 3 4 2
NPOIN= 5
0 0 0 0
1 0 0 1
0 1 0 2
0 0 1 3
1 1 1 4
NMARK= 1
MARKER_TAG= wall
MARKER_ELEMS= 1
5 0 1 2
`

func TestParseSU2(t *testing.T) {
	m, err := ParseSU2(strings.NewReader(twoTetSU2))
	require.NoError(t, err)
	assert.Equal(t, 2, m.NumElements, "the triangle is skipped")
	assert.Equal(t, 5, m.NumVertices)
	assert.Equal(t, 7, m.NumFaces)
	assert.Equal(t, []ElementType{Tet, Tet}, m.ElementTypes)
	assert.Equal(t, r3.Vec{X: 1, Y: 1, Z: 1}, m.Vertices[4])
	assert.Equal(t, "wall", m.BoundaryTags[0])
	assert.Contains(t, m.EToE[0], 1)
	assert.Contains(t, m.EToE[1], 0)

	for _, bad := range []string{
		"NDIME= 2\n",
		"NPOIN= 1\n0 0 0\n",
		"NDIME= 3\nNELEM= 1\n10 0 1 2 3\nNPOIN= 2\n0 0 0\n1 1 1\n",
		"NDIME= 3\nNELEM= 2\n10 0 1 2 3\n",
		"NDIME= 3\nNELEM= x\n",
	} {
		_, err = ParseSU2(strings.NewReader(bad))
		assert.ErrorIs(t, err, ErrMeshFormat, bad)
	}
	_, err = ReadMeshFile("mesh.neu")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestBoxMesh(t *testing.T) {
	m := NewBoxMesh(geometry.NewBox(0, 0, 0, 2, 2, 2), 2, 2, 2)
	assert.Equal(t, 8, m.NumElements)
	assert.Equal(t, 27, m.NumVertices)
	assert.Equal(t, 36, m.NumFaces)

	var buf bytes.Buffer
	m.PrintStatistics(&buf)
	assert.Contains(t, buf.String(), "Hex: 8")
	assert.Contains(t, buf.String(), "Boundary faces: 24")

	// Every element has three neighbors in a 2x2x2 block
	for e := 0; e < m.NumElements; e++ {
		n := 0
		for _, nb := range m.EToE[e] {
			if nb >= 0 {
				n++
			}
		}
		assert.Equal(t, 3, n, "element %d", e)
	}

	assert.Equal(t, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, m.Centroid(0))
	assert.Equal(t, r3.Vec{X: 1.5, Y: 1.5, Z: 1.5}, m.Centroid(7))
	assert.Equal(t, geometry.NewBox(1, 0, 0, 2, 1, 1), m.ElementBox(1))

	assert.True(t, m.Contains(0, r3.Vec{X: 0.1, Y: 0.9, Z: 0.5}, 0))
	assert.True(t, m.Contains(0, r3.Vec{X: 1, Y: 1, Z: 1}, 1e-12))
	assert.False(t, m.Contains(0, r3.Vec{X: 1.01, Y: 0.5, Z: 0.5}, 1e-12))
	assert.True(t, m.Contains(0, r3.Vec{X: 1.01, Y: 0.5, Z: 0.5}, 0.02))

	assert.Panics(t, func() { NewBoxMesh(geometry.NewBox(0, 0, 0, 1, 1, 1), 0, 1, 1) })
}

func TestContains_Tet(t *testing.T) {
	m, err := ParseSU2(strings.NewReader(twoTetSU2))
	require.NoError(t, err)
	assert.True(t, m.Contains(0, r3.Vec{X: 0.1, Y: 0.1, Z: 0.1}, 0))
	assert.False(t, m.Contains(0, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, 0))
	assert.True(t, m.Contains(1, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, 0))
	assert.False(t, m.Contains(1, r3.Vec{X: 0.1, Y: 0.1, Z: 0.1}, 0))
}

func TestSlabPartition(t *testing.T) {
	m := NewBoxMesh(geometry.NewBox(0, 0, 0, 1, 5, 1), 1, 5, 1)
	require.NoError(t, SlabPartition(m, 2, AxisY))
	assert.Equal(t, []int{0, 0, 0, 1, 1}, m.EToP)

	require.NoError(t, SlabPartition(m, 1, AxisX))
	assert.Equal(t, []int{0, 0, 0, 0, 0}, m.EToP)

	assert.ErrorIs(t, SlabPartition(m, 6, AxisX), ErrPartition)
	assert.ErrorIs(t, SlabPartition(m, 0, AxisX), ErrPartition)
}

func TestPartition(t *testing.T) {
	m := NewBoxMesh(geometry.NewBox(0, 0, 0, 4, 1, 1), 4, 1, 1)
	_, err := NewPartition(m, 0, 1e-9)
	assert.ErrorIs(t, err, ErrPartition)

	require.NoError(t, SlabPartition(m, 2, AxisX))
	p, err := NewPartition(m, 1, 1e-9)
	require.NoError(t, err)
	var d coupling.Domain = p

	assert.Equal(t, 1, p.Part())
	assert.Equal(t, 2, p.NumCells())
	assert.Equal(t, []int{2, 3}, d.IDs())
	assert.Equal(t, []r3.Vec{{X: 2.5, Y: .5, Z: .5}, {X: 3.5, Y: .5, Z: .5}}, d.Points())
	assert.Len(t, d.Vertices(), 16)
	assert.Equal(t, geometry.NewBox(2, 0, 0, 4, 1, 1), p.Box())
	assert.Equal(t, p.Box(), coupling.ComputeLocalBox(d))

	for _, tc := range []struct {
		p    r3.Vec
		cell int
		ok   bool
	}{
		{r3.Vec{X: 2.2, Y: .5, Z: .5}, 0, true},
		{r3.Vec{X: 3.9, Y: .1, Z: .9}, 1, true},
		{r3.Vec{X: 3, Y: .5, Z: .5}, 0, true}, // shared face, first owner wins
		{r3.Vec{X: 4, Y: 1, Z: 1}, 1, true},
		{r3.Vec{X: 1.5, Y: .5, Z: .5}, 0, false},
		{r3.Vec{X: 3, Y: 1.5, Z: .5}, 0, false},
	} {
		cell, ok := d.Locate(tc.p)
		assert.Equal(t, tc.ok, ok, "%v", tc.p)
		if tc.ok {
			assert.Equal(t, tc.cell, cell, "%v", tc.p)
		}
	}
}

func TestMetisGraph(t *testing.T) {
	m := NewBoxMesh(geometry.NewBox(0, 0, 0, 3, 1, 1), 3, 1, 1)
	mp := NewMeshPartitioner(m, DefaultPartitionConfig(2), nil)
	xadj, adjncy, vwgt, adjwgt := mp.buildMetisGraph()
	assert.Equal(t, []int32{0, 1, 3, 4}, xadj)
	assert.ElementsMatch(t, []int32{1}, adjncy[0:1])
	assert.ElementsMatch(t, []int32{0, 2}, adjncy[1:3])
	assert.ElementsMatch(t, []int32{1}, adjncy[3:4])
	assert.Equal(t, []int32{8, 8, 8}, vwgt)
	assert.Equal(t, []int32{4, 4, 4, 4}, adjwgt)

	// A single part never reaches METIS
	one := NewMeshPartitioner(m, DefaultPartitionConfig(1), nil)
	require.NoError(t, one.Partition())
	assert.Equal(t, []int{0, 0, 0}, m.EToP)
	assert.ErrorIs(t, NewMeshPartitioner(m, DefaultPartitionConfig(4), nil).Partition(), ErrPartition)

	m.EToP = []int{0, 0, 1}
	stats, cut := Stats(m, 2)
	assert.Equal(t, 1, cut)
	assert.Equal(t, 2, stats[0].NumElements)
	assert.Equal(t, int64(8), stats[1].ComputeLoad)
	assert.Equal(t, map[int]int{0: 1}, stats[1].NumNeighbors)
}
