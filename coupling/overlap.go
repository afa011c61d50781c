package coupling

import (
	"sort"

	"github.com/james-bowman/sparse"
	"github.com/notargets/gocouple/geometry"
	"gonum.org/v1/gonum/spatial/r3"
)

// OverlapMatrix records which ranks of this solver (rows) have a box
// intersecting a box of the other solver (columns). Most pairs do not
// overlap, so it is kept compressed by row.
type OverlapMatrix struct {
	m *sparse.CSR
}

// NewOverlapMatrix tests every (mine, theirs) pair. Both slices must be non
// empty.
func NewOverlapMatrix(mine, theirs []r3.Box) *OverlapMatrix {
	if len(mine) == 0 || len(theirs) == 0 {
		panic("overlap matrix needs boxes on both sides")
	}
	dok := sparse.NewDOK(len(mine), len(theirs))
	for i, a := range mine {
		for j, b := range theirs {
			if geometry.Overlaps(a, b) {
				dok.Set(i, j, 1)
			}
		}
	}
	return &OverlapMatrix{m: dok.ToCSR()}
}

func (om *OverlapMatrix) Dims() (mine, theirs int) { return om.m.Dims() }

func (om *OverlapMatrix) At(i, j int) bool { return om.m.At(i, j) != 0 }

// NNZ is the number of overlapping pairs.
func (om *OverlapMatrix) NNZ() int { return om.m.NNZ() }

// Row lists, in increasing order, the ranks of the other solver overlapping
// rank i of this one.
func (om *OverlapMatrix) Row(i int) (peers []int) {
	om.m.DoRowNonZero(i, func(_, j int, v float64) {
		if v != 0 {
			peers = append(peers, j)
		}
	})
	sort.Ints(peers)
	return
}
