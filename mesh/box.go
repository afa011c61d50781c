package mesh

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// NewBoxMesh fills box with nx*ny*nz equal hexahedra. Elements are numbered
// with x varying fastest.
func NewBoxMesh(box r3.Box, nx, ny, nz int) *Mesh {
	if nx < 1 || ny < 1 || nz < 1 {
		panic("box mesh needs at least one element per direction")
	}
	var (
		m    = NewMesh()
		size = r3.Sub(box.Max, box.Min)
		vid  = func(i, j, k int) int { return i + (nx+1)*(j+(ny+1)*k) }
	)
	m.Vertices = make([]r3.Vec, (nx+1)*(ny+1)*(nz+1))
	for k := 0; k <= nz; k++ {
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				m.Vertices[vid(i, j, k)] = r3.Vec{
					X: box.Min.X + size.X*float64(i)/float64(nx),
					Y: box.Min.Y + size.Y*float64(j)/float64(ny),
					Z: box.Min.Z + size.Z*float64(k)/float64(nz),
				}
			}
		}
	}
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				m.Elements = append(m.Elements, []int{
					vid(i, j, k), vid(i+1, j, k), vid(i+1, j+1, k), vid(i, j+1, k),
					vid(i, j, k+1), vid(i+1, j, k+1), vid(i+1, j+1, k+1), vid(i, j+1, k+1),
				})
				m.ElementTypes = append(m.ElementTypes, Hex)
				m.ElementTags = append(m.ElementTags, 0)
			}
		}
	}
	m.NumElements = len(m.Elements)
	m.NumVertices = len(m.Vertices)
	m.BuildConnectivity()
	return m
}
