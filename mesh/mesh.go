// Package mesh is the solver side of a coupling: unstructured 3D meshes, the
// element queries the coupler needs and the per-rank view of a partitioned
// mesh.
package mesh

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// ElementType represents different element types
type ElementType int

const (
	Line ElementType = iota
	Triangle
	Quad
	Tet
	Hex
	Prism
	Pyramid
)

func (e ElementType) String() string {
	return [...]string{"Line", "Triangle", "Quad", "Tet", "Hex", "Prism", "Pyramid"}[e]
}

// NumVertices of a linear element of this type.
func (e ElementType) NumVertices() int {
	return [...]int{2, 3, 4, 4, 8, 6, 5}[e]
}

// Face is one unique face of the mesh, owned by the first element that
// produced it.
type Face struct {
	Vertices []int // sorted
	Element  int
	LocalID  int
}

// Mesh is an unstructured mesh of 3D elements.
type Mesh struct {
	Vertices []r3.Vec

	Elements     [][]int // element to vertex
	ElementTypes []ElementType
	ElementTags  []int

	// Built by BuildConnectivity, -1 marks a boundary face.
	EToE [][]int
	EToF [][]int
	// Element to partition, set by a partitioner.
	EToP []int

	Faces        []Face
	FaceMap      map[string]int
	BoundaryTags map[int]string

	NumElements int
	NumVertices int
	NumFaces    int
}

func NewMesh() *Mesh {
	return &Mesh{
		FaceMap:      make(map[string]int),
		BoundaryTags: make(map[int]string),
	}
}

// ReadMeshFile reads a mesh file based on extension
func ReadMeshFile(filename string) (*Mesh, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".su2":
		return ReadSU2(filename)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// BuildConnectivity matches the faces of all elements, filling EToE, EToF
// and the unique face list.
func (m *Mesh) BuildConnectivity() {
	m.EToE = make([][]int, m.NumElements)
	m.EToF = make([][]int, m.NumElements)
	m.Faces = m.Faces[:0]
	m.FaceMap = make(map[string]int)

	for elemID := 0; elemID < m.NumElements; elemID++ {
		faceVertices := GetElementFaces(m.ElementTypes[elemID], m.Elements[elemID])
		m.EToE[elemID] = make([]int, len(faceVertices))
		m.EToF[elemID] = make([]int, len(faceVertices))
		for i := range faceVertices {
			m.EToE[elemID][i] = -1
			m.EToF[elemID][i] = -1
		}

		for localFaceID, faceVerts := range faceVertices {
			sorted := append([]int(nil), faceVerts...)
			sort.Ints(sorted)
			key := fmt.Sprint(sorted)

			if faceID, exists := m.FaceMap[key]; exists {
				face := m.Faces[faceID]
				m.EToE[elemID][localFaceID] = face.Element
				m.EToE[face.Element][face.LocalID] = elemID
				m.EToF[elemID][localFaceID] = faceID
				continue
			}
			m.FaceMap[key] = len(m.Faces)
			m.EToF[elemID][localFaceID] = len(m.Faces)
			m.Faces = append(m.Faces, Face{
				Vertices: sorted,
				Element:  elemID,
				LocalID:  localFaceID,
			})
		}
	}
	m.NumFaces = len(m.Faces)
}

// GetElementFaces returns the face vertices for each element type
func GetElementFaces(elemType ElementType, vertices []int) [][]int {
	switch elemType {
	case Tet:
		return [][]int{
			{vertices[0], vertices[2], vertices[1]},
			{vertices[0], vertices[1], vertices[3]},
			{vertices[1], vertices[2], vertices[3]},
			{vertices[0], vertices[3], vertices[2]},
		}
	case Hex:
		return [][]int{
			{vertices[0], vertices[3], vertices[2], vertices[1]}, // bottom
			{vertices[4], vertices[5], vertices[6], vertices[7]}, // top
			{vertices[0], vertices[1], vertices[5], vertices[4]},
			{vertices[1], vertices[2], vertices[6], vertices[5]},
			{vertices[2], vertices[3], vertices[7], vertices[6]},
			{vertices[3], vertices[0], vertices[4], vertices[7]},
		}
	case Prism:
		return [][]int{
			{vertices[0], vertices[2], vertices[1]},
			{vertices[3], vertices[4], vertices[5]},
			{vertices[0], vertices[1], vertices[4], vertices[3]},
			{vertices[1], vertices[2], vertices[5], vertices[4]},
			{vertices[2], vertices[0], vertices[3], vertices[5]},
		}
	case Pyramid:
		return [][]int{
			{vertices[0], vertices[3], vertices[2], vertices[1]}, // base
			{vertices[0], vertices[1], vertices[4]},
			{vertices[1], vertices[2], vertices[4]},
			{vertices[2], vertices[3], vertices[4]},
			{vertices[3], vertices[0], vertices[4]},
		}
	default:
		return [][]int{}
	}
}

// ElementVertices returns the coordinates of the vertices of an element.
func (m *Mesh) ElementVertices(elem int) []r3.Vec {
	verts := make([]r3.Vec, len(m.Elements[elem]))
	for i, v := range m.Elements[elem] {
		verts[i] = m.Vertices[v]
	}
	return verts
}

// Centroid is the vertex average of an element, the point at which the
// element's cell centred values live.
func (m *Mesh) Centroid(elem int) (c r3.Vec) {
	verts := m.Elements[elem]
	for _, v := range verts {
		c = r3.Add(c, m.Vertices[v])
	}
	return r3.Scale(1/float64(len(verts)), c)
}

// ElementBox is the bounding box of an element.
func (m *Mesh) ElementBox(elem int) r3.Box {
	verts := m.ElementVertices(elem)
	b := r3.Box{Min: verts[0], Max: verts[0]}
	for _, v := range verts[1:] {
		b.Min = r3.Vec{X: min(b.Min.X, v.X), Y: min(b.Min.Y, v.Y), Z: min(b.Min.Z, v.Z)}
		b.Max = r3.Vec{X: max(b.Max.X, v.X), Y: max(b.Max.Y, v.Y), Z: max(b.Max.Z, v.Z)}
	}
	return b
}

// Contains tests whether p lies inside a convex element. Each face plane is
// taken through its first three vertices and p must lie on the same side as
// the centroid, or closer than tol to the plane.
func (m *Mesh) Contains(elem int, p r3.Vec, tol float64) bool {
	c := m.Centroid(elem)
	for _, face := range GetElementFaces(m.ElementTypes[elem], m.Elements[elem]) {
		var (
			v0 = m.Vertices[face[0]]
			n  = r3.Cross(r3.Sub(m.Vertices[face[1]], v0), r3.Sub(m.Vertices[face[2]], v0))
			sc = r3.Dot(n, r3.Sub(c, v0))
			sp = r3.Dot(n, r3.Sub(p, v0))
		)
		if sc < 0 {
			sp = -sp
		}
		if sp < -tol*r3.Norm(n) {
			return false
		}
	}
	return true
}

// PrintStatistics writes a summary of the mesh to w.
func (m *Mesh) PrintStatistics(w io.Writer) {
	fmt.Fprintf(w, "Mesh Statistics:\n")
	fmt.Fprintf(w, "  Vertices: %d\n", m.NumVertices)
	fmt.Fprintf(w, "  Elements: %d\n", m.NumElements)
	fmt.Fprintf(w, "  Faces: %d\n", m.NumFaces)

	typeCounts := make(map[ElementType]int)
	for _, t := range m.ElementTypes {
		typeCounts[t]++
	}
	fmt.Fprintf(w, "  Element types:\n")
	for t := Line; t <= Pyramid; t++ {
		if typeCounts[t] > 0 {
			fmt.Fprintf(w, "    %s: %d\n", t, typeCounts[t])
		}
	}

	boundaryFaces := 0
	for _, neighbors := range m.EToE {
		for _, neighbor := range neighbors {
			if neighbor < 0 {
				boundaryFaces++
			}
		}
	}
	fmt.Fprintf(w, "  Boundary faces: %d\n", boundaryFaces)
}
