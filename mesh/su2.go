package mesh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// SU2 element type codes (VTK numbering) of the volume elements read.
var su2Types = map[int]ElementType{
	10: Tet,
	12: Hex,
	13: Prism,
	14: Pyramid,
}

// ReadSU2 reads an SU2 native format file
func ReadSU2(filename string) (*Mesh, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	m, err := ParseSU2(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return m, nil
}

// ParseSU2 reads a 3D SU2 mesh. Surface and line elements of the volume
// section are skipped, markers are kept by name only.
func ParseSU2(r io.Reader) (*Mesh, error) {
	var (
		mesh    = NewMesh()
		scanner = bufio.NewScanner(r)
		ndime   int
		lineNo  int
	)
	next := func() ([]string, error) {
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "%") {
				continue
			}
			return strings.Fields(line), nil
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: unexpected end of file after line %d", ErrMeshFormat, lineNo)
	}
	// header reads the count after key, ignoring anything that follows it.
	header := func(line, key string) (int, error) {
		rest := strings.Fields(strings.TrimPrefix(line, key))
		if len(rest) == 0 {
			return 0, fmt.Errorf("%w: line %d: bad %s", ErrMeshFormat, lineNo, key)
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: line %d: bad %s", ErrMeshFormat, lineNo, key)
		}
		return n, nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "NDIME="):
			var err error
			if ndime, err = header(line, "NDIME="); err != nil {
				return nil, err
			}
			if ndime != 3 {
				return nil, fmt.Errorf("%w: only 3D meshes are supported, got NDIME=%d", ErrMeshFormat, ndime)
			}

		case strings.HasPrefix(line, "NELEM="):
			nelem, err := header(line, "NELEM=")
			if err != nil {
				return nil, err
			}
			mesh.Elements = make([][]int, 0, nelem)
			mesh.ElementTypes = make([]ElementType, 0, nelem)
			mesh.ElementTags = make([]int, 0, nelem)
			for i := 0; i < nelem; i++ {
				fields, err := next()
				if err != nil {
					return nil, err
				}
				code, err := strconv.Atoi(fields[0])
				if err != nil {
					return nil, fmt.Errorf("%w: line %d: element type %q", ErrMeshFormat, lineNo, fields[0])
				}
				etype, ok := su2Types[code]
				if !ok {
					continue
				}
				nv := etype.NumVertices()
				if len(fields) < nv+1 {
					return nil, fmt.Errorf("%w: line %d: %s needs %d vertices", ErrMeshFormat, lineNo, etype, nv)
				}
				verts := make([]int, nv)
				for j := range verts {
					if verts[j], err = strconv.Atoi(fields[1+j]); err != nil {
						return nil, fmt.Errorf("%w: line %d: vertex %q", ErrMeshFormat, lineNo, fields[1+j])
					}
				}
				mesh.Elements = append(mesh.Elements, verts)
				mesh.ElementTypes = append(mesh.ElementTypes, etype)
				mesh.ElementTags = append(mesh.ElementTags, 0)
			}

		case strings.HasPrefix(line, "NPOIN="):
			if ndime == 0 {
				return nil, fmt.Errorf("%w: NPOIN before NDIME", ErrMeshFormat)
			}
			npoin, err := header(line, "NPOIN=")
			if err != nil {
				return nil, err
			}
			mesh.Vertices = make([]r3.Vec, npoin)
			for i := 0; i < npoin; i++ {
				fields, err := next()
				if err != nil {
					return nil, err
				}
				if len(fields) < ndime {
					return nil, fmt.Errorf("%w: line %d: point needs %d coordinates", ErrMeshFormat, lineNo, ndime)
				}
				var c [3]float64
				for j := 0; j < ndime; j++ {
					if c[j], err = strconv.ParseFloat(fields[j], 64); err != nil {
						return nil, fmt.Errorf("%w: line %d: coordinate %q", ErrMeshFormat, lineNo, fields[j])
					}
				}
				id := i
				if len(fields) > ndime {
					if id, err = strconv.Atoi(fields[len(fields)-1]); err != nil || id < 0 || id >= npoin {
						id = i
					}
				}
				mesh.Vertices[id] = r3.Vec{X: c[0], Y: c[1], Z: c[2]}
			}

		case strings.HasPrefix(line, "NMARK="):
			nmark, err := header(line, "NMARK=")
			if err != nil {
				return nil, err
			}
			for i := 0; i < nmark; i++ {
				fields, err := next()
				if err != nil {
					return nil, err
				}
				tag := strings.TrimSpace(strings.TrimPrefix(strings.Join(fields, " "), "MARKER_TAG="))
				if fields, err = next(); err != nil {
					return nil, err
				}
				n, err := header(strings.Join(fields, " "), "MARKER_ELEMS=")
				if err != nil {
					return nil, err
				}
				mesh.BoundaryTags[i] = tag
				for j := 0; j < n; j++ {
					if _, err = next(); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	mesh.NumElements = len(mesh.Elements)
	mesh.NumVertices = len(mesh.Vertices)
	for e, verts := range mesh.Elements {
		for _, v := range verts {
			if v < 0 || v >= mesh.NumVertices {
				return nil, fmt.Errorf("%w: element %d references vertex %d of %d",
					ErrMeshFormat, e, v, mesh.NumVertices)
			}
		}
	}
	mesh.BuildConnectivity()
	return mesh, nil
}
