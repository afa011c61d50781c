// Package geometry holds the axis-aligned bounding boxes used to match two
// spatial decompositions.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// BoxLen is the number of values of a flattened box.
const BoxLen = 6

// EmptyBox contains nothing and overlaps nothing, it is the bounding box of
// a rank that owns no geometry.
var EmptyBox = r3.Box{
	Min: r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
	Max: r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
}

func NewBox(x0, y0, z0, x1, y1, z1 float64) r3.Box {
	return r3.Box{
		Min: r3.Vec{X: x0, Y: y0, Z: z0},
		Max: r3.Vec{X: x1, Y: y1, Z: z1},
	}
}

// BoundingBox is the tight box around every point.
func BoundingBox(points ...[]r3.Vec) (b r3.Box) {
	b = EmptyBox
	for _, pts := range points {
		for _, p := range pts {
			b.Min.X = math.Min(b.Min.X, p.X)
			b.Min.Y = math.Min(b.Min.Y, p.Y)
			b.Min.Z = math.Min(b.Min.Z, p.Z)
			b.Max.X = math.Max(b.Max.X, p.X)
			b.Max.Y = math.Max(b.Max.Y, p.Y)
			b.Max.Z = math.Max(b.Max.Z, p.Z)
		}
	}
	return
}

// IsEmpty reports whether b contains no point.
func IsEmpty(b r3.Box) bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Overlaps is the inclusive box intersection test: boxes that only touch
// overlap. There is no tolerance.
func Overlaps(a, b r3.Box) bool {
	return a.Min.X <= b.Max.X && b.Min.X <= a.Max.X &&
		a.Min.Y <= b.Max.Y && b.Min.Y <= a.Max.Y &&
		a.Min.Z <= b.Max.Z && b.Min.Z <= a.Max.Z
}

// Contains reports whether p lies in b, boundary included.
func Contains(b r3.Box, p r3.Vec) bool {
	return b.Min.X <= p.X && p.X <= b.Max.X &&
		b.Min.Y <= p.Y && p.Y <= b.Max.Y &&
		b.Min.Z <= p.Z && p.Z <= b.Max.Z
}

// Flatten lays b out as [minX minY minZ maxX maxY maxZ].
func Flatten(b r3.Box) []float64 {
	return []float64{b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z}
}

// Unflatten is the inverse of Flatten.
func Unflatten(v []float64) r3.Box {
	if len(v) != BoxLen {
		panic(fmt.Sprintf("box needs %d values, have %d", BoxLen, len(v)))
	}
	return NewBox(v[0], v[1], v[2], v[3], v[4], v[5])
}

// FlattenPoints lays points out as consecutive xyz triplets.
func FlattenPoints(pts []r3.Vec) []float64 {
	out := make([]float64, 0, 3*len(pts))
	for _, p := range pts {
		out = append(out, p.X, p.Y, p.Z)
	}
	return out
}

func UnflattenPoints(v []float64) []r3.Vec {
	if len(v)%3 != 0 {
		panic(fmt.Sprintf("%d values are not xyz triplets", len(v)))
	}
	pts := make([]r3.Vec, len(v)/3)
	for i := range pts {
		pts[i] = r3.Vec{X: v[3*i], Y: v[3*i+1], Z: v[3*i+2]}
	}
	return pts
}

func String(b r3.Box) string {
	if IsEmpty(b) {
		return "[empty]"
	}
	return fmt.Sprintf("[%g,%g,%g]-[%g,%g,%g]",
		b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z)
}
