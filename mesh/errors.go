package mesh

import "errors"

var (
	ErrUnsupportedFormat = errors.New("mesh: unsupported mesh format")
	ErrMeshFormat        = errors.New("mesh: malformed mesh file")
	ErrPartition         = errors.New("mesh: invalid partition")
)
