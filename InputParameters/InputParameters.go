package InputParameters

import (
	"errors"
	"fmt"
	"time"

	"github.com/ghodss/yaml"
	"github.com/notargets/gocouple/comm"
	"github.com/notargets/gocouple/coupling"
	"github.com/notargets/gocouple/geometry"
	"gonum.org/v1/gonum/spatial/r3"
)

var ErrInput = errors.New("input: invalid coupling parameters")

// Field kinds understood by the coupled run.
const (
	FieldScalar     = "scalar"
	FieldVector     = "vector"
	FieldSymmTensor = "symm-tensor"
	FieldDiagTensor = "diag-tensor"
)

// CouplingParameters is the YAML input of a coupled run of two solvers.
type CouplingParameters struct {
	Title     string             `json:"Title"`
	Steps     int                `json:"Steps"`
	Fields    []string           `json:"Fields"`
	Tolerance float64            `json:"Tolerance"` // relative, point in element test
	Backoff   BackoffParameters  `json:"Backoff"`
	Solvers   []SolverParameters `json:"Solvers"` // exactly two
}

type BackoffParameters struct {
	SpinCount int    `json:"SpinCount"`
	Sleep     string `json:"Sleep"`   // time.Duration syntax, "100us"
	Timeout   string `json:"Timeout"` // empty waits forever
}

type SolverParameters struct {
	Name        string         `json:"Name"`
	Ranks       string         `json:"Ranks"` // "start:end", empty splits the pool
	Mode        string         `json:"Mode"`  // send, receive or both
	Mesh        MeshParameters `json:"Mesh"`
	Partitioner string         `json:"Partitioner"` // slab or metis
	Axis        string         `json:"Axis"`        // slab direction
}

// MeshParameters names a mesh file, or a box of hexahedra when File is
// empty.
type MeshParameters struct {
	File      string    `json:"File"`
	Box       []float64 `json:"Box"`       // xmin ymin zmin xmax ymax zmax
	Divisions []int     `json:"Divisions"` // nx ny nz
}

func (cp *CouplingParameters) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, cp); err != nil {
		return err
	}
	cp.setDefaults()
	return cp.Validate()
}

func (cp *CouplingParameters) setDefaults() {
	if cp.Steps == 0 {
		cp.Steps = 1
	}
	if len(cp.Fields) == 0 {
		cp.Fields = []string{FieldScalar}
	}
	if cp.Tolerance == 0 {
		cp.Tolerance = 1e-9
	}
	for i := range cp.Solvers {
		s := &cp.Solvers[i]
		if s.Name == "" {
			s.Name = string(rune('A' + i))
		}
		if s.Partitioner == "" {
			s.Partitioner = "slab"
		}
		if s.Axis == "" {
			s.Axis = "x"
		}
	}
}

// Validate checks everything that can be checked without the pool size.
func (cp *CouplingParameters) Validate() error {
	if len(cp.Solvers) != 2 {
		return fmt.Errorf("%w: %d solvers, need 2", ErrInput, len(cp.Solvers))
	}
	if cp.Steps < 1 {
		return fmt.Errorf("%w: Steps = %d", ErrInput, cp.Steps)
	}
	for _, f := range cp.Fields {
		switch f {
		case FieldScalar, FieldVector, FieldSymmTensor, FieldDiagTensor:
		default:
			return fmt.Errorf("%w: unknown field kind %q", ErrInput, f)
		}
	}
	if _, err := cp.Backoff.Policy(); err != nil {
		return err
	}
	for _, s := range cp.Solvers {
		if _, err := coupling.ParseMode(s.Mode); err != nil {
			return fmt.Errorf("%w: solver %s: %w", ErrInput, s.Name, err)
		}
		if s.Ranks != "" {
			if _, err := coupling.ParseRankRange(s.Ranks); err != nil {
				return fmt.Errorf("%w: solver %s: %w", ErrInput, s.Name, err)
			}
		}
		if s.Partitioner != "slab" && s.Partitioner != "metis" {
			return fmt.Errorf("%w: solver %s: unknown partitioner %q", ErrInput, s.Name, s.Partitioner)
		}
		if _, err := ParseAxis(s.Axis); err != nil {
			return fmt.Errorf("%w: solver %s: %w", ErrInput, s.Name, err)
		}
		if s.Mesh.File == "" && (len(s.Mesh.Box) != 6 || len(s.Mesh.Divisions) != 3) {
			return fmt.Errorf("%w: solver %s: mesh needs a File or a Box and Divisions", ErrInput, s.Name)
		}
	}
	return nil
}

// Policy converts the YAML backoff to a wait policy, DefaultBackoff when
// nothing is set.
func (bp BackoffParameters) Policy() (b comm.Backoff, err error) {
	if bp == (BackoffParameters{}) {
		return comm.DefaultBackoff, nil
	}
	b.SpinCount = bp.SpinCount
	if bp.Sleep != "" {
		if b.Sleep, err = time.ParseDuration(bp.Sleep); err != nil {
			return b, fmt.Errorf("%w: Backoff.Sleep: %w", ErrInput, err)
		}
	}
	if bp.Timeout != "" {
		if b.Timeout, err = time.ParseDuration(bp.Timeout); err != nil {
			return b, fmt.Errorf("%w: Backoff.Timeout: %w", ErrInput, err)
		}
	}
	return
}

// RankRanges places both solvers in a pool of poolSize ranks. Solvers
// without explicit ranks split the pool.
func (cp *CouplingParameters) RankRanges(poolSize int) (ranges [2]coupling.RankRange, err error) {
	ranges[0], ranges[1] = coupling.SplitPool(poolSize)
	for i, s := range cp.Solvers {
		if s.Ranks == "" {
			continue
		}
		if ranges[i], err = coupling.ParseRankRange(s.Ranks); err != nil {
			return
		}
	}
	return
}

func (sp SolverParameters) CouplingMode() coupling.Mode {
	m, _ := coupling.ParseMode(sp.Mode)
	return m
}

func (mp MeshParameters) BoxBounds() r3.Box {
	b := mp.Box
	return geometry.NewBox(b[0], b[1], b[2], b[3], b[4], b[5])
}

// ParseAxis reads x, y or z as 0, 1 or 2.
func ParseAxis(s string) (int, error) {
	switch s {
	case "x", "X":
		return 0, nil
	case "y", "Y":
		return 1, nil
	case "z", "Z":
		return 2, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

func (cp *CouplingParameters) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", cp.Title)
	fmt.Printf("[%d]\t\t\t= Steps\n", cp.Steps)
	fmt.Printf("%v\t\t= Fields\n", cp.Fields)
	fmt.Printf("%g\t\t= Tolerance\n", cp.Tolerance)
	b, _ := cp.Backoff.Policy()
	fmt.Printf("[%s]\t= Backoff\n", b)
	for _, s := range cp.Solvers {
		mesh := s.Mesh.File
		if mesh == "" {
			mesh = fmt.Sprintf("box %v / %v", s.Mesh.Box, s.Mesh.Divisions)
		}
		ranks := s.Ranks
		if ranks == "" {
			ranks = "split"
		}
		fmt.Printf("Solver[%s] ranks=%s mode=%s mesh=%s partitioner=%s(%s)\n",
			s.Name, ranks, s.CouplingMode(), mesh, s.Partitioner, s.Axis)
	}
}
