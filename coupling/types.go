package coupling

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Domain is the owning solver's view of the geometry held by this rank.
type Domain interface {
	// Points returns the query point of every owned cell, indexed by cell.
	Points() []r3.Vec
	// IDs returns the stable global identifier of every owned cell.
	IDs() []int
	// Vertices returns the points spanning the owned geometry.
	Vertices() []r3.Vec
	// Locate finds the owned cell containing p.
	Locate(p r3.Vec) (cell int, ok bool)
}

// Mode says which way fields flow for one solver.
type Mode int

const (
	ModeReceive Mode = -1
	ModeBoth    Mode = 0
	ModeSend    Mode = 1
)

func (m Mode) Sends() bool    { return m == ModeSend || m == ModeBoth }
func (m Mode) Receives() bool { return m == ModeReceive || m == ModeBoth }

func (m Mode) String() string {
	switch m {
	case ModeSend:
		return "send"
	case ModeReceive:
		return "receive"
	case ModeBoth:
		return "both"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "send":
		return ModeSend, nil
	case "receive", "recv":
		return ModeReceive, nil
	case "both", "":
		return ModeBoth, nil
	}
	return ModeBoth, fmt.Errorf("%w: unknown mode %q", ErrMode, s)
}

// Status is the per-step control word exchanged between the solvers.
type Status int

const (
	StatusError         Status = -1
	StatusLastIteration Status = 0
	StatusContinue      Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusLastIteration:
		return "last-iteration"
	case StatusContinue:
		return "continue"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// SymmTensor is stored as XX, XY, XZ, YY, YZ, ZZ.
type SymmTensor [6]float64

// Tensor is stored row major.
type Tensor [9]float64
