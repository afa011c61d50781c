package mesh

import (
	"fmt"
	"log/slog"
	"math"

	metis "github.com/notargets/go-metis"
)

// PartitionConfig holds configuration for mesh partitioning
type PartitionConfig struct {
	NumPartitions    int32
	ImbalanceFactor  float32 // e.g. 1.05 for 5% imbalance
	UseEdgeWeights   bool
	UseVertexWeights bool
	Objective        string // "cut" or "vol"
}

func DefaultPartitionConfig(nparts int32) *PartitionConfig {
	return &PartitionConfig{
		NumPartitions:    nparts,
		ImbalanceFactor:  1.05,
		UseEdgeWeights:   true,
		UseVertexWeights: true,
		Objective:        "vol",
	}
}

// MeshPartitioner splits the element graph of a mesh with METIS.
type MeshPartitioner struct {
	mesh   *Mesh
	config *PartitionConfig
	logger *slog.Logger
}

func NewMeshPartitioner(mesh *Mesh, config *PartitionConfig, logger *slog.Logger) *MeshPartitioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeshPartitioner{mesh: mesh, config: config, logger: logger}
}

// elementCost weighs an element by its vertex count relative to a tet.
func elementCost(t ElementType) int32 {
	switch t {
	case Hex:
		return 8
	case Prism:
		return 6
	case Pyramid:
		return 5
	}
	return 1
}

// Partition performs the mesh partitioning and stores it in EToP.
func (mp *MeshPartitioner) Partition() error {
	nparts := mp.config.NumPartitions
	if nparts < 1 || int(nparts) > mp.mesh.NumElements {
		return fmt.Errorf("%w: %d parts for %d elements", ErrPartition, nparts, mp.mesh.NumElements)
	}
	mp.mesh.EToP = make([]int, mp.mesh.NumElements)
	if nparts == 1 {
		return nil
	}
	mp.logger.Info("partitioning mesh", "elements", mp.mesh.NumElements, "parts", nparts)

	xadj, adjncy, vwgt, adjwgt := mp.buildMetisGraph()
	opts := make([]int32, metis.NoOptions)
	if err := metis.SetDefaultOptions(opts); err != nil {
		return fmt.Errorf("failed to set METIS options: %w", err)
	}
	if mp.config.Objective == "vol" {
		opts[metis.OptionObjType] = metis.ObjTypeVol
	} else {
		opts[metis.OptionObjType] = metis.ObjTypeCut
	}
	if !mp.config.UseVertexWeights {
		vwgt = nil
	}
	if !mp.config.UseEdgeWeights {
		adjwgt = nil
	}
	part, objval, err := metis.PartGraphKwayWeighted(
		xadj, adjncy, vwgt, adjwgt,
		nparts, nil, []float32{mp.config.ImbalanceFactor}, opts,
	)
	if err != nil {
		return fmt.Errorf("METIS partitioning failed: %w", err)
	}
	for i := range mp.mesh.EToP {
		mp.mesh.EToP[i] = int(part[i])
	}
	mp.analyzePartition(objval)
	return nil
}

// buildMetisGraph converts the element adjacency to CSR form, weighting
// elements by cost and shared faces by their vertex count.
func (mp *MeshPartitioner) buildMetisGraph() (xadj, adjncy, vwgt, adjwgt []int32) {
	ne := mp.mesh.NumElements
	vwgt = make([]int32, ne)
	xadj = make([]int32, ne+1)
	for elem := 0; elem < ne; elem++ {
		vwgt[elem] = elementCost(mp.mesh.ElementTypes[elem])
		for faceIdx, neighbor := range mp.mesh.EToE[elem] {
			if neighbor < 0 || neighbor == elem {
				continue
			}
			adjncy = append(adjncy, int32(neighbor))
			face := mp.mesh.Faces[mp.mesh.EToF[elem][faceIdx]]
			adjwgt = append(adjwgt, int32(len(face.Vertices)))
		}
		xadj[elem+1] = int32(len(adjncy))
	}
	return
}

// PartitionStats holds statistics for a single partition
type PartitionStats struct {
	ID           int
	NumElements  int
	ComputeLoad  int64
	NumNeighbors map[int]int // neighbor partition -> shared faces
}

// Stats gathers the load and interface counts of the current EToP.
func Stats(m *Mesh, nparts int) (stats []PartitionStats, cutFaces int) {
	stats = make([]PartitionStats, nparts)
	for i := range stats {
		stats[i].ID = i
		stats[i].NumNeighbors = make(map[int]int)
	}
	for elem := 0; elem < m.NumElements; elem++ {
		p := m.EToP[elem]
		stats[p].NumElements++
		stats[p].ComputeLoad += int64(elementCost(m.ElementTypes[elem]))
		for _, neighbor := range m.EToE[elem] {
			if neighbor <= elem || m.EToP[neighbor] == p {
				continue
			}
			cutFaces++
			stats[p].NumNeighbors[m.EToP[neighbor]]++
			stats[m.EToP[neighbor]].NumNeighbors[p]++
		}
	}
	return
}

func (mp *MeshPartitioner) analyzePartition(objval int32) {
	stats, cutFaces := Stats(mp.mesh, int(mp.config.NumPartitions))
	var (
		avgLoad float64
		maxLoad int64
		minLoad int64 = math.MaxInt64
	)
	for _, s := range stats {
		avgLoad += float64(s.ComputeLoad)
		maxLoad = max(maxLoad, s.ComputeLoad)
		minLoad = min(minLoad, s.ComputeLoad)
	}
	avgLoad /= float64(len(stats))
	mp.logger.Info("partition analysis",
		"objective", objval,
		"cut_faces", cutFaces,
		"imbalance_pct", 100*(float64(maxLoad)/avgLoad-1),
		"min_load", minLoad, "max_load", maxLoad)
	for _, s := range stats {
		mp.logger.Debug("partition",
			"id", s.ID, "elements", s.NumElements,
			"load", s.ComputeLoad, "neighbors", len(s.NumNeighbors))
	}
}
