/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/notargets/gocouple/InputParameters"
	"github.com/notargets/gocouple/comm"
	"github.com/notargets/gocouple/coupling"
	"github.com/notargets/gocouple/mesh"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
)

// coupledRun is everything the ranks of one run share: the input and both
// partitioned meshes.
type coupledRun struct {
	ID     string
	Input  *InputParameters.CouplingParameters
	Ranges [2]coupling.RankRange
	Meshes [2]*mesh.Mesh
}

func readInput(file string) (*InputParameters.CouplingParameters, error) {
	if file == "" {
		return nil, fmt.Errorf("must supply an input parameters file (-I, --input), for example:%s", exampleInput)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	ip := &InputParameters.CouplingParameters{}
	if err = ip.Parse(data); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return ip, nil
}

const exampleInput = `
########################################
Title: "Two boxes"
Steps: 10
Fields: [scalar, vector]
Backoff: {SpinCount: 1000, Sleep: 100us}
Solvers:
  - Name: fluid
    Mode: both
    Mesh: {Box: [0, 0, 0, 2, 1, 1], Divisions: [16, 8, 8]}
  - Name: solid
    Mode: both
    Partitioner: metis
    Mesh: {File: solid.su2}
########################################
`

// newCoupledRun places both solvers in the pool and partitions their meshes
// for the number of ranks each one gets.
func newCoupledRun(id string, ip *InputParameters.CouplingParameters, poolSize int,
	logger *slog.Logger) (run *coupledRun, err error) {
	if poolSize < 2 {
		return nil, fmt.Errorf("%w: a pool of %d ranks cannot hold two solvers", coupling.ErrTopology, poolSize)
	}
	run = &coupledRun{ID: id, Input: ip}
	if run.Ranges, err = ip.RankRanges(poolSize); err != nil {
		return nil, err
	}
	// Validates the split once for the whole pool.
	if _, err = coupling.ResolveTopology(poolSize, run.Ranges[0].Start, run.Ranges[0], run.Ranges[1]); err != nil {
		return nil, err
	}
	for i, sp := range ip.Solvers {
		if run.Meshes[i], err = loadMesh(sp, run.Ranges[i].Size, logger); err != nil {
			return nil, fmt.Errorf("solver %s: %w", sp.Name, err)
		}
	}
	return run, nil
}

func loadMesh(sp InputParameters.SolverParameters, nparts int, logger *slog.Logger) (m *mesh.Mesh, err error) {
	if sp.Mesh.File != "" {
		if m, err = mesh.ReadMeshFile(sp.Mesh.File); err != nil {
			return nil, err
		}
	} else {
		d := sp.Mesh.Divisions
		m = mesh.NewBoxMesh(sp.Mesh.BoxBounds(), d[0], d[1], d[2])
	}
	switch sp.Partitioner {
	case "metis":
		cfg := mesh.DefaultPartitionConfig(int32(nparts))
		err = mesh.NewMeshPartitioner(m, cfg, logger.With("solver", sp.Name)).Partition()
	default:
		axis, _ := InputParameters.ParseAxis(sp.Axis)
		err = mesh.SlabPartition(m, nparts, mesh.Axis(axis))
	}
	if err != nil {
		return nil, err
	}
	logger.Info("mesh ready", "solver", sp.Name,
		"elements", m.NumElements, "parts", nparts, "partitioner", sp.Partitioner)
	return m, nil
}

// solverOf returns which solver a global rank runs.
func (run *coupledRun) solverOf(rank int) int {
	if run.Ranges[0].Contains(rank) {
		return 0
	}
	return 1
}

func (run *coupledRun) partition(rank int) (*mesh.Partition, coupling.Topology, error) {
	i := run.solverOf(rank)
	topo, err := coupling.ResolveTopology(run.Ranges[0].Size+run.Ranges[1].Size,
		rank, run.Ranges[i], run.Ranges[1-i])
	if err != nil {
		return nil, topo, err
	}
	part, err := mesh.NewPartition(run.Meshes[i], topo.LocalRank, run.Input.Tolerance)
	return part, topo, err
}

// rankReport summarizes one rank of a coupled run.
type rankReport struct {
	Rank        int
	Solver      string
	Cells       int
	Channels    int
	MatchedRecv int
	MatchedSend int
	Steps       int
	// Covered counts the owned cells written by the last scalar receive,
	// MaxError is the largest difference between a received scalar and the
	// analytic field at the receiving cell.
	Covered  int
	MaxError float64
}

// analytic is the field every solver holds, a linear function of position
// shifted by the step number.
func analytic(p r3.Vec, step int) float64 {
	return p.X + 2*p.Y + 3*p.Z + float64(step)
}

// runRank drives the coupling loop of one rank: every step sends all fields,
// receives all fields and then agrees on continuing through the status
// channel.
func (run *coupledRun) runRank(ctx context.Context, c comm.Comm, handler slog.Handler) (rep rankReport, err error) {
	rank := c.Rank()
	sp := run.Input.Solvers[run.solverOf(rank)]
	rep = rankReport{Rank: rank, Solver: sp.Name}

	part, topo, err := run.partition(rank)
	if err != nil {
		return
	}
	backoff, _ := run.Input.Backoff.Policy()
	logger := slog.New(handler).With("run", run.ID, "solver", sp.Name)
	cp := coupling.NewCoupler(c, topo, part,
		coupling.WithMode(sp.CouplingMode()),
		coupling.WithBackoff(backoff),
		coupling.WithLog(logger.Handler()),
	)
	if err = cp.Initialize(ctx); err != nil {
		return
	}
	defer func() {
		if cerr := cp.Close(ctx); err == nil {
			err = cerr
		}
	}()
	rep.Cells = part.NumCells()
	rep.Channels = len(cp.Channels())
	for _, ch := range cp.Channels() {
		rep.MatchedRecv += ch.NRecv()
		rep.MatchedSend += ch.NSend()
	}

	var (
		pts    = part.Points()
		scalar = make([]float64, len(pts))
		vector = make([]r3.Vec, len(pts))
		symm   = make([]coupling.SymmTensor, len(pts))
		diag   = make([]coupling.Tensor, len(pts))
	)
	fill := func(step int) {
		for i, p := range pts {
			v := analytic(p, step)
			scalar[i] = v
			vector[i] = r3.Vec{X: v, Y: 2 * v, Z: 3 * v}
			symm[i] = coupling.SymmTensor{v, 0, 0, v, 0, v}
			diag[i] = coupling.Tensor{v, 0, 0, 0, v, 0, 0, 0, v}
		}
	}
	for step := 0; step < run.Input.Steps; step++ {
		if cp.Sending() {
			fill(step)
			for _, f := range run.Input.Fields {
				switch f {
				case InputParameters.FieldScalar:
					err = cp.SendScalar(ctx, scalar)
				case InputParameters.FieldVector:
					err = cp.SendVector(ctx, vector)
				case InputParameters.FieldSymmTensor:
					err = cp.SendSymmTensor(ctx, symm)
				case InputParameters.FieldDiagTensor:
					err = cp.SendDiagTensor(ctx, diag)
				}
				if err != nil {
					return
				}
			}
		}
		if cp.Receiving() {
			for _, f := range run.Input.Fields {
				switch f {
				case InputParameters.FieldScalar:
					for i := range scalar {
						scalar[i] = math.NaN()
					}
					if err = cp.RecvScalar(ctx, scalar); err == nil {
						rep.Covered, rep.MaxError = scalarError(pts, scalar, step)
					}
				case InputParameters.FieldVector:
					err = cp.RecvVector(ctx, vector)
				case InputParameters.FieldSymmTensor:
					err = cp.RecvSymmTensor(ctx, symm)
				case InputParameters.FieldDiagTensor:
					err = cp.RecvDiagTensor(ctx, diag)
				}
				if err != nil {
					return
				}
			}
		}

		status := coupling.StatusContinue
		if step == run.Input.Steps-1 {
			status = coupling.StatusLastIteration
		}
		if err = cp.SendStatus(ctx, status); err != nil {
			return
		}
		if status, err = cp.RecvStatus(ctx); err != nil {
			return
		}
		rep.Steps = step + 1
		logger.Debug("step done", "rank", rank, "step", step, "status", status)
		if status == coupling.StatusLastIteration {
			break
		}
	}
	return
}

// scalarError compares a received field against the analytic field at the
// receiving points. Cells left NaN were not covered by any peer.
func scalarError(pts []r3.Vec, got []float64, step int) (covered int, maxErr float64) {
	diff := make([]float64, 0, len(got))
	for i, v := range got {
		if math.IsNaN(v) {
			continue
		}
		covered++
		diff = append(diff, math.Abs(v-analytic(pts[i], step)))
	}
	if len(diff) > 0 {
		maxErr = floats.Max(diff)
	}
	return
}

func printReports(reports []rankReport) {
	fmt.Printf("%5s %-8s %7s %8s %8s %8s %5s %8s %10s\n",
		"rank", "solver", "cells", "channels", "recv", "send", "steps", "covered", "max error")
	for _, r := range reports {
		fmt.Printf("%5d %-8s %7d %8d %8d %8d %5d %8d %10.3g\n",
			r.Rank, r.Solver, r.Cells, r.Channels, r.MatchedRecv, r.MatchedSend,
			r.Steps, r.Covered, r.MaxError)
	}
}
