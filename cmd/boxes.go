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
	"fmt"
	"log/slog"

	"github.com/notargets/gocouple/coupling"
	"github.com/notargets/gocouple/geometry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/spatial/r3"
)

// BoxesCmd reports how the partitions of the two solvers overlap for a
// pool size, without running the coupling.
var BoxesCmd = &cobra.Command{
	Use:   "boxes",
	Short: "Print the partition boxes of both solvers and which pairs overlap",
	PreRun: func(cmd *cobra.Command, args []string) { bindFlags(cmd) },
	RunE: func(cmd *cobra.Command, args []string) error {
		ip, err := readInput(viper.GetString("input"))
		if err != nil {
			return err
		}
		run, err := newCoupledRun("", ip, viper.GetInt("ranks"), slog.New(newLogHandler()))
		if err != nil {
			return err
		}
		boxes, om, err := run.overlap()
		if err != nil {
			return err
		}
		for i, sp := range ip.Solvers {
			fmt.Printf("Solver[%s] ranks %s\n", sp.Name, run.Ranges[i])
			for r, b := range boxes[i] {
				fmt.Printf("  %4d %s\n", run.Ranges[i].Start+r, geometry.String(b))
			}
		}
		fmt.Printf("%d overlapping pairs\n", om.NNZ())
		for r := range boxes[0] {
			var peers []int
			for _, j := range om.Row(r) {
				peers = append(peers, run.Ranges[1].Start+j)
			}
			fmt.Printf("  %4d -> %v\n", run.Ranges[0].Start+r, peers)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(BoxesCmd)
	BoxesCmd.Flags().StringP("input", "I", "", "YAML file of coupling parameters")
	BoxesCmd.Flags().IntP("ranks", "n", 2, "size of the process pool shared by both solvers")
}

// overlap computes every rank's box locally, the same table the ranks
// all-gather at setup, and matches the first solver against the second.
func (run *coupledRun) overlap() (boxes [2][]r3.Box, om *coupling.OverlapMatrix, err error) {
	for i, rr := range run.Ranges {
		boxes[i] = make([]r3.Box, rr.Size)
		for r := range boxes[i] {
			part, _, perr := run.partition(rr.Start + r)
			if perr != nil {
				return boxes, nil, perr
			}
			boxes[i][r] = coupling.ComputeLocalBox(part)
		}
	}
	return boxes, coupling.NewOverlapMatrix(boxes[0], boxes[1]), nil
}
