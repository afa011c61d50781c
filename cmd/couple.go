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
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/notargets/gocouple/InputParameters"
	"github.com/notargets/gocouple/comm"
	"github.com/notargets/gocouple/utils"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CoupleCmd runs both solvers of a coupled case inside this process, one
// goroutine per rank.
var CoupleCmd = &cobra.Command{
	Use:   "couple",
	Short: "Run a coupled case with every rank in this process",
	Long: `Run a coupled case with every rank in this process. Both meshes are
partitioned for the pool, each rank couples its partition with the ranks of
the other solver it overlaps, and a per-rank summary is printed at the end.`,
	PreRun: func(cmd *cobra.Command, args []string) { bindFlags(cmd) },
	RunE: func(cmd *cobra.Command, args []string) error {
		switch viper.GetString("profile") {
		case "cpu":
			defer profile.Start(profile.CPUProfile, profile.ProfilePath(viper.GetString("profile-dir"))).Stop()
		case "mem":
			defer profile.Start(profile.MemProfile, profile.ProfilePath(viper.GetString("profile-dir"))).Stop()
		}
		ip, err := readInput(viper.GetString("input"))
		if err != nil {
			return err
		}
		ip.Print()
		reports, err := coupleInProcess(cmd.Context(), ip, viper.GetInt("ranks"), newLogHandler())
		printReports(reports)
		return err
	},
}

func init() {
	rootCmd.AddCommand(CoupleCmd)
	CoupleCmd.Flags().StringP("input", "I", "", "YAML file of coupling parameters")
	CoupleCmd.Flags().IntP("ranks", "n", 2, "size of the process pool shared by both solvers")
	CoupleCmd.Flags().String("profile", "", "profile the run: cpu or mem")
	CoupleCmd.Flags().String("profile-dir", ".", "directory for profile output")
}

// coupleInProcess runs every rank of the pool over a LocalWorld and returns
// the reports of the ranks in rank order.
func coupleInProcess(ctx context.Context, ip *InputParameters.CouplingParameters, poolSize int,
	handler slog.Handler) ([]rankReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// A failed rank stops the others instead of leaving them waiting.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := slog.New(handler)
	run, err := newCoupledRun(uuid.New().String(), ip, poolSize, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("coupled run", "run", run.ID, "pool", poolSize,
		"first", run.Ranges[0], "second", run.Ranges[1])

	world := comm.NewLocalWorld(poolSize, comm.WithLog(handler))
	defer world.Close()
	var (
		wg      sync.WaitGroup
		reports = make([]rankReport, poolSize)
		errs    = make([]error, poolSize)
	)
	for rank := 0; rank < poolSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			reports[rank], errs[rank] = run.runRank(ctx, world.Comm(rank), handler)
			if errs[rank] != nil {
				logger.Error("rank failed", "rank", rank, "error", errs[rank])
				cancel()
			}
		}(rank)
	}
	wg.Wait()
	logger.Info("coupled run done", "run", run.ID, "memory", utils.GetMemUsage())
	return reports, errors.Join(errs...)
}
