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
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/notargets/gocouple/comm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RankCmd runs one rank of a coupled case, talking to the other ranks over
// QUIC. Every process of the pool gets the same input and peer list.
var RankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Run one rank of a coupled case over the network",
	Long: `Run one rank of a coupled case over the network. The pool is given as
a comma separated list of host:port addresses indexed by rank; this process
listens on the address at its own rank. Certificates are required unless
--insecure is set, which uses a throwaway self-signed certificate.`,
	PreRun: func(cmd *cobra.Command, args []string) { bindFlags(cmd) },
	RunE: func(cmd *cobra.Command, args []string) error {
		ip, err := readInput(viper.GetString("input"))
		if err != nil {
			return err
		}
		addrs := splitPeers(viper.GetString("peers"))
		rank := viper.GetInt("rank")
		if rank < 0 || rank >= len(addrs) {
			return fmt.Errorf("rank %d is not in a pool of %d peers", rank, len(addrs))
		}
		tlsConf, err := rankTLS()
		if err != nil {
			return err
		}
		handler := newLogHandler()
		runID := viper.GetString("run-id")
		if runID == "" {
			runID = uuid.New().String()
		}
		run, err := newCoupledRun(runID, ip, len(addrs), slog.New(handler))
		if err != nil {
			return err
		}
		qc, err := comm.ListenQuic(comm.QuicConfig{
			Rank:      rank,
			Size:      len(addrs),
			BindAddr:  addrs[rank],
			TLSConfig: tlsConf,
		}, comm.WithLog(handler))
		if err != nil {
			return err
		}
		rep, err := run.runQuicRank(cmd.Context(), qc, addrs, handler)
		printReports([]rankReport{rep})
		return err
	},
}

func init() {
	rootCmd.AddCommand(RankCmd)
	RankCmd.Flags().StringP("input", "I", "", "YAML file of coupling parameters")
	RankCmd.Flags().IntP("rank", "r", 0, "rank of this process in the pool")
	RankCmd.Flags().StringP("peers", "p", "", "comma separated host:port of every rank, in rank order")
	RankCmd.Flags().String("run-id", "", "identifier shared by the ranks of a run, for the logs")
	RankCmd.Flags().String("cert", "", "PEM certificate of this rank")
	RankCmd.Flags().String("key", "", "PEM key of this rank")
	RankCmd.Flags().String("ca", "", "PEM bundle of the certificate authority of the pool")
	RankCmd.Flags().Bool("insecure", false, "use a self-signed certificate and skip verification")
}

func splitPeers(s string) (addrs []string) {
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return
}

func rankTLS() (*tls.Config, error) {
	if viper.GetBool("insecure") {
		return comm.DevTLSConfig()
	}
	return comm.LoadTLSConfig(viper.GetString("cert"), viper.GetString("key"), viper.GetString("ca"))
}

// runQuicRank connects a listening rank to the pool and runs it.
func (run *coupledRun) runQuicRank(ctx context.Context, qc *comm.QuicComm, addrs []string,
	handler slog.Handler) (rep rankReport, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if cerr := qc.Close(); err == nil {
			err = cerr
		}
	}()
	if err = qc.Connect(ctx, addrs); err != nil {
		return
	}
	return run.runRank(ctx, qc, handler)
}
