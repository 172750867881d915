// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"

	"github.com/meshjoin/meshjoin/pkg/config"
	"github.com/meshjoin/meshjoin/pkg/datagen"
	"github.com/meshjoin/meshjoin/pkg/exchange/memgroup"
	"github.com/meshjoin/meshjoin/pkg/exchange/netgroup"
	"github.com/meshjoin/meshjoin/pkg/join"
	"github.com/meshjoin/meshjoin/pkg/metrics"
	"github.com/meshjoin/meshjoin/pkg/relation"
	"github.com/meshjoin/meshjoin/pkg/util/logutil"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Filled in by the build via -ldflags.
var (
	releaseVersion = "None"
	gitHash        = "None"
	buildTimestamp = "None"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, "meshjoin joins two distributed tables across a fixed group of ranks\n\nUsage:\n  meshjoin [flags]\n\nFlags:\n")
		pflag.PrintDefaults()
	}
	pflag.ErrHelp = stderrors.New("")

	printVersion := pflag.BoolP("version", "V", false, "Print meshjoin version")

	conf := config.DefaultConfig()
	conf.DefineFlags(pflag.CommandLine)

	pflag.Parse()
	if *printVersion {
		fmt.Printf("Release version: %s\nGit commit hash: %s\nBuild timestamp: %s\n",
			releaseVersion, gitHash, buildTimestamp)
		return
	}

	if err := conf.ParseFromFlags(pflag.CommandLine); err != nil {
		fmt.Printf("\nparse arguments failed: %+v\n", err)
		os.Exit(1)
	}
	if err := logutil.InitLogger(&conf.Log); err != nil {
		fmt.Printf("\ninit logger failed: %+v\n", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics.RegisterMetrics(registry)
	if conf.StatusAddr != "" {
		startStatusServer(conf.StatusAddr, registry)
	}

	ctx := context.Background()
	var err error
	if conf.NetworkMode() {
		err = runNetwork(ctx, conf)
	} else {
		err = runLocal(ctx, conf)
	}
	if err != nil {
		logutil.Error("join failed", zap.Error(err))
		fmt.Printf("\njoin failed: %s\n", err.Error())
		os.Exit(1)
	}
	logutil.Info("join finished, meshjoin will exit now")
}

func startStatusServer(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logutil.Error("status server exited", zap.Error(err))
		}
	}()
	logutil.Info("status server started", zap.String("address", addr))
}

func makeInputs(conf *config.Config, rank, size int) (*relation.Left, *relation.Right) {
	if conf.Example {
		return datagen.Example(rank, size)
	}
	return datagen.Random(rank, size, datagen.RandomOptions{
		Rows:   conf.Rows,
		MaxKey: conf.MaxKey,
		Seed:   conf.Seed,
	})
}

// runLocal joins over an in-process group, one goroutine per rank, then
// renders every rank's tables in rank order.
func runLocal(ctx context.Context, conf *config.Config) error {
	group, err := memgroup.New(conf.Ranks)
	if err != nil {
		return errors.Trace(err)
	}
	lefts := make([]*relation.Left, conf.Ranks)
	rights := make([]*relation.Right, conf.Ranks)
	outputs := make([]*relation.Output, conf.Ranks)

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < conf.Ranks; rank++ {
		rank := rank
		g.Go(func() error {
			conn := group.Conn(rank)
			defer func() { _ = conn.Close() }()
			left, right := makeInputs(conf, rank, conf.Ranks)
			lefts[rank], rights[rank] = left, right
			exec := join.NewExec(conn, join.Options{
				ProbeConcurrency:   conf.ProbeConcurrency,
				VerifyConservation: conf.VerifyConservation,
			})
			out, err := exec.Run(gctx, left, right)
			if err != nil {
				return errors.Trace(err)
			}
			outputs[rank] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Trace(err)
	}

	for rank := 0; rank < conf.Ranks; rank++ {
		renderInput(os.Stdout, rank, lefts[rank], rights[rank])
	}
	for rank := 0; rank < conf.Ranks; rank++ {
		renderOutput(os.Stdout, rank, outputs[rank])
	}
	return nil
}

// runNetwork joins a TCP group as one rank. Printing is bracketed by
// barriers so that sections from different ranks do not interleave when
// their stdout streams share a terminal.
func runNetwork(ctx context.Context, conf *config.Config) error {
	ncfg, err := conf.Netgroup()
	if err != nil {
		return errors.Trace(err)
	}
	conn, err := netgroup.Dial(ctx, ncfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = conn.Close() }()

	left, right := makeInputs(conf, conn.Rank(), conn.Size())

	if err := conn.Barrier(ctx); err != nil {
		return errors.Trace(err)
	}
	renderInput(os.Stdout, conn.Rank(), left, right)
	if err := conn.Barrier(ctx); err != nil {
		return errors.Trace(err)
	}

	exec := join.NewExec(conn, join.Options{
		ProbeConcurrency:   conf.ProbeConcurrency,
		VerifyConservation: conf.VerifyConservation,
	})
	out, err := exec.Run(ctx, left, right)
	if err != nil {
		return errors.Trace(err)
	}

	renderOutput(os.Stdout, conn.Rank(), out)
	return errors.Trace(conn.Barrier(ctx))
}
