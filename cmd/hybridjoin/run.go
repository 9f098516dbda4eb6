// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/config"
	"github.com/matrixorigin/hybridjoin/pkg/etl"
	"github.com/matrixorigin/hybridjoin/pkg/logutil"
	v2 "github.com/matrixorigin/hybridjoin/pkg/util/metric/v2"
)

const defaultConfigFile = "./hybridjoin.toml"

func runCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every join job of the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configFile)
			if err != nil {
				return err
			}
			logutil.SetupLogger(&cfg.Log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", defaultConfigFile, "toml configuration of the join jobs")
	return cmd
}

func checkCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configFile)
			if err != nil {
				return err
			}
			cmd.Printf("%s: %d job(s), spill backend %s\n", configFile, len(cfg.Jobs), cfg.Spill.Backend)
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", defaultConfigFile, "toml configuration of the join jobs")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	jobs, err := etl.JobsFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	o, err := etl.NewOrchestrator(cfg.Workers)
	if err != nil {
		return err
	}
	defer o.Close()

	failed := 0
	for _, res := range o.Run(ctx, jobs) {
		if res.Err != nil {
			failed++
			logutil.Error("job failed", zap.String("job", res.Name), zap.Error(res.Err))
			continue
		}
		logutil.Info("job resolved",
			zap.String("job", res.Name),
			zap.Uint64("joined", res.Result.Stats.Joined),
			zap.Uint64("non-matched", res.Result.Stats.NonMatched),
			zap.Int("generations", res.Result.Stats.Generations))
	}
	if failed > 0 {
		return hjerr.NewInternalError(ctx, "%d of %d job(s) failed", failed, len(jobs))
	}
	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(v2.GetPrometheusGatherer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logutil.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logutil.Info("serving metrics", zap.String("addr", addr))
	return srv
}
