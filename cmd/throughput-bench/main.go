// Copyright 2026 TiKV Project Authors.
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
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tikv/throughput-control/pkg/errs"
	"github.com/tikv/throughput-control/pkg/utils/logutil"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "throughput-bench",
		Short:         "Drive a simulated workload through the throughput controllers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBench,
	}
	registerFlags(cmd.Flags())
	return cmd
}

func runBench(cmd *cobra.Command, _ []string) error {
	cfg := newConfig(cmd.Flags())
	if err := cfg.parse(); err != nil {
		return err
	}
	if _, _, err := logutil.SetupLogger(&cfg.Log, cfg.RedactInfoLog, ""); err != nil {
		return err
	}
	defer logutil.LogPanic()

	ctx, cancel := signal.NotifyContext(cmd.Context(),
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer cancel()

	if len(cfg.StatusAddr) > 0 {
		srv := runHTTPServer(cfg.StatusAddr)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("status server shutdown error", zap.Error(err))
			}
		}()
	}

	log.Info("throughput bench start",
		zap.String("container", cfg.Container),
		zap.Int("ranges", cfg.Ranges),
		zap.Int("groups", len(cfg.Groups)),
		zap.Duration("duration", cfg.Duration.Duration))
	_, err := newBench(cfg).run(ctx)
	return err
}

func runHTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server listen error", zap.String("addr", addr), errs.ZapError(err))
		}
	}()
	return srv
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error("throughput bench failed", errs.ZapError(err))
		exit(1)
	}
	exit(0)
}

func exit(code int) {
	log.Sync()
	os.Exit(code)
}
