// Copyright 2021 Matrix Origin
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

// Command dtnode starts the storage node's PageStore and logs that it
// is ready to serve reads/writes, the minimal wiring a real service
// main would extend with an RPC front end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/matrixbase/dtcore/internal/common/config"
	"github.com/matrixbase/dtcore/internal/common/fileprovider"
	"github.com/matrixbase/dtcore/internal/common/logutil"
	"github.com/matrixbase/dtcore/internal/pagestore"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file; uses defaults when empty")
	dataDir := flag.String("data-dir", "./data", "directory holding blob and page store files")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := logutil.Init(cfg.LogLevel, *configPath == ""); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logutil.L().Sync()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logutil.Fatal("create data dir", zap.Error(err))
	}

	fp, err := fileprovider.New(*dataDir, fileprovider.EncryptionDisabled)
	if err != nil {
		logutil.Fatal("create file provider", zap.Error(err))
	}

	dir := pagestore.NewPageDirectory()
	ps, err := pagestore.New(&cfg.PageStore, fp, dir)
	if err != nil {
		logutil.Fatal("create page store", zap.Error(err))
	}
	defer ps.Close()

	logutil.Info("dtnode ready", zap.String("data_dir", *dataDir))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logutil.Info("dtnode shutting down")
	if ids, err := ps.GCScan(context.Background()); err != nil {
		logutil.Warn("final gc scan failed", zap.Error(err))
	} else if len(ids) > 0 {
		logutil.Info("final gc scan found reclaimable blobs", zap.Int("count", len(ids)))
	}
}
