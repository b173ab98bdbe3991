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

// Package config holds the node-wide recognized options from section 6
// of the design: page store allocation, DMFile read tuning and hash
// join concurrency. Values are loaded from a TOML file and defaulted
// the way the rest of the fleet defaults its service configs.
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matrixbase/dtcore/internal/common/errors"
)

// ChecksumAlgorithm mirrors dt_checksum_algorithm.
type ChecksumAlgorithm string

const (
	ChecksumXXH3  ChecksumAlgorithm = "XXH3"
	ChecksumCRC64 ChecksumAlgorithm = "CRC64"
	ChecksumCRC32 ChecksumAlgorithm = "CRC32"
	ChecksumNone  ChecksumAlgorithm = "None"
)

// CompressionMethod mirrors dt_compression_method.
type CompressionMethod string

const (
	CompressionLZ4  CompressionMethod = "LZ4"
	CompressionZSTD CompressionMethod = "ZSTD"
	CompressionNone CompressionMethod = "None"
)

// PageStoreConfig groups the options governing BlobFile sizing, padding
// and the GC threshold described in §4.1.
type PageStoreConfig struct {
	// FileLimitSize is the max bytes per BlobFile. Default 256MiB.
	FileLimitSize int64 `toml:"file-limit-size"`
	// BlockAlignmentBytes pads every allocation group up to this quantum.
	// 0 disables padding.
	BlockAlignmentBytes int64 `toml:"block-alignment-bytes"`
	// HeavyGCValidRate is the valid_rate threshold below which a blob is
	// marked read-only and scheduled for copying GC.
	HeavyGCValidRate float64 `toml:"heavy-gc-valid-rate"`
	// GCWorkers sizes the goroutine pool PageStore.Read uses to read
	// distinct blobs concurrently (never fewer than 4 workers); gc()
	// copies live pages on the calling goroutine.
	GCWorkers int `toml:"gc-workers"`
	// CheckOnRead toggles per-entry checksum verification; the design
	// keeps this always-on by default.
	CheckOnRead bool `toml:"check-on-read"`
	// IOLimitBytesPerSec throttles blob I/O through a token-bucket
	// limiter; 0 disables throttling.
	IOLimitBytesPerSec float64 `toml:"io-limit-bytes-per-sec"`
	// IOLimitBurstBytes is the burst size for the above limiter.
	IOLimitBurstBytes float64 `toml:"io-limit-burst-bytes"`
	// IOMaxRetries bounds how many times a BlobFile read/write is retried
	// after an io_error before the error is surfaced to the caller.
	IOMaxRetries int `toml:"io-max-retries"`
	// ReuseCapacityRatio is the fraction of FileLimitSize below which a
	// blob's remaining spare space (max_caps) makes it read-only, §3.2's
	// second read-only condition alongside GC-reclaim marking.
	ReuseCapacityRatio float64 `toml:"reuse-capacity-ratio"`
}

// DMFileConfig groups the dt_* reader-tuning options from §6.
type DMFileConfig struct {
	SegmentStablePackRows int64             `toml:"dt-segment-stable-pack-rows"`
	ChecksumAlgorithm     ChecksumAlgorithm `toml:"dt-checksum-algorithm"`
	CompressionMethod     CompressionMethod `toml:"dt-compression-method"`
	CompressionLevel      int               `toml:"dt-compression-level"`
	MaxReadBufferSize     int               `toml:"max-read-buffer-size"`
	RowsThresholdPerRead  int               `toml:"rows-threshold-per-read"`
	EnableColumnCache     bool              `toml:"enable-column-cache"`
	EnableRoughSetFilter  bool              `toml:"enable-rough-set-filter"`
	ReadOnePackEveryTime  bool              `toml:"read-one-pack-every-time"`
	IsFastScan            bool              `toml:"is-fast-scan"`
	MarkCacheSizeBytes    int64             `toml:"mark-cache-size-bytes"`
	ColumnCacheSizeBytes  int64             `toml:"column-cache-size-bytes"`
	// deprecated, aliased below by SmallColumnFileRows when unset.
	SmallPackRowsDeprecated int64 `toml:"dt-segment-delta-small-pack-rows"`
	SmallColumnFileRows     int64 `toml:"dt-segment-delta-small-column-file-rows"`
}

// EffectiveSmallColumnFileRows resolves the deprecated/alias ambiguity
// documented in §9: the deprecated knob is honored only when the newer
// one was left at its zero value.
func (c *DMFileConfig) EffectiveSmallColumnFileRows() int64 {
	if c.SmallColumnFileRows != 0 {
		return c.SmallColumnFileRows
	}
	return c.SmallPackRowsDeprecated
}

// HashJoinConfig groups the §6 HashJoin knobs.
type HashJoinConfig struct {
	MaxBlockSize           int `toml:"max-block-size"`
	BuildConcurrency       int `toml:"build-concurrency"`
	ProbeConcurrency       int `toml:"probe-concurrency"`
	FineGrainedShuffleCount int `toml:"fine-grained-shuffle-count"`
}

// Config is the top-level node configuration.
type Config struct {
	PageStore PageStoreConfig `toml:"page-store"`
	DMFile    DMFileConfig    `toml:"dm-file"`
	HashJoin  HashJoinConfig  `toml:"hash-join"`

	LogLevel string `toml:"log-level"`

	// IOReadTimeout bounds a single blob/column read issued on behalf of
	// an upstream request, per the cancellation/timeout model in §5.
	IOReadTimeout time.Duration `toml:"io-read-timeout"`
}

func Default() *Config {
	return &Config{
		PageStore: PageStoreConfig{
			FileLimitSize:       256 << 20,
			BlockAlignmentBytes: 4096,
			HeavyGCValidRate:    0.5,
			GCWorkers:           4,
			CheckOnRead:         true,
			IOMaxRetries:        3,
			ReuseCapacityRatio:  0.05,
		},
		DMFile: DMFileConfig{
			SegmentStablePackRows: 8192,
			ChecksumAlgorithm:     ChecksumXXH3,
			CompressionMethod:     CompressionLZ4,
			MaxReadBufferSize:     1 << 20,
			RowsThresholdPerRead:  8192 * 4,
			EnableColumnCache:     true,
			EnableRoughSetFilter:  true,
			MarkCacheSizeBytes:    128 << 20,
			ColumnCacheSizeBytes:  256 << 20,
		},
		HashJoin: HashJoinConfig{
			MaxBlockSize:            8192,
			BuildConcurrency:        4,
			ProbeConcurrency:        4,
			FineGrainedShuffleCount: 0,
		},
		LogLevel:      "info",
		IOReadTimeout: 30 * time.Second,
	}
}

// Load decodes a TOML file over the defaults, the way mo-service's own
// fileservice.Config/logservice.Config are decoded at startup.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrap(errors.KindBadRequest, err, "decode config file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.PageStore.FileLimitSize <= 0 {
		return errors.BadRequest("page-store.file-limit-size must be positive, got %d", c.PageStore.FileLimitSize)
	}
	if c.PageStore.HeavyGCValidRate < 0 || c.PageStore.HeavyGCValidRate > 1 {
		return errors.BadRequest("page-store.heavy-gc-valid-rate must be in [0,1], got %f", c.PageStore.HeavyGCValidRate)
	}
	if c.HashJoin.MaxBlockSize <= 0 {
		return errors.BadRequest("hash-join.max-block-size must be positive")
	}
	if c.PageStore.IOMaxRetries < 0 {
		return errors.BadRequest("page-store.io-max-retries must not be negative")
	}
	if c.PageStore.ReuseCapacityRatio < 0 || c.PageStore.ReuseCapacityRatio > 1 {
		return errors.BadRequest("page-store.reuse-capacity-ratio must be in [0,1], got %f", c.PageStore.ReuseCapacityRatio)
	}
	if c.IOReadTimeout < 0 {
		return errors.BadRequest("io-read-timeout must not be negative")
	}
	return nil
}
