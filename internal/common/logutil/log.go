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

// Package logutil is a thin process-wide wrapper around zap. Components
// call the package-level helpers directly instead of threading a logger
// through every constructor; SetLogger swaps the backing zap.Logger
// during node startup once the configured level/encoding is known.
package logutil

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Value // *zap.Logger

func init() {
	global.Store(zap.NewNop())
}

// Init builds the process-wide logger from the given level and format.
// Called once during node startup; tests may call it with a development
// config to get readable output.
func Init(level string, development bool) error {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		return err
	}
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	SetLogger(logger)
	return nil
}

func SetLogger(l *zap.Logger) {
	global.Store(l)
}

func L() *zap.Logger {
	return global.Load().(*zap.Logger)
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

func Debugf(format string, args ...interface{}) { L().Sugar().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { L().Sugar().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { L().Sugar().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { L().Sugar().Errorf(format, args...) }

func ErrorField(err error) zap.Field { return zap.Error(err) }
func AnyField(key string, val interface{}) zap.Field { return zap.Any(key, val) }
