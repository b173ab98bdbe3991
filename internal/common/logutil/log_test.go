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

package logutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	require.Error(t, Init("not-a-level", true))
}

func TestInitBuildsUsableLogger(t *testing.T) {
	require.NoError(t, Init("debug", true))
	require.NotNil(t, L())
}

func TestSetLoggerSwapIsObservedGlobally(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	SetLogger(zap.New(core))
	defer SetLogger(zap.NewNop())

	Info("node ready", AnyField("port", 4000))
	Warn("disk getting full", ErrorField(nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "node ready", entries[0].Message)
	require.Equal(t, "disk getting full", entries[1].Message)
}
