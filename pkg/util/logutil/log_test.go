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

package logutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(&Config{Level: "info", Format: "text"}))
	require.NotNil(t, L().Logger)

	require.Error(t, InitLogger(&Config{Level: "nosuchlevel", Format: "text"}))
}

func TestWithRankTagsEntries(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	old := L()
	SetLogger(zap.New(core))
	defer SetLogger(old.Logger)

	L().WithRank(3).Info("hello")
	entries := observed.All()
	require.Len(t, entries, 1)
	require.Equal(t, "hello", entries[0].Message)
	require.Equal(t, []zap.Field{zap.Int("rank", 3)}, entries[0].Context)
}

func TestPackageLevelLogging(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	old := L()
	SetLogger(zap.New(core))
	defer SetLogger(old.Logger)

	Debug("d")
	Info("i")
	Warn("w")
	Error("e")
	require.Equal(t, 4, observed.Len())
}
