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

package relation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeftValidate(t *testing.T) {
	require.NoError(t, (&Left{}).Validate())

	left := &Left{Keys: []int32{3, 1, 2}}
	require.NoError(t, left.Validate())
	require.Equal(t, 3, left.NumRows())
}

func TestRightValidate(t *testing.T) {
	right := &Right{
		Keys:  []int32{1, 2},
		Data0: []float64{0.5, 1.5},
		Data1: []int32{10, 20},
	}
	require.NoError(t, right.Validate())
	require.Equal(t, 2, right.NumRows())

	require.NoError(t, (&Right{}).Validate())

	right.Data1 = right.Data1[:1]
	err := right.Validate()
	require.ErrorIs(t, err, ErrInvalidInput)
	require.ErrorContains(t, err, "column lengths diverge")
}

func TestOutputAppend(t *testing.T) {
	var out Output
	out.AppendRow(1, 0.5, 7)
	out.AppendRow(2, 1.5, 8)

	var other Output
	other.AppendRow(3, 2.5, 9)
	out.Append(&other)

	require.Equal(t, 3, out.NumRows())
	require.Equal(t, []int32{1, 2, 3}, out.Keys)
	require.Equal(t, []float64{0.5, 1.5, 2.5}, out.Data0)
	require.Equal(t, []int32{7, 8, 9}, out.Data1)
}
