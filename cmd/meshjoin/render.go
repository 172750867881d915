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
	"fmt"
	"io"
	"strconv"

	"github.com/meshjoin/meshjoin/pkg/relation"
)

func formatData0(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// renderInput writes one rank's input slices side by side: the left key
// column next to the right table, padded when their lengths differ.
func renderInput(w io.Writer, rank int, left *relation.Left, right *relation.Right) {
	fmt.Fprintf(w, "Rank %d, input:\n", rank)
	fmt.Fprintln(w, "| keys1 |  | keys2 |   data0   | data1 |")
	rows := max(left.NumRows(), right.NumRows())
	for i := 0; i < rows; i++ {
		if i < left.NumRows() {
			fmt.Fprintf(w, "| %5s |  ", strconv.FormatInt(int64(left.Keys[i]), 10))
		} else {
			fmt.Fprint(w, "           ")
		}
		if i < right.NumRows() {
			fmt.Fprintf(w, "| %5s | %9s | %5s |\n",
				strconv.FormatInt(int64(right.Keys[i]), 10),
				formatData0(right.Data0[i]),
				strconv.FormatInt(int64(right.Data1[i]), 10))
		} else {
			fmt.Fprintln(w)
		}
	}
}

// renderOutput writes one rank's share of the join result.
func renderOutput(w io.Writer, rank int, out *relation.Output) {
	fmt.Fprintf(w, "Rank %d, output:\n", rank)
	fmt.Fprintln(w, "| key |   data0   | data1 |")
	for i := 0; i < out.NumRows(); i++ {
		fmt.Fprintf(w, "| %3s | %9s | %5s |\n",
			strconv.FormatInt(int64(out.Keys[i]), 10),
			formatData0(out.Data0[i]),
			strconv.FormatInt(int64(out.Data1[i]), 10))
	}
}
