// Copyright (c) 2026 John Earle
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

package models

import (
	"cmp"
	"strconv"
	"strings"
)

// ComparePositions orders two change-log positions, returning -1, 0 or +1.
//
// Positions compare as unsigned 64-bit integers. If either value is not
// numeric, numeric is false and the values compare by length and then
// lexicographically, which keeps equal-width digit strings in order and
// never ranks a shorter number above a longer one. The empty position sorts
// before every other position.
func ComparePositions(a, b string) (result int, numeric bool) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return cmp.Compare(len(a), len(b)), true
	}

	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return cmp.Compare(na, nb), true
	}

	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c, false
	}
	return strings.Compare(a, b), false
}

// MaxPosition returns the later of two positions.
func MaxPosition(a, b string) string {
	if c, _ := ComparePositions(a, b); c < 0 {
		return b
	}
	return a
}
