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

import "testing"

func TestComparePositions(t *testing.T) {
	tests := []struct {
		a, b        string
		want        int
		wantNumeric bool
	}{
		{"100", "100", 0, true},
		{"99", "100", -1, true},
		{"103", "101", 1, true},
		{"18446744073709551615", "1", 1, true},
		{"", "1", -1, true},
		{"", "", 0, true},
		{"abc", "abd", -1, false},
		{"9x", "10x", -1, false},
		{"100", "zz", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			got, numeric := ComparePositions(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("ComparePositions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if numeric != tt.wantNumeric {
				t.Errorf("numeric = %v, want %v", numeric, tt.wantNumeric)
			}
		})
	}
}

func TestMaxPosition(t *testing.T) {
	if got := MaxPosition("99", "100"); got != "100" {
		t.Errorf("MaxPosition = %q, want 100", got)
	}
	if got := MaxPosition("100", ""); got != "100" {
		t.Errorf("MaxPosition = %q, want 100", got)
	}
}
