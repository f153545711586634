// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package model

import (
	"strconv"
	"strings"
)

// CompareVersions orders dotted versions numerically, a version with a
// dash suffix goes before the plain one.
func CompareVersions(a, b string) int {
	partsA, preA := parseVersion(a)
	partsB, preB := parseVersion(b)
	for i := 0; i < len(partsA) || i < len(partsB); i++ {
		var x, y int64
		if i < len(partsA) {
			x = partsA[i]
		}
		if i < len(partsB) {
			y = partsB[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	switch {
	case preA == preB:
		return 0
	case preA == "":
		return 1
	case preB == "":
		return -1
	}
	return strings.Compare(preA, preB)
}

func parseVersion(version string) ([]int64, string) {
	version = strings.TrimSpace(version)
	var pre string
	if i := strings.IndexByte(version, '-'); i >= 0 {
		version, pre = version[:i], version[i+1:]
	}
	var parts []int64
	for _, part := range strings.Split(version, ".") {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			n = -1
		}
		parts = append(parts, n)
	}
	for len(parts) > 0 && parts[len(parts)-1] == 0 {
		parts = parts[:len(parts)-1]
	}
	return parts, pre
}

// MatchVersion accepts the exact version and every version it prefixes
// by dotted components.
func MatchVersion(want, have string) bool {
	return want == "" || have == want || strings.HasPrefix(have, want+".")
}
