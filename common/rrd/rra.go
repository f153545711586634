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

package rrd

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	CFAverage = "AVERAGE"
	CFLast    = "LAST"
	CFMin     = "MIN"
	CFMax     = "MAX"
)

// Rra is a round robin archive declared as RRA:<CF>:<xff>:<steps>:<rows>.
type Rra struct {
	CF    string  `json:"cf"`
	Xff   float64 `json:"xff"`
	Steps int     `json:"steps"`
	Rows  int     `json:"rows"`
}

func ParseRra(s string) (Rra, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 || parts[0] != "RRA" {
		return Rra{}, fmt.Errorf("malformed rra %q", s)
	}
	rra := Rra{CF: strings.ToUpper(parts[1])}
	switch rra.CF {
	case CFAverage, CFLast, CFMin, CFMax:
	default:
		return Rra{}, fmt.Errorf("unknown consolidation function in %q", s)
	}
	var err error
	if rra.Xff, err = strconv.ParseFloat(parts[2], 64); err != nil || rra.Xff < 0 || rra.Xff >= 1 {
		return Rra{}, fmt.Errorf("malformed xff in %q", s)
	}
	if rra.Steps, err = strconv.Atoi(parts[3]); err != nil || rra.Steps < 1 {
		return Rra{}, fmt.Errorf("malformed steps in %q", s)
	}
	if rra.Rows, err = strconv.Atoi(parts[4]); err != nil || rra.Rows < 1 {
		return Rra{}, fmt.Errorf("malformed rows in %q", s)
	}
	return rra, nil
}

func (r Rra) String() string {
	return fmt.Sprintf("RRA:%s:%s:%d:%d", r.CF, strconv.FormatFloat(r.Xff, 'f', -1, 64), r.Steps, r.Rows)
}

// consolidate folds the primary points of one archive row, a field is
// dropped when the share of points missing it exceeds xff.
func (r Rra) consolidate(points []Row, fields []string) map[string]float64 {
	ret := make(map[string]float64, len(fields))
	for _, field := range fields {
		var (
			known int
			acc   float64
		)
		for _, point := range points {
			value, ok := point.Values[field]
			if !ok || math.IsNaN(value) {
				continue
			}
			switch {
			case known == 0:
				acc = value
			case r.CF == CFAverage:
				acc += value
			case r.CF == CFLast:
				acc = value
			case r.CF == CFMin:
				acc = math.Min(acc, value)
			case r.CF == CFMax:
				acc = math.Max(acc, value)
			}
			known++
		}
		if known == 0 || float64(len(points)-known)/float64(len(points)) > r.Xff {
			continue
		}
		if r.CF == CFAverage {
			acc /= float64(known)
		}
		ret[field] = acc
	}
	return ret
}
