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

// Package sequence implements sets of sequence numbers kept as sorted
// closed ranges. Sequences are the sync cursors exchanged between nodes.
package sequence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Inf marks an open ended range.
const Inf = uint64(math.MaxUint64)

type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Contains(n uint64) bool {
	return n >= r.Start && n <= r.End
}

func (r Range) MarshalJSON() ([]byte, error) {
	if r.End == Inf {
		return []byte(fmt.Sprintf("[%d,null]", r.Start)), nil
	}
	return []byte(fmt.Sprintf("[%d,%d]", r.Start, r.End)), nil
}

func (r *Range) UnmarshalJSON(data []byte) error {
	var pair []*uint64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 || pair[0] == nil {
		return fmt.Errorf("malformed range %s", data)
	}
	r.Start = *pair[0]
	r.End = Inf
	if pair[1] != nil {
		r.End = *pair[1]
	}
	if r.End < r.Start {
		return fmt.Errorf("malformed range %s", data)
	}
	return nil
}

// Sequence is an ordered list of non overlapping and non adjacent ranges.
type Sequence []Range

var errMalformed = errors.New("malformed sequence")

func New(ranges ...Range) Sequence {
	var s Sequence
	for _, r := range ranges {
		s.Include(r.Start, r.End)
	}
	return s
}

// Full returns [[1, Inf]], the default of every pull cursor.
func Full() Sequence {
	return Sequence{{Start: 1, End: Inf}}
}

func (s Sequence) Empty() bool {
	return len(s) == 0
}

func (s Sequence) First() uint64 {
	if len(s) == 0 {
		return 0
	}
	return s[0].Start
}

func (s Sequence) Last() uint64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].End
}

// Contains finds the range with binary search.
func (s Sequence) Contains(n uint64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].End >= n })
	return i < len(s) && s[i].Start <= n
}

func (s *Sequence) IncludeSeq(n uint64) {
	s.Include(n, n)
}

// Include adds [start, end] merging every overlapping or adjacent range.
func (s *Sequence) Include(start, end uint64) {
	if end < start {
		return
	}
	ranges := *s
	// first range which may touch the new one
	i := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].End == Inf || ranges[i].End+1 >= start
	})
	j := i
	for j < len(ranges) && (end == Inf || ranges[j].Start <= end+1) {
		if ranges[j].Start < start {
			start = ranges[j].Start
		}
		if ranges[j].End > end {
			end = ranges[j].End
		}
		j++
	}
	merged := make(Sequence, 0, len(ranges)-(j-i)+1)
	merged = append(merged, ranges[:i]...)
	merged = append(merged, Range{Start: start, End: end})
	merged = append(merged, ranges[j:]...)
	*s = merged
}

func (s *Sequence) IncludeSequence(other Sequence) {
	for _, r := range other {
		s.Include(r.Start, r.End)
	}
}

func (s *Sequence) ExcludeSeq(n uint64) {
	s.Exclude(n, n)
}

// Exclude removes [start, end] trimming or splitting ranges.
func (s *Sequence) Exclude(start, end uint64) {
	if end < start {
		return
	}
	var ret Sequence
	for _, r := range *s {
		if r.End < start || r.Start > end {
			ret = append(ret, r)
			continue
		}
		if r.Start < start {
			ret = append(ret, Range{Start: r.Start, End: start - 1})
		}
		if end != Inf && r.End > end {
			ret = append(ret, Range{Start: end + 1, End: r.End})
		}
	}
	*s = ret
}

func (s *Sequence) ExcludeSequence(other Sequence) {
	for _, r := range other {
		s.Exclude(r.Start, r.End)
	}
}

// Stretch collapses the sequence into a single [first, last] range.
func (s *Sequence) Stretch() {
	if len(*s) == 0 {
		return
	}
	*s = Sequence{{Start: s.First(), End: s.Last()}}
}

// Clip returns the part of the sequence not greater than max.
func (s Sequence) Clip(max uint64) Sequence {
	ret := s.Copy()
	if max == Inf {
		return ret
	}
	ret.Exclude(max+1, Inf)
	return ret
}

func (s Sequence) Copy() Sequence {
	if s == nil {
		return nil
	}
	return append(Sequence(nil), s...)
}

func (s Sequence) Equal(other Sequence) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Sequence) String() string {
	data, _ := json.Marshal(s)
	return string(data)
}

func (s Sequence) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Range(s))
}

// UnmarshalJSON normalizes the ranges, peers may send them unsorted.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	var ranges []Range
	if err := json.Unmarshal(data, &ranges); err != nil {
		return errMalformed
	}
	*s = New(ranges...)
	return nil
}
