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

package sequence

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequence_Include(t *testing.T) {
	var s Sequence
	require.True(t, s.Empty())

	s.Include(1, 3)
	s.Include(7, 9)
	require.Equal(t, Sequence{{1, 3}, {7, 9}}, s)

	// adjacent ranges merge
	s.Include(4, 4)
	require.Equal(t, Sequence{{1, 4}, {7, 9}}, s)

	s.Include(5, 6)
	require.Equal(t, Sequence{{1, 9}}, s)

	s.Include(20, Inf)
	s.Include(12, 13)
	require.Equal(t, Sequence{{1, 9}, {12, 13}, {20, Inf}}, s)

	s.Include(10, 30)
	require.Equal(t, Sequence{{1, Inf}}, s)

	s = nil
	s.Include(5, 5)
	s.Include(1, 1)
	s.Include(3, 3)
	require.Equal(t, Sequence{{1, 1}, {3, 3}, {5, 5}}, s)
	s.Include(2, 4)
	require.Equal(t, Sequence{{1, 5}}, s)
}

func TestSequence_Exclude(t *testing.T) {
	s := Full()
	s.Exclude(5, 10)
	require.Equal(t, Sequence{{1, 4}, {11, Inf}}, s)

	s.Exclude(1, 1)
	require.Equal(t, Sequence{{2, 4}, {11, Inf}}, s)

	s.Exclude(3, 12)
	require.Equal(t, Sequence{{2, 2}, {13, Inf}}, s)

	s.Exclude(20, Inf)
	require.Equal(t, Sequence{{2, 2}, {13, 19}}, s)

	s.Exclude(1, Inf)
	require.True(t, s.Empty())
}

func TestSequence_IncludeExcludeRoundTrip(t *testing.T) {
	origin := Sequence{{1, 3}, {10, 12}, {20, Inf}}
	s := origin.Copy()
	s.Include(5, 7)
	s.Exclude(5, 7)
	require.Equal(t, origin, s)
}

func TestSequence_Contains(t *testing.T) {
	s := Sequence{{1, 3}, {10, 12}, {20, Inf}}
	for _, n := range []uint64{1, 2, 3, 10, 12, 20, 1000} {
		require.True(t, s.Contains(n), n)
	}
	for _, n := range []uint64{0, 4, 9, 13, 19} {
		require.False(t, s.Contains(n), n)
	}
}

func TestSequence_StretchClip(t *testing.T) {
	s := Sequence{{1, 3}, {10, 12}}
	s.Stretch()
	require.Equal(t, Sequence{{1, 12}}, s)

	var empty Sequence
	empty.Stretch()
	require.True(t, empty.Empty())

	require.Equal(t, Sequence{{1, 5}}, Full().Clip(5))
	require.True(t, Sequence{{10, Inf}}.Clip(5).Empty())
	require.Equal(t, uint64(1), s.First())
	require.Equal(t, uint64(12), s.Last())
}

func TestSequence_JSON(t *testing.T) {
	s := Sequence{{1, 3}, {5, Inf}}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.Equal(t, `[[1,3],[5,null]]`, string(data))

	var decoded Sequence
	require.NoError(t, json.Unmarshal([]byte(`[[5,null],[1,3],[2,4]]`), &decoded))
	require.Equal(t, Sequence{{1, Inf}}, decoded)

	data, err = json.Marshal(Sequence(nil))
	require.NoError(t, err)
	require.Equal(t, `[]`, string(data))

	require.Error(t, json.Unmarshal([]byte(`[[3,1]]`), &decoded))
	require.Error(t, json.Unmarshal([]byte(`[1]`), &decoded))
}

func TestPersistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "push.sequence")

	p, err := Open(path, Full())
	require.NoError(t, err)
	require.Equal(t, Full(), p.Get())

	p.Exclude(1, 10)
	p.Include(3, 4)
	require.NoError(t, p.Commit())

	reopened, err := Open(path, Full())
	require.NoError(t, err)
	require.Equal(t, p.Get(), reopened.Get())
	require.Equal(t, Sequence{{3, 4}, {11, Inf}}, reopened.Get())

	// uncommitted changes are not persisted
	reopened.Exclude(1, Inf)
	again, err := Open(path, nil)
	require.NoError(t, err)
	require.Equal(t, Sequence{{3, 4}, {11, Inf}}, again.Get())
}
