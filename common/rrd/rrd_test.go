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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var testRras = []string{"RRA:AVERAGE:0.5:1:10", "RRA:MAX:0.5:2:5"}

func TestParseRra(t *testing.T) {
	rra, err := ParseRra("RRA:AVERAGE:0.5:1:288")
	require.NoError(t, err)
	require.Equal(t, Rra{CF: CFAverage, Xff: 0.5, Steps: 1, Rows: 288}, rra)
	require.Equal(t, "RRA:AVERAGE:0.5:1:288", rra.String())

	for _, s := range []string{"", "RRA:AVG:0.5:1:1", "RRA:LAST:2:1:1", "RRA:MIN:0.5:0:1", "DS:MIN:0.5:1:1", "RRA:MAX:0.5:1"} {
		_, err = ParseRra(s)
		require.Error(t, err, s)
	}
}

func TestDb_PutPending(t *testing.T) {
	ctx := context.TODO()
	r, err := Open(t.TempDir(), 10, testRras)
	require.NoError(t, err)
	db, err := r.Get(ctx, "downloads")
	require.NoError(t, err)

	require.NoError(t, db.Put(map[string]float64{"a": 1}, 100))
	require.Equal(t, int64(100), db.Last())

	// inside the step, buffered
	require.NoError(t, db.Put(map[string]float64{"a": 2}, 105))
	require.Equal(t, int64(100), db.Last())
	require.Equal(t, int64(105), db.Pending().Timestamp)

	// next step boundary commits the pending value first
	require.NoError(t, db.Put(map[string]float64{"a": 3}, 110))
	require.Equal(t, int64(110), db.Last())
	rows := db.Fetch(0, 0)
	require.Equal(t, []Row{
		{Timestamp: 100, Values: map[string]float64{"a": 1}},
		{Timestamp: 110, Values: map[string]float64{"a": 2}},
	}, rows)
	require.Equal(t, float64(3), db.Pending().Values["a"])

	require.NoError(t, db.Put(map[string]float64{"a": 4}, 135))
	rows = db.Fetch(115, 200)
	require.Equal(t, []Row{
		{Timestamp: 120, Values: map[string]float64{"a": 3}},
		{Timestamp: 135, Values: map[string]float64{"a": 4}},
	}, rows)
	require.Nil(t, db.Pending())

	max := db.FetchArchive(CFMax, 2)
	require.Equal(t, []Row{
		{Timestamp: 110, Values: map[string]float64{"a": 2}},
		{Timestamp: 135, Values: map[string]float64{"a": 4}},
	}, max)
}

func TestDb_Reopen(t *testing.T) {
	ctx := context.TODO()
	root := t.TempDir()
	r, err := Open(root, 10, testRras)
	require.NoError(t, err)
	db, err := r.Get(ctx, "visits")
	require.NoError(t, err)
	require.NoError(t, db.Put(map[string]float64{"a": 1}, 100))
	require.NoError(t, db.Put(map[string]float64{"a": 2}, 101))

	r, err = Open(root, 10, testRras)
	require.NoError(t, err)
	db, err = r.Get(ctx, "visits")
	require.NoError(t, err)
	require.Equal(t, int64(100), db.Last())
	require.Equal(t, int64(101), db.Pending().Timestamp)

	names, err := r.List()
	require.NoError(t, err)
	require.Equal(t, []string{"visits"}, names)
}

func TestDb_Revisions(t *testing.T) {
	ctx := context.TODO()
	root := t.TempDir()
	r, err := Open(root, 10, testRras)
	require.NoError(t, err)
	db, err := r.Get(ctx, "usage")
	require.NoError(t, err)
	require.NoError(t, db.Put(map[string]float64{"a": 1}, 100))

	// new field starts a revision
	require.NoError(t, db.Put(map[string]float64{"a": 2, "b": 3}, 200))
	_, err = os.Stat(filepath.Join(root, "usage.rrd"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "usage-1.rrd"))
	require.NoError(t, err)

	// step change starts one more
	r, err = Open(root, 60, testRras)
	require.NoError(t, err)
	db, err = r.Get(ctx, "usage")
	require.NoError(t, err)
	require.NoError(t, db.Put(map[string]float64{"a": 4, "b": 5}, 300))
	_, err = os.Stat(filepath.Join(root, "usage-2.rrd"))
	require.NoError(t, err)

	rows := db.Fetch(0, 0)
	require.Len(t, rows, 3)
	require.Equal(t, int64(100), rows[0].Timestamp)
	require.Equal(t, float64(3), rows[1].Values["b"])
	require.Equal(t, float64(4), rows[2].Values["a"])

	names, err := r.List()
	require.NoError(t, err)
	require.Equal(t, []string{"usage"}, names)
}

func TestRra_Consolidate(t *testing.T) {
	points := []Row{
		{Values: map[string]float64{"a": 1, "b": 1}},
		{Values: map[string]float64{"a": 3}},
	}
	require.Equal(t, map[string]float64{"a": 2, "b": 1}, Rra{CF: CFAverage, Xff: 0.5}.consolidate(points, []string{"a", "b"}))
	require.Equal(t, map[string]float64{"a": 2}, Rra{CF: CFAverage, Xff: 0.4}.consolidate(points, []string{"a", "b"}))
	require.Equal(t, map[string]float64{"a": 3}, Rra{CF: CFLast}.consolidate(points, []string{"a"}))
	require.Equal(t, map[string]float64{"a": 1}, Rra{CF: CFMin}.consolidate(points, []string{"a"}))
}
