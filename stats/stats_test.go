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

package stats

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sugarlabs/sugar-network/common/kvstore"
	"github.com/sugarlabs/sugar-network/common/rrd"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/model"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/sneakernet"
	"github.com/sugarlabs/sugar-network/util"
	"github.com/sugarlabs/sugar-network/volume"
)

var testRras = []string{"RRA:AVERAGE:0.5:1:10"}

func setNow(t *testing.T, now *int64) {
	saved := util.Now
	util.Now = func() int64 { return *now }
	t.Cleanup(func() { util.Now = saved })
}

func newVolume(t *testing.T) *volume.Volume {
	v, err := volume.Open(context.TODO(), t.TempDir(), model.Schemas(), volume.Config{KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func TestNodeStats(t *testing.T) {
	ctx := context.TODO()
	now := int64(1000)
	setNow(t, &now)
	v := newVolume(t)
	contexts, err := v.Directory(model.Context)
	require.NoError(t, err)
	existing, err := contexts.Create(ctx, map[string]interface{}{"title": "existing"})
	require.NoError(t, err)

	s, err := OpenNodeStats(ctx, &Config{Root: t.TempDir(), StepS: 10, Rras: testRras}, v)
	require.NoError(t, err)
	defer s.Close()

	rec, err := contexts.Create(ctx, map[string]interface{}{"title": "new"})
	require.NoError(t, err)
	impls, err := v.Directory(model.Implementation)
	require.NoError(t, err)
	impl, err := impls.Create(ctx, map[string]interface{}{"context": rec.Guid, "version": "1"})
	require.NoError(t, err)

	hook := func(method string, content interface{}, path ...string) {
		req := proto.NewRequest(method, path...)
		req.Content = content
		s.OnRequest(ctx, req, nil, nil)
	}
	hook(proto.MethodGet, nil, model.Context, existing.Guid)
	hook(proto.MethodGet, nil, model.Implementation, impl.Guid, "data")
	hook(proto.MethodPost, map[string]interface{}{"context": rec.Guid, "rating": float64(4)}, model.Review)
	hook(proto.MethodPost, map[string]interface{}{"context": rec.Guid, "rating": float64(5)}, model.Review)
	// failed requests are not counted
	s.OnRequest(ctx, proto.NewRequest(proto.MethodGet, model.Context, existing.Guid), nil, apierrors.NotFound("gone"))

	require.NoError(t, s.Commit(ctx))
	db, err := s.rrd.Get(ctx, model.Context)
	require.NoError(t, err)
	rows := db.Fetch(0, 0)
	require.Len(t, rows, 1)
	require.Equal(t, int64(1000), rows[0].Timestamp)
	require.Equal(t, float64(2), rows[0].Values[fieldTotal])
	require.Equal(t, float64(1), rows[0].Values[fieldCreated])
	require.Equal(t, float64(1), rows[0].Values[fieldViewed])
	require.Equal(t, float64(2), rows[0].Values[fieldReviewed])
	db, err = s.rrd.Get(ctx, model.Implementation)
	require.NoError(t, err)
	require.Equal(t, float64(1), db.Fetch(0, 0)[0].Values[fieldDownloaded])

	scored, err := contexts.Get(ctx, rec.Guid)
	require.NoError(t, err)
	require.EqualValues(t, 1, scored.Props["downloads"])
	require.EqualValues(t, 5, scored.Props["rating"])
	reviews := scored.Props["reviews"].([]interface{})
	require.EqualValues(t, 2, reviews[0])
	require.EqualValues(t, 9, reviews[1])

	// counters restart, totals stay
	now += 10
	require.NoError(t, contexts.Delete(ctx, existing.Guid))
	require.NoError(t, s.Commit(ctx))
	db, err = s.rrd.Get(ctx, model.Context)
	require.NoError(t, err)
	rows = db.Fetch(0, 0)
	require.Len(t, rows, 2)
	require.Equal(t, float64(1), rows[1].Values[fieldTotal])
	require.Equal(t, float64(0), rows[1].Values[fieldCreated])
	require.Equal(t, float64(1), rows[1].Values[fieldDeleted])

	p := volume.NewProcessor(v)
	s.Register(p)
	req := proto.NewRequest(proto.MethodGet)
	req.Cmd = CmdStats
	req.SetArg("source", model.Context)
	ret, err := p.Call(ctx, req, proto.NewResponse())
	require.NoError(t, err)
	require.Len(t, ret.(map[string][]rrd.Row)[model.Context], 2)
}

func TestUserStats(t *testing.T) {
	ctx := context.TODO()
	cfg := &Config{Root: t.TempDir(), StepS: 10, Rras: testRras}
	u, err := OpenUserStats(cfg)
	require.NoError(t, err)

	require.NoError(t, u.Upload(ctx, "u1", &Upload{Name: "activities", Values: []Sample{
		{Timestamp: 110, Values: map[string]float64{"x": 2}},
		{Timestamp: 100, Values: map[string]float64{"x": 1}},
	}}))
	// stale samples are ignored
	require.NoError(t, u.Upload(ctx, "u1", &Upload{Name: "activities", Values: []Sample{
		{Timestamp: 90, Values: map[string]float64{"x": 9}},
	}}))
	info, err := u.Info(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"activities": 110}, info.Status)
	require.Equal(t, int64(10), info.Step)

	var buf bytes.Buffer
	w, err := sneakernet.NewWriter(&buf, &sneakernet.Header{Packet: sneakernet.PacketStatsDiff, Src: "node"}, 0)
	require.NoError(t, err)
	written, err := u.Diff(ctx, w, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"u1/activities": 110}, written)
	require.Equal(t, 2, w.Records())
	require.NoError(t, w.Flush())

	other, err := OpenUserStats(&Config{Root: t.TempDir(), StepS: 10, Rras: testRras})
	require.NoError(t, err)
	r := sneakernet.NewReader(&buf)
	_, err = r.Next()
	require.NoError(t, err)
	require.NoError(t, r.Each(func(rec *sneakernet.Record) error {
		return other.Merge(ctx, rec)
	}))
	info, err = other.Info(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"activities": 110}, info.Status)

	w, err = sneakernet.NewWriter(&bytes.Buffer{}, &sneakernet.Header{Packet: sneakernet.PacketStatsDiff, Src: "node"}, 0)
	require.NoError(t, err)
	written, err = u.Diff(ctx, w, written)
	require.NoError(t, err)
	require.Empty(t, written)

	err = u.Upload(ctx, "../u1", &Upload{Name: "activities"})
	require.True(t, apierrors.Is(err, apierrors.ErrBadRequest))
}

func TestUserStats_Commands(t *testing.T) {
	ctx := context.TODO()
	u, err := OpenUserStats(&Config{Root: t.TempDir(), StepS: 10, Rras: testRras})
	require.NoError(t, err)
	p := volume.NewProcessor(newVolume(t))
	u.Register(p)

	call := func(principal, method, cmd string, content interface{}) (interface{}, error) {
		req := proto.NewRequest(method, model.User, "u1")
		req.Cmd = cmd
		req.Principal = principal
		req.Content = content
		return p.Call(ctx, req, proto.NewResponse())
	}
	upload := map[string]interface{}{
		"name":   "journal",
		"values": []interface{}{map[string]interface{}{"timestamp": float64(100), "values": map[string]interface{}{"n": float64(3)}}},
	}
	_, err = call("u2", proto.MethodPost, CmdStatsUpload, upload)
	require.True(t, apierrors.Is(err, apierrors.ErrForbidden))
	_, err = call("", proto.MethodPost, CmdStatsUpload, upload)
	require.True(t, apierrors.Is(err, apierrors.ErrUnauthorized))
	_, err = call("u1", proto.MethodPost, CmdStatsUpload, upload)
	require.NoError(t, err)

	ret, err := call("u1", proto.MethodGet, CmdStatsInfo, nil)
	require.NoError(t, err)
	require.Equal(t, int64(100), ret.(*Info).Status["journal"])
}

func TestAck(t *testing.T) {
	pushed := map[string]int64{"u1/activities": 100}
	require.False(t, Ack(pushed, map[string]int64{"u1/activities": 50}))
	require.Equal(t, int64(100), pushed["u1/activities"])
	require.True(t, Ack(pushed, map[string]int64{"u1/activities": 200, "u2/activities": 10}))
	require.Equal(t, map[string]int64{"u1/activities": 200, "u2/activities": 10}, pushed)
	require.False(t, Ack(pushed, nil))
}
