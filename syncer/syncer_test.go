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

package syncer

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sugarlabs/sugar-network/client"
	"github.com/sugarlabs/sugar-network/common/kvstore"
	"github.com/sugarlabs/sugar-network/common/sequence"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/resource"
	"github.com/sugarlabs/sugar-network/router"
	"github.com/sugarlabs/sugar-network/sneakernet"
	"github.com/sugarlabs/sugar-network/volume"
)

func newVolume(t *testing.T) *volume.Volume {
	schemas := []*resource.Schema{
		resource.NewSchema("context",
			&resource.Property{Name: "title", Kind: resource.KindLocalized, Access: resource.AccessPublic, Indexed: true},
			&resource.Property{Name: "data", Kind: resource.KindBlob, Access: resource.AccessRead | resource.AccessWrite},
		),
	}
	v, err := volume.Open(context.TODO(), t.TempDir(), schemas, volume.Config{KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func create(t *testing.T, v *volume.Volume, title string) string {
	dir, err := v.Directory("context")
	require.NoError(t, err)
	rec, err := dir.Create(context.TODO(), map[string]interface{}{"title": title})
	require.NoError(t, err)
	return rec.Guid
}

func titles(t *testing.T, v *volume.Volume) []string {
	dir, err := v.Directory("context")
	require.NoError(t, err)
	records, _, err := dir.Find(context.TODO(), &resource.Query{})
	require.NoError(t, err)
	var ret []string
	for _, rec := range records {
		ret = append(ret, rec.Localized("title", nil))
	}
	sort.Strings(ret)
	return ret
}

// mediaFree emulates a medium of capacity bytes.
func mediaFree(capacity int64) DiskFreeFunc {
	return func(path string) (int64, error) {
		entries, err := os.ReadDir(path)
		if err != nil {
			return 0, err
		}
		used := int64(0)
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				return 0, err
			}
			used += info.Size()
		}
		return capacity - used, nil
	}
}

func readPacket(t *testing.T, p *sneakernet.Packet) []*sneakernet.Record {
	var records []*sneakernet.Record
	require.NoError(t, p.Read(func(rec *sneakernet.Record) error {
		if rec.Type != sneakernet.RecordCommit {
			records = append(records, rec)
		}
		return nil
	}))
	return records
}

type fakeStats struct {
	lock   sync.Mutex
	values map[string]int64
	merged []*sneakernet.Record
}

func (f *fakeStats) Diff(ctx context.Context, w *sneakernet.Writer, pushed map[string]int64) (map[string]int64, error) {
	written := make(map[string]int64)
	for db, ts := range f.values {
		if ts <= pushed[db] {
			continue
		}
		rec := &sneakernet.Record{Type: sneakernet.RecordStats, DB: db, Timestamp: ts, Values: map[string]float64{"n": 1}}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
		written[db] = ts
	}
	return written, nil
}

func (f *fakeStats) Merge(ctx context.Context, rec *sneakernet.Record) error {
	f.lock.Lock()
	f.merged = append(f.merged, rec)
	f.lock.Unlock()
	return nil
}

func TestOnlineSync(t *testing.T) {
	ctx := context.TODO()
	master := newVolume(t)
	masterFiles, err := OpenFiles(t.TempDir())
	require.NoError(t, err)
	repo := filepath.Join(masterFiles.Root(), DocumentPackages, "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "pkg.rpm"), []byte("rpm"), 0o644))
	masterStats := &fakeStats{}
	processor := volume.NewProcessor(master)
	NewMaster(&Config{}, master, masterFiles, masterStats).Register(processor)
	server := httptest.NewServer(router.NewRouter(&router.Config{}, processor, master.Publisher(), router.NewAuth(nil, true)))
	defer server.Close()

	node := newVolume(t)
	nodeFiles, err := OpenFiles(t.TempDir())
	require.NoError(t, err)
	slave, err := NewSlave(&Config{}, node, nodeFiles, &fakeStats{values: map[string]int64{"u1": 100}})
	require.NoError(t, err)
	c := client.New(&client.Config{APIURL: server.URL, Principal: "u1"})
	defer c.Close()

	create(t, master, "X")
	create(t, node, "Y")
	require.False(t, slave.PendingPush().Empty())

	require.NoError(t, slave.OnlineSync(ctx, c))
	require.Equal(t, []string{"X", "Y"}, titles(t, master))
	require.Equal(t, []string{"X", "Y"}, titles(t, node))
	require.True(t, slave.PendingPush().Empty())
	require.True(t, slave.PendingPull().Empty())
	masterGuid, err := master.Guid()
	require.NoError(t, err)
	nodeMaster, err := node.Master()
	require.NoError(t, err)
	require.Equal(t, masterGuid, nodeMaster)

	data, err := os.ReadFile(filepath.Join(nodeFiles.Root(), DocumentPackages, "repo", "pkg.rpm"))
	require.NoError(t, err)
	require.Equal(t, "rpm", string(data))
	require.Len(t, masterStats.merged, 1)
	require.Equal(t, int64(100), slave.statsPushed["u1"])

	// nothing moves the second time
	require.NoError(t, slave.OnlineSync(ctx, c))
	require.Equal(t, uint64(2), master.Seqno())
	require.Len(t, masterStats.merged, 1)
	require.Equal(t, []string{"X", "Y"}, titles(t, node))

	// sequences survive restarts
	reopened, err := NewSlave(&Config{}, node, nodeFiles, nil)
	require.NoError(t, err)
	require.True(t, slave.push.Get().Equal(reopened.push.Get()))
	require.True(t, slave.pull.Get().Equal(reopened.pull.Get()))
	require.Equal(t, int64(100), reopened.statsPushed["u1"])
}

func TestOnlineSync_Unreachable(t *testing.T) {
	node := newVolume(t)
	slave, err := NewSlave(&Config{}, node, nil, nil)
	require.NoError(t, err)
	events := node.Publisher().Subscribe(map[string]string{"event": proto.EventSyncError}, 0)
	defer node.Publisher().Unsubscribe(events)

	create(t, node, "Y")
	c := client.New(&client.Config{APIURL: "http://127.0.0.1:1"})
	defer c.Close()
	require.Error(t, slave.OnlineSync(context.TODO(), c))
	require.Equal(t, "[[1,1]]", slave.PendingPush().String())
	require.Equal(t, proto.EventSyncError, (<-events.C()).Event)
}

func TestOfflineSync_FullDump(t *testing.T) {
	slave, err := NewSlave(&Config{}, newVolume(t), nil, nil)
	require.NoError(t, err)
	require.ErrorIs(t, slave.OfflineSync(context.TODO(), t.TempDir()), ErrFullDump)
}

func TestOfflineSync_Budget(t *testing.T) {
	ctx := context.TODO()
	node := newVolume(t)
	dir, err := node.Directory("context")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		guid := create(t, node, fmt.Sprintf("r%d", i))
		_, err = dir.SetBlob(ctx, guid, "data", bytes.NewReader(bytes.Repeat([]byte{byte('a' + i)}, 30000)), "application/octet-stream")
		require.NoError(t, err)
	}

	slave, err := NewSlave(&Config{SyncLayers: []string{resource.LayerPublic}, DiskReserve: 1000}, node, nil, nil)
	require.NoError(t, err)

	// a record takes about 40KB, the first medium fits one and a half
	first := t.TempDir()
	slave.diskFree = mediaFree(1000 + 60000)
	require.NoError(t, slave.OfflineSync(ctx, first))
	packets, err := sneakernet.Walk(first, "")
	require.NoError(t, err)
	require.Len(t, packets, 2)
	require.Equal(t, sneakernet.PacketPush, packets[0].Header.Packet)
	require.Len(t, readPacket(t, packets[0]), 1)
	require.Equal(t, sneakernet.PacketPull, packets[1].Header.Packet)
	require.Equal(t, packets[0].Header.Session, packets[1].Header.Session)
	_, err = os.Stat(slave.sessionPath())
	require.NoError(t, err)

	second := t.TempDir()
	slave.diskFree = mediaFree(1 << 40)
	require.NoError(t, slave.OfflineSync(ctx, second))
	packets, err = sneakernet.Walk(second, "")
	require.NoError(t, err)
	require.Len(t, packets, 2)
	require.Len(t, readPacket(t, packets[0]), 2)
	_, err = os.Stat(slave.sessionPath())
	require.True(t, os.IsNotExist(err))

	// nothing was acknowledged yet
	require.False(t, slave.PendingPush().Empty())

	// a medium without room for a header gets nothing
	full := t.TempDir()
	slave.diskFree = mediaFree(1000)
	require.NoError(t, slave.OfflineSync(ctx, full))
	packets, err = sneakernet.Walk(full, "")
	require.NoError(t, err)
	require.Empty(t, packets)
}

func TestOfflineSync_RoundTrip(t *testing.T) {
	ctx := context.TODO()
	master := newVolume(t)
	node := newVolume(t)
	create(t, master, "X")
	create(t, node, "Y")

	m := NewMaster(&Config{}, master, nil, nil)
	m.diskFree = mediaFree(1 << 40)
	slave, err := NewSlave(&Config{SyncLayers: []string{resource.LayerPublic}}, node, nil, nil)
	require.NoError(t, err)
	slave.diskFree = mediaFree(1 << 40)
	media := t.TempDir()

	require.NoError(t, slave.OfflineSync(ctx, media))
	require.NoError(t, m.SyncMedia(ctx, media))
	require.Equal(t, []string{"X", "Y"}, titles(t, master))

	// answering twice replaces earlier replies
	require.NoError(t, m.SyncMedia(ctx, media))
	masterGuid, err := master.Guid()
	require.NoError(t, err)
	packets, err := sneakernet.Walk(media, "")
	require.NoError(t, err)
	replies := 0
	for _, p := range packets {
		if p.Header.Src == masterGuid {
			replies++
		}
	}
	require.Equal(t, 2, replies)

	require.NoError(t, slave.OfflineSync(ctx, media))
	require.Equal(t, []string{"X", "Y"}, titles(t, node))
	require.True(t, slave.PendingPush().Empty())
	require.True(t, slave.PendingPull().Empty())
	nodeMaster, err := node.Master()
	require.NoError(t, err)
	require.Equal(t, masterGuid, nodeMaster)

	// replies are consumed and packets of the finished session reclaimed
	packets, err = sneakernet.Walk(media, "")
	require.NoError(t, err)
	require.Len(t, packets, 1)
	require.Equal(t, sneakernet.PacketPull, packets[0].Header.Packet)
}

func TestFiles(t *testing.T) {
	ctx := context.TODO()
	src, err := OpenFiles(t.TempDir())
	require.NoError(t, err)
	dst, err := OpenFiles(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(src.Root(), "sub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src.Root(), ".hidden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src.Root(), "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src.Root(), "sub", "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src.Root(), ".hidden", "c.txt"), []byte("c"), 0o644))
	require.NoError(t, src.Scan(ctx))
	require.Equal(t, uint64(2), src.Seqno())
	require.NoError(t, src.Scan(ctx))
	require.Equal(t, uint64(2), src.Seqno())

	transfer := func(in sequence.Sequence) sequence.Sequence {
		var buf bytes.Buffer
		w, err := sneakernet.NewWriter(&buf, &sneakernet.Header{Packet: sneakernet.PacketFilesDiff, Src: "src"}, 0)
		require.NoError(t, err)
		out, err := src.Diff(ctx, in, w)
		require.NoError(t, err)
		require.NoError(t, w.Flush())
		r := sneakernet.NewReader(&buf)
		_, err = r.Next()
		require.NoError(t, err)
		require.NoError(t, r.Each(func(rec *sneakernet.Record) error {
			if rec.Type == sneakernet.RecordFile {
				return dst.Merge(ctx, rec)
			}
			return nil
		}))
		return out
	}

	out := transfer(sequence.Full())
	require.True(t, out.Equal(sequence.New(sequence.Range{Start: 1, End: 2})))
	data, err := os.ReadFile(filepath.Join(dst.Root(), "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "b", string(data))
	_, err = os.Stat(filepath.Join(dst.Root(), ".hidden"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, os.Remove(filepath.Join(src.Root(), "a.txt")))
	require.NoError(t, src.Scan(ctx))
	require.Equal(t, uint64(3), src.Seqno())
	transfer(sequence.New(sequence.Range{Start: 3, End: sequence.Inf}))
	_, err = os.Stat(filepath.Join(dst.Root(), "a.txt"))
	require.True(t, os.IsNotExist(err))

	err = dst.Merge(ctx, &sneakernet.Record{Type: sneakernet.RecordFile, Op: sneakernet.OpUpdate, Path: "../escape"})
	require.True(t, apierrors.Is(err, apierrors.ErrBadRequest))
}

func TestFiles_Packages(t *testing.T) {
	files, err := OpenFiles(t.TempDir())
	require.NoError(t, err)
	repo := filepath.Join(files.Root(), DocumentPackages, "repo", "x86_64")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "pkg.rpm"), []byte("rpm"), 0o644))
	processor := volume.NewProcessor(newVolume(t))
	files.Register(processor)

	get := func(path ...string) (interface{}, error) {
		return processor.Call(context.TODO(), proto.NewRequest(proto.MethodGet, path...), proto.NewResponse())
	}
	list, err := get(DocumentPackages)
	require.NoError(t, err)
	require.Equal(t, []string{"repo"}, list)
	list, err = get(DocumentPackages, "repo")
	require.NoError(t, err)
	require.Equal(t, []string{"x86_64"}, list)
	blob, err := get(DocumentPackages, "repo", "x86_64", "pkg.rpm")
	require.NoError(t, err)
	require.Equal(t, int64(3), blob.(*proto.Blob).Size)
	_, err = get(DocumentPackages, "missing")
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))
}
