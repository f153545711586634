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

package mount

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sugarlabs/sugar-network/common/blobs"
	"github.com/sugarlabs/sugar-network/common/kvstore"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/model"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/router"
	"github.com/sugarlabs/sugar-network/volume"
)

func newProcessor(t *testing.T, master bool) *volume.Processor {
	v, err := volume.Open(context.TODO(), t.TempDir(), model.Schemas(), volume.Config{KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	t.Cleanup(v.Close)
	p := volume.NewProcessor(v)
	model.Register(p, model.Options{Master: master})
	return p
}

func call(t *testing.T, c proto.Caller, method string, content interface{}, path ...string) interface{} {
	req := proto.NewRequest(method, path...)
	req.Principal = "u1"
	req.Content = content
	result, err := c.Call(context.TODO(), req, proto.NewResponse())
	require.NoError(t, err)
	return result
}

type eventLog struct {
	lock   sync.Mutex
	events []*proto.Event
}

func (l *eventLog) publish(event *proto.Event) {
	l.lock.Lock()
	l.events = append(l.events, event)
	l.lock.Unlock()
}

func (l *eventLog) find(name string) *proto.Event {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, event := range l.events {
		if event.Event == name {
			return event
		}
	}
	return nil
}

func TestProxy_LocalProps(t *testing.T) {
	master := newProcessor(t, true)
	home := newProcessor(t, false)
	proxy := NewProxy(home, master)
	ctx := context.TODO()

	guid := call(t, master, proto.MethodPost, map[string]interface{}{"type": "activity", "title": "t"}, model.Context).(string)
	call(t, proxy, proto.MethodPut, map[string]interface{}{"favorite": true, "clone": 2}, model.Context, guid)

	dir, err := home.Volume().Directory(model.Context)
	require.NoError(t, err)
	require.True(t, dir.Exists(guid))
	req := proto.NewRequest(proto.MethodGet, model.Context, guid)
	req.SetArg("reply", "title")
	result, err := home.Call(ctx, req, proto.NewResponse())
	require.NoError(t, err)
	require.Equal(t, "t", result.(map[string]interface{})["title"])

	req = proto.NewRequest(proto.MethodGet, model.Context, guid)
	req.SetArg("reply", "title", "favorite", "clone")
	result, err = proxy.Call(ctx, req, proto.NewResponse())
	require.NoError(t, err)
	reply := result.(map[string]interface{})
	require.Equal(t, "t", reply["title"])
	require.Equal(t, true, reply["favorite"])
	require.EqualValues(t, 2, reply["clone"])

	req = proto.NewRequest(proto.MethodGet, model.Context, guid, "favorite")
	value, err := proxy.Call(ctx, req, proto.NewResponse())
	require.NoError(t, err)
	require.Equal(t, true, value)

	// a record never touched locally gets defaults
	other := call(t, master, proto.MethodPost, map[string]interface{}{"type": "activity", "title": "o"}, model.Context).(string)
	req = proto.NewRequest(proto.MethodGet, model.Context)
	req.SetArg("reply", "guid", "favorite")
	result, err = proxy.Call(ctx, req, proto.NewResponse())
	require.NoError(t, err)
	items := resultItems(result.(map[string]interface{})["result"])
	require.Len(t, items, 2)
	for _, item := range items {
		require.Equal(t, item["guid"] == guid, item["favorite"])
	}

	req = proto.NewRequest(proto.MethodGet, model.Context)
	req.SetArg("favorite", "true")
	req.SetArg("reply", "guid")
	result, err = proxy.Call(ctx, req, proto.NewResponse())
	require.NoError(t, err)
	items = resultItems(result.(map[string]interface{})["result"])
	require.Len(t, items, 1)
	require.Equal(t, guid, items[0]["guid"])
	require.NotEqual(t, other, items[0]["guid"])
}

func TestProxy_CreateWithLocal(t *testing.T) {
	master := newProcessor(t, true)
	home := newProcessor(t, false)
	proxy := NewProxy(home, master)

	guid := call(t, proxy, proto.MethodPost, map[string]interface{}{"type": "book", "title": "b", "keep": true}, model.Context).(string)
	dir, err := home.Volume().Directory(model.Context)
	require.NoError(t, err)
	rec, err := dir.Get(context.TODO(), guid)
	require.NoError(t, err)
	require.Equal(t, true, rec.Props["keep"])

	req := proto.NewRequest(proto.MethodPut, model.Context, guid)
	req.Principal = "u1"
	req.Content = map[string]interface{}{"keep": false}
	_, err = proxy.Call(context.TODO(), req, proto.NewResponse())
	require.NoError(t, err)
	rec, err = dir.Get(context.TODO(), guid)
	require.NoError(t, err)
	require.Equal(t, false, rec.Props["keep"])
}

func TestBundles(t *testing.T) {
	b := NewBundles(t.TempDir())
	ctx := context.TODO()
	require.NoError(t, b.Put(ctx, &Bundle{Context: "c1", Guid: "i1", Version: "1.2", MimeType: "application/zip"}, strings.NewReader("old")))
	require.NoError(t, b.Put(ctx, &Bundle{Context: "c1", Guid: "i2", Version: "1.10", MimeType: "application/zip"}, strings.NewReader("new")))

	bundles, err := b.List("c1")
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	require.Equal(t, "i2", bundles[0].Guid)
	require.EqualValues(t, 3, bundles[0].Size)
	require.NotEmpty(t, bundles[0].Digest)

	bundle, err := b.Find("i1")
	require.NoError(t, err)
	blob, err := b.Open(bundle)
	require.NoError(t, err)
	data, err := io.ReadAll(blob.Reader)
	blob.Reader.Close()
	require.NoError(t, err)
	require.Equal(t, "old", string(data))

	require.NoError(t, b.Remove("c1"))
	bundles, err = b.List("c1")
	require.NoError(t, err)
	require.Empty(t, bundles)
	_, err = b.Find("i1")
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))
}

func TestHomeMount_Feed(t *testing.T) {
	home := NewHomeMount(newProcessor(t, false), NewBundles(t.TempDir()))
	defer home.Close()
	require.Equal(t, proto.MountpointHome, home.Mountpoint())
	require.True(t, home.Mounted())
	ctx := context.TODO()

	req := proto.NewRequest(proto.MethodGet, model.Context, "c1")
	req.Cmd = model.CmdFeed
	_, err := home.Call(ctx, req, proto.NewResponse())
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))

	require.NoError(t, home.Bundles().Put(ctx, &Bundle{Context: "c1", Guid: "i1", Version: "1", Stability: "stable"}, strings.NewReader("zip")))
	result, err := home.Call(ctx, req, proto.NewResponse())
	require.NoError(t, err)
	feed := result.(map[string]interface{})
	impls := feed["implementations"].([]map[string]interface{})
	require.Len(t, impls, 1)
	require.Equal(t, "i1", impls[0]["guid"])

	result, err = home.Call(ctx, proto.NewRequest(proto.MethodGet, model.Implementation, "i1", "data"), proto.NewResponse())
	require.NoError(t, err)
	blob := result.(*proto.Blob)
	data, err := io.ReadAll(blob.Reader)
	blob.Reader.Close()
	require.NoError(t, err)
	require.Equal(t, "zip", string(data))
}

func TestNodeMount_Events(t *testing.T) {
	home := newProcessor(t, false)
	root := filepath.Join(t.TempDir(), "node")
	m, err := OpenNodeMount(context.TODO(), "/media/usb", root, home, volume.Config{KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	log := &eventLog{}
	m.SetPublisher(log.publish)
	require.True(t, m.Mounted())

	guid := call(t, m, proto.MethodPost, map[string]interface{}{"type": "activity", "title": "n", "favorite": true}, model.Context).(string)
	require.Eventually(t, func() bool { return log.find(proto.EventCreate) != nil }, time.Second, 10*time.Millisecond)
	event := log.find(proto.EventCreate)
	require.Equal(t, "/media/usb", event.Mountpoint)
	require.Equal(t, guid, event.Guid)

	// local properties stay in home
	dir, err := home.Volume().Directory(model.Context)
	require.NoError(t, err)
	require.True(t, dir.Exists(guid))

	nodeGuid, err := m.Guid()
	require.NoError(t, err)
	require.NotEmpty(t, nodeGuid)

	m.Close()
	require.Equal(t, Unmounted, m.State())
	require.NotNil(t, log.find(proto.EventUnmount))
}

func TestRemoteMount(t *testing.T) {
	v, err := volume.Open(context.TODO(), t.TempDir(), model.Schemas(), volume.Config{KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	defer v.Close()
	processor := volume.NewProcessor(v)
	model.Register(processor, model.Options{Master: true})
	server := httptest.NewServer(router.NewRouter(&router.Config{}, processor, v.Publisher(), router.NewAuth(nil, true)))
	defer server.Close()

	missed := blobs.NewNegativeCache(time.Minute)
	m := NewRemoteMount(&RemoteConfig{
		APIURLs:       []string{server.URL + "/"},
		Principal:     "u1",
		BackoffBaseMs: 60 * 1000,
		CacheDir:      t.TempDir(),
	}, newProcessor(t, false), missed)
	log := &eventLog{}
	m.SetPublisher(log.publish)
	ctx := context.TODO()

	_, err = m.Call(ctx, proto.NewRequest(proto.MethodGet, model.Context), proto.NewResponse())
	require.True(t, apierrors.Is(err, apierrors.ErrUnavailable))

	m.Start()
	defer m.Close()
	require.Eventually(t, m.Mounted, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, log.find(proto.EventMount))
	require.NotNil(t, log.find(proto.EventPopulate))
	url, remoteGuid, _ := m.Info()
	require.Equal(t, server.URL+"/", url)
	volumeGuid, _ := v.Guid()
	require.Equal(t, volumeGuid, remoteGuid)

	guid := call(t, m, proto.MethodPost, map[string]interface{}{"type": "activity", "title": "r"}, model.Context).(string)
	require.Eventually(t, func() bool { return log.find(proto.EventCreate) != nil }, 5*time.Second, 10*time.Millisecond)
	event := log.find(proto.EventCreate)
	require.Equal(t, proto.MountpointRoot, event.Mountpoint)
	require.Equal(t, guid, event.Guid)

	req := proto.NewRequest(proto.MethodPut, model.Context, guid, "icon")
	req.Principal = "u1"
	req.ContentStream = strings.NewReader("png")
	req.ContentType = "image/png"
	_, err = m.Call(ctx, req, proto.NewResponse())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result, err := m.Call(ctx, proto.NewRequest(proto.MethodGet, model.Context, guid, "icon"), proto.NewResponse())
		require.NoError(t, err)
		blob := result.(*proto.Blob)
		data, err := io.ReadAll(blob.Reader)
		blob.Reader.Close()
		require.NoError(t, err)
		require.Equal(t, "png", string(data))
		require.Equal(t, "image/png", blob.MimeType)
		require.True(t, strings.HasPrefix(blob.Path, m.cfg.CacheDir))
	}

	_, err = m.Call(ctx, proto.NewRequest(proto.MethodGet, model.Context, "missing", "icon"), proto.NewResponse())
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))
	require.Equal(t, 1, missed.Len())

	server.CloseClientConnections()
	require.Eventually(t, func() bool { return !m.Mounted() }, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, log.find(proto.EventUnmount))
	_, err = m.Call(ctx, proto.NewRequest(proto.MethodGet, model.Context), proto.NewResponse())
	require.True(t, apierrors.Is(err, apierrors.ErrUnavailable))
}

func TestRemoteMount_BlobUpdate(t *testing.T) {
	ctx := context.TODO()
	v, err := volume.Open(ctx, t.TempDir(), model.Schemas(), volume.Config{KVType: kvstore.MemoryKVType, CommitDelayMs: 10})
	require.NoError(t, err)
	defer v.Close()
	processor := volume.NewProcessor(v)
	model.Register(processor, model.Options{Master: true})
	server := httptest.NewServer(router.NewRouter(&router.Config{}, processor, v.Publisher(), router.NewAuth(nil, true)))
	defer server.Close()

	m := NewRemoteMount(&RemoteConfig{
		APIURLs:       []string{server.URL + "/"},
		Principal:     "u1",
		BackoffBaseMs: 60 * 1000,
		CacheDir:      t.TempDir(),
	}, newProcessor(t, false), blobs.NewNegativeCache(time.Minute))
	m.Start()
	defer m.Close()
	require.Eventually(t, m.Mounted, 5*time.Second, 10*time.Millisecond)

	guid := call(t, m, proto.MethodPost, map[string]interface{}{"type": "activity", "title": "r"}, model.Context).(string)
	put := func(c proto.Caller, data string) {
		req := proto.NewRequest(proto.MethodPut, model.Context, guid, "icon")
		req.Principal = "u1"
		req.ContentStream = strings.NewReader(data)
		req.ContentType = "image/png"
		_, err := c.Call(ctx, req, proto.NewResponse())
		require.NoError(t, err)
	}
	get := func() string {
		result, err := m.Call(ctx, proto.NewRequest(proto.MethodGet, model.Context, guid, "icon"), proto.NewResponse())
		if err != nil {
			return ""
		}
		blob := result.(*proto.Blob)
		defer blob.Reader.Close()
		data, err := io.ReadAll(blob.Reader)
		if err != nil {
			return ""
		}
		return string(data)
	}

	put(m, "old")
	require.Eventually(t, func() bool { return get() == "old" }, 5*time.Second, 10*time.Millisecond)

	// changed on the master behind the mount
	put(processor, "new")
	require.Eventually(t, func() bool { return get() == "new" }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, _, seqno := m.Info()
		return seqno == v.Seqno()
	}, 5*time.Second, 10*time.Millisecond)
}
