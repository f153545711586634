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

package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sugarlabs/sugar-network/common/kvstore"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/resource"
	"github.com/sugarlabs/sugar-network/volume"
)

func testSchemas() []*resource.Schema {
	public := resource.AccessPublic
	return []*resource.Schema{
		resource.NewSchema("user",
			&resource.Property{Name: "name", Kind: resource.KindString, Access: public},
		),
		resource.NewSchema("context",
			&resource.Property{Name: "title", Kind: resource.KindLocalized, Access: public, Indexed: true, FullText: true},
			&resource.Property{Name: "icon", Kind: resource.KindBlob, Access: resource.AccessRead | resource.AccessWrite, Placeholder: "/static/icon.png"},
		),
		resource.NewSchema("artifact",
			&resource.Property{Name: "title", Kind: resource.KindLocalized, Access: public},
		),
	}
}

type testServer struct {
	*httptest.Server
	volume *volume.Volume
	router *Router
}

func newTestServer(t *testing.T, trust bool) *testServer {
	v, err := volume.Open(context.TODO(), t.TempDir(), testSchemas(), volume.Config{KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	p := volume.NewProcessor(v)
	users, _ := v.Directory("user")
	auth := NewAuth(func(ctx context.Context, uid string) (bool, error) {
		return users.Exists(uid), nil
	}, trust)
	r := NewRouter(&Config{PingIntervalS: 1}, p, v.Publisher(), auth)
	s := &testServer{Server: httptest.NewServer(r), volume: v, router: r}
	t.Cleanup(func() {
		s.Close()
		v.Close()
	})
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *http.Response {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderUser, "u1")
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func (s *testServer) json(t *testing.T, method, path string, body interface{}, ret interface{}) int {
	resp := s.do(t, method, path, body)
	defer resp.Body.Close()
	if ret != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(ret))
	}
	return resp.StatusCode
}

func TestParseAcceptLanguage(t *testing.T) {
	require.Equal(t, []string{"fr", "de", "ru", "en"}, ParseAcceptLanguage("ru;q=0.5, fr, en;q=0.5, de;q=0.9"))
	require.Equal(t, []string{"pt-br", "en"}, ParseAcceptLanguage("pt-BR,en;q=0.8,*;q=0.1"))
	require.Empty(t, ParseAcceptLanguage(""))
}

func TestParseRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/context/guid/title?cmd=clone&a=1&a=2&mountpoint=~", nil)
	r.Header.Set("Accept-Language", "ru, en;q=0.5")
	req, err := ParseRequest(r)
	require.NoError(t, err)
	require.Equal(t, []string{"context", "guid", "title"}, req.Path())
	require.Equal(t, "clone", req.Cmd)
	require.Equal(t, "~", req.Mountpoint)
	require.Equal(t, []string{"1", "2"}, req.Args["a"])
	require.False(t, req.HasArg("cmd"))
	require.Equal(t, []string{"ru", "en"}, req.AcceptLanguage)
	require.Equal(t, "http://example.com", req.StaticPrefix)

	req, err = ParseRequest(httptest.NewRequest(http.MethodGet, "/packages/repo/arch/pkg", nil))
	require.NoError(t, err)
	require.Equal(t, "pkg", req.Extra)

	_, err = ParseRequest(httptest.NewRequest(http.MethodGet, "/a/b/c/d/e", nil))
	require.True(t, apierrors.Is(err, apierrors.ErrBadRequest))

	r = httptest.NewRequest(http.MethodPost, "/context", strings.NewReader(`{"title": "t"}`))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	req, err = ParseRequest(r)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"title": "t"}, req.Content)

	r = httptest.NewRequest(http.MethodPut, "/context/guid/icon", strings.NewReader("raw"))
	r.Header.Set("Content-Type", "image/png")
	req, err = ParseRequest(r)
	require.NoError(t, err)
	require.Equal(t, "image/png", req.ContentType)
	data, err := io.ReadAll(req.ContentStream)
	require.NoError(t, err)
	require.Equal(t, "raw", string(data))

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", "icon.png")
	require.NoError(t, err)
	part.Write([]byte("png"))
	require.NoError(t, mw.Close())
	r = httptest.NewRequest(http.MethodPut, "/context/guid/icon", body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	req, err = ParseRequest(r)
	require.NoError(t, err)
	data, err = io.ReadAll(req.ContentStream)
	require.NoError(t, err)
	require.Equal(t, "png", string(data))

	r = httptest.NewRequest(http.MethodPost, "/context", strings.NewReader(`{"title"`))
	r.Header.Set("Content-Type", "application/json")
	_, err = ParseRequest(r)
	require.True(t, apierrors.Is(err, apierrors.ErrBadRequest))
}

func TestRouter_Resources(t *testing.T) {
	s := newTestServer(t, true)

	var guid string
	require.Equal(t, http.StatusOK, s.json(t, http.MethodPost, "/context", map[string]interface{}{"title": map[string]string{"en": "Chat", "fr": "Tchat"}}, &guid))
	require.NotEmpty(t, guid)

	var reply map[string]interface{}
	resp := s.do(t, http.MethodGet, "/context/"+guid+"?reply=title", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	resp.Body.Close()
	require.Equal(t, "Chat", reply["title"])

	req, _ := http.NewRequest(http.MethodGet, s.URL+"/context/"+guid+"?reply=title", nil)
	req.Header.Set("Accept-Language", "ru, fr;q=0.9, en;q=0.8")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	resp.Body.Close()
	require.Equal(t, "Tchat", reply["title"])

	require.Equal(t, http.StatusOK, s.json(t, http.MethodDelete, "/context/"+guid, nil, nil))
	require.Equal(t, http.StatusNotFound, s.json(t, http.MethodGet, "/context/"+guid, nil, nil))

	var found struct {
		Total  int                      `json:"total"`
		Result []map[string]interface{} `json:"result"`
	}
	require.Equal(t, http.StatusOK, s.json(t, http.MethodGet, "/context?layer=deleted&reply=guid", nil, &found))
	require.Equal(t, 1, found.Total)
	require.Equal(t, guid, found.Result[0]["guid"])

	require.Equal(t, http.StatusOK, s.json(t, http.MethodGet, "/context?reply=guid", nil, &found))
	require.Equal(t, 0, found.Total)

	require.Equal(t, http.StatusBadRequest, s.json(t, http.MethodGet, "/unknown", nil, nil))
	require.Equal(t, http.StatusBadRequest, s.json(t, http.MethodGet, "/a/b/c/d/e", nil, nil))
	require.Equal(t, http.StatusBadRequest, s.json(t, http.MethodGet, "/?cmd=unknown", nil, nil))
}

func TestRouter_Blobs(t *testing.T) {
	s := newTestServer(t, true)
	var guid string
	require.Equal(t, http.StatusOK, s.json(t, http.MethodPost, "/context", map[string]interface{}{"title": "Chat"}, &guid))

	resp := s.do(t, http.MethodGet, "/context/"+guid+"/icon", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, s.URL+"/static/icon.png", resp.Header.Get("Location"))

	req, _ := http.NewRequest(http.MethodPut, s.URL+"/context/"+guid+"/icon", strings.NewReader("png data"))
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set(HeaderUser, "u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/context/"+guid+"/icon", nil)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "png data", string(data))
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	require.Equal(t, "8", resp.Header.Get("Content-Length"))

	require.Equal(t, http.StatusOK, s.json(t, http.MethodPut, "/context/"+guid+"/icon", map[string]interface{}{"url": "http://cdn.example.com/icon.png"}, nil))
	resp = s.do(t, http.MethodGet, "/context/"+guid+"/icon", nil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "http://cdn.example.com/icon.png", resp.Header.Get("Location"))
	require.Empty(t, body)
}

func TestRouter_Static(t *testing.T) {
	s := newTestServer(t, true)

	resp := s.do(t, http.MethodGet, "/robots.txt", nil)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, robots, string(data))

	resp = s.do(t, http.MethodGet, "/", nil)
	data, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(data), "Welcome")

	require.Equal(t, http.StatusNotFound, s.json(t, http.MethodGet, "/favicon.ico", nil, nil))

	resp = s.do(t, http.MethodGet, "/metrics", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

type syncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

func TestRouter_StatusWrittenOnce(t *testing.T) {
	v, err := volume.Open(context.TODO(), t.TempDir(), testSchemas(), volume.Config{KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	defer v.Close()
	staticDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "favicon.ico"), []byte("ico"), 0o644))
	r := NewRouter(&Config{StaticDir: staticDir}, volume.NewProcessor(v), v.Publisher(), NewAuth(nil, true))

	serverLog := &syncBuffer{}
	hs := httptest.NewUnstartedServer(r)
	hs.Config.ErrorLog = log.New(serverLog, "", 0)
	hs.Start()
	s := &testServer{Server: hs, volume: v, router: r}
	defer hs.Close()

	var guid string
	require.Equal(t, http.StatusOK, s.json(t, http.MethodPost, "/context", map[string]interface{}{"title": "Chat"}, &guid))
	req, _ := http.NewRequest(http.MethodPut, s.URL+"/context/"+guid+"/icon", strings.NewReader("png data"))
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set(HeaderUser, "u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for path, body := range map[string]string{
		"/context/" + guid + "/icon": "png data",
		"/favicon.ico":               "ico",
	} {
		resp = s.do(t, http.MethodGet, path, nil)
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.Equal(t, body, string(data), path)
	}
	resp = s.do(t, http.MethodGet, "/metrics", nil)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, data)

	ctx, cancel := context.WithCancel(context.Background())
	sreq, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/?cmd=subscribe", nil)
	resp, err = http.DefaultClient.Do(sreq)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, proto.EventHandshake, (&sseReader{t: t, reader: bufio.NewReader(resp.Body)}).next().Event)
	cancel()
	resp.Body.Close()

	// waits for every handler to return
	hs.Close()
	require.NotContains(t, serverLog.String(), "superfluous")
}

func TestRouter_Auth(t *testing.T) {
	s := newTestServer(t, false)

	require.Equal(t, http.StatusUnauthorized, s.json(t, http.MethodPost, "/context", map[string]interface{}{"title": "x"}, nil))
	require.Equal(t, http.StatusOK, s.json(t, http.MethodPost, "/user", map[string]interface{}{"guid": "u1", "name": "User"}, nil))
	require.Equal(t, http.StatusOK, s.json(t, http.MethodPost, "/context", map[string]interface{}{"title": "x"}, nil))

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/context", strings.NewReader(`{"title": "x"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, s.URL+"/context", nil)
	req.Header.Set("Authorization", "Sugar bad/uid")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_Hooks(t *testing.T) {
	s := newTestServer(t, true)
	var seen []string
	done := make(chan struct{}, 2)
	s.router.AddHook(func(ctx context.Context, req *proto.Request, result interface{}, err error) {
		seen = append(seen, req.Method+" "+req.URLPath())
		done <- struct{}{}
	})
	var guid string
	s.json(t, http.MethodPost, "/context", map[string]interface{}{"title": "x"}, &guid)
	<-done
	s.json(t, http.MethodGet, "/context/"+guid, nil, nil)
	<-done
	require.Equal(t, []string{"POST /context", "GET /context/" + guid}, seen)
}

type sseReader struct {
	t      *testing.T
	reader *bufio.Reader
}

func (r *sseReader) next() *proto.Event {
	for {
		line, err := r.reader.ReadString('\n')
		require.NoError(r.t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		event := &proto.Event{}
		require.NoError(r.t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), event))
		return event
	}
}

func (s *testServer) subscribe(t *testing.T, query string) *sseReader {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/?cmd=subscribe&"+query, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	r := &sseReader{t: t, reader: bufio.NewReader(resp.Body)}
	require.Equal(t, proto.EventHandshake, r.next().Event)
	return r
}

func TestRouter_Subscribe(t *testing.T) {
	s := newTestServer(t, true)
	contexts := s.subscribe(t, "document=context")
	commits := s.subscribe(t, "only_commits=1")

	var g1, g2 string
	s.json(t, http.MethodPost, "/context", map[string]interface{}{"title": "1"}, &g1)
	s.json(t, http.MethodPost, "/artifact", map[string]interface{}{"title": "2"}, nil)
	s.json(t, http.MethodPost, "/context", map[string]interface{}{"title": "3"}, &g2)
	require.NoError(t, s.volume.Commit(context.TODO()))

	event := contexts.next()
	require.Equal(t, proto.EventCreate, event.Event)
	require.Equal(t, g1, event.Guid)
	event = contexts.next()
	require.Equal(t, proto.EventCreate, event.Event)
	require.Equal(t, g2, event.Guid)

	event = commits.next()
	require.Equal(t, proto.EventSync, event.Event)
	require.Equal(t, uint64(3), event.Seqno)
}

func TestRouter_SubscribePing(t *testing.T) {
	s := newTestServer(t, true)
	events := s.subscribe(t, "ping=1")
	require.Equal(t, proto.EventPing, events.next().Event)
}

func TestIPC(t *testing.T) {
	s := newTestServer(t, true)
	root := filepath.Join(t.TempDir(), "run")
	ipc, err := ListenIPC(root, s.router, s.volume.Publisher())
	require.NoError(t, err)
	defer ipc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, Rendezvous(ctx, root))

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", filepath.Join(root, RunAccept))
		},
	}}
	resp, err := client.Get("http://localhost/?cmd=stat")
	require.NoError(t, err)
	var stat map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stat))
	resp.Body.Close()
	require.Contains(t, stat, "guid")

	conn, err := net.Dial("unix", filepath.Join(root, RunSubscribe))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, WriteFrame(conn, map[string]string{"event": "alert"}))
	require.Eventually(t, func() bool {
		return s.volume.Publisher().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	s.volume.Publish(&proto.Event{Event: proto.EventCommit})
	s.volume.Publish(&proto.Event{Event: proto.EventAlert, Severity: "error", Message: "boom"})
	event := &proto.Event{}
	require.NoError(t, ReadFrame(conn, event))
	require.Equal(t, proto.EventAlert, event.Event)
	require.Equal(t, "boom", event.Message)

	cancelled, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	require.Error(t, Rendezvous(cancelled, t.TempDir()))
}
