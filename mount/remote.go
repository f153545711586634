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
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/google/renameio"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/sugarlabs/sugar-network/client"
	"github.com/sugarlabs/sugar-network/common/blobs"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/util/limiter"
	"github.com/sugarlabs/sugar-network/volume"
)

const (
	defaultBackoffBaseMs = 1000
	defaultBackoffMaxMs  = 60 * 1000
	defaultMaxConns      = 16
	cacheMetaSuffix      = ".meta"
)

type (
	RemoteConfig struct {
		APIURLs       []string               `json:"api_urls"`
		Principal     string                 `json:"principal"`
		BackoffBaseMs int                    `json:"backoff_base_ms"`
		BackoffMaxMs  int                    `json:"backoff_max_ms"`
		MaxConns      int64                  `json:"max_conns"`
		CacheDir      string                 `json:"cache_dir"`
		Transport     client.TransportConfig `json:"transport"`
		Limit         limiter.Config         `json:"limit"`
	}

	cachedBlob struct {
		MimeType string `json:"mime_type"`
		Size     int64  `json:"size"`
		Digest   string `json:"digest"`
	}

	// RemoteMount proxies requests to a master picked from the candidate
	// urls, it keeps reconnecting while the master is out of reach.
	RemoteMount struct {
		base
		cfg     RemoteConfig
		missed  *blobs.NegativeCache
		limiter limiter.Limiter
		conns   *semaphore.Weighted
		fetches singleflight.Group

		// mixes home-local properties in, nil without a home volume
		proxy *Proxy

		connLock   sync.RWMutex
		client     *client.Client
		apiURL     string
		remoteGuid string
		seqno      uint64

		wakeup  chan struct{}
		stop    context.CancelFunc
		stopped chan struct{}
	}
)

// NewRemoteMount creates an unconnected mount, home is optional.
func NewRemoteMount(cfg *RemoteConfig, home *volume.Processor, missed *blobs.NegativeCache) *RemoteMount {
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = defaultBackoffBaseMs
	}
	if cfg.BackoffMaxMs < cfg.BackoffBaseMs {
		cfg.BackoffMaxMs = defaultBackoffMaxMs
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}
	if missed == nil {
		missed = blobs.NewNegativeCache(time.Hour)
	}
	m := &RemoteMount{
		base:    base{mountpoint: proto.MountpointRoot},
		cfg:     *cfg,
		missed:  missed,
		limiter: limiter.New(cfg.Limit),
		conns:   semaphore.NewWeighted(cfg.MaxConns),
		wakeup:  make(chan struct{}, 1),
	}
	if home != nil {
		m.proxy = NewProxy(home, proto.CallerFunc(m.call))
	}
	return m
}

// Start runs the connection loop in background.
func (m *RemoteMount) Start() {
	var ctx context.Context
	ctx, m.stop = context.WithCancel(context.Background())
	m.stopped = make(chan struct{})
	go func() {
		defer close(m.stopped)
		m.loop(ctx)
	}()
}

func (m *RemoteMount) Connect() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

func (m *RemoteMount) Close() {
	if m.stop != nil {
		m.stop()
		<-m.stopped
	}
	m.setState(Unmounted)
}

// Info returns the url, the volume guid and the last known seqno of the
// connected master.
func (m *RemoteMount) Info() (string, string, uint64) {
	m.connLock.RLock()
	defer m.connLock.RUnlock()
	return m.apiURL, m.remoteGuid, atomic.LoadUint64(&m.seqno)
}

func (m *RemoteMount) Client() *client.Client {
	m.connLock.RLock()
	defer m.connLock.RUnlock()
	return m.client
}

func (m *RemoteMount) loop(ctx context.Context) {
	span, ctx := trace.StartSpanFromContext(ctx, "remote-mount")
	backoff := time.Duration(m.cfg.BackoffBaseMs) * time.Millisecond
	maxBackoff := time.Duration(m.cfg.BackoffMaxMs) * time.Millisecond
	for {
		for _, url := range m.cfg.APIURLs {
			if m.session(ctx, url) {
				backoff = time.Duration(m.cfg.BackoffBaseMs) * time.Millisecond
			}
			if ctx.Err() != nil {
				return
			}
		}
		m.setState(Unmounted)
		span.Debugf("no master is reachable, retry in %s", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wakeup:
			timer.Stop()
		case <-timer.C:
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session connects to url and relays its events until the stream breaks,
// it returns false when the master was not reached at all.
func (m *RemoteMount) session(ctx context.Context, url string) bool {
	span := trace.SpanFromContextSafe(ctx)
	m.setState(Mounting)
	c := client.New(&client.Config{APIURL: url, Principal: m.cfg.Principal, Transport: m.cfg.Transport})
	defer c.Close()

	stat, err := c.Stat(ctx)
	if err != nil {
		span.Infof("cannot reach %s: %s", url, err)
		return false
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub, err := c.Subscribe(sessionCtx, nil, false)
	if err != nil {
		span.Infof("cannot subscribe to %s: %s", url, err)
		return false
	}
	defer sub.Close()

	m.connLock.Lock()
	urlChanged := m.apiURL != url
	m.client, m.apiURL, m.remoteGuid = c, url, stat.Guid
	atomic.StoreUint64(&m.seqno, stat.Seqno)
	m.connLock.Unlock()
	log.Infof("mounted %s, volume %s at seqno %d", url, stat.Guid, stat.Seqno)
	m.setState(Mounted)
	if urlChanged {
		m.emit(&proto.Event{Event: proto.EventPopulate, Mtime: time.Now().Unix()})
	}

	for {
		event, err := sub.Next()
		if err != nil {
			if ctx.Err() == nil {
				span.Warnf("lost %s: %s", url, err)
			}
			break
		}
		switch event.Event {
		case proto.EventHandshake, proto.EventPing:
			continue
		}
		// any newer master change moves the BLOB cache key
		if event.Seqno > atomic.LoadUint64(&m.seqno) {
			atomic.StoreUint64(&m.seqno, event.Seqno)
		}
		event.Mountpoint = m.mountpoint
		m.emit(event)
	}

	m.connLock.Lock()
	m.client = nil
	m.connLock.Unlock()
	m.setState(Unmounted)
	return true
}

func (m *RemoteMount) Call(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	if m.proxy != nil {
		return m.proxy.Call(ctx, req, resp)
	}
	return m.call(ctx, req, resp)
}

func (m *RemoteMount) call(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	c := m.Client()
	if c == nil || !m.Mounted() {
		return nil, apierrors.Unavailable("%s is not mounted", m.mountpoint)
	}
	if err := m.conns.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.conns.Release(1)

	forward := req
	if req.Mountpoint != "" {
		forward = req.Clone()
		forward.Mountpoint = ""
	}
	var (
		result interface{}
		err    error
	)
	if req.Method == proto.MethodGet && req.Prop != "" && req.Cmd == "" && m.cfg.CacheDir != "" {
		result, err = m.getBlob(ctx, c, forward, resp)
	} else {
		result, err = c.Call(ctx, forward, resp)
	}
	if err != nil && apierrors.Is(err, apierrors.ErrUnavailable) {
		// the event stream notices it as well, do not wait for that
		m.Connect()
	}
	return result, err
}

// getBlob serves BLOBs from the local cache, the cache key changes
// with the master seqno and its volume guid.
func (m *RemoteMount) getBlob(ctx context.Context, c *client.Client, req *proto.Request, resp *proto.Response) (interface{}, error) {
	_, remoteGuid, seqno := m.Info()
	key := blobs.Key(req.Document, req.Guid, req.Prop, strconv.FormatUint(seqno, 10), remoteGuid)
	if m.missed.Has(key) {
		return nil, apierrors.NotFound("%s is missing on the master", req.URLPath())
	}
	path := filepath.Join(m.cfg.CacheDir, strconv.FormatUint(key, 16))
	if blob, err := openCached(path); err == nil {
		return blob, nil
	}

	result, err, _ := m.fetches.Do(path, func() (interface{}, error) {
		if err := m.limiter.AcquireFetch(); err != nil {
			return nil, err
		}
		defer m.limiter.ReleaseFetch()
		result, err := c.Call(ctx, req, resp)
		if err != nil {
			if apierrors.Is(err, apierrors.ErrNotFound) {
				m.missed.Add(key)
			}
			return nil, err
		}
		blob, ok := result.(*proto.Blob)
		if !ok {
			return result, nil
		}
		defer blob.Reader.Close()
		if err = storeCached(path, m.limiter.Reader(ctx, blob.Reader), blob); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return openCached(path)
}

func storeCached(path string, r io.Reader, blob *proto.Blob) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	pf, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return err
	}
	defer pf.Cleanup()
	size, err := io.Copy(pf, r)
	if err != nil {
		return err
	}
	if err = pf.CloseAtomicallyReplace(); err != nil {
		return err
	}
	data, err := json.Marshal(&cachedBlob{MimeType: blob.MimeType, Size: size, Digest: blob.Digest})
	if err != nil {
		return err
	}
	return renameio.WriteFile(path+cacheMetaSuffix, data, 0o644)
}

func openCached(path string) (*proto.Blob, error) {
	data, err := os.ReadFile(path + cacheMetaSuffix)
	if err != nil {
		return nil, err
	}
	meta := &cachedBlob{}
	if err = json.Unmarshal(data, meta); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &proto.Blob{Path: path, Reader: f, MimeType: meta.MimeType, Size: meta.Size, Digest: meta.Digest}, nil
}
