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

// Package mountset routes requests to the mounts a client process sees:
// the remote master, the home volume and removable media.
package mountset

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/sugarlabs/sugar-network/common/pubsub"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/model"
	"github.com/sugarlabs/sugar-network/mount"
	"github.com/sugarlabs/sugar-network/proto"
)

const (
	CmdMounts = "mounts"

	defaultConnectTimeoutMs = 3000
)

type Config struct {
	// DefaultMountpoint serves requests that do not name a mountpoint.
	DefaultMountpoint string   `json:"default_mountpoint"`
	Langs             []string `json:"langs"`
	ConnectTimeoutMs  int      `json:"connect_timeout_ms"`
}

// MountInfo is the reply item of the mounts command.
type MountInfo struct {
	Mountpoint string `json:"mountpoint"`
	State      string `json:"state"`
	Mounted    bool   `json:"mounted"`
}

type Mountset struct {
	cfg       Config
	publisher *pubsub.Publisher

	lock   sync.RWMutex
	mounts map[string]mount.Mount
	order  []string
	home   *mount.HomeMount
}

func New(cfg *Config, publisher *pubsub.Publisher) *Mountset {
	if cfg.DefaultMountpoint == "" {
		cfg.DefaultMountpoint = proto.MountpointRoot
	}
	if cfg.ConnectTimeoutMs == 0 {
		cfg.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	if publisher == nil {
		publisher = pubsub.New()
	}
	return &Mountset{cfg: *cfg, publisher: publisher, mounts: make(map[string]mount.Mount)}
}

func (s *Mountset) Publisher() *pubsub.Publisher {
	return s.publisher
}

func (s *Mountset) Add(m mount.Mount) error {
	s.lock.Lock()
	if _, ok := s.mounts[m.Mountpoint()]; ok {
		s.lock.Unlock()
		return apierrors.Conflict("%s is already mounted", m.Mountpoint())
	}
	s.mounts[m.Mountpoint()] = m
	s.order = append(s.order, m.Mountpoint())
	if home, ok := m.(*mount.HomeMount); ok {
		s.home = home
	}
	s.lock.Unlock()

	m.SetPublisher(s.publisher.Publish)
	// removable mounts are ready right away, announce them
	if m.Mounted() && m.Mountpoint() != proto.MountpointHome && m.Mountpoint() != proto.MountpointRoot {
		s.publisher.Publish(&proto.Event{Event: proto.EventMount, Mountpoint: m.Mountpoint()})
	}
	return nil
}

// Remove closes the mount, it publishes unmount on its own.
func (s *Mountset) Remove(mountpoint string) error {
	s.lock.Lock()
	m, ok := s.mounts[mountpoint]
	if !ok {
		s.lock.Unlock()
		return apierrors.NotFound("%s is not mounted", mountpoint)
	}
	delete(s.mounts, mountpoint)
	for i, mp := range s.order {
		if mp == mountpoint {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if m == mount.Mount(s.home) {
		s.home = nil
	}
	s.lock.Unlock()
	m.Close()
	return nil
}

func (s *Mountset) Get(mountpoint string) (mount.Mount, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	m, ok := s.mounts[mountpoint]
	return m, ok
}

// List returns mounts in the order they were added.
func (s *Mountset) List() []mount.Mount {
	s.lock.RLock()
	defer s.lock.RUnlock()
	ret := make([]mount.Mount, 0, len(s.order))
	for _, mp := range s.order {
		ret = append(ret, s.mounts[mp])
	}
	return ret
}

func (s *Mountset) Home() *mount.HomeMount {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.home
}

func (s *Mountset) Close() {
	s.lock.Lock()
	mounts := make([]mount.Mount, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		mounts = append(mounts, s.mounts[s.order[i]])
	}
	s.mounts = make(map[string]mount.Mount)
	s.order = nil
	s.home = nil
	s.lock.Unlock()
	for _, m := range mounts {
		m.Close()
	}
}

func (s *Mountset) Call(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	if req.Cmd == CmdMounts && req.Document == "" {
		return s.infos(), nil
	}
	mountpoint := req.Mountpoint
	if mountpoint == "" {
		mountpoint = s.cfg.DefaultMountpoint
	}
	m, ok := s.Get(mountpoint)
	if !ok {
		return nil, apierrors.Unavailable("%s is not mounted", mountpoint)
	}
	if !m.Mounted() {
		if mountpoint != proto.MountpointRoot || !s.reconnect(ctx, m) {
			return nil, apierrors.Unavailable("%s is not mounted", mountpoint)
		}
	}
	if len(req.AcceptLanguage) == 0 && len(s.cfg.Langs) > 0 {
		req.AcceptLanguage = append([]string(nil), s.cfg.Langs...)
	}

	if req.Method == proto.MethodPut && req.Document == model.Context && req.Prop == "clone" && mountpoint != proto.MountpointHome {
		return nil, s.clone(ctx, m, req)
	}
	result, err := m.Call(ctx, req, resp)
	if err == apierrors.ErrNotHandled {
		if home := s.Home(); home != nil && mount.Mount(home) != m {
			return home.Call(ctx, req, resp)
		}
	}
	return result, err
}

func (s *Mountset) infos() []*MountInfo {
	mounts := s.List()
	ret := make([]*MountInfo, 0, len(mounts))
	for _, m := range mounts {
		ret = append(ret, &MountInfo{Mountpoint: m.Mountpoint(), State: m.State().String(), Mounted: m.Mounted()})
	}
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Mountpoint < ret[j].Mountpoint })
	return ret
}

// reconnect kicks a disconnected mount and waits for its mount event.
func (s *Mountset) reconnect(ctx context.Context, m mount.Mount) bool {
	sub := s.publisher.Subscribe(map[string]string{"event": proto.EventMount, "mountpoint": m.Mountpoint()}, 1)
	defer s.publisher.Unsubscribe(sub)
	m.Connect()
	if m.Mounted() {
		return true
	}
	timer := time.NewTimer(time.Duration(s.cfg.ConnectTimeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-sub.C():
	case <-timer.C:
	case <-ctx.Done():
	}
	mounted := m.Mounted()
	if !mounted {
		trace.SpanFromContextSafe(ctx).Infof("%s is still not mounted", m.Mountpoint())
	}
	return mounted
}
