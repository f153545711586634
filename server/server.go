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

package server

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/sugarlabs/sugar-network/client"
	"github.com/sugarlabs/sugar-network/common/pubsub"
	"github.com/sugarlabs/sugar-network/model"
	"github.com/sugarlabs/sugar-network/mount"
	"github.com/sugarlabs/sugar-network/mountset"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/router"
	"github.com/sugarlabs/sugar-network/stats"
	"github.com/sugarlabs/sugar-network/syncer"
	"github.com/sugarlabs/sugar-network/volume"
)

// CmdInfo answers the role and the identity of a running server.
const CmdInfo = "info"

// Server composes the components of one process: a node serving its
// volume to the network, or a client mounting home, remote and
// removable volumes.
type Server struct {
	cfg       Config
	volume    *volume.Volume
	processor *volume.Processor
	publisher *pubsub.Publisher
	router    *router.Router
	ipc       *router.IPC
	auditLog  auditlog.LogCloser
	auditor   rpc.ProgressHandler
	pidFile   bool

	// node mode
	files     *syncer.Files
	master    *syncer.Master
	slave     *syncer.Slave
	upstream  *client.Client
	nodeStats *stats.NodeStats
	userStats *stats.UserStats

	// client mode
	mounts    *mountset.Mountset
	remote    *mount.RemoteMount
	discovery *mountset.Discovery

	closeOnce sync.Once
}

func NewServer(ctx context.Context, cfg *Config) (s *Server, err error) {
	span := trace.SpanFromContextSafe(ctx)
	if err = fixConfig(cfg); err != nil {
		return nil, err
	}
	s = &Server{cfg: *cfg}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	if err = writePidFile(cfg.PidFile); err != nil {
		return s, errors.Info(err, "write pid file")
	}
	s.pidFile = true

	if cfg.AuditLog.LogDir != "" {
		handler, logFile, err := auditlog.Open(cfg.Mode, &cfg.AuditLog)
		if err != nil {
			return s, errors.Info(err, "open audit log")
		}
		s.auditLog = logFile
		s.auditor = handler
	}

	switch cfg.Mode {
	case ModeNode:
		err = s.initNode(ctx)
	case ModeClient:
		err = s.initClient(ctx)
	}
	if err != nil {
		return s, err
	}

	s.processor.Register(&volume.Command{
		Method:  proto.MethodGet,
		Level:   volume.LevelVolume,
		Cmd:     CmdInfo,
		Handler: s.info,
	})

	if s.ipc, err = router.ListenIPC(cfg.RunDir, s.router.Handler(), s.publisher); err != nil {
		return s, errors.Info(err, "listen ipc at", cfg.RunDir)
	}
	span.Infof("%s server is ready, data root %s", cfg.Mode, cfg.DataRoot)
	return s, nil
}

func (s *Server) initNode(ctx context.Context) error {
	cfg := &s.cfg
	master := cfg.Role == proto.NodeRoleMaster

	v, err := volume.Open(ctx, filepath.Join(cfg.DataRoot, dbDir), model.Schemas(), cfg.Volume)
	if err != nil {
		return errors.Info(err, "open node volume")
	}
	s.volume = v
	s.publisher = v.Publisher()
	s.processor = volume.NewProcessor(v)
	model.Register(s.processor, model.Options{Master: master})

	if s.files, err = syncer.OpenFiles(cfg.FilesRoot); err != nil {
		return errors.Info(err, "open files root")
	}
	if s.userStats, err = stats.OpenUserStats(&cfg.Stats); err != nil {
		return errors.Info(err, "open user stats")
	}
	s.userStats.Register(s.processor)

	if master {
		if s.nodeStats, err = stats.OpenNodeStats(ctx, &cfg.Stats, v); err != nil {
			return errors.Info(err, "open node stats")
		}
		s.nodeStats.Register(s.processor)
		s.nodeStats.Start()
		s.master = syncer.NewMaster(&cfg.Syncer, v, s.files, s.userStats)
		s.master.Register(s.processor)
	} else {
		if cfg.APIURL != "" {
			s.upstream = client.New(&client.Config{
				APIURL:    cfg.APIURL,
				Principal: cfg.Principal,
				Transport: cfg.Transport,
			})
		}
		if s.slave, err = syncer.NewSlave(&cfg.Syncer, v, s.files, s.userStats); err != nil {
			return errors.Info(err, "open slave sequences")
		}
		s.slave.Register(s.processor, s.upstream)
		s.files.Register(s.processor)
		if s.upstream != nil {
			s.slave.Start(s.upstream)
		}
	}

	auth := router.NewAuth(userLookup(v), cfg.Router.TrustUsers)
	s.router = router.NewRouter(&cfg.Router, s.processor, s.publisher, auth)
	if s.nodeStats != nil {
		s.router.AddHook(s.nodeStats.OnRequest)
	}
	return nil
}

func (s *Server) initClient(ctx context.Context) error {
	cfg := &s.cfg

	v, err := volume.Open(ctx, filepath.Join(cfg.DataRoot, homeDir), model.Schemas(), cfg.Volume)
	if err != nil {
		return errors.Info(err, "open home volume")
	}
	s.volume = v
	s.processor = volume.NewProcessor(v)
	model.Register(s.processor, model.Options{})

	s.mounts = mountset.New(&cfg.Mounts, nil)
	s.publisher = s.mounts.Publisher()
	home := mount.NewHomeMount(s.processor, mount.NewBundles(filepath.Join(cfg.DataRoot, bundlesDir)))
	if err = s.mounts.Add(home); err != nil {
		return err
	}

	if len(cfg.Remote.APIURLs) > 0 {
		s.remote = mount.NewRemoteMount(&cfg.Remote, s.processor, v.MissedBlobs())
		if err = s.mounts.Add(s.remote); err != nil {
			return err
		}
		s.remote.Start()
	}

	if cfg.Discovery.Root != "" {
		volumeCfg := cfg.Volume
		s.discovery, err = s.mounts.Discover(&cfg.Discovery, func(ctx context.Context, mountpoint, root string) (mount.Mount, error) {
			m, err := mount.OpenNodeMount(ctx, mountpoint, root, s.processor, volumeCfg)
			if err != nil {
				return nil, err
			}
			return m, nil
		})
		if err != nil {
			return errors.Info(err, "discover media under", cfg.Discovery.Root)
		}
	}

	s.router = router.NewRouter(&cfg.Router, s.mounts, s.publisher, router.NewAuth(nil, cfg.Router.TrustUsers))
	return nil
}

// info describes the node serving the processor volume.
func (s *Server) info(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	guid, err := s.volume.Guid()
	if err != nil {
		return nil, err
	}
	master, err := s.volume.Master()
	if err != nil {
		return nil, err
	}
	return &proto.NodeInfo{
		Guid:   guid,
		Role:   s.cfg.Role,
		Seqno:  s.volume.Seqno(),
		Master: master,
		ApiURL: s.cfg.APIURL,
	}, nil
}

// userLookup treats registered users of the node volume as known
// principals.
func userLookup(v *volume.Volume) router.UserLookup {
	return func(ctx context.Context, uid string) (bool, error) {
		dir, err := v.Directory(model.User)
		if err != nil {
			return false, err
		}
		return dir.Exists(uid), nil
	}
}

func (s *Server) Config() Config {
	return s.cfg
}

func (s *Server) Router() *router.Router {
	return s.router
}

func (s *Server) Processor() *volume.Processor {
	return s.processor
}

func (s *Server) Mounts() *mountset.Mountset {
	return s.mounts
}

// Close stops background loops first, then releases the storage.
func (s *Server) Close() {
	s.closeOnce.Do(s.close)
}

func (s *Server) close() {
	if s.ipc != nil {
		s.ipc.Close()
	}
	if s.slave != nil {
		s.slave.Close()
	}
	if s.nodeStats != nil {
		s.nodeStats.Close()
	}
	if s.discovery != nil {
		s.discovery.Close()
	}
	if s.mounts != nil {
		s.mounts.Close()
	}
	if s.upstream != nil {
		s.upstream.Close()
	}
	if s.volume != nil {
		s.volume.Close()
	}
	if s.auditLog != nil {
		if err := s.auditLog.Close(); err != nil {
			log.Warnf("close audit log: %s", err)
		}
	}
	if s.pidFile {
		if err := os.Remove(s.cfg.PidFile); err != nil && !os.IsNotExist(err) {
			log.Warnf("remove pid file: %s", err)
		}
	}
}
