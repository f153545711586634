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
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"

	"github.com/sugarlabs/sugar-network/client"
	"github.com/sugarlabs/sugar-network/mount"
	"github.com/sugarlabs/sugar-network/mountset"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/router"
	"github.com/sugarlabs/sugar-network/stats"
	"github.com/sugarlabs/sugar-network/syncer"
	"github.com/sugarlabs/sugar-network/volume"
)

const (
	ModeNode   = "node"
	ModeClient = "client"

	defaultPort     = 8000
	DefaultDataRoot = "./run/sugar-network"
	PidFileName     = "sugar-network.pid"

	// negative CommitDelayMs leaves volume commits to sync commands
	defaultCommitDelayMs = 500

	dbDir      = "db"
	homeDir    = "local"
	bundlesDir = "bundles"
	cacheDir   = "cache"
	statsDir   = "stats"
	runDir     = "run"
	filesDir   = "files"
)

type Config struct {
	Mode string         `json:"mode"`
	Role proto.NodeRole `json:"role"`
	Port uint32         `json:"port"`

	// DataRoot holds the volume, stats and run directories unless those
	// are set explicitly.
	DataRoot  string `json:"data_root"`
	FilesRoot string `json:"files_root"`
	StatsRoot string `json:"stats_root"`
	RunDir    string `json:"run_dir"`
	PidFile   string `json:"pid_file"`

	// APIURL is the master a slave node syncs with.
	APIURL        string `json:"api_url"`
	Principal     string `json:"principal"`
	MaxProcessors int    `json:"max_processors"`

	Volume    volume.Config            `json:"volume"`
	Router    router.Config            `json:"router"`
	Mounts    mountset.Config          `json:"mounts"`
	Discovery mountset.DiscoveryConfig `json:"discovery"`
	Remote    mount.RemoteConfig       `json:"remote"`
	Syncer    syncer.Config            `json:"syncer"`
	Stats     stats.Config             `json:"stats"`
	Transport client.TransportConfig   `json:"transport"`
	AuditLog  auditlog.Config          `json:"audit_log"`
}

func fixConfig(cfg *Config) error {
	if cfg.Mode == "" {
		cfg.Mode = ModeNode
	}
	switch cfg.Mode {
	case ModeClient:
		cfg.Role = proto.NodeRoleClient
	case ModeNode:
		if cfg.Role == proto.NodeRoleUnknown {
			cfg.Role = proto.NodeRoleMaster
		}
		if cfg.Role != proto.NodeRoleMaster && cfg.Role != proto.NodeRoleSlave {
			return fmt.Errorf("node cannot run as %s", cfg.Role)
		}
	default:
		return fmt.Errorf("unsupported mode %q", cfg.Mode)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Volume.CommitDelayMs == 0 {
		cfg.Volume.CommitDelayMs = defaultCommitDelayMs
	}
	if cfg.DataRoot == "" {
		cfg.DataRoot = DefaultDataRoot
	}
	if cfg.StatsRoot == "" {
		cfg.StatsRoot = filepath.Join(cfg.DataRoot, statsDir)
	}
	if cfg.RunDir == "" {
		cfg.RunDir = filepath.Join(cfg.DataRoot, runDir)
	}
	if cfg.PidFile == "" {
		cfg.PidFile = filepath.Join(cfg.RunDir, PidFileName)
	}
	if cfg.Mode == ModeNode && cfg.FilesRoot == "" {
		cfg.FilesRoot = filepath.Join(cfg.DataRoot, filesDir)
	}
	if cfg.Stats.Root == "" {
		cfg.Stats.Root = cfg.StatsRoot
	}
	if cfg.Remote.CacheDir == "" {
		cfg.Remote.CacheDir = filepath.Join(cfg.DataRoot, cacheDir)
	}
	if cfg.Remote.Principal == "" {
		cfg.Remote.Principal = cfg.Principal
	}
	if cfg.Remote.Transport == (client.TransportConfig{}) {
		cfg.Remote.Transport = cfg.Transport
	}
	if cfg.Mode == ModeClient && len(cfg.Remote.APIURLs) == 0 && cfg.APIURL != "" {
		cfg.Remote.APIURLs = []string{cfg.APIURL}
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	return nil
}
