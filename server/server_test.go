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
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sugarlabs/sugar-network/client"
	"github.com/sugarlabs/sugar-network/common/kvstore"
	"github.com/sugarlabs/sugar-network/model"
	"github.com/sugarlabs/sugar-network/mountset"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/syncer"
)

func testConfig(t *testing.T, mode string, role proto.NodeRole) *Config {
	cfg := &Config{Mode: mode, Role: role, DataRoot: t.TempDir()}
	cfg.Volume.KVType = kvstore.MemoryKVType
	cfg.Router.TrustUsers = true
	return cfg
}

func TestFixConfig(t *testing.T) {
	cfg := &Config{DataRoot: "/srv/sn"}
	require.NoError(t, fixConfig(cfg))
	require.Equal(t, ModeNode, cfg.Mode)
	require.Equal(t, proto.NodeRoleMaster, cfg.Role)
	require.Equal(t, uint32(defaultPort), cfg.Port)
	require.Equal(t, "/srv/sn/stats", cfg.StatsRoot)
	require.Equal(t, "/srv/sn/stats", cfg.Stats.Root)
	require.Equal(t, "/srv/sn/run", cfg.RunDir)
	require.Equal(t, "/srv/sn/run/"+PidFileName, cfg.PidFile)
	require.Equal(t, "/srv/sn/files", cfg.FilesRoot)
	require.Equal(t, defaultCommitDelayMs, cfg.Volume.CommitDelayMs)

	cfg = &Config{Mode: ModeClient, APIURL: "http://node", Principal: "u1"}
	require.NoError(t, fixConfig(cfg))
	require.Equal(t, []string{"http://node"}, cfg.Remote.APIURLs)
	require.Equal(t, "u1", cfg.Remote.Principal)
	require.Equal(t, "", cfg.FilesRoot)
	require.Equal(t, proto.NodeRoleClient, cfg.Role)

	require.Error(t, fixConfig(&Config{Mode: ModeNode, Role: proto.NodeRoleClient}))
	require.Error(t, fixConfig(&Config{Mode: "desktop"}))
}

func TestPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "test.pid")

	_, err := ReadPid(path)
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, writePidFile(path))
	pid, err := ReadPid(path)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)
	require.Error(t, writePidFile(path))

	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1<<30)), 0o644))
	_, err = ReadPid(path)
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.NoError(t, writePidFile(path))
}

func TestServer_Node(t *testing.T) {
	ctx := context.TODO()

	masterCfg := testConfig(t, ModeNode, proto.NodeRoleMaster)
	master, err := NewServer(ctx, masterCfg)
	require.NoError(t, err)
	defer master.Close()
	_, err = os.Stat(master.Config().PidFile)
	require.NoError(t, err)

	hs := httptest.NewServer(master.Router().Handler())
	defer hs.Close()

	remote := client.New(&client.Config{APIURL: hs.URL})
	defer remote.Close()
	stat, err := remote.Stat(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, stat.Guid)

	local := client.NewLocal(master.Config().RunDir, "")
	defer local.Close()
	localStat, err := local.Stat(ctx)
	require.NoError(t, err)
	require.Equal(t, stat.Guid, localStat.Guid)

	req := proto.NewRequest(proto.MethodGet)
	req.Cmd = CmdInfo
	info := &proto.NodeInfo{}
	require.NoError(t, local.CallJSON(ctx, req, info))
	require.Equal(t, stat.Guid, info.Guid)
	require.Equal(t, proto.NodeRoleMaster, info.Role)

	// writes are committed without an explicit sync
	v := master.Processor().Volume()
	commits := v.Publisher().Subscribe(map[string]string{"event": proto.EventCommit}, 16)
	dir, err := v.Directory(model.Context)
	require.NoError(t, err)
	_, err = dir.Create(ctx, map[string]interface{}{"type": []interface{}{"activity"}, "title": "c"})
	require.NoError(t, err)
	select {
	case event := <-commits.C():
		require.NotZero(t, event.Seqno)
	case <-time.After(5 * time.Second):
		t.Fatal("no commit after a write")
	}

	slaveCfg := testConfig(t, ModeNode, proto.NodeRoleSlave)
	slaveCfg.APIURL = hs.URL
	slaveCfg.Principal = "u1"
	slave, err := NewServer(ctx, slaveCfg)
	require.NoError(t, err)
	defer slave.Close()

	req = proto.NewRequest(proto.MethodPost)
	req.Cmd = syncer.CmdOnlineSync
	slaveLocal := client.NewLocal(slave.Config().RunDir, "")
	defer slaveLocal.Close()
	require.NoError(t, slaveLocal.CallJSON(ctx, req, nil))

	masterGuid, err := slave.Processor().Volume().Master()
	require.NoError(t, err)
	require.Equal(t, stat.Guid, masterGuid)

	pidFile := slave.Config().PidFile
	slave.Close()
	_, err = os.Stat(pidFile)
	require.True(t, os.IsNotExist(err))
}

func TestServer_Client(t *testing.T) {
	ctx := context.TODO()

	s, err := NewServer(ctx, testConfig(t, ModeClient, proto.NodeRoleUnknown))
	require.NoError(t, err)
	defer s.Close()
	require.Len(t, s.Mounts().List(), 1)

	req := proto.NewRequest(proto.MethodGet)
	req.Cmd = mountset.CmdMounts
	var mounts []*mountset.MountInfo
	local := client.NewLocal(s.Config().RunDir, "")
	defer local.Close()
	require.NoError(t, local.CallJSON(ctx, req, &mounts))
	require.Len(t, mounts, 1)
	require.Equal(t, proto.MountpointHome, mounts[0].Mountpoint)
	require.True(t, mounts[0].Mounted)
}
