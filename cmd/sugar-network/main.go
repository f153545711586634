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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"
	"github.com/docopt/docopt-go"

	"github.com/sugarlabs/sugar-network/client"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/server"
	"github.com/sugarlabs/sugar-network/syncer"
)

const usage = `Sugar Network server.

Usage:
  sugar-network start [options]
  sugar-network stop [options]
  sugar-network status [options]
  sugar-network online-sync [options]
  sugar-network offline-sync <dir> [options]
  sugar-network -h | --help
  sugar-network --version

Options:
  -h --help               Show this screen.
  --version               Show version.
  -c --config=<file>      JSON configuration file [default: sugar-network.json].
  --mode=<mode>           Run as a network "node" or a "client".
  --role=<role>           Node role, "master" or "slave".
  --port=<port>           HTTP port to listen on.
  --data-root=<dir>       Root of the volume, stats and run directories.
  --api-url=<url>         Master API url to sync or mount.
  --files-root=<dir>      Shared files tree synced with the master.
  --stats-root=<dir>      Statistics databases.
  --sync-layers=<list>    Comma separated layers to sync.
  --pull-timeout=<sec>    Seconds to wait while the master prepares a diff.
  --find-limit=<num>      Upper limit of find replies.
  --trust-users           Accept principals without registration.
`

// Config service config
type Config struct {
	server.Config

	LogLevel log.Level `json:"log_level"`
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "sugar-network 0.1")
	if err != nil {
		os.Exit(2)
	}

	cfg := &Config{}
	if err = loadConfig(cfg, opts); err != nil {
		fmt.Fprintln(os.Stderr, errors.Detail(err))
		os.Exit(1)
	}

	switch {
	case isSet(opts, "start"):
		start(cfg)
	case isSet(opts, "stop"):
		err = stop(cfg)
	case isSet(opts, "status"):
		err = status(cfg)
	case isSet(opts, "online-sync"):
		err = command(cfg, syncer.CmdOnlineSync, "")
	case isSet(opts, "offline-sync"):
		dir, _ := opts.String("<dir>")
		if dir, err = filepath.Abs(dir); err == nil {
			err = command(cfg, syncer.CmdOfflineSync, dir)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func isSet(opts docopt.Opts, key string) bool {
	v, _ := opts.Bool(key)
	return v
}

func loadConfig(cfg *Config, opts docopt.Opts) error {
	path, _ := opts.String("--config")
	if _, err := os.Stat(path); err == nil {
		if err = config.LoadFile(cfg, path); err != nil {
			return errors.Info(err, "load", path)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if v, _ := opts.String("--mode"); v != "" {
		cfg.Mode = v
	}
	if v, _ := opts.String("--role"); v != "" {
		if cfg.Role = proto.ParseNodeRole(v); cfg.Role == proto.NodeRoleUnknown {
			return errors.New("unknown role " + v)
		}
	}
	if v, _ := opts.String("--data-root"); v != "" {
		cfg.DataRoot = v
	}
	if v, _ := opts.String("--api-url"); v != "" {
		cfg.APIURL = v
	}
	if v, _ := opts.String("--files-root"); v != "" {
		cfg.FilesRoot = v
	}
	if v, _ := opts.String("--stats-root"); v != "" {
		cfg.StatsRoot = v
	}
	if v, _ := opts.String("--sync-layers"); v != "" {
		cfg.Syncer.SyncLayers = strings.Split(v, ",")
	}
	if isSet(opts, "--trust-users") {
		cfg.Router.TrustUsers = true
	}
	for key, dst := range map[string]*int{
		"--pull-timeout": &cfg.Syncer.PullTimeoutS,
		"--find-limit":   &cfg.Volume.FindLimit,
	} {
		v, _ := opts.String(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Info(err, "parse", key)
		}
		*dst = n
	}
	if v, _ := opts.String("--port"); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return errors.Info(err, "parse --port")
		}
		cfg.Port = uint32(port)
	}
	return nil
}

func start(cfg *Config) {
	registerLogLevel()
	modifyOpenFiles()
	log.SetOutputLevel(cfg.LogLevel)

	startServer, err := server.NewServer(context.Background(), &cfg.Config)
	if err != nil {
		log.Fatal(errors.Detail(err))
	}
	httpServer := server.NewHttpServer(startServer)
	httpServer.Serve()

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	httpServer.Stop()
	startServer.Close()
}

func stop(cfg *Config) error {
	pid, err := server.Stop(pidFile(cfg))
	if err != nil {
		return errors.Info(err, "no server to stop")
	}
	fmt.Println("sent SIGTERM to", pid)
	return nil
}

func status(cfg *Config) error {
	pid, err := server.ReadPid(pidFile(cfg))
	if err != nil {
		fmt.Println("stopped")
		return err
	}
	fmt.Println("running with pid", pid)

	c := client.NewLocal(runDir(cfg), "")
	defer c.Close()
	req := proto.NewRequest(proto.MethodGet)
	req.Cmd = server.CmdInfo
	if cfg.Mode == server.ModeClient {
		req.Mountpoint = proto.MountpointHome
	}
	info := &proto.NodeInfo{}
	if err = c.CallJSON(context.Background(), req, info); err != nil {
		return err
	}
	fmt.Printf("%s %s at seqno %d\n", info.Role, info.Guid, info.Seqno)
	if info.Master != "" {
		fmt.Println("master", info.Master, info.ApiURL)
	}
	return nil
}

// command asks the running server over its local socket.
func command(cfg *Config, cmd, path string) error {
	c := client.NewLocal(runDir(cfg), "")
	defer c.Close()

	req := proto.NewRequest(proto.MethodPost)
	req.Cmd = cmd
	if path != "" {
		req.SetArg("path", path)
	}
	return c.CallJSON(context.Background(), req, nil)
}

func runDir(cfg *Config) string {
	if cfg.RunDir != "" {
		return cfg.RunDir
	}
	root := cfg.DataRoot
	if root == "" {
		root = server.DefaultDataRoot
	}
	return filepath.Join(root, "run")
}

func pidFile(cfg *Config) string {
	if cfg.PidFile != "" {
		return cfg.PidFile
	}
	return filepath.Join(runDir(cfg), server.PidFileName)
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)

	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}

	rLimit.Cur = 102400
	if rLimit.Max < rLimit.Cur {
		rLimit.Max = rLimit.Cur
	}
	if err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		// unprivileged users cannot raise the hard limit
		log.Warnf("setting rlimit failed: %s", err)
		return
	}
	if err = syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)
}
