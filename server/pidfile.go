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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/renameio"
)

// ErrNotRunning is returned when no live process owns the pid file.
var ErrNotRunning = os.ErrNotExist

func writePidFile(path string) error {
	if pid, err := ReadPid(path); err == nil {
		return &os.PathError{Op: "lock", Path: path, Err: errAlreadyRunning(pid)}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

type errAlreadyRunning int

func (e errAlreadyRunning) Error() string {
	return "already running with pid " + strconv.Itoa(int(e))
}

// ReadPid returns the pid of a live server, stale pid files are removed.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 || !alive(pid) {
		os.Remove(path)
		return 0, ErrNotRunning
	}
	return pid, nil
}

// Stop signals the server owning the pid file to terminate.
func Stop(path string) (int, error) {
	pid, err := ReadPid(path)
	if err != nil {
		return 0, err
	}
	return pid, syscall.Kill(pid, syscall.SIGTERM)
}

func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
