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

package mountset

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/fsnotify/fsnotify"

	"github.com/sugarlabs/sugar-network/mount"
)

const (
	DefaultSentinel = ".sugar-network"

	defaultDebounceMs = 3000
	// one worker keeps mount and unmount of a medium ordered
	discoveryWorkers = 1
	discoveryQueue   = 64
)

type (
	DiscoveryConfig struct {
		// Root is watched for entries holding the sentinel.
		Root       string `json:"root"`
		Sentinel   string `json:"sentinel"`
		DebounceMs int    `json:"debounce_ms"`
	}

	// OpenFunc opens the mount for a discovered medium, the volume lives
	// in the sentinel directory.
	OpenFunc func(ctx context.Context, mountpoint, root string) (mount.Mount, error)

	Discovery struct {
		cfg     DiscoveryConfig
		set     *Mountset
		open    OpenFunc
		watcher *fsnotify.Watcher
		pool    taskpool.TaskPool

		lock    sync.Mutex
		pending map[string]*time.Timer
		found   map[string]bool

		runLock sync.RWMutex
		closed  bool
		done    chan struct{}
		wg      sync.WaitGroup
	}
)

// Discover starts watching cfg.Root and mounts media carrying the sentinel.
func (s *Mountset) Discover(cfg *DiscoveryConfig, open OpenFunc) (*Discovery, error) {
	if cfg.Sentinel == "" {
		cfg.Sentinel = DefaultSentinel
	}
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = defaultDebounceMs
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Info(err, "create watcher")
	}
	if err = watcher.Add(cfg.Root); err != nil {
		watcher.Close()
		return nil, errors.Info(err, "watch", cfg.Root)
	}
	d := &Discovery{
		cfg:     *cfg,
		set:     s,
		open:    open,
		watcher: watcher,
		pool:    taskpool.New(discoveryWorkers, discoveryQueue),
		pending: make(map[string]*time.Timer),
		found:   make(map[string]bool),
		done:    make(chan struct{}),
	}

	entries, err := os.ReadDir(cfg.Root)
	if err != nil {
		watcher.Close()
		return nil, errors.Info(err, "list", cfg.Root)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			d.track(filepath.Join(cfg.Root, entry.Name()))
		}
	}

	d.wg.Add(1)
	go d.loop()
	return d, nil
}

func (d *Discovery) Close() {
	close(d.done)
	d.watcher.Close()
	d.wg.Wait()

	d.lock.Lock()
	for path, timer := range d.pending {
		timer.Stop()
		delete(d.pending, path)
	}
	d.lock.Unlock()

	d.runLock.Lock()
	d.closed = true
	d.pool.Close()
	d.runLock.Unlock()
}

// submit drops tasks of timers firing after Close.
func (d *Discovery) submit(task func()) {
	d.runLock.RLock()
	defer d.runLock.RUnlock()
	if !d.closed {
		d.pool.Run(task)
	}
}

func (d *Discovery) loop() {
	defer d.wg.Done()
	span, _ := trace.StartSpanFromContext(context.Background(), "discovery")
	for {
		select {
		case <-d.done:
			return
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			span.Warnf("watch %s: %s", d.cfg.Root, err)
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handle(event)
		}
	}
}

func (d *Discovery) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	parent := filepath.Dir(path)
	switch {
	case parent == filepath.Clean(d.cfg.Root):
		if event.Op&fsnotify.Create == fsnotify.Create {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				d.track(path)
			}
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			d.watcher.Remove(path)
			d.lost(path)
		}
	case filepath.Base(path) == d.cfg.Sentinel:
		if event.Op&fsnotify.Create == fsnotify.Create {
			d.schedule(parent)
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			d.lost(parent)
		}
	}
}

// track watches an entry of the root for the sentinel to appear.
func (d *Discovery) track(path string) {
	if err := d.watcher.Add(path); err != nil {
		log.Warnf("watch %s: %s", path, err)
	}
	d.schedule(path)
}

// schedule checks the sentinel once the debounce interval passes, a
// medium is still being materialized before that.
func (d *Discovery) schedule(path string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if timer, ok := d.pending[path]; ok {
		timer.Reset(time.Duration(d.cfg.DebounceMs) * time.Millisecond)
		return
	}
	d.pending[path] = time.AfterFunc(time.Duration(d.cfg.DebounceMs)*time.Millisecond, func() {
		d.lock.Lock()
		delete(d.pending, path)
		d.lock.Unlock()
		d.check(path)
	})
}

func (d *Discovery) check(path string) {
	root := filepath.Join(path, d.cfg.Sentinel)
	if _, err := os.Stat(root); err != nil {
		return
	}
	d.lock.Lock()
	if d.found[path] {
		d.lock.Unlock()
		return
	}
	d.found[path] = true
	d.lock.Unlock()

	d.submit(func() {
		span, ctx := trace.StartSpanFromContext(context.Background(), "mount")
		m, err := d.open(ctx, path, root)
		if err == nil {
			err = d.set.Add(m)
			if err != nil {
				m.Close()
			}
		}
		if err != nil {
			span.Errorf("cannot mount %s: %s", path, err)
			d.lock.Lock()
			delete(d.found, path)
			d.lock.Unlock()
			return
		}
		span.Infof("mounted %s", path)
	})
}

func (d *Discovery) lost(path string) {
	d.lock.Lock()
	if timer, ok := d.pending[path]; ok {
		timer.Stop()
		delete(d.pending, path)
	}
	found := d.found[path]
	delete(d.found, path)
	d.lock.Unlock()
	if !found {
		return
	}
	d.submit(func() {
		if err := d.set.Remove(path); err != nil {
			log.Warnf("unmount %s: %s", path, err)
			return
		}
		log.Infof("unmounted %s", path)
	})
}
