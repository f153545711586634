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

package volume

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/google/renameio"

	"github.com/sugarlabs/sugar-network/common/blobs"
	"github.com/sugarlabs/sugar-network/common/kvstore"
	"github.com/sugarlabs/sugar-network/common/pubsub"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/metrics"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/resource"
	"github.com/sugarlabs/sugar-network/util"
)

const (
	seqnoFile  = "seqno"
	nodeFile   = "node"
	masterFile = "master"

	defaultFindLimit = 1024
	defaultMissedTTL = time.Hour
	openPoolSize     = 4
)

type (
	Config struct {
		KVType    kvstore.LsmKVType `json:"kv_type"`
		FindLimit int               `json:"find_limit"`
		// StaticURL overrides the host BLOB urls are rewritten against.
		StaticURL string `json:"static_url"`
		// Admins bypass authorship checks.
		Admins []string `json:"admins"`
		// Watched documents bump the populate marker on every change.
		Watched []string `json:"watched"`
		// CommitDelayMs commits this long after the first uncommitted
		// mutation, zero leaves commits to the caller.
		CommitDelayMs int `json:"commit_delay_ms"`
	}

	// Volume is the set of resource directories sharing one seqno counter
	// and one event bus.
	Volume struct {
		root      string
		cfg       Config
		seqno     *Seqno
		names     []string
		dirs      map[string]*resource.Directory
		blobs     *blobs.Store
		missed    *blobs.NegativeCache
		publisher *pubsub.Publisher
		watched   map[string]bool
		mtime     int64

		identityLock sync.Mutex
		commitLock   sync.Mutex
		commitTimer  *time.Timer
		closed       int32
	}
)

// Open opens every directory of schemas under root, directories with a
// stale index are populated in parallel.
func Open(ctx context.Context, root string, schemas []*resource.Schema, cfg Config) (*Volume, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.FindLimit <= 0 {
		cfg.FindLimit = defaultFindLimit
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	seqno, err := openSeqno(filepath.Join(root, seqnoFile))
	if err != nil {
		return nil, errors.Info(err, "open seqno of", root)
	}
	v := &Volume{
		root:      root,
		cfg:       cfg,
		seqno:     seqno,
		dirs:      make(map[string]*resource.Directory, len(schemas)),
		blobs:     blobs.New(root),
		missed:    blobs.NewNegativeCache(defaultMissedTTL),
		publisher: pubsub.New(),
		watched:   make(map[string]bool),
		mtime:     util.Now(),
	}
	for _, name := range cfg.Watched {
		v.watched[name] = true
	}
	v.publisher.AddHook(func(event *proto.Event) {
		metrics.EventCounter.WithLabelValues(event.Event).Inc()
	})

	opts := resource.Options{KVType: cfg.KVType, Next: seqno.Next, Done: seqno.Done, Notify: v.notify}
	pool := taskpool.New(openPoolSize, len(schemas)+1)
	defer pool.Close()
	var (
		wg      sync.WaitGroup
		lock    sync.Mutex
		openErr error
	)
	for _, schema := range schemas {
		schema := schema
		v.names = append(v.names, schema.Name)
		wg.Add(1)
		pool.Run(func() {
			defer wg.Done()
			dir, err := resource.OpenDirectory(ctx, root, schema, v.blobs, opts)
			lock.Lock()
			defer lock.Unlock()
			if err != nil {
				openErr = errors.Info(err, "open directory", schema.Name)
				return
			}
			v.dirs[schema.Name] = dir
		})
	}
	wg.Wait()
	if openErr != nil {
		v.Close()
		return nil, openErr
	}
	span.Infof("volume %s opened at seqno %d with %s", root, seqno.Value(), strings.Join(v.names, ","))
	return v, nil
}

func (v *Volume) Root() string {
	return v.root
}

func (v *Volume) Config() Config {
	return v.cfg
}

// Documents returns directory names in schema order.
func (v *Volume) Documents() []string {
	return append([]string(nil), v.names...)
}

func (v *Volume) Has(document string) bool {
	_, ok := v.dirs[document]
	return ok
}

func (v *Volume) Directory(document string) (*resource.Directory, error) {
	dir, ok := v.dirs[document]
	if !ok {
		return nil, apierrors.BadRequest("unknown document %q", document)
	}
	return dir, nil
}

// Seqno is the committed watermark, every mutation up to it is indexed.
func (v *Volume) Seqno() uint64 {
	return v.seqno.Committed()
}

func (v *Volume) Blobs() *blobs.Store {
	return v.blobs
}

func (v *Volume) MissedBlobs() *blobs.NegativeCache {
	return v.missed
}

func (v *Volume) Publisher() *pubsub.Publisher {
	return v.publisher
}

func (v *Volume) Publish(event *proto.Event) {
	v.publisher.Publish(event)
}

// Mtime is the populate marker, it changes on every write to a watched
// document.
func (v *Volume) Mtime() int64 {
	return atomic.LoadInt64(&v.mtime)
}

func (v *Volume) notify(event *proto.Event) {
	v.publisher.Publish(event)
	if event.Seqno > 0 {
		v.scheduleCommit()
	}
	if !v.watched[event.Document] {
		return
	}
	now := util.Now()
	for {
		old := atomic.LoadInt64(&v.mtime)
		if now <= old {
			now = old + 1
		}
		if atomic.CompareAndSwapInt64(&v.mtime, old, now) {
			break
		}
	}
	v.publisher.Publish(&proto.Event{Event: proto.EventPopulate, Mtime: now})
}

// Commit flushes the seqno counter and tells subscribers that changes
// up to the committed seqno are settled.
func (v *Volume) Commit(ctx context.Context) error {
	if err := v.seqno.Commit(); err != nil {
		return errors.Info(err, "commit seqno")
	}
	v.publisher.Publish(&proto.Event{Event: proto.EventCommit, Seqno: v.seqno.Committed()})
	return nil
}

// scheduleCommit arms one delayed Commit, mutations made before it fires
// share it.
func (v *Volume) scheduleCommit() {
	if v.cfg.CommitDelayMs <= 0 || atomic.LoadInt32(&v.closed) == 1 {
		return
	}
	v.commitLock.Lock()
	defer v.commitLock.Unlock()
	if v.commitTimer != nil {
		return
	}
	v.commitTimer = time.AfterFunc(time.Duration(v.cfg.CommitDelayMs)*time.Millisecond, func() {
		v.commitLock.Lock()
		v.commitTimer = nil
		v.commitLock.Unlock()
		span, ctx := trace.StartSpanFromContext(context.Background(), "commit")
		if err := v.Commit(ctx); err != nil {
			span.Errorf("commit %s failed: %s", v.root, errors.Detail(err))
		}
	})
}

// Guid is the identity of the node owning the volume, it is generated
// on first access.
func (v *Volume) Guid() (string, error) {
	v.identityLock.Lock()
	defer v.identityLock.Unlock()
	guid, err := v.readIdentity(nodeFile)
	if err != nil || guid != "" {
		return guid, err
	}
	guid = util.NewGuid()
	return guid, v.writeIdentity(nodeFile, guid)
}

// Master returns the guid of the master the volume syncs with, empty
// when the volume never synced.
func (v *Volume) Master() (string, error) {
	v.identityLock.Lock()
	defer v.identityLock.Unlock()
	return v.readIdentity(masterFile)
}

func (v *Volume) SetMaster(guid string) error {
	v.identityLock.Lock()
	defer v.identityLock.Unlock()
	return v.writeIdentity(masterFile, guid)
}

func (v *Volume) readIdentity(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(v.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (v *Volume) writeIdentity(name, guid string) error {
	return renameio.WriteFile(filepath.Join(v.root, name), []byte(guid), 0o644)
}

func (v *Volume) Close() {
	if !atomic.CompareAndSwapInt32(&v.closed, 0, 1) {
		return
	}
	v.commitLock.Lock()
	if v.commitTimer != nil {
		v.commitTimer.Stop()
		v.commitTimer = nil
	}
	v.commitLock.Unlock()
	for _, dir := range v.dirs {
		dir.Close()
	}
	v.publisher.Close()
	v.seqno.Commit()
}
