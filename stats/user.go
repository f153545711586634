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

package stats

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/sugarlabs/sugar-network/common/rrd"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/model"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/resource"
	"github.com/sugarlabs/sugar-network/sneakernet"
	"github.com/sugarlabs/sugar-network/util"
	"github.com/sugarlabs/sugar-network/volume"
)

const (
	CmdStatsUpload = "stats-upload"
	CmdStatsInfo   = "stats-info"

	userDir = "user"
)

type (
	Sample struct {
		Timestamp int64              `json:"timestamp"`
		Values    map[string]float64 `json:"values"`
	}

	// Upload is a batch of samples for one database of a user.
	Upload struct {
		Name   string   `json:"name"`
		Values []Sample `json:"values"`
	}

	Info struct {
		Enable bool             `json:"enable"`
		Step   int64            `json:"step"`
		Rras   []string         `json:"rras"`
		Status map[string]int64 `json:"status"`
	}

	// UserStats keeps databases every user uploads, those of one user
	// live in stats/user/<uid[:2]>/<uid>.
	UserStats struct {
		cfg  Config
		root string

		lock sync.Mutex
		rrds map[string]*rrd.Rrd
	}
)

func OpenUserStats(cfg *Config) (*UserStats, error) {
	fixConfig(cfg)
	for _, s := range cfg.Rras {
		if _, err := rrd.ParseRra(s); err != nil {
			return nil, err
		}
	}
	root := filepath.Join(cfg.Root, userDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &UserStats{cfg: *cfg, root: root, rrds: make(map[string]*rrd.Rrd)}, nil
}

func (u *UserStats) userRoot(user string) string {
	prefix := user
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(u.root, prefix, user)
}

func (u *UserStats) open(user string) (*rrd.Rrd, error) {
	if !util.IsGuid(user) {
		return nil, apierrors.BadRequest("malformed user %q", user)
	}
	u.lock.Lock()
	defer u.lock.Unlock()
	if r, ok := u.rrds[user]; ok {
		return r, nil
	}
	r, err := rrd.Open(u.userRoot(user), u.cfg.StepS, u.cfg.Rras)
	if err != nil {
		return nil, err
	}
	u.rrds[user] = r
	return r, nil
}

// Upload stores samples, those not newer than the last stored one are
// skipped.
func (u *UserStats) Upload(ctx context.Context, user string, batch *Upload) error {
	if !util.IsGuid(batch.Name) {
		return apierrors.BadRequest("malformed stats name %q", batch.Name)
	}
	r, err := u.open(user)
	if err != nil {
		return err
	}
	db, err := r.Get(ctx, batch.Name)
	if err != nil {
		return err
	}
	samples := append([]Sample(nil), batch.Values...)
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })
	for _, sample := range samples {
		if sample.Timestamp <= db.Last() || len(sample.Values) == 0 {
			continue
		}
		if err = db.Put(sample.Values, sample.Timestamp); err != nil {
			return err
		}
	}
	trace.SpanFromContextSafe(ctx).Debugf("%d %s samples uploaded by %s", len(samples), batch.Name, user)
	return nil
}

func (u *UserStats) Info(ctx context.Context, user string) (*Info, error) {
	r, err := u.open(user)
	if err != nil {
		return nil, err
	}
	names, err := r.List()
	if err != nil {
		if os.IsNotExist(err) {
			names = nil
		} else {
			return nil, err
		}
	}
	info := &Info{Enable: true, Step: u.cfg.StepS, Rras: u.cfg.Rras, Status: make(map[string]int64, len(names))}
	for _, name := range names {
		db, err := r.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		info.Status[name] = db.Last()
	}
	return info, nil
}

// users lists users having databases on disk.
func (u *UserStats) users() ([]string, error) {
	prefixes, err := os.ReadDir(u.root)
	if err != nil {
		return nil, err
	}
	var users []string
	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(u.root, prefix.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				users = append(users, e.Name())
			}
		}
	}
	sort.Strings(users)
	return users, nil
}

// Ack folds timestamps confirmed by a peer into pushed, a confirmation
// never moves a cursor back. It reports whether pushed changed.
func Ack(pushed, acked map[string]int64) bool {
	changed := false
	for db, ts := range acked {
		if ts > pushed[db] {
			pushed[db] = ts
			changed = true
		}
	}
	return changed
}

func dbKey(user, name string) string {
	return user + "/" + name
}

// Diff writes rows newer than pushed, keyed by <user>/<db>, and returns
// the last timestamps written. A full packet ends the diff cleanly.
func (u *UserStats) Diff(ctx context.Context, w *sneakernet.Writer, pushed map[string]int64) (map[string]int64, error) {
	written := make(map[string]int64)
	users, err := u.users()
	if err != nil {
		return nil, err
	}
	for _, user := range users {
		r, err := u.open(user)
		if err != nil {
			return nil, err
		}
		names, err := r.List()
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			db, err := r.Get(ctx, name)
			if err != nil {
				return nil, err
			}
			key := dbKey(user, name)
			for _, row := range db.Fetch(pushed[key]+1, 0) {
				err = w.Write(&sneakernet.Record{
					Type:      sneakernet.RecordStats,
					User:      user,
					DB:        name,
					Timestamp: row.Timestamp,
					Values:    row.Values,
				})
				if err == sneakernet.ErrPacketFull {
					return written, nil
				}
				if err != nil {
					return nil, err
				}
				written[key] = row.Timestamp
			}
		}
	}
	return written, nil
}

func (u *UserStats) Merge(ctx context.Context, rec *sneakernet.Record) error {
	return u.Upload(ctx, rec.User, &Upload{
		Name:   rec.DB,
		Values: []Sample{{Timestamp: rec.Timestamp, Values: rec.Values}},
	})
}

// Register serves POST /user/<uid>?cmd=stats-upload and
// GET /user/<uid>?cmd=stats-info, only to the user itself.
func (u *UserStats) Register(p *volume.Processor) {
	p.Register(
		&volume.Command{
			Method: proto.MethodPost, Level: volume.LevelGuid, Document: model.User, Cmd: CmdStatsUpload,
			Access: resource.AccessAuth, Handler: u.upload,
		},
		&volume.Command{
			Method: proto.MethodGet, Level: volume.LevelGuid, Document: model.User, Cmd: CmdStatsInfo,
			Access: resource.AccessAuth, Handler: u.info,
		},
	)
}

func (u *UserStats) upload(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	if req.Principal != req.Guid {
		return nil, apierrors.Forbidden("stats of %s belong to another user", req.Guid)
	}
	data, err := json.Marshal(req.Content)
	if err != nil {
		return nil, apierrors.BadRequest("malformed stats: %s", err)
	}
	batch := &Upload{}
	if err = json.Unmarshal(data, batch); err != nil {
		return nil, apierrors.BadRequest("malformed stats: %s", err)
	}
	return nil, u.Upload(ctx, req.Guid, batch)
}

func (u *UserStats) info(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	if req.Principal != req.Guid {
		return nil, apierrors.Forbidden("stats of %s belong to another user", req.Guid)
	}
	return u.Info(ctx, req.Guid)
}
